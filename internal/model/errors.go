package model

import "errors"

var (
	// ErrNotFound indicates that a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates malformed or missing input, rejected before
	// any record is created.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateServer indicates a server with the same address is
	// already registered.
	ErrDuplicateServer = errors.New("server already registered")

	// ErrTargetBusy indicates an active Install/Migrate task already holds
	// the target server.
	ErrTargetBusy = errors.New("target server busy")

	// ErrInvalidTransition indicates an operation not valid in the
	// record's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrServerInUse indicates a server is referenced by an in-flight
	// deployment task and cannot be removed.
	ErrServerInUse = errors.New("server referenced by active task")
)
