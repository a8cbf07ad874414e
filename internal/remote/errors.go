package remote

import (
	"errors"
	"fmt"
	"strings"
)

// FailReason categorizes why a remote operation failed.
type FailReason int

const (
	FailUnknown FailReason = iota
	FailTimeout
	FailRefused
	FailUnreachable
	FailAuth
	FailHostKey
)

// String returns a human-readable description of the failure reason.
func (r FailReason) String() string {
	switch r {
	case FailTimeout:
		return "connection timed out"
	case FailRefused:
		return "connection refused"
	case FailUnreachable:
		return "host unreachable"
	case FailAuth:
		return "authentication failed"
	case FailHostKey:
		return "host key verification failed"
	default:
		return "unknown error"
	}
}

// ConnectivityError wraps a failed probe or command with a categorized
// reason. Deployment steps may retry these; all other errors fail fast.
type ConnectivityError struct {
	Addr   string
	Reason FailReason
	Cause  error
}

func (e *ConnectivityError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Addr, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Addr, e.Reason)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Cause
}

// IsConnectivity reports whether err is (or wraps) a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// categorizeError converts a generic dial/handshake error into a
// ConnectivityError with a categorized failure reason.
func categorizeError(addr string, err error) *ConnectivityError {
	ce := &ConnectivityError{Addr: addr, Reason: FailUnknown, Cause: err}
	if err == nil {
		return nil
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "deadline exceeded"):
		ce.Reason = FailTimeout
	case strings.Contains(errStr, "connection refused"):
		ce.Reason = FailRefused
	case strings.Contains(errStr, "no route to host") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "host is down"):
		ce.Reason = FailUnreachable
	case strings.Contains(errStr, "unable to authenticate") ||
		strings.Contains(errStr, "no supported methods") ||
		strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "authentication failed"):
		ce.Reason = FailAuth
	case strings.Contains(errStr, "host key"):
		ce.Reason = FailHostKey
	}
	return ce
}
