// Package remote executes commands on fleet hosts over SSH.
package remote

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Endpoint identifies a remote host and how to authenticate against it.
type Endpoint struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyPath  string
}

// Address returns the host:port string for dialing. Port 0 defaults to 22.
func (e Endpoint) Address() string {
	port := e.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// Result is the outcome of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor runs a command on a remote host. Implementations must honor
// ctx cancellation and deadlines as a hard timeout on the whole call.
type Executor interface {
	Run(ctx context.Context, ep Endpoint, cmd string) (Result, error)
}
