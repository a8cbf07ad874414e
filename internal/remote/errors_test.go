package remote

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailReason
	}{
		{"timeout", errors.New("dial tcp 10.0.0.2:22: i/o timeout"), FailTimeout},
		{"deadline", errors.New("context deadline exceeded"), FailTimeout},
		{"refused", errors.New("dial tcp 10.0.0.2:22: connect: connection refused"), FailRefused},
		{"no route", errors.New("connect: no route to host"), FailUnreachable},
		{"auth", errors.New("ssh: unable to authenticate, attempted methods [none password]"), FailAuth},
		{"host key", errors.New("ssh: host key mismatch"), FailHostKey},
		{"other", errors.New("something odd"), FailUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := categorizeError("10.0.0.2:22", tt.err)
			assert.Equal(t, tt.want, ce.Reason)
			assert.ErrorIs(t, ce, tt.err)
		})
	}
}

func TestIsConnectivity(t *testing.T) {
	ce := &ConnectivityError{Addr: "10.0.0.2:22", Reason: FailRefused}

	assert.True(t, IsConnectivity(ce))
	assert.True(t, IsConnectivity(fmt.Errorf("step provision: %w", ce)))
	assert.False(t, IsConnectivity(errors.New("plain error")))
	assert.False(t, IsConnectivity(nil))
}
