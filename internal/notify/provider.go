// Package notify pushes alert notifications to external targets.
package notify

import (
	"context"

	"github.com/tovfikur/fleetd/internal/model"
)

// Provider is a notification delivery target.
type Provider interface {
	Name() string
	Send(ctx context.Context, n model.Notification) error
}
