// Package transport delivers rendered emails. The relay client hands
// messages to an external delivery API; the sandbox sender captures
// them in memory for development and testing.
package transport

import (
	"context"

	"github.com/tidewater/outreach/internal/dispatch"
)

// Sender delivers a single rendered email.
type Sender interface {
	Send(ctx context.Context, msg *dispatch.SendPayload) error
}
