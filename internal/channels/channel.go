// Package channels holds the chat platform transports. Each channel turns
// its platform's delivery mechanism into calls on the dialog Dispatcher and
// renders replies back; none of them contain dialog logic.
package channels

import (
	"context"

	"github.com/basket/taskdeck/internal/dialog"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context
	// is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Deliverer is the dispatcher-side contract every channel calls. Satisfied
// by *dialog.Dispatcher; narrowed to an interface so channel tests can stub
// the dialog layer.
type Deliverer interface {
	Deliver(ctx context.Context, platform, userID, text string, att *dialog.Attachment) dialog.Reply
}
