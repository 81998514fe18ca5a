// Package channel provides the bidirectional event channel between the
// client and the agent backend.
package channel

import (
	"context"
	"errors"

	"github.com/inercia/cowork/internal/protocol"
)

// ErrNotConnected is returned by Send when the channel is not established.
// Commands are never buffered for later delivery.
var ErrNotConnected = errors.New("not connected to the agent backend")

// Handler receives inbound events in arrival order.
type Handler = func(protocol.Event)

// Channel is the conduit used by the engine.
type Channel interface {
	// Send delivers a command to the backend.
	Send(ctx context.Context, cmd protocol.Command) error
	// OnEvent registers a handler for inbound events.
	OnEvent(h Handler) (unsubscribe func())
	// Connected reports whether commands can currently be sent.
	Connected() bool
}

// ConnectionNotifier is implemented by channels that report connection
// state changes.
type ConnectionNotifier interface {
	OnConnectionChange(fn func(connected bool)) (unsubscribe func())
}
