package bus

import (
	"errors"
	"log/slog"
)

var (
	// ErrHandleClosed is returned when sending on a disconnected handle.
	ErrHandleClosed = errors.New("handle closed")
	// ErrUnknownType is reported for messages no handler is registered for.
	ErrUnknownType = errors.New("unknown message type")
)

// Handle is a bidirectional message channel to one worker, in-process or OS process.
//
// Receive yields inbound messages in arrival order and is closed once the
// peer disconnects. Done is closed at the same moment.
type Handle interface {
	ID() string
	Send(msg Message) error
	Receive() <-chan Message
	Done() <-chan struct{}
	Close() error
}

// Alive reports whether h has not yet disconnected.
func Alive(h Handle) bool {
	if h == nil {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

// Send delivers msg on h and logs failures. Delivery is fire-and-forget.
func Send(log *slog.Logger, h Handle, msg Message) {
	if h == nil {
		return
	}
	if err := h.Send(msg); err != nil {
		if log == nil {
			log = slog.Default()
		}
		log.Warn("send failed", "handle", h.ID(), "type", msg.Type, "id", msg.ID, "error", err)
	}
}
