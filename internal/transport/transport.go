// Package transport defines the connection collaborator that carries
// request/response and stream traffic, and a WebSocket implementation of it.
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/skylight-hq/presenced/internal/presence"
	"github.com/skylight-hq/presenced/internal/stream"
)

// Handler serves one request method. A handler may return a Streamer, in
// which case the transport pumps its messages to the peer until it closes.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// HandlerMap maps method names to handlers.
type HandlerMap map[string]Handler

// Streamer is the capability set a streaming result provides: produce
// messages, finish, carry a terminal error, and be closed by its owner.
type Streamer interface {
	Messages() <-chan stream.Message
	Done() <-chan struct{}
	Err() error
	Close()
}

// Observer is notified when a connection is torn down.
type Observer interface {
	OnDestroy()
}

// Connection is the transport a service registers itself on.
type Connection interface {
	RegisterService(name string, handlers HandlerMap)
	Subscribe(o Observer)
	Unsubscribe(o Observer)
}

// ErrorCode translates the presence error taxonomy into wire codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, presence.ErrInvalidEntity):
		return "InvalidEntity"
	case errors.Is(err, presence.ErrMismatch):
		return "Presence:mismatch"
	case errors.Is(err, presence.ErrSizeLimit):
		return "Presence:sizeLimit"
	case errors.Is(err, presence.ErrNoUser):
		return "Auth:noUser"
	case errors.Is(err, presence.ErrNotAuthorized):
		return "Auth:notAuthorized"
	case errors.Is(err, presence.ErrInvalidPresence):
		return "Presence:invalidPresence"
	case errors.Is(err, presence.ErrLoadFailed):
		return "Presence:loadFailed"
	case errors.Is(err, presence.ErrDestroyed):
		return "Destroyed"
	case errors.Is(err, presence.ErrConnectionIDMismatch):
		return "Presence:syncFailed"
	default:
		return "InternalError"
	}
}
