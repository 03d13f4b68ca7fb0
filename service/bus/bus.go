package bus

import (
	"context"
)

// Handler must not block; it runs on the delivery goroutine of the backend.
type Handler func(ctx context.Context, msg Message) error

// Middleware wraps a Handler (filtering, dedup, recovery).
type Middleware func(Handler) Handler

// Chain applies mws so that the first one runs outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Bus is one context's endpoint on the broadcast medium. Messages are
// never delivered back to the endpoint that published them.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(topic string, h Handler) (func(), error)
	Close() error
}
