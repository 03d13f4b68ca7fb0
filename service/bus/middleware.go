package bus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"PPAuth/tools/errs"
)

// Drop reasons reported to DropFunc.
const (
	DropStale     = "stale"
	DropSelf      = "self"
	DropMalformed = "malformed"
	DropDuplicate = "duplicate"
	DropInjected  = "injected"
)

// DropFunc observes discarded messages.
type DropFunc func(reason string, msg Message)

// Recover turns a handler panic into an error.
func Recover(log *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					if log != nil {
						log.Error("bus handler panic", zap.String("type", msg.Type), zap.Any("panic", r), zap.Stack("stack"))
					}
					err = errs.ErrPanic(r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// Filter applies Accept with the receiver's identity and clock. Rejected
// messages are reported to onDrop and swallowed.
func Filter(self string, now func() time.Time, window time.Duration, onDrop DropFunc) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			if err := Accept(msg, self, now(), window); err != nil {
				if onDrop != nil {
					onDrop(dropReason(msg, self, err), msg)
				}
				return nil
			}
			return next(ctx, msg)
		}
	}
}

func dropReason(msg Message, self string, err error) string {
	switch {
	case errs.IsCode(err, errs.MalformedError):
		return DropMalformed
	case msg.Origin == self:
		return DropSelf
	default:
		return DropStale
	}
}

// Dedup skips messages whose id was already seen within ttl.
func Dedup(store IdemStore, ttl time.Duration, onDrop DropFunc) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			id := msg.ID
			if id == "" {
				id = fmt.Sprintf("%s|%s|%d", msg.Origin, msg.Type, msg.Timestamp)
			}
			if seen, _ := store.SeenOnce(id, ttl); seen {
				if onDrop != nil {
					onDrop(DropDuplicate, msg)
				}
				return nil
			}
			return next(ctx, msg)
		}
	}
}
