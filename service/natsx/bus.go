package natsx

import (
	"context"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"PPAuth/logger"
	"PPAuth/service/bus"
	"PPAuth/tools/errs"
	"PPAuth/tools/safe"
)

const (
	hdrMsgID  = "Nats-Msg-Id"
	hdrOrigin = "X-Origin"
)

var _ bus.Bus = (*Bus)(nil)

// Bus is a bus.Bus over core NATS subjects <prefix>.<origin>.<topic>.
// Core NATS has no persistence, which matches the fire-and-forget
// semantics of broadcast messages.
type Bus struct {
	nc     *nats.Conn
	prefix string
	origin string
	self   string
	log    *zap.Logger

	mu     sync.Mutex
	subs   map[*nats.Subscription]struct{}
	closed bool
}

// NewBus does not take ownership of nc.
func NewBus(nc *nats.Conn, prefix, origin, self string, log *zap.Logger) *Bus {
	return &Bus{
		nc:     nc,
		prefix: token(prefix),
		origin: token(origin),
		self:   self,
		log:    logger.OrNamed(log, "natsx"),
		subs:   make(map[*nats.Subscription]struct{}),
	}
}

// token makes s safe to use as one subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

func (b *Bus) subject(topic string) string {
	return b.prefix + "." + b.origin + "." + token(topic)
}

func (b *Bus) Publish(_ context.Context, topic string, msg bus.Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errs.ErrClosed.WrapMsg("nats bus closed")
	}
	raw, err := bus.Encode(msg)
	if err != nil {
		return err
	}
	m := nats.NewMsg(b.subject(topic))
	m.Data = raw
	m.Header.Set(hdrMsgID, msg.ID)
	m.Header.Set(hdrOrigin, b.self)
	if err := b.nc.PublishMsg(m); err != nil {
		return errs.ErrNetwork.WrapMsg("nats publish", "topic", topic, "err", err.Error())
	}
	return nil
}

func (b *Bus) Subscribe(topic string, h bus.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errs.ErrClosed.WrapMsg("nats bus closed")
	}
	sub, err := b.nc.Subscribe(b.subject(topic), func(m *nats.Msg) {
		b.dispatch(topic, m, h)
	})
	if err != nil {
		return nil, errs.ErrNetwork.WrapMsg("nats subscribe", "topic", topic, "err", err.Error())
	}
	// make sure the server knows about the interest before returning
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, errs.ErrNetwork.WrapMsg("nats flush", "topic", topic, "err", err.Error())
	}
	b.subs[sub] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			_ = sub.Unsubscribe()
		})
	}, nil
}

func (b *Bus) dispatch(topic string, m *nats.Msg, h bus.Handler) {
	defer safe.Recover(b.log, "nats bus handler")
	if m.Header != nil && m.Header.Get(hdrOrigin) == b.self {
		return
	}
	msg, err := bus.Decode(m.Data)
	if err != nil {
		b.log.Debug("drop undecodable frame", zap.String("subject", m.Subject), zap.Error(err))
		return
	}
	if msg.Origin == b.self {
		return
	}
	if err := h(context.Background(), msg); err != nil {
		b.log.Warn("handler error", zap.String("topic", topic), zap.String("type", msg.Type), zap.Error(err))
	}
}

// Close drains the subscriptions; the connection stays open.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for sub := range subs {
		_ = sub.Drain()
	}
	return nil
}
