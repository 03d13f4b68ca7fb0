package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"PPAuth/logger"
	"PPAuth/tools/errs"
)

// InterceptFunc lets tests lose messages on the way to a given endpoint.
// Returning true drops the delivery.
type InterceptFunc func(topic string, msg Message, to string) bool

// Hub is the in-process broadcast medium. Delivery is synchronous on the
// publisher's goroutine, so handlers must hand work off instead of blocking.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string][]*hubSub
	nextID    uint64
	intercept InterceptFunc
	log       *zap.Logger
}

type hubSub struct {
	id    uint64
	owner string
	h     Handler
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{subs: make(map[string][]*hubSub), log: logger.OrNamed(log, "hub")}
}

func (h *Hub) SetIntercept(f InterceptFunc) {
	h.mu.Lock()
	h.intercept = f
	h.mu.Unlock()
}

// Endpoint returns the Bus of the context identified by owner.
func (h *Hub) Endpoint(owner string) *HubEndpoint {
	return &HubEndpoint{hub: h, owner: owner}
}

func (h *Hub) add(topic, owner string, fn Handler) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.subs[topic] = append(h.subs[topic], &hubSub{id: h.nextID, owner: owner, h: fn})
	return h.nextID
}

func (h *Hub) remove(topic string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.subs[topic]
	for i, s := range list {
		if s.id == id {
			// copy-on-write so in-flight deliveries keep their snapshot
			next := make([]*hubSub, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			h.subs[topic] = next
			return
		}
	}
}

func (h *Hub) removeOwner(owner string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, list := range h.subs {
		next := make([]*hubSub, 0, len(list))
		for _, s := range list {
			if s.owner != owner {
				next = append(next, s)
			}
		}
		h.subs[topic] = next
	}
}

func (h *Hub) deliver(ctx context.Context, topic, from string, msg Message) {
	h.mu.RLock()
	list := h.subs[topic]
	intercept := h.intercept
	h.mu.RUnlock()

	for _, s := range list {
		if s.owner == from {
			continue
		}
		if intercept != nil && intercept(topic, msg, s.owner) {
			continue
		}
		if err := s.h(ctx, msg); err != nil {
			h.log.Warn("handler error", zap.String("topic", topic), zap.String("type", msg.Type), zap.String("to", s.owner), zap.Error(err))
		}
	}
}

var _ Bus = (*HubEndpoint)(nil)

// HubEndpoint implements Bus on top of a Hub.
type HubEndpoint struct {
	hub    *Hub
	owner  string
	mu     sync.Mutex
	closed bool
}

func (e *HubEndpoint) Publish(ctx context.Context, topic string, msg Message) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return errs.ErrClosed.WrapMsg("hub endpoint closed", "owner", e.owner)
	}
	e.hub.deliver(ctx, topic, e.owner, msg)
	return nil
}

func (e *HubEndpoint) Subscribe(topic string, h Handler) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errs.ErrClosed.WrapMsg("hub endpoint closed", "owner", e.owner)
	}
	id := e.hub.add(topic, e.owner, h)
	var once sync.Once
	return func() { once.Do(func() { e.hub.remove(topic, id) }) }, nil
}

func (e *HubEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.hub.removeOwner(e.owner)
	return nil
}
