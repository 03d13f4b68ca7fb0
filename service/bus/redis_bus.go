package bus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"PPAuth/logger"
	"PPAuth/tools/errs"
	"PPAuth/tools/safe"
)

var _ Bus = (*RedisBus)(nil)

// RedisBus broadcasts over redis PUBLISH/SUBSCRIBE. One RedisBus per
// context; channels are <origin>:bus:<topic>.
type RedisBus struct {
	rdb    redis.UniversalClient
	origin string
	self   string
	log    *zap.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewRedisBus(rdb redis.UniversalClient, origin, self string, log *zap.Logger) *RedisBus {
	return &RedisBus{
		rdb:    rdb,
		origin: origin,
		self:   self,
		log:    logger.OrNamed(log, "redisbus"),
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

func (b *RedisBus) channel(topic string) string { return b.origin + ":bus:" + topic }

func (b *RedisBus) Publish(ctx context.Context, topic string, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errs.ErrClosed.WrapMsg("redis bus closed")
	}
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel(topic), raw).Err(); err != nil {
		return errs.ErrNetwork.WrapMsg("redis publish", "topic", topic, "err", err.Error())
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by the server.
func (b *RedisBus) Subscribe(topic string, h Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errs.ErrClosed.WrapMsg("redis bus closed")
	}
	b.mu.Unlock()

	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errs.ErrNetwork.WrapMsg("redis subscribe", "topic", topic, "err", err.Error())
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, errs.ErrClosed.WrapMsg("redis bus closed")
	}
	b.subs[ps] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	ch := ps.Channel()
	go func() {
		defer b.wg.Done()
		for rm := range ch {
			b.dispatch(topic, rm.Payload, h)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ps)
			b.mu.Unlock()
			_ = ps.Close()
		})
	}, nil
}

func (b *RedisBus) dispatch(topic, payload string, h Handler) {
	defer safe.Recover(b.log, "redis bus handler")
	msg, err := Decode([]byte(payload))
	if err != nil {
		b.log.Debug("drop undecodable frame", zap.String("topic", topic), zap.Error(err))
		return
	}
	if msg.Origin == b.self {
		return
	}
	if err := h(context.Background(), msg); err != nil {
		b.log.Warn("handler error", zap.String("topic", topic), zap.String("type", msg.Type), zap.Error(err))
	}
}

// Close unsubscribes everything and waits for the delivery goroutines.
// The redis client is not closed.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for ps := range subs {
		_ = ps.Close()
	}
	b.wg.Wait()
	return nil
}
