package main

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"PPAuth/global"
	"PPAuth/service/bus"
	"PPAuth/service/metrics"
	"PPAuth/service/natsx"
	"PPAuth/service/relay"
	"PPAuth/service/storage"
	"PPAuth/service/storage/redis"
	"PPAuth/tools/clock"
	"PPAuth/tools/errs"
)

type backends struct {
	store   storage.Store
	bus     bus.Bus
	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// newBackends builds the shared store and the broadcast bus. Store failures
// at runtime degrade to memory; a bus that cannot connect at start is fatal.
func newBackends(ctx context.Context, cfg *global.AppConfig, self string, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) (*backends, error) {
	b := &backends{}
	var rdb *goredis.Client
	needRedis := cfg.Store.Backend == global.StoreRedis || cfg.Bus.Backend == global.BusRedis
	if needRedis {
		c, err := redis.NewClient(ctx, redis.Config{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			PoolSize: cfg.Store.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		rdb = c
		b.closers = append(b.closers, func() { _ = c.Close() })
	}

	switch cfg.Store.Backend {
	case global.StoreRedis:
		b.store = storage.NewResilient(storage.NewRedisStore(rdb, cfg.Origin), clk, log, m)
	default:
		b.store = storage.NewMemory(clk)
	}

	switch cfg.Bus.Backend {
	case global.BusRedis:
		rb := bus.NewRedisBus(rdb, cfg.Origin, self, log)
		b.bus = rb
		b.closers = append(b.closers, func() { _ = rb.Close() })
	case global.BusNats:
		nc, err := natsx.Connect(natsx.NatsxConfig{
			Servers:       cfg.Bus.Nats.Servers,
			Name:          cfg.Bus.Nats.Name,
			User:          cfg.Bus.Nats.User,
			Password:      cfg.Bus.Nats.Password,
			ReconnectWait: cfg.Bus.Nats.ReconnectWait,
		}, log)
		if err != nil {
			b.Close()
			return nil, errs.WrapMsg(err, "nats connect")
		}
		nb := natsx.NewBus(nc, cfg.Bus.Nats.SubjectPrefix, cfg.Origin, self, log)
		b.bus = nb
		b.closers = append(b.closers, func() { _ = nb.Close(); nc.Close() })
	case global.BusRelay:
		rc, err := relay.Dial(ctx, relay.ClientConf{URL: cfg.Bus.RelayURL, Origin: cfg.Origin, Self: self}, log)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.bus = rc
		b.closers = append(b.closers, func() { _ = rc.Close() })
	default:
		// a single process has no peers; the hub still gives the tab a bus
		ep := bus.NewHub(log).Endpoint(self)
		b.bus = ep
		b.closers = append(b.closers, func() { _ = ep.Close() })
	}
	return b, nil
}
