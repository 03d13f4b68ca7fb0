package storage

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"PPAuth/logger"
	"PPAuth/service/metrics"
	"PPAuth/tools/clock"
)

// Resilient never returns an error. Every write is mirrored into a private
// memory map; when the backend fails the operation is served from that map
// and the context keeps running in degraded memory-only mode.
type Resilient struct {
	backend  Store
	local    *Memory
	log      *zap.Logger
	metrics  *metrics.Metrics
	degraded atomic.Bool
}

func NewResilient(backend Store, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Resilient {
	return &Resilient{
		backend: backend,
		local:   NewMemory(clk),
		log:     logger.OrNamed(log, "storage"),
		metrics: m,
	}
}

// Degraded reports whether the last backend operation failed.
func (r *Resilient) Degraded() bool { return r.degraded.Load() }

func (r *Resilient) fail(op, key string, err error) {
	if !r.degraded.Swap(true) {
		r.log.Warn("shared store unavailable, falling back to memory", zap.String("op", op), zap.String("key", key), zap.Error(err))
	} else {
		r.log.Debug("shared store error", zap.String("op", op), zap.String("key", key), zap.Error(err))
	}
	r.metrics.StorageError(op)
}

func (r *Resilient) ok() {
	if r.degraded.Swap(false) {
		r.log.Info("shared store recovered")
	}
}

func (r *Resilient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, found, err := r.backend.Get(ctx, key)
	if err != nil {
		r.fail("get", key, err)
		return r.local.Get(ctx, key)
	}
	r.ok()
	return val, found, nil
}

func (r *Resilient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = r.local.Set(ctx, key, value, ttl)
	if err := r.backend.Set(ctx, key, value, ttl); err != nil {
		r.fail("set", key, err)
		return nil
	}
	r.ok()
	return nil
}

func (r *Resilient) Remove(ctx context.Context, key string) error {
	_ = r.local.Remove(ctx, key)
	if err := r.backend.Remove(ctx, key); err != nil {
		r.fail("remove", key, err)
		return nil
	}
	r.ok()
	return nil
}

func (r *Resilient) SetMax(ctx context.Context, key string, v int64) (int64, error) {
	localMax, _ := r.local.SetMax(ctx, key, v)
	n, err := SetMax(ctx, r.backend, key, v)
	if err != nil {
		r.fail("setmax", key, err)
		return localMax, nil
	}
	r.ok()
	return n, nil
}
