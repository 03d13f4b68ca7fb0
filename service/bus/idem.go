package bus

import (
	"sync"
	"time"

	"PPAuth/tools/clock"
)

// ----- 抽象存储 -----
type IdemStore interface {
	SeenOnce(key string, ttl time.Duration) (seen bool, err error)
}

// ----- 内存实现 -----
// Expired keys are swept lazily on insert once the map grows past sweepAt.
type memIdem struct {
	mu      sync.Mutex
	clk     clock.Clock
	m       map[string]time.Time // key -> expireAt
	ttl     time.Duration
	sweepAt int
}

const idemSweepFloor = 256

func NewMemIdem(clk clock.Clock, defaultTTL time.Duration) IdemStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &memIdem{clk: clk, m: make(map[string]time.Time), ttl: defaultTTL, sweepAt: idemSweepFloor}
}

func (mi *memIdem) SeenOnce(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.clk.Now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if exp, ok := mi.m[key]; ok && exp.After(now) {
		return true, nil
	}
	mi.m[key] = now.Add(ttl)
	if len(mi.m) >= mi.sweepAt {
		for k, exp := range mi.m {
			if !exp.After(now) {
				delete(mi.m, k)
			}
		}
		mi.sweepAt = max(idemSweepFloor, 2*len(mi.m))
	}
	return false, nil
}
