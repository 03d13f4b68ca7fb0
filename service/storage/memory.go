package storage

import (
	"context"
	"sync"
	"time"

	"PPAuth/tools/clock"
)

type memEntry struct {
	val      []byte
	expireAt time.Time // zero = never
}

// Memory is a process-wide store. Contexts running in one process share a
// single instance the way browser tabs share localStorage.
type Memory struct {
	mu   sync.Mutex
	clk  clock.Clock
	data map[string]memEntry
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{clk: clk, data: make(map[string]memEntry)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expireAt.IsZero() && !m.clk.Now().Before(e.expireAt) {
		delete(m.data, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.val))
	copy(out, e.val)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memEntry{val: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expireAt = m.clk.Now().Add(ttl)
	}
	m.mu.Lock()
	m.data[key] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetMax(ctx context.Context, key string, v int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.data[key]; ok {
		if cur, perr := parseInt(e.val); perr == nil && cur >= v {
			return cur, nil
		}
	}
	m.data[key] = memEntry{val: formatInt(v)}
	return v, nil
}

// Len counts live and not yet evicted entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
