package activity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PPAuth/global"
	"PPAuth/service/bus"
	"PPAuth/service/storage"
	"PPAuth/tools/clock"
	"PPAuth/tools/loop"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	t         *testing.T
	clk       *clock.Fake
	lp        *loop.Loop
	store     *storage.Memory
	m         *Monitor
	published []bus.Message
	fired     int
	seen      []bool
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{t: t}
	f.clk = clock.NewFake(t0)
	f.lp = loop.New(f.clk, nil)
	t.Cleanup(f.lp.Close)
	f.store = storage.NewMemory(f.clk)
	f.m = New(Config{}, f.lp, f.store, func(typ string, p map[string]any) {
		f.published = append(f.published, bus.Message{Type: typ, Payload: p})
	}, nil)
	f.m.SetEnforcer(func() bool { return true }, func() { f.fired++ })
	f.m.OnActivity(func(_ time.Time, local bool) { f.seen = append(f.seen, local) })
	return f
}

func (f *fixture) on(fn func()) {
	require.NoError(f.t, f.lp.Call(context.Background(), fn))
}

// advance moves time in CheckInterval steps so the ticker re-arms between them.
func (f *fixture) advance(total time.Duration) {
	step := 5 * time.Minute
	for total > 0 {
		d := min(step, total)
		f.clk.Advance(d)
		require.NoError(f.t, f.lp.Flush(context.Background()))
		total -= d
	}
}

func TestRecord_AllowListAndThrottle(t *testing.T) {
	f := newFixture(t)
	f.on(func() {
		assert.False(t, f.m.Record("resize"))
		assert.True(t, f.m.Record(KindClick))
		assert.False(t, f.m.Record(KindKeyDown), "throttled")
	})
	f.clk.Advance(10 * time.Second)
	f.on(func() {
		assert.True(t, f.m.Record(KindScroll))
		require.Len(t, f.published, 2)
		assert.Equal(t, bus.TypeUserActivity, f.published[1].Type)
		assert.Equal(t, clock.UnixMilli(t0.Add(10*time.Second)), f.published[1].Payload["timestamp"])
		assert.Equal(t, []bool{true, true}, f.seen)
	})

	v, ok, err := storage.GetInt64(context.Background(), f.store, global.KeyLastActivity)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, clock.UnixMilli(t0.Add(10*time.Second)), v)
}

func TestHandleMessage_PeerEcho(t *testing.T) {
	f := newFixture(t)
	later := t0.Add(time.Minute)
	f.on(func() {
		f.m.HandleMessage(bus.Message{Type: bus.TypeUserActivity, Payload: map[string]any{"timestamp": float64(clock.UnixMilli(later))}})
		f.m.HandleMessage(bus.Message{Type: bus.TypeUserActivity, Payload: map[string]any{"timestamp": float64(clock.UnixMilli(t0))}})
		assert.Equal(t, later, f.m.Last())
		assert.Equal(t, []bool{false}, f.seen, "older echo ignored")
	})
}

func TestLast_IncludesSharedStore(t *testing.T) {
	f := newFixture(t)
	later := t0.Add(3 * time.Minute)
	_, err := storage.SetMax(context.Background(), f.store, global.KeyLastActivity, clock.UnixMilli(later))
	require.NoError(t, err)
	f.on(func() {
		f.m.Record(KindClick)
		assert.Equal(t, later, f.m.Last())
	})
}

func TestThreshold_RememberMe(t *testing.T) {
	f := newFixture(t)
	f.on(func() {
		assert.Equal(t, 30*time.Minute, f.m.Threshold())
		f.m.SetRememberMe(true)
		assert.True(t, f.m.RememberMe())
		assert.Equal(t, 7*24*time.Hour, f.m.Threshold())
	})
}

func TestCheck_FiresOncePerLogin(t *testing.T) {
	f := newFixture(t)
	f.on(f.m.Arm)

	f.advance(30 * time.Minute)
	f.on(func() { assert.Zero(t, f.fired, "exactly at the threshold is still active") })

	f.advance(5 * time.Minute)
	f.on(func() { assert.Equal(t, 1, f.fired) })

	f.advance(time.Hour)
	f.on(func() { assert.Equal(t, 1, f.fired, "repeated checks do not fire again") })

	f.on(f.m.Arm)
	f.advance(35 * time.Minute)
	f.on(func() { assert.Equal(t, 2, f.fired, "a new login re-arms") })
}

func TestCheck_PeerActivityKeepsAlive(t *testing.T) {
	f := newFixture(t)
	f.on(f.m.Arm)
	for i := 0; i < 12; i++ {
		f.advance(5 * time.Minute)
		f.on(func() {
			f.m.HandleMessage(bus.Message{Type: bus.TypeUserActivity, Payload: map[string]any{
				"timestamp": float64(clock.UnixMilli(f.clk.Now())),
			}})
		})
	}
	f.on(func() { assert.Zero(t, f.fired) })
}

func TestCheck_NoSessionNoEnforcement(t *testing.T) {
	f := newFixture(t)
	f.on(func() {
		f.m.SetEnforcer(func() bool { return false }, nil)
		f.m.Arm()
	})
	f.advance(time.Hour)
	f.on(func() { assert.Zero(t, f.fired) })
}

func TestDisarm_StopsChecks(t *testing.T) {
	f := newFixture(t)
	f.on(func() {
		f.m.Arm()
		f.m.Disarm()
	})
	f.advance(time.Hour)
	f.on(func() {
		assert.Zero(t, f.fired)
		assert.True(t, f.m.Inactive())
	})
}
