package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PPAuth/global"
	"PPAuth/service/bus"
	"PPAuth/service/storage"
	"PPAuth/service/transport"
	"PPAuth/tools/clock"
	"PPAuth/tools/errs"
	"PPAuth/tools/loop"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type syncClient struct {
	mu    sync.Mutex
	calls int
	res   *transport.SyncResponse
	err   error
}

func (c *syncClient) Refresh(context.Context, string, transport.RefreshRequest) (*transport.RefreshResponse, error) {
	return nil, errs.ErrNetwork.WrapMsg("not used")
}

func (c *syncClient) SyncSession(_ context.Context, req transport.SyncRequest) (*transport.SyncResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	r := *c.res
	return &r, nil
}

func (c *syncClient) TokenStatus(context.Context) (*transport.StatusResponse, error) {
	return nil, errs.ErrNetwork.WrapMsg("not used")
}

func (c *syncClient) set(res *transport.SyncResponse, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res, c.err = res, err
}

func (c *syncClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fixture struct {
	t         *testing.T
	clk       *clock.Fake
	lp        *loop.Loop
	store     *storage.Memory
	client    *syncClient
	l         *Lifecycle
	leader    bool
	published []bus.Message
	statuses  []Status
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{t: t, leader: true}
	f.clk = clock.NewFake(t0)
	f.lp = loop.New(f.clk, nil)
	t.Cleanup(f.lp.Close)
	f.store = storage.NewMemory(f.clk)
	f.client = &syncClient{res: &transport.SyncResponse{Status: transport.SyncValid}}
	f.l = New(Config{}, Deps{
		Loop:   f.lp,
		Store:  f.store,
		Client: f.client,
		Publish: func(typ string, p map[string]any) {
			f.published = append(f.published, bus.Message{Type: typ, Payload: p})
		},
		IsLeader: func() bool { return f.leader },
		Device:   transport.DeviceInfo{Fingerprint: "fp-1", ContextID: "ctx-a"},
	})
	f.l.OnStatus(func(s Status) { f.statuses = append(f.statuses, s) })
	return f
}

func (f *fixture) on(fn func()) {
	require.NoError(f.t, f.lp.Call(context.Background(), fn))
}

func (f *fixture) status() Status {
	var s Status
	f.on(func() { s = f.l.Status() })
	return s
}

func (f *fixture) expiresAt() time.Time {
	var t time.Time
	f.on(func() {
		r, _ := f.l.Record()
		t = r.ExpiresAt
	})
	return t
}

func (f *fixture) start(exp time.Duration) {
	f.on(func() {
		f.l.Start(Record{ID: "s1", UserID: "u1", CreatedAt: t0, ExpiresAt: t0.Add(exp), DeviceFingerprint: "fp-1"})
	})
}

func (f *fixture) advance(d time.Duration) {
	f.clk.Advance(d)
	require.NoError(f.t, f.lp.Flush(context.Background()))
}

func (f *fixture) waitStatus(s Status) {
	require.Eventually(f.t, func() bool { return f.status() == s }, time.Second, 2*time.Millisecond)
}

func (f *fixture) types() []string {
	var out []string
	f.on(func() {
		for _, m := range f.published {
			out = append(out, m.Type)
		}
	})
	return out
}

func TestLifecycle_WarningThenExpiry(t *testing.T) {
	f := newFixture(t)
	f.leader = false
	f.start(20 * time.Minute)
	assert.Equal(t, StatusActive, f.status())

	f.advance(15*time.Minute - time.Second)
	assert.Equal(t, StatusActive, f.status())
	f.advance(time.Second)
	assert.Equal(t, StatusWarning, f.status())

	f.advance(5 * time.Minute)
	assert.Equal(t, StatusExpired, f.status())
	assert.Equal(t, []string{bus.TypeSessionExpired}, f.types())
	f.on(func() { assert.Equal(t, []Status{StatusActive, StatusWarning, StatusExpired}, f.statuses) })
}

func TestLifecycle_ActivityLeavesWarning(t *testing.T) {
	f := newFixture(t)
	f.leader = false
	f.client.set(&transport.SyncResponse{Status: transport.SyncValid, ExpiresAt: clock.UnixMilli(t0.Add(time.Hour))}, nil)
	f.start(10 * time.Minute)
	f.advance(6 * time.Minute)
	require.Equal(t, StatusWarning, f.status())

	f.on(func() { f.l.Activity(f.clk.Now()) })
	assert.Equal(t, StatusActive, f.status())

	require.Eventually(t, func() bool { return f.expiresAt().Equal(t0.Add(time.Hour)) }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, f.client.Calls())
	assert.Equal(t, StatusActive, f.status())
	f.on(func() { assert.Equal(t, []Status{StatusActive, StatusWarning, StatusActive}, f.statuses) })

	// the warning comes back at the new warning point
	f.advance(48 * time.Minute)
	assert.Equal(t, StatusActive, f.status())
	f.advance(2 * time.Minute)
	assert.Equal(t, StatusWarning, f.status())
}

func TestLifecycle_ActivityInWarningWithoutExtension(t *testing.T) {
	f := newFixture(t)
	f.leader = false
	f.client.set(nil, errs.ErrNetwork.WrapMsg("down"))
	f.start(10 * time.Minute)
	f.advance(6 * time.Minute)

	f.on(func() { f.l.Activity(f.clk.Now()) })
	require.Eventually(t, func() bool { return f.client.Calls() == 1 }, time.Second, 2*time.Millisecond)
	require.NoError(t, f.lp.Flush(context.Background()))
	assert.Equal(t, StatusActive, f.status(), "transient sync failure keeps the session")

	f.advance(4 * time.Minute)
	assert.Equal(t, StatusExpired, f.status())
}

func TestLifecycle_ExtendToIsMonotonic(t *testing.T) {
	f := newFixture(t)
	f.start(time.Hour)
	f.on(func() {
		assert.True(t, f.l.ExtendTo(t0.Add(2*time.Hour)))
		assert.False(t, f.l.ExtendTo(t0.Add(90*time.Minute)))
		assert.False(t, f.l.ExtendTo(t0.Add(2*time.Hour)))
	})
	assert.Equal(t, t0.Add(2*time.Hour), f.expiresAt())

	st, ok, err := storage.GetJSON[stored](context.Background(), f.store, global.KeySession)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, clock.UnixMilli(t0.Add(2*time.Hour)), st.ExpiresAt)
}

func TestLifecycle_LeaderSyncExtendsAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.client.set(&transport.SyncResponse{Status: transport.SyncValid, ExpiresAt: clock.UnixMilli(t0.Add(2 * time.Hour))}, nil)
	f.start(time.Hour)

	f.advance(5 * time.Minute)
	require.Eventually(t, func() bool { return f.expiresAt().Equal(t0.Add(2 * time.Hour)) }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{bus.TypeSessionUpdated}, f.types())
	f.on(func() { assert.Equal(t, "s1", f.published[0].Payload["sessionId"]) })
}

func TestLifecycle_FollowerDoesNotSync(t *testing.T) {
	f := newFixture(t)
	f.leader = false
	f.start(time.Hour)
	f.advance(5 * time.Minute)
	f.advance(5 * time.Minute)
	assert.Zero(t, f.client.Calls())
}

func TestLifecycle_SyncTerminated(t *testing.T) {
	f := newFixture(t)
	f.client.set(&transport.SyncResponse{Status: transport.SyncTerminated, Reason: "revoked"}, nil)
	f.start(time.Hour)
	f.advance(5 * time.Minute)
	f.waitStatus(StatusExpired)
	f.on(func() {
		require.Len(t, f.published, 1)
		assert.Equal(t, "revoked", f.published[0].Payload["reason"])
	})
}

func TestLifecycle_TransientSyncErrorKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.client.set(nil, errs.ErrNetwork.WrapMsg("timeout"))
	f.start(time.Hour)
	f.advance(5 * time.Minute)
	require.Eventually(t, func() bool { return f.client.Calls() == 1 }, time.Second, 2*time.Millisecond)
	assert.Never(t, func() bool { return f.status() != StatusActive }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestLifecycle_OfflineRestoreValid(t *testing.T) {
	f := newFixture(t)
	f.leader = false
	f.start(time.Hour)

	f.on(func() { f.l.SetOnline(false) })
	assert.Equal(t, StatusOffline, f.status())

	f.client.set(&transport.SyncResponse{Status: transport.SyncValid, ExpiresAt: clock.UnixMilli(t0.Add(3 * time.Hour))}, nil)
	f.on(func() { f.l.SetOnline(true) })
	f.waitStatus(StatusActive)
	assert.Equal(t, t0.Add(3*time.Hour), f.expiresAt())
	f.on(func() { assert.Equal(t, []Status{StatusActive, StatusOffline, StatusActive}, f.statuses) })
}

func TestLifecycle_OfflineRestoreFails(t *testing.T) {
	f := newFixture(t)
	f.leader = false
	f.start(time.Hour)
	f.on(func() { f.l.SetOnline(false) })

	f.client.set(nil, errs.ErrNetwork.WrapMsg("still unreachable"))
	f.on(func() { f.l.SetOnline(true) })
	f.waitStatus(StatusExpired)
	assert.Equal(t, []string{bus.TypeSessionExpired}, f.types())
}

func TestLifecycle_OfflineUsesCachedExpiry(t *testing.T) {
	f := newFixture(t)
	f.leader = false
	f.start(10 * time.Minute)
	f.on(func() { f.l.SetOnline(false) })
	f.advance(10 * time.Minute)
	assert.Equal(t, StatusExpired, f.status())
	assert.Zero(t, f.client.Calls())
}

func TestLifecycle_PeerMessages(t *testing.T) {
	f := newFixture(t)
	f.leader = false
	f.on(func() {
		f.l.HandleMessage(bus.Message{Type: bus.TypeSessionUpdated, Payload: map[string]any{
			"sessionId": "s1", "userId": "u1", "expiresAt": float64(clock.UnixMilli(t0.Add(time.Hour))),
		}})
	})
	assert.Equal(t, StatusActive, f.status(), "bootstrapped from peer")

	f.on(func() {
		f.l.HandleMessage(bus.Message{Type: bus.TypeSessionUpdated, Payload: map[string]any{
			"sessionId": "s1", "expiresAt": float64(clock.UnixMilli(t0.Add(30 * time.Minute))),
		}})
	})
	assert.Equal(t, t0.Add(time.Hour), f.expiresAt(), "older expiry ignored")

	f.on(func() {
		f.l.HandleMessage(bus.Message{Type: bus.TypeSessionExpired, Payload: map[string]any{"sessionId": "other"}})
	})
	assert.Equal(t, StatusActive, f.status())

	f.on(func() {
		f.l.HandleMessage(bus.Message{Type: bus.TypeSessionExpired, Payload: map[string]any{"sessionId": "s1"}})
	})
	assert.Equal(t, StatusExpired, f.status())
	assert.Empty(t, f.types(), "peer expiry is not re-published")
}

func TestLifecycle_BootstrapAndTerminate(t *testing.T) {
	f := newFixture(t)
	f.start(time.Hour)

	g := newFixture(t)
	g.store = f.store
	g.l.d.Store = f.store
	g.on(func() { assert.True(t, g.l.Bootstrap()) })
	assert.Equal(t, StatusActive, g.status())
	assert.Equal(t, t0.Add(time.Hour), g.expiresAt())

	f.on(f.l.Terminate)
	assert.Equal(t, StatusInactive, f.status())
	_, ok, _ := f.store.Get(context.Background(), global.KeySession)
	assert.False(t, ok)

	h := newFixture(t)
	h.l.d.Store = f.store
	h.on(func() { assert.False(t, h.l.Bootstrap()) })
}

func TestLifecycle_Discard(t *testing.T) {
	f := newFixture(t)
	f.leader = false
	f.start(time.Hour)

	f.on(func() { f.l.Discard("inactivity", true) })
	assert.Equal(t, StatusExpired, f.status())
	f.on(func() {
		_, tracked := f.l.Record()
		assert.False(t, tracked)
	})
	_, ok, _ := f.store.Get(context.Background(), global.KeySession)
	assert.False(t, ok, "stored record removed")
	assert.Equal(t, []string{bus.TypeSessionExpired}, f.types())

	// a late update for the dropped session does not bring it back
	f.on(func() {
		f.l.HandleMessage(bus.Message{Type: bus.TypeSessionUpdated, Payload: map[string]any{
			"sessionId": "s1", "expiresAt": clock.UnixMilli(t0.Add(2 * time.Hour)),
		}})
	})
	assert.Equal(t, StatusExpired, f.status())

	f.on(func() {
		f.l.HandleMessage(bus.Message{Type: bus.TypeSessionUpdated, Payload: map[string]any{
			"sessionId": "s2", "expiresAt": clock.UnixMilli(t0.Add(2 * time.Hour)),
		}})
	})
	assert.Equal(t, StatusActive, f.status(), "a new login is taken")
	f.on(func() { assert.Equal(t, []Status{StatusActive, StatusExpired, StatusActive}, f.statuses) })
}
