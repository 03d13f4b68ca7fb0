package tab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"PPAuth/global"
	"PPAuth/module/leader"
	"PPAuth/module/session"
	"PPAuth/service/authstub"
	"PPAuth/service/bus"
	"PPAuth/service/storage"
	"PPAuth/service/transport"
	"PPAuth/tools/clock"
	"PPAuth/tools/errs"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type sent struct {
	topic string
	msg   bus.Message
	to    string
}

type cluster struct {
	t      *testing.T
	clk    *clock.Fake
	hub    *bus.Hub
	store  *storage.Memory
	stub   *authstub.Server
	client *transport.HTTPClient
	tabs   []*Tab
	navs   map[string]*RecordingNavigator
	apps   map[string]*MemoryAppState

	mu  sync.Mutex
	log []sent
}

func newCluster(t *testing.T) *cluster {
	gin.SetMode(gin.TestMode)
	c := &cluster{
		t:     t,
		clk:   clock.NewFake(t0),
		hub:   bus.NewHub(zap.NewNop()),
		navs:  map[string]*RecordingNavigator{},
		apps:  map[string]*MemoryAppState{},
	}
	c.store = storage.NewMemory(c.clk)
	c.stub = authstub.New(authstub.Config{Clock: c.clk}, zap.NewNop())
	srv := httptest.NewServer(c.stub.Handler())
	t.Cleanup(srv.Close)
	client, err := transport.NewHTTPClient(transport.Config{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)
	c.client = client
	c.hub.SetIntercept(func(topic string, msg bus.Message, to string) bool {
		c.mu.Lock()
		c.log = append(c.log, sent{topic: topic, msg: msg, to: to})
		c.mu.Unlock()
		return false
	})
	return c
}

func (c *cluster) add(id string) *Tab {
	nav, app := &RecordingNavigator{}, &MemoryAppState{}
	tb, err := New(Config{Self: id}, Deps{
		Clock:     c.clk,
		Store:     c.store,
		Bus:       c.hub.Endpoint(id),
		Client:    c.client,
		Device:    StaticDevice("device-1"),
		AppState:  app,
		Navigator: nav,
		Log:       zap.NewNop(),
	})
	require.NoError(c.t, err)
	c.navs[id], c.apps[id] = nav, app
	c.tabs = append(c.tabs, tb)
	c.t.Cleanup(tb.Close)
	require.NoError(c.t, tb.Start(context.Background()))
	c.settle()
	return tb
}

func (c *cluster) settle() {
	for i := 0; i < 4; i++ {
		for _, tb := range c.tabs {
			_ = tb.Loop().Flush(context.Background())
		}
	}
}

// step advances the clock in 5s increments so periodic timers re-arm.
func (c *cluster) step(total time.Duration) {
	for total > 0 {
		d := min(5*time.Second, total)
		c.clk.Advance(d)
		c.settle()
		total -= d
	}
}

func (c *cluster) login(tb *Tab, user string) LoginResult {
	resp, err := c.client.Login(context.Background(), transport.LoginRequest{UserID: user})
	require.NoError(c.t, err)
	r := LoginResultFrom(resp)
	require.NoError(c.t, tb.Login(context.Background(), r))
	c.settle()
	return r
}

// published returns the distinct messages of typ sent by origin.
func (c *cluster) published(typ, origin string) []bus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[string]bool{}
	var out []bus.Message
	for _, s := range c.log {
		if s.msg.Type != typ || s.msg.Origin != origin || seen[s.msg.ID] {
			continue
		}
		seen[s.msg.ID] = true
		out = append(out, s.msg)
	}
	return out
}

func (c *cluster) leaders() int {
	n := 0
	for _, tb := range c.tabs {
		if tb.Role() == leader.StateLeader {
			n++
		}
	}
	return n
}

func TestScenarioA_OneLeader(t *testing.T) {
	c := newCluster(t)
	a := c.add("ctx-a")
	b := c.add("ctx-b")
	c.step(10 * time.Second)

	assert.Equal(t, 1, c.leaders())
	assert.Equal(t, leader.StateLeader, a.Role())
	assert.Equal(t, leader.StateFollower, b.Role())

	claim, ok, err := storage.GetJSON[leader.Claim](context.Background(), c.store, global.LeaderKey("device-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ctx-a", claim.ContextID)
}

func TestLeaderHandoverOnClose(t *testing.T) {
	c := newCluster(t)
	a := c.add("ctx-a")
	b := c.add("ctx-b")
	a.Close()
	c.tabs = c.tabs[1:]
	c.step(time.Second)
	assert.Equal(t, leader.StateLeader, b.Role())
}

func TestLogin_PropagatesToPeers(t *testing.T) {
	c := newCluster(t)
	a := c.add("ctx-a")
	b := c.add("ctx-b")
	r := c.login(a, "alice")

	for _, tb := range []*Tab{a, b} {
		snap := tb.Credentials()
		assert.True(t, snap.Exists)
		assert.Equal(t, r.SessionID, snap.SessionID)
		assert.Equal(t, int64(1), snap.Version)
		assert.Equal(t, session.StatusActive, tb.Status())
	}
	require.NotNil(t, c.apps["ctx-b"].User())
	assert.Equal(t, "alice", c.apps["ctx-b"].User().ID)
}

func TestScenarioB_LeaderRefreshesFollowerAdopts(t *testing.T) {
	c := newCluster(t)
	a := c.add("ctx-a")
	b := c.add("ctx-b")
	r := c.login(a, "alice")

	// the leader refreshes at expiresAt - 2m
	c.step(r.ExpiresAt.Sub(c.clk.Now()) - 2*time.Minute - 5*time.Second)
	assert.Zero(t, c.stub.Calls(authstub.EndpointRefresh))
	c.step(5 * time.Second)

	require.Eventually(t, func() bool {
		c.settle()
		return b.Credentials().Version == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), a.Credentials().Version)
	assert.Equal(t, 1, c.stub.Calls(authstub.EndpointRefresh))
	assert.Len(t, c.published(bus.TypeTokenRefreshed, "ctx-a"), 1)
	assert.Empty(t, c.published(bus.TypeTokenRefreshed, "ctx-b"))

	// the follower's fallback was re-armed against the new expiry
	c.step(2 * time.Minute)
	assert.Equal(t, 1, c.stub.Calls(authstub.EndpointRefresh))
}

func TestScenarioC_RefreshRejectedLogsEveryoneOut(t *testing.T) {
	c := newCluster(t)
	a := c.add("ctx-a")
	b := c.add("ctx-b")
	c.login(a, "alice")

	c.stub.Fail(authstub.EndpointRefresh, http.StatusUnauthorized, -1)
	_, err := a.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsAuth(err))
	c.settle()

	logouts := c.published(bus.TypeLogout, "ctx-a")
	require.Len(t, logouts, 1)
	assert.Equal(t, "auth_error", logouts[0].Payload["reason"])
	for _, tb := range []*Tab{a, b} {
		assert.False(t, tb.Credentials().Exists)
		assert.Equal(t, session.StatusExpired, tb.Status())
		assert.Nil(t, c.apps[tb.ID()].User())
		assert.Equal(t, []string{"/login?reason=auth_error"}, c.navs[tb.ID()].Paths())
	}
	assert.Empty(t, c.published(bus.TypeLogout, "ctx-b"), "receivers do not re-broadcast")
}

func TestScenarioD_StaleMessageDiscarded(t *testing.T) {
	c := newCluster(t)
	a := c.add("ctx-a")
	b := c.add("ctx-b")
	r := c.login(a, "alice")

	x := c.hub.Endpoint("ctx-x")
	stale := bus.NewMessage(bus.TypeLogout, "ctx-x", c.clk.Now().Add(-6*time.Second), map[string]any{"reason": "user"})
	require.NoError(t, x.Publish(context.Background(), global.TopicAuth, stale))
	bumped := bus.NewMessage(bus.TypeTokenVersionUpdated, "ctx-x", c.clk.Now().Add(-6*time.Second),
		map[string]any{"version": 9, "sessionId": r.SessionID})
	require.NoError(t, x.Publish(context.Background(), global.TopicAuth, bumped))
	c.settle()

	snap := b.Credentials()
	assert.True(t, snap.Exists)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, session.StatusActive, b.Status())
	assert.Empty(t, c.navs["ctx-b"].Paths())

	fresh := bus.NewMessage(bus.TypeTokenVersionUpdated, "ctx-x", c.clk.Now().Add(-4*time.Second),
		map[string]any{"version": 9, "sessionId": r.SessionID})
	require.NoError(t, x.Publish(context.Background(), global.TopicAuth, fresh))
	c.settle()
	assert.Equal(t, int64(9), b.Credentials().Version)
}

func TestScenarioE_OfflineAndRestore(t *testing.T) {
	c := newCluster(t)
	a := c.add("ctx-a")
	c.login(a, "alice")
	before, ok := a.Session()
	require.True(t, ok)

	a.SetOnline(false)
	assert.Equal(t, session.StatusOffline, a.Status())

	c.step(time.Minute)
	a.SetOnline(true)
	require.Eventually(t, func() bool { return a.Status() == session.StatusActive }, 2*time.Second, 5*time.Millisecond)
	after, _ := a.Session()
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt))

	a.SetOnline(false)
	c.stub.Fail(authstub.EndpointSync, http.StatusServiceUnavailable, -1)
	a.SetOnline(true)
	require.Eventually(t, func() bool { return a.Status() == session.StatusExpired }, 2*time.Second, 5*time.Millisecond)
}

func TestInactivityLogoutFiresOnce(t *testing.T) {
	c := newCluster(t)
	a := c.add("ctx-a")
	b := c.add("ctx-b")
	c.login(a, "alice")

	c.step(31 * time.Minute)
	c.step(10 * time.Minute)

	for _, tb := range []*Tab{a, b} {
		assert.False(t, tb.Credentials().Exists)
		assert.LessOrEqual(t, len(c.published(bus.TypeLogout, tb.ID())), 1)
		assert.Equal(t, []string{"/login?reason=inactivity"}, c.navs[tb.ID()].Paths())
	}
	assert.NotEmpty(t, append(c.published(bus.TypeLogout, "ctx-a"), c.published(bus.TypeLogout, "ctx-b")...))
}

func TestInactivityLogoutClearsSessionRecord(t *testing.T) {
	c := newCluster(t)
	a := c.add("ctx-a")
	c.login(a, "alice")

	c.step(36 * time.Minute)

	assert.False(t, a.Credentials().Exists)
	assert.Equal(t, session.StatusExpired, a.Status())
	_, tracked := a.Session()
	assert.False(t, tracked)
	_, ok, _ := c.store.Get(context.Background(), global.KeySession)
	assert.False(t, ok)
	assert.Equal(t, []string{"/login?reason=inactivity"}, c.navs["ctx-a"].Paths())

	late := c.add("ctx-b")
	assert.False(t, late.Credentials().Exists)
	assert.Equal(t, session.StatusInactive, late.Status())
}

func TestOlderLoginCannotOverwriteCredentials(t *testing.T) {
	c := newCluster(t)
	a := c.add("ctx-a")
	b := c.add("ctx-b")
	r := c.login(a, "alice")

	_, err := a.Refresh(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c.settle()
		return b.Credentials().Version == 2
	}, 2*time.Second, 5*time.Millisecond)

	x := c.hub.Endpoint("ctx-x")
	old := bus.NewMessage(bus.TypeTokenRefreshed, "ctx-x", c.clk.Now(), map[string]any{
		"version": 1, "sessionId": "old-session", "expiresAt": clock.UnixMilli(c.clk.Now().Add(time.Hour)),
	})
	require.NoError(t, x.Publish(context.Background(), global.TopicAuth, old))
	c.settle()

	for _, tb := range []*Tab{a, b} {
		snap := tb.Credentials()
		assert.Equal(t, r.SessionID, snap.SessionID)
		assert.Equal(t, int64(2), snap.Version)
	}
}

func TestActivityKeepsEveryoneLoggedIn(t *testing.T) {
	c := newCluster(t)
	a := c.add("ctx-a")
	b := c.add("ctx-b")
	c.login(a, "alice")

	for i := 0; i < 8; i++ {
		c.step(5 * time.Minute)
		assert.True(t, b.RecordActivity("keydown"))
	}
	c.settle()
	assert.True(t, a.Credentials().Exists)
	assert.Empty(t, c.navs["ctx-a"].Paths())
	assert.False(t, a.RecordActivity("resize"))
}

func TestLogoutBeforeLaterMessages(t *testing.T) {
	c := newCluster(t)
	a := c.add("ctx-a")
	b := c.add("ctx-b")
	r := c.login(a, "alice")

	x := c.hub.Endpoint("ctx-x")
	now := c.clk.Now()
	require.NoError(t, x.Publish(context.Background(), global.TopicAuth,
		bus.NewMessage(bus.TypeLogout, "ctx-x", now, map[string]any{"reason": "user"})))
	require.NoError(t, x.Publish(context.Background(), global.TopicAuth,
		bus.NewMessage(bus.TypeTokenRefreshed, "ctx-x", now, map[string]any{
			"version": 1, "sessionId": r.SessionID, "expiresAt": clock.UnixMilli(now.Add(time.Hour)),
		})))
	c.settle()

	assert.False(t, b.Credentials().Exists, "late message does not resurrect credentials")
	assert.Equal(t, session.StatusInactive, b.Status())
	assert.Equal(t, []string{"/login?reason=user"}, c.navs["ctx-b"].Paths())
}

func TestUserLogout(t *testing.T) {
	c := newCluster(t)
	a := c.add("ctx-a")
	b := c.add("ctx-b")
	c.login(a, "alice")

	require.NoError(t, b.Logout(context.Background(), ""))
	c.settle()
	for _, tb := range []*Tab{a, b} {
		assert.False(t, tb.Credentials().Exists)
		assert.Equal(t, session.StatusInactive, tb.Status())
	}
	_, ok, _ := c.store.Get(context.Background(), global.KeySession)
	assert.False(t, ok)
}

func TestLateContextBootstraps(t *testing.T) {
	c := newCluster(t)
	a := c.add("ctx-a")
	r := c.login(a, "alice")

	b := c.add("ctx-b")
	snap := b.Credentials()
	assert.True(t, snap.Exists)
	assert.Equal(t, r.SessionID, snap.SessionID)
	assert.Equal(t, session.StatusActive, b.Status())
	assert.Equal(t, 1, c.stub.Calls(authstub.EndpointStatus))
}

func TestStatusObserver(t *testing.T) {
	c := newCluster(t)
	a := c.add("ctx-a")
	var mu sync.Mutex
	var seen []session.Status
	a.OnStatus(func(s session.Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	c.login(a, "alice")
	require.NoError(t, a.Logout(context.Background(), ""))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []session.Status{session.StatusActive, session.StatusInactive}, seen)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}
