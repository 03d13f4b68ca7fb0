package tab

import (
	"context"
	"net/url"
	"time"

	"go.uber.org/zap"

	"PPAuth/global"
	"PPAuth/logger"
	"PPAuth/module/activity"
	"PPAuth/module/credential"
	"PPAuth/module/leader"
	"PPAuth/module/refresh"
	"PPAuth/module/session"
	"PPAuth/service/bus"
	"PPAuth/service/metrics"
	"PPAuth/service/storage"
	"PPAuth/service/transport"
	"PPAuth/tools/clock"
	"PPAuth/tools/decode"
	"PPAuth/tools/errs"
	"PPAuth/tools/ids"
	"PPAuth/tools/loop"
	"PPAuth/tools/safe"
)

// Logout reasons.
const (
	ReasonUser          = "user"
	ReasonAuthError     = refresh.LogoutAuthError
	ReasonRefreshFailed = refresh.LogoutRefreshFailed
	ReasonInactivity    = refresh.LogoutInactivity
)

const publishTimeout = 3 * time.Second

type Config struct {
	Self            string // context id; generated when empty
	FreshnessWindow time.Duration
	LoginPath       string
	Leader          leader.Config
	Refresh         refresh.Config
	Activity        activity.Config
	Session         session.Config
}

func (c *Config) norm() {
	if c.Self == "" {
		c.Self = ids.NewContextID()
	}
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = bus.DefaultFreshness
	}
	if c.LoginPath == "" {
		c.LoginPath = "/login"
	}
}

type Deps struct {
	Clock     clock.Clock
	Store     storage.Store
	Bus       bus.Bus
	Client    transport.Client
	Device    DeviceIdentity
	AppState  AuthStateProvider
	Navigator Navigator
	Log       *zap.Logger
	Metrics   *metrics.Metrics
}

// Tab is one execution context: it owns the loop and every coordination
// component of that context. Create one per context and pass it around.
type Tab struct {
	conf Config
	d    Deps
	self string
	log  *zap.Logger

	loop      *loop.Loop
	creds     *credential.State
	elector   *leader.Elector
	refresher *refresh.Coordinator
	monitor   *activity.Monitor
	life      *session.Lifecycle
	idem      bus.IdemStore
	unsubs    []func()

	loggedOut bool // forced logout already ran for the current login
	started   bool
	closed    bool
}

func New(conf Config, d Deps) (*Tab, error) {
	conf.norm()
	if d.Store == nil || d.Bus == nil || d.Client == nil {
		return nil, errs.ErrMalformed.WrapMsg("tab needs a store, a bus and a transport client")
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Device == nil {
		d.Device = StaticDevice("default")
	}
	if d.AppState == nil {
		d.AppState = &MemoryAppState{}
	}
	if d.Navigator == nil {
		d.Navigator = &RecordingNavigator{}
	}
	log := logger.OrNamed(d.Log, "tab").With(zap.String("context", conf.Self))

	t := &Tab{conf: conf, d: d, self: conf.Self, log: log}
	t.loop = loop.New(d.Clock, log)
	t.creds = credential.New(d.Store, log)
	t.idem = bus.NewMemIdem(d.Clock, 2*conf.FreshnessWindow)

	fingerprint := d.Device.Fingerprint()
	t.elector = leader.New(conf.Leader, t.loop, d.Store, t.publish, t.self, fingerprint, log, d.Metrics)
	t.monitor = activity.New(conf.Activity, t.loop, d.Store, t.publish, log)
	t.refresher = refresh.New(conf.Refresh, refresh.Deps{
		Loop:       t.loop,
		Store:      d.Store,
		Creds:      t.creds,
		Client:     d.Client,
		Publish:    t.publish,
		IsLeader:   t.elector.IsLeader,
		Activity:   t.monitor,
		OnTerminal: t.onRefreshTerminal,
		Self:       t.self,
		DeviceID:   fingerprint,
		Log:        log,
		Metrics:    d.Metrics,
	})
	t.life = session.New(conf.Session, session.Deps{
		Loop:         t.loop,
		Store:        d.Store,
		Client:       d.Client,
		Publish:      t.publish,
		IsLeader:     t.elector.IsLeader,
		LastActivity: t.monitor.Last,
		Device:       transport.DeviceInfo{Fingerprint: fingerprint, ContextID: t.self},
		Log:          log,
		Metrics:      d.Metrics,
	})

	t.monitor.SetEnforcer(func() bool { return t.creds.Snapshot().Exists }, func() { t.forceLogout(ReasonInactivity) })
	t.monitor.OnActivity(func(at time.Time, _ bool) { t.life.Activity(at) })
	t.elector.OnChange(func(bool, string) { t.refresher.Reschedule() })
	return t, nil
}

func (t *Tab) ID() string { return t.self }

// Loop exposes the context loop; callbacks such as OnStatus run on it.
func (t *Tab) Loop() *loop.Loop { return t.loop }

func (t *Tab) call(ctx context.Context, f func()) error {
	if err := t.loop.Call(ctx, f); err != nil {
		return errs.WrapMsg(err, "context loop", "context", t.self)
	}
	return nil
}

// Start subscribes to the bus, bootstraps from the shared store and the
// token status endpoint, and joins the leader election.
func (t *Tab) Start(ctx context.Context) error {
	if t.started {
		return nil
	}
	t.started = true
	for _, topic := range []string{global.TopicAuth, global.TopicSession} {
		unsub, err := t.d.Bus.Subscribe(topic, t.handler())
		if err != nil {
			return errs.WrapMsg(err, "subscribe", "topic", topic)
		}
		t.unsubs = append(t.unsubs, unsub)
	}

	var hasCreds bool
	if err := t.call(ctx, func() {
		snap := t.creds.Load(ctx)
		hasCreds = snap.Exists
		t.life.Bootstrap()
		t.elector.Start()
		if hasCreds {
			t.monitor.Arm()
			t.refresher.Reschedule()
		}
	}); err != nil {
		return err
	}
	if hasCreds {
		t.checkTokenStatus(ctx)
	}
	t.log.Info("context started", zap.Bool("credentials", hasCreds))
	return nil
}

// checkTokenStatus asks the server how long the access credential lives.
// A rejected credential is a terminal auth error.
func (t *Tab) checkTokenStatus(ctx context.Context) {
	st, err := t.d.Client.TokenStatus(ctx)
	switch {
	case errs.IsAuth(err):
		_ = t.call(ctx, func() { t.forceLogout(ReasonAuthError) })
	case err != nil:
		t.log.Warn("token status unavailable", zap.Error(err))
	default:
		_ = t.call(ctx, func() {
			snap := t.creds.Snapshot()
			exp := t.loop.Now().Add(time.Duration(st.ExpiresIn) * time.Second)
			if snap.Exists && snap.ExpiresAt.IsZero() {
				_, _ = t.creds.Adopt(ctx, snap.SessionID, snap.Version, exp)
				t.refresher.Reschedule()
			}
		})
	}
}

// Login installs the credentials and session of a successful login and
// announces them to the peers.
func (t *Tab) Login(ctx context.Context, r LoginResult) error {
	return t.call(ctx, func() {
		t.creds.Set(ctx, credential.Snapshot{
			SessionID: r.SessionID,
			CSRFToken: r.CSRFToken,
			Version:   r.Version,
			ExpiresAt: r.ExpiresAt,
		})
		t.loggedOut = false
		t.monitor.SetRememberMe(r.RememberMe)
		t.monitor.Arm()
		now := t.loop.Now()
		t.life.Start(session.Record{
			ID:                r.SessionID,
			UserID:            r.UserID,
			CreatedAt:         now,
			LastActivity:      now,
			ExpiresAt:         r.SessionExpiresAt,
			DeviceFingerprint: t.d.Device.Fingerprint(),
		})
		t.refresher.Reschedule()
		t.d.AppState.SetUser(&User{ID: r.UserID})
		t.publish(bus.TypeTokenVersionUpdated, map[string]any{
			"version":   r.Version,
			"expiresAt": clock.UnixMilli(r.ExpiresAt),
			"sessionId": r.SessionID,
			"userId":    r.UserID,
		})
		t.publish(bus.TypeSessionUpdated, map[string]any{
			"sessionId":    r.SessionID,
			"userId":       r.UserID,
			"expiresAt":    clock.UnixMilli(r.SessionExpiresAt),
			"lastActivity": clock.UnixMilli(now),
		})
		t.log.Info("logged in", zap.String("user", r.UserID), zap.String("session", r.SessionID))
	})
}

// Logout ends the session on request of the user and tells the peers.
func (t *Tab) Logout(ctx context.Context, reason string) error {
	if reason == "" {
		reason = ReasonUser
	}
	return t.call(ctx, func() { t.logout(reason, true) })
}

func (t *Tab) onRefreshTerminal(reason string) {
	if reason == ReasonRefreshFailed {
		t.elector.MarkFailed()
	}
	t.forceLogout(reason)
}

// forceLogout runs at most once per login.
func (t *Tab) forceLogout(reason string) {
	if t.loggedOut {
		return
	}
	t.logout(reason, true)
}

func (t *Tab) logout(reason string, broadcast bool) {
	if t.closed {
		return
	}
	t.loggedOut = true
	t.refresher.Cancel(reason)
	t.creds.Clear(context.Background())
	t.monitor.Disarm()
	switch reason {
	case ReasonUser:
		t.life.Terminate()
	case ReasonInactivity:
		t.life.Discard(reason, broadcast)
	default:
		t.life.Expire(reason, broadcast)
	}
	if broadcast {
		t.publish(bus.TypeLogout, map[string]any{"reason": reason})
	}
	t.d.Metrics.Logout(reason)
	t.d.AppState.SetUser(nil)
	t.d.Navigator.NavigateTo(t.conf.LoginPath + "?reason=" + url.QueryEscape(reason))
	t.log.Info("logged out", zap.String("reason", reason), zap.Bool("broadcast", broadcast))
}

// RecordActivity reports a user interaction of the given kind.
func (t *Tab) RecordActivity(kind string) bool {
	var ok bool
	_ = t.call(context.Background(), func() { ok = t.monitor.Record(kind) })
	return ok
}

func (t *Tab) SetRememberMe(on bool) {
	_ = t.call(context.Background(), func() { t.monitor.SetRememberMe(on) })
}

func (t *Tab) SetOnline(online bool) {
	_ = t.call(context.Background(), func() { t.life.SetOnline(online) })
}

// Refresh refreshes the credentials now, or joins a refresh in progress.
func (t *Tab) Refresh(ctx context.Context) (refresh.Result, error) {
	return t.refresher.Refresh(ctx, refresh.ReasonExplicit)
}

// HandleUnauthorized is called when an API request came back 401.
func (t *Tab) HandleUnauthorized(ctx context.Context) error {
	_, err := t.refresher.Refresh(ctx, refresh.ReasonUnauthorized)
	return err
}

func (t *Tab) Status() session.Status {
	s := session.StatusInactive
	_ = t.call(context.Background(), func() { s = t.life.Status() })
	return s
}

func (t *Tab) Role() leader.State {
	s := leader.StateClosed
	_ = t.call(context.Background(), func() { s = t.elector.State() })
	return s
}

func (t *Tab) Credentials() credential.Snapshot {
	var snap credential.Snapshot
	_ = t.call(context.Background(), func() { snap = t.creds.Snapshot() })
	return snap
}

func (t *Tab) Session() (session.Record, bool) {
	var (
		rec session.Record
		ok  bool
	)
	_ = t.call(context.Background(), func() { rec, ok = t.life.Record() })
	return rec, ok
}

// OnStatus registers an observer; it runs on the context loop.
func (t *Tab) OnStatus(fn func(session.Status)) {
	_ = t.call(context.Background(), func() { t.life.OnStatus(fn) })
}

// Close resigns leadership, stops every timer and subscription and stops
// the loop. Results of requests still in flight are discarded.
func (t *Tab) Close() {
	if t.loop.Closed() {
		return
	}
	_ = t.call(context.Background(), func() {
		if t.closed {
			return
		}
		t.elector.Close()
		t.refresher.Close()
		t.monitor.Close()
		t.life.Close()
		t.closed = true
	})
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.unsubs = nil
	t.loop.Close()
	t.log.Info("context closed")
}

// ===== bus =====

func topicOf(typ string) string {
	switch typ {
	case bus.TypeSessionUpdated, bus.TypeSessionExpired, bus.TypeUserActivity:
		return global.TopicSession
	default:
		return global.TopicAuth
	}
}

// publish runs on the loop.
func (t *Tab) publish(typ string, payload map[string]any) {
	msg := bus.NewMessage(typ, t.self, t.loop.Now(), payload)
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := t.d.Bus.Publish(ctx, topicOf(typ), msg); err != nil {
		t.log.Warn("publish", zap.String("type", typ), zap.Error(err))
		return
	}
	t.d.Metrics.Published(typ)
}

// handler filters on the delivering goroutine and hands accepted messages
// to the loop in arrival order.
func (t *Tab) handler() bus.Handler {
	onDrop := func(reason string, msg bus.Message) {
		t.d.Metrics.Dropped(reason)
		t.log.Debug("drop message", zap.String("reason", reason), zap.String("type", msg.Type), zap.String("origin", msg.Origin))
	}
	deliver := func(_ context.Context, msg bus.Message) error {
		if !t.loop.Post(func() { t.handle(msg) }) {
			return errs.ErrClosed.WrapMsg("context closed", "context", t.self)
		}
		return nil
	}
	return bus.Chain(deliver,
		bus.Recover(t.log),
		bus.Filter(t.self, t.d.Clock.Now, t.conf.FreshnessWindow, onDrop),
		bus.Dedup(t.idem, 2*t.conf.FreshnessWindow, onDrop),
	)
}

func (t *Tab) handle(msg bus.Message) {
	if t.closed {
		return
	}
	defer safe.Recover(t.log, "handle "+msg.Type)
	switch msg.Type {
	case bus.TypeLogout:
		reason, _ := decode.ReadString(msg.Payload, "reason")
		if reason == "" {
			reason = ReasonUser
		}
		if _, tracked := t.life.Record(); !t.creds.Snapshot().Exists && (t.loggedOut || !tracked) {
			return
		}
		t.logout(reason, false)
	case bus.TypeTokenRefreshed, bus.TypeTokenVersionUpdated:
		had := t.creds.Snapshot().Exists
		t.refresher.HandleMessage(msg)
		if !had && t.creds.Snapshot().Exists {
			t.onPeerLogin(msg)
		}
	case bus.TypeLeaderElected:
		t.elector.HandleMessage(msg)
	case bus.TypeSessionUpdated, bus.TypeSessionExpired:
		t.life.HandleMessage(msg)
	case bus.TypeUserActivity:
		t.monitor.HandleMessage(msg)
	}
}

// onPeerLogin follows a login performed in another context.
func (t *Tab) onPeerLogin(msg bus.Message) {
	t.loggedOut = false
	t.monitor.Arm()
	if userID, _ := decode.ReadString(msg.Payload, "userId"); userID != "" {
		t.d.AppState.SetUser(&User{ID: userID})
	}
	t.log.Info("adopted login from peer", zap.String("origin", msg.Origin))
}
