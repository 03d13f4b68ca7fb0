package activity

import (
	"context"
	"time"

	"go.uber.org/zap"

	"PPAuth/global"
	"PPAuth/logger"
	"PPAuth/service/bus"
	"PPAuth/service/storage"
	"PPAuth/tools/clock"
	"PPAuth/tools/decode"
	"PPAuth/tools/loop"
	"PPAuth/tools/safe"
)

// Interaction kinds that count as user activity.
const (
	KindMouseDown  = "mousedown"
	KindMouseMove  = "mousemove"
	KindKeyDown    = "keydown"
	KindScroll     = "scroll"
	KindTouchStart = "touchstart"
	KindClick      = "click"
	KindFocus      = "focus"
	KindVisibility = "visibility"
)

var allowed = map[string]struct{}{
	KindMouseDown: {}, KindMouseMove: {}, KindKeyDown: {}, KindScroll: {},
	KindTouchStart: {}, KindClick: {}, KindFocus: {}, KindVisibility: {},
}

// Allowed reports whether kind is a qualifying interaction.
func Allowed(kind string) bool {
	_, ok := allowed[kind]
	return ok
}

type Config struct {
	Throttle          time.Duration
	ShortThreshold    time.Duration
	ExtendedThreshold time.Duration // with remember-me
	CheckInterval     time.Duration
}

func (c *Config) norm() {
	if c.Throttle <= 0 {
		c.Throttle = 10 * time.Second
	}
	if c.ShortThreshold <= 0 {
		c.ShortThreshold = 30 * time.Minute
	}
	if c.ExtendedThreshold <= 0 {
		c.ExtendedThreshold = 7 * 24 * time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Minute
	}
}

// Listener is told about accepted activity; local is false for peer echoes.
type Listener func(at time.Time, local bool)

// Monitor tracks the most recent user interaction seen by this context or
// any peer, and fires the inactivity callback once per armed period.
// Everything runs on the context loop.
type Monitor struct {
	conf    Config
	loop    *loop.Loop
	store   storage.Store
	publish func(typ string, payload map[string]any)
	log     *zap.Logger

	local    time.Time
	peer     time.Time
	recorded time.Time // last accepted local interaction, for throttling

	armed      bool
	fired      bool
	ticker     *loop.Timer
	hasSession func() bool
	onInactive func()
	listeners  []Listener
}

func New(conf Config, lp *loop.Loop, store storage.Store, publish func(string, map[string]any), log *zap.Logger) *Monitor {
	conf.norm()
	safe.MustNotNil(lp, "loop")
	safe.MustNotNil(store, "store")
	if publish == nil {
		publish = func(string, map[string]any) {}
	}
	return &Monitor{
		conf:       conf,
		loop:       lp,
		store:      store,
		publish:    publish,
		log:        logger.OrNamed(log, "activity"),
		hasSession: func() bool { return true },
		onInactive: func() {},
	}
}

// SetEnforcer installs the forced-logout action and the credential check
// that gates it.
func (m *Monitor) SetEnforcer(hasSession func() bool, onInactive func()) {
	if hasSession != nil {
		m.hasSession = hasSession
	}
	if onInactive != nil {
		m.onInactive = onInactive
	}
}

func (m *Monitor) OnActivity(l Listener) {
	m.listeners = append(m.listeners, l)
}

// Arm starts inactivity enforcement for a login (or a bootstrap of one).
// The arming moment counts as activity.
func (m *Monitor) Arm() {
	now := m.loop.Now()
	m.fired = false
	m.armed = true
	if now.After(m.local) {
		m.local = now
	}
	m.ticker.Stop()
	m.ticker = m.loop.Every(m.conf.CheckInterval, m.Check)
}

// Disarm stops enforcement (logout, teardown).
func (m *Monitor) Disarm() {
	m.armed = false
	m.ticker.Stop()
	m.ticker = nil
}

// Record registers a local interaction. It returns false for kinds outside
// the allow-list and for interactions inside the throttle window.
func (m *Monitor) Record(kind string) bool {
	if !Allowed(kind) {
		return false
	}
	now := m.loop.Now()
	if !m.recorded.IsZero() && now.Sub(m.recorded) < m.conf.Throttle {
		return false
	}
	m.recorded = now
	m.local = now
	ms := clock.UnixMilli(now)
	if _, err := storage.SetMax(context.Background(), m.store, global.KeyLastActivity, ms); err != nil {
		m.log.Debug("store last activity", zap.Error(err))
	}
	m.publish(bus.TypeUserActivity, map[string]any{"timestamp": ms})
	m.notify(now, true)
	return true
}

// HandleMessage takes USER_ACTIVITY echoes from peers.
func (m *Monitor) HandleMessage(msg bus.Message) {
	if msg.Type != bus.TypeUserActivity {
		return
	}
	ms, err := decode.ReadInt64(msg.Payload, "timestamp")
	if err != nil {
		ms = msg.Timestamp
	}
	at := clock.FromUnixMilli(ms)
	if !at.After(m.peer) {
		return
	}
	m.peer = at
	m.notify(at, false)
}

func (m *Monitor) notify(at time.Time, local bool) {
	for _, l := range m.listeners {
		l(at, local)
	}
}

// Last is max(local, peer echoes, shared store).
func (m *Monitor) Last() time.Time {
	last := m.local
	if m.peer.After(last) {
		last = m.peer
	}
	if ms, ok, _ := storage.GetInt64(context.Background(), m.store, global.KeyLastActivity); ok {
		if t := clock.FromUnixMilli(ms); t.After(last) {
			last = t
		}
	}
	return last
}

// RememberMe reads the persisted preference.
func (m *Monitor) RememberMe() bool {
	raw, ok, _ := m.store.Get(context.Background(), global.KeyRememberMe)
	return ok && (string(raw) == "1" || string(raw) == "true")
}

func (m *Monitor) SetRememberMe(on bool) {
	v := "0"
	if on {
		v = "1"
	}
	if err := m.store.Set(context.Background(), global.KeyRememberMe, []byte(v), 0); err != nil {
		m.log.Warn("store remember-me", zap.Error(err))
	}
}

// Threshold is the inactivity limit currently in force.
func (m *Monitor) Threshold() time.Duration {
	if m.RememberMe() {
		return m.conf.ExtendedThreshold
	}
	return m.conf.ShortThreshold
}

// Inactive reports whether the user has been idle beyond the threshold.
// With no activity on record at all the user is not considered idle.
func (m *Monitor) Inactive() bool {
	last := m.Last()
	if last.IsZero() {
		return false
	}
	return m.loop.Now().Sub(last) > m.Threshold()
}

// Check runs the periodic inactivity evaluation.
func (m *Monitor) Check() {
	if !m.armed || m.fired || !m.hasSession() {
		return
	}
	if !m.Inactive() {
		return
	}
	m.fired = true
	m.log.Info("user inactive, forcing logout",
		zap.Time("last", m.Last()), zap.Duration("threshold", m.Threshold()))
	m.onInactive()
}

// Fired reports whether enforcement already ran for the current arming.
func (m *Monitor) Fired() bool { return m.fired }

func (m *Monitor) Close() {
	m.Disarm()
	m.listeners = nil
}
