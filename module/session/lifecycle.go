package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"PPAuth/global"
	"PPAuth/logger"
	"PPAuth/service/bus"
	"PPAuth/service/metrics"
	"PPAuth/service/storage"
	"PPAuth/service/transport"
	"PPAuth/tools/clock"
	"PPAuth/tools/decode"
	"PPAuth/tools/errs"
	"PPAuth/tools/loop"
	"PPAuth/tools/safe"
)

// Expiry reasons.
const (
	ReasonExpired    = "expired"
	ReasonTerminated = "terminated"
	ReasonSyncFailed = "sync_failed"
	ReasonPeer       = "peer"
)

type Config struct {
	WarningThreshold time.Duration
	SyncInterval     time.Duration
}

func (c *Config) norm() {
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = 5 * time.Minute
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Minute
	}
}

type Deps struct {
	Loop         *loop.Loop
	Store        storage.Store
	Client       transport.Client
	Publish      func(typ string, payload map[string]any)
	IsLeader     func() bool
	LastActivity func() time.Time
	Device       transport.DeviceInfo
	Log          *zap.Logger
	Metrics      *metrics.Metrics
}

// Lifecycle is the session state machine observed by the application:
// inactive, active, warning, expired, with offline layered on top of
// active and warning. It lives on the context loop.
type Lifecycle struct {
	conf Config
	d    Deps
	log  *zap.Logger
	ctx  context.Context
	stop context.CancelFunc

	rec     *Record
	status  Status
	offline bool
	ended   string // id of the last session dropped by Discard or Terminate

	warnT *loop.Timer
	expT  *loop.Timer
	syncT *loop.Timer

	gen       uint64 // guards sync results
	observers []func(Status)
	last      Status // last status reported to observers
}

func New(conf Config, d Deps) *Lifecycle {
	conf.norm()
	safe.MustNotNil(d.Loop, "loop")
	safe.MustNotNil(d.Store, "store")
	safe.MustNotNil(d.Client, "transport client")
	if d.Publish == nil {
		d.Publish = func(string, map[string]any) {}
	}
	if d.IsLeader == nil {
		d.IsLeader = func() bool { return true }
	}
	if d.LastActivity == nil {
		d.LastActivity = d.Loop.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Lifecycle{
		conf:   conf,
		d:      d,
		log:    logger.OrNamed(d.Log, "session"),
		ctx:    ctx,
		stop:   cancel,
		status: StatusInactive,
		last:   StatusInactive,
	}
}

// Status is the effective status including the offline flag.
func (l *Lifecycle) Status() Status {
	if l.offline && (l.status == StatusActive || l.status == StatusWarning) {
		return StatusOffline
	}
	return l.status
}

// Record returns a copy of the tracked record.
func (l *Lifecycle) Record() (Record, bool) {
	if l.rec == nil {
		return Record{}, false
	}
	r := *l.rec
	r.Status = l.Status()
	return r, true
}

func (l *Lifecycle) OnStatus(fn func(Status)) {
	l.observers = append(l.observers, fn)
}

func (l *Lifecycle) emit() {
	s := l.Status()
	if s == l.last {
		return
	}
	l.log.Info("session status", zap.String("from", string(l.last)), zap.String("to", string(s)))
	l.last = s
	l.d.Metrics.SetSessionStatus(string(s), AllStatuses)
	for _, fn := range l.observers {
		fn(s)
	}
}

// Start begins tracking rec (login or bootstrap).
func (l *Lifecycle) Start(rec Record) {
	r := rec
	l.gen++
	l.rec = &r
	l.status = StatusActive
	l.offline = false
	if r.LastActivity.IsZero() {
		r.LastActivity = l.d.Loop.Now()
	}
	l.persist()
	l.syncT.Stop()
	l.syncT = l.d.Loop.Every(l.conf.SyncInterval, func() {
		if l.d.IsLeader() {
			l.Sync()
		}
	})
	l.arm(false)
	l.emit()
}

// Bootstrap resumes a session persisted by another context.
func (l *Lifecycle) Bootstrap() bool {
	st, ok, err := storage.GetJSON[stored](l.ctx, l.d.Store, global.KeySession)
	if err != nil || !ok {
		return false
	}
	rec := st.record()
	if rec.ID == "" || rec.Status == StatusExpired || rec.Status == StatusInactive ||
		!rec.ExpiresAt.After(l.d.Loop.Now()) {
		return false
	}
	l.Start(rec)
	return true
}

// arm sets the warning and expiry timers. With hold set a warning point
// already passed is skipped, so the session stays active until expiry or
// until a sync moves the expiry.
func (l *Lifecycle) arm(hold bool) {
	l.warnT.Stop()
	l.expT.Stop()
	if l.rec == nil {
		return
	}
	now := l.d.Loop.Now()
	exp := l.rec.ExpiresAt
	if !exp.After(now) {
		l.expire(ReasonExpired, true)
		return
	}
	warnAt := exp.Add(-l.conf.WarningThreshold)
	if !warnAt.After(now) {
		if !hold {
			l.status = StatusWarning
		}
	} else {
		l.warnT = l.d.Loop.AfterFunc(warnAt.Sub(now), func() {
			if l.status == StatusActive {
				l.status = StatusWarning
				l.emit()
			}
		})
	}
	l.expT = l.d.Loop.AfterFunc(exp.Sub(now), func() { l.expire(ReasonExpired, true) })
}

// Activity records user activity (local or peer). In warning it returns
// the session to active and asks the server to extend it.
func (l *Lifecycle) Activity(at time.Time) {
	if l.rec == nil || l.status == StatusExpired {
		return
	}
	if at.After(l.rec.LastActivity) {
		l.rec.LastActivity = at
	}
	if l.status == StatusWarning {
		l.status = StatusActive
		l.arm(true)
		l.emit()
		l.Sync()
	}
}

// ExtendTo moves the expiry forward; earlier times are ignored.
func (l *Lifecycle) ExtendTo(t time.Time) bool {
	if l.rec == nil || l.status == StatusExpired || !t.After(l.rec.ExpiresAt) {
		return false
	}
	l.rec.ExpiresAt = t
	if l.status == StatusWarning && l.d.Loop.Now().Before(t.Add(-l.conf.WarningThreshold)) {
		l.status = StatusActive
	}
	l.persist()
	l.arm(false)
	l.emit()
	return true
}

// SetOnline toggles the offline flag. Coming back online revalidates the
// session with the server.
func (l *Lifecycle) SetOnline(online bool) {
	if !online {
		if !l.offline && (l.status == StatusActive || l.status == StatusWarning) {
			l.offline = true
			l.emit()
		}
		return
	}
	if !l.offline {
		return
	}
	if l.status != StatusActive && l.status != StatusWarning {
		l.offline = false
		l.emit()
		return
	}
	l.sync(true)
}

// Sync asks the server whether the session is still valid.
func (l *Lifecycle) Sync() {
	if l.offline {
		return
	}
	l.sync(false)
}

func (l *Lifecycle) sync(revalidate bool) {
	if l.rec == nil || l.status == StatusExpired || l.status == StatusInactive {
		return
	}
	l.gen++
	gen := l.gen
	id := l.rec.ID
	req := transport.SyncRequest{
		SessionID:    &id,
		LastActivity: clock.UnixMilli(l.d.LastActivity()),
		DeviceInfo:   l.d.Device,
	}
	ctx := l.ctx
	safe.Go(l.log, "session sync", func() {
		res, err := l.d.Client.SyncSession(ctx, req)
		l.d.Loop.Post(func() { l.onSync(gen, revalidate, res, err) })
	})
}

func (l *Lifecycle) onSync(gen uint64, revalidate bool, res *transport.SyncResponse, err error) {
	if gen != l.gen || l.rec == nil || l.status == StatusExpired || l.status == StatusInactive {
		return
	}
	switch {
	case err != nil && (revalidate || errs.IsAuth(err)):
		l.d.Metrics.SessionSync("error")
		l.log.Warn("session revalidation failed", zap.Error(err))
		l.expire(ReasonSyncFailed, true)
	case err != nil:
		l.d.Metrics.SessionSync("error")
		l.log.Debug("session sync failed", zap.Error(err))
	case res.Status == transport.SyncTerminated:
		l.d.Metrics.SessionSync(transport.SyncTerminated)
		reason := res.Reason
		if reason == "" {
			reason = ReasonTerminated
		}
		l.expire(reason, true)
	default:
		l.d.Metrics.SessionSync(transport.SyncValid)
		if revalidate {
			l.offline = false
		}
		if res.ExpiresAt > 0 {
			l.ExtendTo(clock.FromUnixMilli(res.ExpiresAt))
		}
		l.emit()
		payload, err := decode.ToMap(sessionUpdate{
			SessionID:    l.rec.ID,
			UserID:       l.rec.UserID,
			ExpiresAt:    clock.UnixMilli(l.rec.ExpiresAt),
			LastActivity: clock.UnixMilli(l.rec.LastActivity),
		})
		if err != nil {
			l.log.Error("encode session update", zap.Error(err))
			return
		}
		l.d.Publish(bus.TypeSessionUpdated, payload)
	}
}

func (l *Lifecycle) expire(reason string, publish bool) {
	if l.rec == nil || l.status == StatusExpired {
		return
	}
	l.gen++
	l.stopTimers()
	l.status = StatusExpired
	l.offline = false
	l.persist()
	l.log.Info("session expired", zap.String("session", l.rec.ID), zap.String("reason", reason))
	if publish {
		l.d.Publish(bus.TypeSessionExpired, map[string]any{"sessionId": l.rec.ID, "reason": reason})
	}
	l.emit()
}

// Expire ends the session locally; broadcast tells the peers.
func (l *Lifecycle) Expire(reason string, broadcast bool) {
	l.expire(reason, broadcast)
}

// Discard expires the session and forgets its record (forced logout).
// Observers see expired; the stored record is removed.
func (l *Lifecycle) Discard(reason string, broadcast bool) {
	if l.rec == nil {
		return
	}
	l.expire(reason, broadcast)
	l.drop()
}

// Terminate drops the session (logout). It does not broadcast.
func (l *Lifecycle) Terminate() {
	l.gen++
	l.stopTimers()
	l.drop()
	l.offline = false
	l.status = StatusInactive
	l.emit()
}

func (l *Lifecycle) drop() {
	if l.rec != nil {
		l.ended = l.rec.ID
	}
	l.rec = nil
	if err := l.d.Store.Remove(l.ctx, global.KeySession); err != nil {
		l.log.Debug("remove session record", zap.Error(err))
	}
}

// sessionUpdate is the SESSION_UPDATED payload; times are unix ms.
type sessionUpdate struct {
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	ExpiresAt    int64  `json:"expiresAt"`
	LastActivity int64  `json:"lastActivity"`
}

// HandleMessage applies SESSION_UPDATED and SESSION_EXPIRED from peers.
func (l *Lifecycle) HandleMessage(msg bus.Message) {
	switch msg.Type {
	case bus.TypeSessionUpdated:
		upd, err := decode.Decode[sessionUpdate](msg.Payload)
		if err != nil || upd.SessionID == "" || upd.ExpiresAt == 0 || upd.SessionID == l.ended {
			return
		}
		exp := clock.FromUnixMilli(upd.ExpiresAt)
		if l.rec == nil || l.status == StatusInactive || (l.status == StatusExpired && upd.SessionID != l.rec.ID) {
			if !exp.After(l.d.Loop.Now()) {
				return
			}
			l.Start(Record{
				ID:                upd.SessionID,
				UserID:            upd.UserID,
				CreatedAt:         l.d.Loop.Now(),
				ExpiresAt:         exp,
				DeviceFingerprint: l.d.Device.Fingerprint,
			})
			return
		}
		if upd.SessionID != l.rec.ID {
			return
		}
		if upd.LastActivity > 0 {
			if t := clock.FromUnixMilli(upd.LastActivity); t.After(l.rec.LastActivity) {
				l.rec.LastActivity = t
			}
		}
		l.ExtendTo(exp)
	case bus.TypeSessionExpired:
		if l.rec == nil {
			return
		}
		if id, _ := decode.ReadString(msg.Payload, "sessionId"); id != "" && id != l.rec.ID {
			return
		}
		l.expire(ReasonPeer, false)
	}
}

func (l *Lifecycle) persist() {
	if l.rec == nil {
		return
	}
	st := l.rec.toStored()
	st.Status = l.status
	if err := storage.SetJSON(l.ctx, l.d.Store, global.KeySession, st, 0); err != nil {
		l.log.Debug("persist session record", zap.Error(err))
	}
}

func (l *Lifecycle) stopTimers() {
	l.warnT.Stop()
	l.expT.Stop()
	l.syncT.Stop()
	l.warnT, l.expT, l.syncT = nil, nil, nil
}

// Close stops timers and discards pending sync results.
func (l *Lifecycle) Close() {
	l.gen++
	l.stopTimers()
	l.observers = nil
	l.stop()
}
