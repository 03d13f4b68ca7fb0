package refresh

import (
	"context"
	"time"

	"go.uber.org/zap"

	"PPAuth/global"
	"PPAuth/logger"
	"PPAuth/module/credential"
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

type State string

const (
	StateIdle            State = "idle"
	StateRefreshing      State = "refreshing"
	StateLockedElsewhere State = "locked-elsewhere"
	StateBackingOff      State = "backing-off"
)

// Trigger reasons.
const (
	ReasonScheduled    = "scheduled"
	ReasonFallback     = "fallback"
	ReasonUnauthorized = "unauthorized"
	ReasonExplicit     = "explicit"
)

// Logout reasons handed to the terminal callback.
const (
	LogoutAuthError     = "auth_error"
	LogoutRefreshFailed = "refresh_failed"
	LogoutInactivity    = "inactivity"
)

type Config struct {
	Threshold     time.Duration // refresh this long before expiry
	LockStaleness time.Duration
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	MaxRetries    int
}

func (c *Config) norm() {
	if c.Threshold <= 0 {
		c.Threshold = 2 * time.Minute
	}
	if c.LockStaleness <= 0 {
		c.LockStaleness = 10 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

// Backoff is min(base * 2^attempt, max), attempt counted from 0.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return min(d, max)
}

// Result describes the credentials a flight ended with.
type Result struct {
	Version   int64
	ExpiresAt time.Time
	Adopted   bool // obtained from a peer rather than the network
}

// ActivityGate reports whether the user has been idle past the threshold.
type ActivityGate interface {
	Inactive() bool
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Loop       *loop.Loop
	Store      storage.Store
	Creds      *credential.State
	Client     transport.Client
	Publish    func(typ string, payload map[string]any)
	IsLeader   func() bool
	Activity   ActivityGate
	OnTerminal func(reason string) // forced logout
	Self       string
	DeviceID   string
	Log        *zap.Logger
	Metrics    *metrics.Metrics
}

type flight struct {
	done        chan struct{}
	res         Result
	err         error
	reason      string
	baseVersion int64
	attempt     int
}

// Coordinator makes sure one context refreshes at a time and that the
// others adopt its result instead of calling the network.
// Refresh may be called from any goroutine; everything else runs on the loop.
type Coordinator struct {
	conf Config
	d    Deps
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state     State
	flight    *flight
	gen       uint64 // bumps on every network call and cancel
	wait      *loop.Timer
	scheduled *loop.Timer
	closed    bool
}

func New(conf Config, d Deps) *Coordinator {
	conf.norm()
	safe.MustNotNil(d.Loop, "loop")
	safe.MustNotNil(d.Creds, "credentials")
	safe.MustNotNil(d.Client, "transport client")
	if d.IsLeader == nil {
		d.IsLeader = func() bool { return true }
	}
	if d.OnTerminal == nil {
		d.OnTerminal = func(string) {}
	}
	if d.Publish == nil {
		d.Publish = func(string, map[string]any) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		conf:   conf,
		d:      d,
		log:    logger.OrNamed(d.Log, "refresh"),
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
	}
}

// State must be read on the loop.
func (c *Coordinator) State() State { return c.state }

// Refresh starts a flight or joins the one in progress and waits for it.
// It must not be called from the loop goroutine.
func (c *Coordinator) Refresh(ctx context.Context, reason string) (Result, error) {
	var f *flight
	if err := c.d.Loop.Call(ctx, func() { f = c.start(reason) }); err != nil {
		return Result{}, err
	}
	if f == nil {
		return Result{}, errs.ErrClosed.WrapMsg("refresh coordinator closed")
	}
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Trigger starts a flight nobody waits for. Must run on the loop.
func (c *Coordinator) Trigger(reason string) {
	c.start(reason)
}

func (c *Coordinator) start(reason string) *flight {
	if c.closed {
		return nil
	}
	if c.flight != nil {
		return c.flight
	}
	f := &flight{
		done:        make(chan struct{}),
		reason:      reason,
		baseVersion: c.d.Creds.Snapshot().Version,
	}
	c.flight = f
	c.log.Debug("refresh flight", zap.String("reason", reason))
	c.evaluate()
	return f
}

func (c *Coordinator) finish(res Result, err error) {
	f := c.flight
	if f == nil {
		return
	}
	c.flight = nil
	c.wait.Stop()
	c.state = StateIdle
	f.res, f.err = res, err
	close(f.done)
	switch {
	case err == nil && res.Adopted:
		c.d.Metrics.Refresh("adopted")
	case err == nil:
		c.d.Metrics.Refresh("success")
	default:
		c.d.Metrics.Refresh("failure")
	}
}

func (c *Coordinator) evaluate() {
	f := c.flight
	if f == nil || c.closed {
		return
	}
	snap := c.d.Creds.Snapshot()
	if !snap.Exists {
		c.finish(Result{}, errs.ErrNotFound.WrapMsg("no credentials to refresh"))
		return
	}
	// a peer may have refreshed without us hearing about it
	c.adoptFromStore()
	if snap = c.d.Creds.Snapshot(); snap.Version > f.baseVersion {
		c.finish(Result{Version: snap.Version, ExpiresAt: snap.ExpiresAt, Adopted: true}, nil)
		return
	}
	if c.d.Activity != nil && c.d.Activity.Inactive() {
		c.finish(Result{}, errs.ErrInactive.WrapMsg("refresh skipped"))
		c.d.OnTerminal(LogoutInactivity)
		return
	}

	ok, wait := c.tryLock(c.ctx)
	if !ok {
		c.state = StateLockedElsewhere
		c.log.Debug("refresh locked elsewhere", zap.Duration("wait", wait))
		c.wait.Stop()
		c.wait = c.d.Loop.AfterFunc(wait+time.Millisecond, c.evaluate)
		return
	}
	c.call(snap)
}

func (c *Coordinator) call(snap credential.Snapshot) {
	c.state = StateRefreshing
	c.gen++
	gen := c.gen
	req := transport.RefreshRequest{
		DeviceID:  c.d.DeviceID,
		ContextID: c.d.Self,
		IsLeader:  c.d.IsLeader(),
		Timestamp: clock.UnixMilli(c.d.Loop.Now()),
	}
	c.d.Metrics.RefreshCall()
	ctx := c.ctx
	safe.Go(c.log, "refresh call", func() {
		res, err := c.d.Client.Refresh(ctx, snap.CSRFToken, req)
		c.d.Loop.Post(func() { c.onResult(gen, snap.SessionID, res, err) })
	})
}

func (c *Coordinator) onResult(gen uint64, sessionID string, res *transport.RefreshResponse, err error) {
	if c.closed || c.flight == nil || gen != c.gen {
		c.log.Debug("discard late refresh result", zap.Uint64("gen", gen))
		return
	}
	f := c.flight
	switch {
	case err == nil:
		c.succeed(sessionID, res)
	case errs.IsAuth(err):
		c.releaseLock(c.ctx)
		c.log.Warn("refresh rejected", zap.Error(err))
		c.finish(Result{}, err)
		c.d.OnTerminal(LogoutAuthError)
	default:
		c.releaseLock(c.ctx)
		if f.attempt >= c.conf.MaxRetries {
			c.log.Warn("refresh failed, retries exhausted", zap.Int("attempts", f.attempt+1), zap.Error(err))
			c.finish(Result{}, err)
			c.d.OnTerminal(LogoutRefreshFailed)
			return
		}
		d := Backoff(c.conf.BaseBackoff, c.conf.MaxBackoff, f.attempt)
		f.attempt++
		c.state = StateBackingOff
		c.log.Info("refresh failed, backing off", zap.Int("attempt", f.attempt), zap.Duration("wait", d), zap.Error(err))
		c.wait.Stop()
		c.wait = c.d.Loop.AfterFunc(d, c.evaluate)
	}
}

func (c *Coordinator) succeed(sessionID string, res *transport.RefreshResponse) {
	meta := res.AccessCredentialMetadata
	next := credential.Snapshot{
		SessionID: sessionID,
		CSRFToken: res.CSRFToken,
		Version:   meta.Version,
		ExpiresAt: clock.FromUnixMilli(meta.ExpiresAt),
	}
	if err := c.d.Creds.Apply(c.ctx, next); err != nil {
		// a newer version was adopted meanwhile; keep it
		c.log.Debug("refresh result superseded", zap.Error(err))
	}
	c.releaseLock(c.ctx)
	snap := c.d.Creds.Snapshot()
	c.d.Publish(bus.TypeTokenRefreshed, map[string]any{
		"timestamp": clock.UnixMilli(c.d.Loop.Now()),
		"version":   snap.Version,
		"expiresAt": clock.UnixMilli(snap.ExpiresAt),
		"sessionId": snap.SessionID,
	})
	c.log.Info("credentials refreshed", zap.Int64("version", snap.Version), zap.Time("expiresAt", snap.ExpiresAt))
	c.finish(Result{Version: snap.Version, ExpiresAt: snap.ExpiresAt}, nil)
	c.Reschedule()
}

func (c *Coordinator) adoptFromStore() {
	ctx := c.ctx
	v, ok, _ := storage.GetInt64(ctx, c.d.Store, global.KeyCredentialVersion)
	if !ok {
		return
	}
	exists, _, _ := c.d.Store.Get(ctx, global.KeyCredentialExists)
	if string(exists) != "1" {
		return
	}
	sid, _, _ := c.d.Store.Get(ctx, global.KeyCredentialSession)
	exp, _, _ := storage.GetInt64(ctx, c.d.Store, global.KeyCredentialExpiry)
	if string(sid) != c.d.Creds.Snapshot().SessionID {
		return
	}
	if _, err := c.d.Creds.Adopt(ctx, string(sid), v, clock.FromUnixMilli(exp)); err != nil {
		c.log.Debug("ignore older stored version", zap.Error(err))
	}
}

// HandleMessage processes TOKEN_REFRESHED and TOKEN_VERSION_UPDATED.
// LOGOUT is handled by the owner through Cancel.
func (c *Coordinator) HandleMessage(msg bus.Message) {
	if c.closed {
		return
	}
	switch msg.Type {
	case bus.TypeTokenRefreshed, bus.TypeTokenVersionUpdated:
	default:
		return
	}
	version, err := decode.ReadInt64(msg.Payload, "version")
	if err != nil {
		c.log.Debug("ignore message without version", zap.String("type", msg.Type))
		return
	}
	expMs, _ := decode.ReadInt64(msg.Payload, "expiresAt")
	sid, _ := decode.ReadString(msg.Payload, "sessionId")
	adopted, err := c.d.Creds.Adopt(c.ctx, sid, version, clock.FromUnixMilli(expMs))
	if err != nil {
		c.log.Debug("ignore older version", zap.Error(err))
		return
	}
	if !adopted {
		return
	}
	snap := c.d.Creds.Snapshot()
	c.log.Debug("adopted peer credentials", zap.String("type", msg.Type), zap.Int64("version", snap.Version))
	if f := c.flight; f != nil && c.state != StateRefreshing && snap.Version > f.baseVersion {
		c.finish(Result{Version: snap.Version, ExpiresAt: snap.ExpiresAt, Adopted: true}, nil)
	}
	c.Reschedule()
}

// Reschedule arms the proactive refresh timer. Leaders refresh Threshold
// before expiry. Followers arm a fallback at Threshold/2 that only fires
// if no peer refresh was adopted in the meantime.
func (c *Coordinator) Reschedule() {
	c.scheduled.Stop()
	c.scheduled = nil
	if c.closed {
		return
	}
	snap := c.d.Creds.Snapshot()
	if !snap.Exists || snap.ExpiresAt.IsZero() {
		return
	}
	leader := c.d.IsLeader()
	lead := c.conf.Threshold
	reason := ReasonScheduled
	if !leader {
		lead /= 2
		reason = ReasonFallback
	}
	d := snap.ExpiresAt.Add(-lead).Sub(c.d.Loop.Now())
	if d < 0 {
		d = 0
	}
	version := snap.Version
	c.scheduled = c.d.Loop.AfterFunc(d, func() {
		if !leader && c.d.Creds.Snapshot().Version != version {
			c.Reschedule()
			return
		}
		c.Trigger(reason)
	})
}

// Cancel aborts the flight in progress (peer LOGOUT, local logout) and
// disarms the schedule. Late network results are discarded.
func (c *Coordinator) Cancel(reason string) {
	c.gen++
	c.scheduled.Stop()
	c.scheduled = nil
	c.wait.Stop()
	if c.flight != nil {
		c.finish(Result{}, errs.ErrAuth.WrapMsg("refresh cancelled", "reason", reason))
	}
	c.releaseLock(c.ctx)
}

// Close cancels everything; no callback runs afterwards.
func (c *Coordinator) Close() {
	if c.closed {
		return
	}
	c.Cancel("closed")
	c.closed = true
	c.cancel()
}
