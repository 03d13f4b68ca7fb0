package leader

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"PPAuth/global"
	"PPAuth/logger"
	"PPAuth/service/bus"
	"PPAuth/service/metrics"
	"PPAuth/service/storage"
	"PPAuth/tools/clock"
	"PPAuth/tools/decode"
	"PPAuth/tools/loop"
)

type State string

const (
	StateUnclaimed   State = "unclaimed"
	StateCampaigning State = "campaigning"
	StateLeader      State = "leader"
	StateFollower    State = "follower"
	StateResigning   State = "resigning"
	StateClosed      State = "closed"
)

// Claim status values.
const (
	ClaimActive  = "active"
	ClaimClosing = "closing"
	ClaimFailed  = "failed"
)

// Election reasons carried by LEADER_ELECTED.
const (
	ReasonStartup    = "startup"
	ReasonLeaderLost = "leader_lost"
	ReasonResigned   = "resigned"
	ReasonReconciled = "reconciled"
)

// Claim is the shared-store record naming the leader of one device.
type Claim struct {
	ContextID string `json:"contextId"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
}

type Config struct {
	StaleThreshold    time.Duration
	HeartbeatInterval time.Duration
	CheckInterval     time.Duration
	CampaignJitter    time.Duration
	Rand              func(n int64) int64 // nil => math/rand
}

func (c *Config) norm() {
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.CampaignJitter < 0 {
		c.CampaignJitter = 0
	}
	if c.Rand == nil {
		c.Rand = rand.Int63n
	}
}

// Publisher sends a message of typ on the auth topic.
type Publisher func(typ string, payload map[string]any)

// ChangeFunc observes role changes; leaderID is "" when unknown.
type ChangeFunc func(isLeader bool, leaderID string)

// Elector runs best-effort leader election among the contexts of one
// device through a claim in the shared store. There is no compare-and-set:
// two contexts may briefly both be leader, and that is reconciled on the
// next check or LEADER_ELECTED by keeping the lowest context id.
// Every method must run on the owning loop.
type Elector struct {
	conf    Config
	loop    *loop.Loop
	store   storage.Store
	publish Publisher
	self    string
	key     string
	log     *zap.Logger
	metrics *metrics.Metrics

	state     State
	leaderID  string
	heartbeat *loop.Timer
	check     *loop.Timer
	jitter    *loop.Timer
	listeners []ChangeFunc
	holdUntil time.Time // no campaigning before this after MarkFailed
}

func New(conf Config, l *loop.Loop, store storage.Store, publish Publisher, self, deviceID string, log *zap.Logger, m *metrics.Metrics) *Elector {
	conf.norm()
	return &Elector{
		conf:    conf,
		loop:    l,
		store:   store,
		publish: publish,
		self:    self,
		key:     global.LeaderKey(deviceID),
		log:     logger.OrNamed(log, "leader"),
		metrics: m,
		state:   StateUnclaimed,
	}
}

func (e *Elector) State() State { return e.state }

func (e *Elector) IsLeader() bool { return e.state == StateLeader }

func (e *Elector) LeaderID() string { return e.leaderID }

func (e *Elector) OnChange(f ChangeFunc) { e.listeners = append(e.listeners, f) }

// Start campaigns once and begins periodic validation.
func (e *Elector) Start() {
	if e.state == StateClosed {
		return
	}
	e.campaign(ReasonStartup)
	e.check = e.loop.Every(e.conf.CheckInterval, e.validate)
}

func (e *Elector) readClaim() *Claim {
	c, ok, err := storage.GetJSON[Claim](context.Background(), e.store, e.key)
	if err != nil {
		e.log.Debug("read claim", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return c
}

func (e *Elector) writeClaim(status string) {
	c := Claim{ContextID: e.self, Timestamp: clock.UnixMilli(e.loop.Now()), Status: status}
	if err := storage.SetJSON(context.Background(), e.store, e.key, c, 2*e.conf.StaleThreshold); err != nil {
		e.log.Warn("write claim", zap.Error(err))
	}
}

// live reports whether c names a usable leader right now.
func (e *Elector) live(c *Claim) bool {
	if c == nil || c.Status != ClaimActive || c.ContextID == "" {
		return false
	}
	age := e.loop.Now().Sub(clock.FromUnixMilli(c.Timestamp))
	return age <= e.conf.StaleThreshold
}

func (e *Elector) campaign(reason string) {
	if e.state == StateClosed || e.state == StateResigning {
		return
	}
	if e.loop.Now().Before(e.holdUntil) {
		return
	}
	e.jitter.Stop()
	e.setState(StateCampaigning)

	c := e.readClaim()
	if e.live(c) && c.ContextID != e.self {
		e.follow(c.ContextID)
		return
	}
	e.writeClaim(ClaimActive)
	// read back: a concurrent writer in another process may have won
	if back := e.readClaim(); back != nil && back.ContextID != e.self && e.live(back) {
		e.follow(back.ContextID)
		return
	}
	e.lead(reason)
}

func (e *Elector) lead(reason string) {
	was := e.state == StateLeader
	e.setState(StateLeader)
	e.leaderID = e.self
	if e.heartbeat == nil || !e.heartbeat.Active() {
		e.heartbeat = e.loop.Every(e.conf.HeartbeatInterval, e.beat)
	}
	e.publish(bus.TypeLeaderElected, map[string]any{"contextId": e.self, "reason": reason})
	if !was {
		e.log.Info("became leader", zap.String("reason", reason))
		e.notify()
	}
}

func (e *Elector) follow(leaderID string) {
	wasLeader := e.state == StateLeader
	changed := wasLeader || e.leaderID != leaderID || e.state != StateFollower
	e.heartbeat.Stop()
	e.setState(StateFollower)
	e.leaderID = leaderID
	if wasLeader {
		e.log.Info("stepped down", zap.String("leader", leaderID))
	}
	if changed {
		e.notify()
	}
}

// beat refreshes the leader claim, yielding to a lower id found in it.
func (e *Elector) beat() {
	if e.state != StateLeader {
		return
	}
	c := e.readClaim()
	if e.live(c) && c.ContextID != e.self {
		if c.ContextID < e.self {
			e.follow(c.ContextID)
			return
		}
		e.writeClaim(ClaimActive)
		e.publish(bus.TypeLeaderElected, map[string]any{"contextId": e.self, "reason": ReasonReconciled})
		return
	}
	e.writeClaim(ClaimActive)
}

func (e *Elector) validate() {
	switch e.state {
	case StateLeader:
		e.beat()
	case StateFollower, StateUnclaimed:
		c := e.readClaim()
		switch {
		case !e.live(c):
			e.campaign(ReasonLeaderLost)
		case c.ContextID == e.self:
			e.lead(ReasonReconciled)
		case c.ContextID != e.leaderID:
			e.follow(c.ContextID)
		}
	}
}

// HandleMessage processes LEADER_ELECTED from a peer.
func (e *Elector) HandleMessage(msg bus.Message) {
	if msg.Type != bus.TypeLeaderElected || e.state == StateClosed || e.state == StateResigning {
		return
	}
	id, _ := decode.ReadString(msg.Payload, "contextId")
	if id == "" {
		if e.state != StateLeader {
			e.scheduleCampaign()
		}
		return
	}
	if id == e.self {
		return
	}
	if e.state == StateLeader {
		if id < e.self {
			e.follow(id)
			return
		}
		// we keep it; tell the other one
		e.writeClaim(ClaimActive)
		e.publish(bus.TypeLeaderElected, map[string]any{"contextId": e.self, "reason": ReasonReconciled})
		return
	}
	e.jitter.Stop()
	e.follow(id)
}

func (e *Elector) scheduleCampaign() {
	if e.jitter.Active() {
		return
	}
	var d time.Duration
	if e.conf.CampaignJitter > 0 {
		d = time.Duration(e.conf.Rand(int64(e.conf.CampaignJitter)))
	}
	e.jitter = e.loop.AfterFunc(d, func() { e.campaign(ReasonLeaderLost) })
}

// Resign hands leadership back: the claim is marked closing and peers are
// told to campaign.
func (e *Elector) Resign() {
	if e.state != StateLeader {
		return
	}
	e.setState(StateResigning)
	e.heartbeat.Stop()
	e.writeClaim(ClaimClosing)
	e.publish(bus.TypeLeaderElected, map[string]any{"contextId": "", "reason": ReasonResigned})
	e.leaderID = ""
	e.setState(StateUnclaimed)
	e.notify()
}

// MarkFailed records that this leader cannot serve (e.g. refresh failed
// terminally) and steps down, so followers take over without waiting for
// staleness.
func (e *Elector) MarkFailed() {
	if e.state != StateLeader {
		return
	}
	e.heartbeat.Stop()
	e.writeClaim(ClaimFailed)
	e.holdUntil = e.loop.Now().Add(e.conf.StaleThreshold)
	e.leaderID = ""
	e.setState(StateUnclaimed)
	e.notify()
}

// Close resigns if leading and stops every timer.
func (e *Elector) Close() {
	if e.state == StateClosed {
		return
	}
	e.Resign()
	e.heartbeat.Stop()
	e.check.Stop()
	e.jitter.Stop()
	e.setState(StateClosed)
	e.listeners = nil
}

func (e *Elector) setState(s State) {
	if e.state == s {
		return
	}
	e.state = s
	e.metrics.LeaderState(string(s))
}

func (e *Elector) notify() {
	isLeader, id := e.state == StateLeader, e.leaderID
	for _, f := range e.listeners {
		f(isLeader, id)
	}
}
