package credential

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"PPAuth/global"
	"PPAuth/logger"
	"PPAuth/service/storage"
	"PPAuth/tools/clock"
	"PPAuth/tools/errs"
)

// Snapshot is what a context knows about the credentials. The credentials
// themselves live in http-only cookies; only metadata is visible here.
type Snapshot struct {
	Exists    bool
	SessionID string
	CSRFToken string
	Version   int64
	ExpiresAt time.Time
}

// State owns one context's Snapshot and mirrors it into the shared store.
// Not safe for concurrent use; it lives on the context's loop.
type State struct {
	cur   Snapshot
	store storage.Store
	log   *zap.Logger
}

func New(store storage.Store, log *zap.Logger) *State {
	return &State{store: store, log: logger.OrNamed(log, "credential")}
}

func (s *State) Snapshot() Snapshot { return s.cur }

// Set replaces the snapshot unconditionally (login).
func (s *State) Set(ctx context.Context, next Snapshot) {
	next.Exists = true
	s.cur = next
	s.persist(ctx)
}

// Apply installs the result of a local refresh. Versions are issued
// monotonically across logins, so a lower version is rejected with a
// VersionConflictError whatever session it belongs to.
func (s *State) Apply(ctx context.Context, next Snapshot) error {
	if next.Version < s.cur.Version {
		return errs.ErrVersionConflict.WrapMsg("refresh result older than local",
			"incoming", next.Version, "local", s.cur.Version)
	}
	if next.CSRFToken == "" {
		next.CSRFToken = s.cur.CSRFToken
	}
	next.Exists = true
	s.cur = next
	s.persist(ctx)
	return nil
}

// Adopt takes a version announced by a peer. The version must not go
// backwards, whatever session it belongs to. At an equal version only a
// later expiry of the same live session is taken, so late messages cannot
// resurrect a logged-out context. The CSRF token is read from the shared
// store.
func (s *State) Adopt(ctx context.Context, sessionID string, version int64, expiresAt time.Time) (bool, error) {
	if version < s.cur.Version {
		return false, errs.ErrVersionConflict.WrapMsg("peer version older than local",
			"incoming", version, "local", s.cur.Version, "session", sessionID)
	}
	if version == s.cur.Version {
		if !s.cur.Exists || sessionID != s.cur.SessionID || !expiresAt.After(s.cur.ExpiresAt) {
			return false, nil
		}
	}
	csrf := s.cur.CSRFToken
	if raw, ok, _ := s.store.Get(ctx, global.KeyCSRFToken); ok && len(raw) > 0 {
		csrf = string(raw)
	}
	s.cur = Snapshot{Exists: true, SessionID: sessionID, CSRFToken: csrf, Version: version, ExpiresAt: expiresAt}
	return true, nil
}

// Clear forgets the credentials but keeps the epoch and version watermark.
func (s *State) Clear(ctx context.Context) {
	s.cur = Snapshot{SessionID: s.cur.SessionID, Version: s.cur.Version}
	for _, k := range []string{global.KeyCredentialExists, global.KeyCSRFToken, global.KeyCredentialExpiry} {
		_ = s.store.Remove(ctx, k)
	}
}

// Load bootstraps from the shared store; used by late-starting contexts.
func (s *State) Load(ctx context.Context) Snapshot {
	exists, _, _ := s.store.Get(ctx, global.KeyCredentialExists)
	snap := Snapshot{Exists: string(exists) == "1"}
	if v, ok, _ := storage.GetInt64(ctx, s.store, global.KeyCredentialVersion); ok {
		snap.Version = v
	}
	if raw, ok, _ := s.store.Get(ctx, global.KeyCredentialSession); ok {
		snap.SessionID = string(raw)
	}
	if raw, ok, _ := s.store.Get(ctx, global.KeyCSRFToken); ok {
		snap.CSRFToken = string(raw)
	}
	if ms, ok, _ := storage.GetInt64(ctx, s.store, global.KeyCredentialExpiry); ok {
		snap.ExpiresAt = clock.FromUnixMilli(ms)
	}
	s.cur = snap
	return snap
}

func (s *State) persist(ctx context.Context) {
	set := func(k string, v []byte) {
		if err := s.store.Set(ctx, k, v, 0); err != nil {
			s.log.Warn("persist credential metadata", zap.String("key", k), zap.Error(err))
		}
	}
	set(global.KeyCredentialSession, []byte(s.cur.SessionID))
	set(global.KeyCredentialVersion, []byte(strconv.FormatInt(s.cur.Version, 10)))
	set(global.KeyCSRFToken, []byte(s.cur.CSRFToken))
	set(global.KeyCredentialExpiry, []byte(strconv.FormatInt(clock.UnixMilli(s.cur.ExpiresAt), 10)))
	set(global.KeyCredentialExists, []byte("1"))
}
