package authstub

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	midsec "PPAuth/middleware/security"
	"PPAuth/service/transport"
	"PPAuth/tools/clock"
	"PPAuth/tools/ids"
	"PPAuth/tools/security"
)

func (s *Server) setCookie(c *gin.Context, name, value string, maxAge time.Duration) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(name, value, int(maxAge/time.Second), "/", "", false, true)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req transport.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "user_required"})
		return
	}
	refresh, err := security.RandomToken(32)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"reason": "rng"})
		return
	}
	csrf, err := security.RandomToken(16)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"reason": "rng"})
		return
	}
	now := s.conf.Clock.Now()
	sess := &session{
		ID:           ids.NewContextID(),
		UserID:       req.UserID,
		RefreshHash:  security.HashToken(refresh),
		CSRF:         csrf,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.conf.SessionTTL),
		LastActivity: now,
	}

	s.mu.Lock()
	s.version++
	sess.Version = s.version
	s.sessions[sess.ID] = sess
	s.byRefresh[sess.RefreshHash] = sess.ID
	s.mu.Unlock()

	token, exp, err := security.Generate(s.jwt, sess.UserID, sess.ID, sess.Version)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"reason": "sign"})
		return
	}

	s.setCookie(c, midsec.CookieAccess, token, s.conf.AccessTTL)
	s.setCookie(c, midsec.CookieRefresh, refresh, s.conf.SessionTTL)
	s.log.Info("login", zap.String("user", sess.UserID), zap.String("session", sess.ID))

	c.JSON(http.StatusOK, transport.LoginResponse{
		UserID:    sess.UserID,
		SessionID: sess.ID,
		CSRFToken: csrf,
		AccessCredentialMetadata: transport.CredentialMeta{
			Version:   sess.Version,
			ExpiresAt: clock.UnixMilli(exp),
		},
		SessionExpiresAt: clock.UnixMilli(sess.ExpiresAt),
		RememberMe:       req.RememberMe,
	})
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req transport.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "bad_body"})
		return
	}
	sess := s.sessionFromCookie(c)
	if sess == nil {
		midsec.Unauthorized(c, "invalid_refresh_credential")
		return
	}
	now := s.conf.Clock.Now()

	s.mu.Lock()
	if reason := s.deadReasonLocked(sess, now); reason != "" {
		s.mu.Unlock()
		midsec.Unauthorized(c, reason)
		return
	}
	s.version++
	sess.Version = s.version
	version, userID, csrf := sess.Version, sess.UserID, sess.CSRF
	s.mu.Unlock()

	token, exp, err := security.Generate(s.jwt, userID, sess.ID, version)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"reason": "sign"})
		return
	}
	s.setCookie(c, midsec.CookieAccess, token, s.conf.AccessTTL)
	s.log.Debug("refresh", zap.String("session", sess.ID), zap.Int64("version", version),
		zap.String("context", req.ContextID), zap.Bool("leader", req.IsLeader))

	c.JSON(http.StatusOK, transport.RefreshResponse{
		AccessCredentialMetadata: transport.CredentialMeta{Version: version, ExpiresAt: clock.UnixMilli(exp)},
		CSRFToken:                csrf,
	})
}

func (s *Server) handleSync(c *gin.Context) {
	var req transport.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "bad_body"})
		return
	}
	now := s.conf.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	var sess *session
	if req.SessionID != nil && *req.SessionID != "" {
		sess = s.sessions[*req.SessionID]
	}
	if sess == nil {
		if raw, err := c.Cookie(midsec.CookieRefresh); err == nil {
			sess = s.sessions[s.byRefresh[security.HashToken(raw)]]
		}
	}
	if sess == nil {
		c.JSON(http.StatusOK, transport.SyncResponse{Status: transport.SyncTerminated, Reason: "not_found"})
		return
	}
	if reason := s.deadReasonLocked(sess, now); reason != "" {
		c.JSON(http.StatusOK, transport.SyncResponse{Status: transport.SyncTerminated, Reason: reason})
		return
	}
	if la := clock.FromUnixMilli(req.LastActivity); la.After(sess.LastActivity) && !la.After(now) {
		sess.LastActivity = la
	}
	// sliding expiry, never shortened
	if next := now.Add(s.conf.SessionTTL); next.After(sess.ExpiresAt) {
		sess.ExpiresAt = next
	}
	c.JSON(http.StatusOK, transport.SyncResponse{Status: transport.SyncValid, ExpiresAt: clock.UnixMilli(sess.ExpiresAt)})
}

func (s *Server) handleStatus(c *gin.Context) {
	claims, ok := midsec.Claims(c)
	if !ok {
		midsec.Unauthorized(c, "missing_credentials")
		return
	}
	now := s.conf.Clock.Now()
	s.mu.Lock()
	sess := s.sessions[claims.SessionID]
	reason := "not_found"
	if sess != nil {
		reason = s.deadReasonLocked(sess, now)
	}
	s.mu.Unlock()
	if reason != "" {
		midsec.Unauthorized(c, reason)
		return
	}
	left := claims.ExpiresAt.Time.Sub(now)
	if left < 0 {
		left = 0
	}
	c.JSON(http.StatusOK, transport.StatusResponse{ExpiresIn: int64(left / time.Second)})
}

func (s *Server) deadReasonLocked(sess *session, now time.Time) string {
	if sess.Terminated != "" {
		return sess.Terminated
	}
	if !now.Before(sess.ExpiresAt) {
		return "session_expired"
	}
	return ""
}
