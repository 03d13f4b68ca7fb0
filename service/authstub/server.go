package authstub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"PPAuth/logger"
	"PPAuth/middleware"
	midsec "PPAuth/middleware/security"
	"PPAuth/tools/clock"
	"PPAuth/tools/security"
)

// Endpoint names used for call counters and fault injection.
const (
	EndpointLogin   = "login"
	EndpointRefresh = "refresh"
	EndpointSync    = "sync"
	EndpointStatus  = "status"
)

type Config struct {
	Secret      string
	AccessTTL   time.Duration
	SessionTTL  time.Duration
	RefreshPath string
	SyncPath    string
	StatusPath  string
	LoginPath   string
	Clock       clock.Clock
}

func (c *Config) norm() {
	if c.Secret == "" {
		c.Secret = "dev-only-secret-change-me"
	}
	if c.AccessTTL <= 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 8 * time.Hour
	}
	if c.RefreshPath == "" {
		c.RefreshPath = "/auth/refresh"
	}
	if c.SyncPath == "" {
		c.SyncPath = "/session/sync"
	}
	if c.StatusPath == "" {
		c.StatusPath = "/auth/status"
	}
	if c.LoginPath == "" {
		c.LoginPath = "/auth/login"
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
}

type session struct {
	ID           string
	UserID       string
	RefreshHash  string
	CSRF         string
	Version      int64
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
	Terminated   string // reason, empty while alive
}

type fault struct {
	status int
	times  int // <0 forever
}

// Server is a development auth server. It issues HS256 access cookies and
// opaque refresh cookies and keeps sessions in memory.
type Server struct {
	conf Config
	jwt  security.Options
	log  *zap.Logger

	mu        sync.Mutex
	version   int64               // last issued credential version, across sessions
	sessions  map[string]*session // id -> session
	byRefresh map[string]string   // refresh hash -> session id
	calls     map[string]int
	faults    map[string]*fault
}

func New(conf Config, log *zap.Logger) *Server {
	conf.norm()
	jwt := security.DefaultOptions([]byte(conf.Secret))
	jwt.TTL = conf.AccessTTL
	jwt.Now = conf.Clock.Now
	return &Server{
		conf:      conf,
		jwt:       jwt,
		log:       logger.OrNamed(log, "authstub"),
		sessions:  make(map[string]*session),
		byRefresh: make(map[string]string),
		calls:     make(map[string]int),
		faults:    make(map[string]*fault),
	}
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.AccessLog(s.log))
	s.Register(r)
	return r
}

func (s *Server) Register(r gin.IRoutes) {
	auth := midsec.Middleware(midsec.DefaultOptions(s.jwt))
	csrf := midsec.CSRF(s.expectedCSRF)

	middleware.POST(r, s.conf.LoginPath, s.handleLogin, middleware.RouteOpt{Guards: []gin.HandlerFunc{s.count(EndpointLogin)}})
	middleware.POST(r, s.conf.RefreshPath, s.handleRefresh, middleware.RouteOpt{Guards: []gin.HandlerFunc{s.count(EndpointRefresh), csrf}})
	middleware.POST(r, s.conf.SyncPath, s.handleSync, middleware.RouteOpt{Guards: []gin.HandlerFunc{s.count(EndpointSync)}})
	middleware.GET(r, s.conf.StatusPath, s.handleStatus, middleware.RouteOpt{Guards: []gin.HandlerFunc{s.count(EndpointStatus), auth}})
}

// count records the call and applies an injected fault, if any.
func (s *Server) count(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.calls[endpoint]++
		f := s.faults[endpoint]
		status := 0
		if f != nil && f.times != 0 {
			status = f.status
			if f.times > 0 {
				f.times--
			}
		}
		s.mu.Unlock()
		if status != 0 {
			c.AbortWithStatusJSON(status, gin.H{"reason": "injected"})
			return
		}
		c.Next()
	}
}

// Fail makes the next times calls to endpoint answer status; times < 0
// keeps failing until Heal.
func (s *Server) Fail(endpoint string, status, times int) {
	s.mu.Lock()
	s.faults[endpoint] = &fault{status: status, times: times}
	s.mu.Unlock()
}

func (s *Server) Heal(endpoint string) {
	s.mu.Lock()
	delete(s.faults, endpoint)
	s.mu.Unlock()
}

func (s *Server) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

// Terminate ends a session server-side; later refresh and sync calls see it.
func (s *Server) Terminate(sessionID, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	if reason == "" {
		reason = "terminated"
	}
	sess.Terminated = reason
	return true
}

// Version returns the current credential version of a session. Versions
// grow across logins, so a newer login always carries a higher version.
func (s *Server) Version(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.Version
	}
	return 0
}

func (s *Server) expectedCSRF(c *gin.Context) string {
	sess := s.sessionFromCookie(c)
	if sess == nil {
		return ""
	}
	return sess.CSRF
}

func (s *Server) sessionFromCookie(c *gin.Context) *session {
	raw, err := c.Cookie(midsec.CookieRefresh)
	if err != nil || raw == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRefresh[security.HashToken(raw)]
	if !ok {
		return nil
	}
	return s.sessions[id]
}
