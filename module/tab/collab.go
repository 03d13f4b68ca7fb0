package tab

import (
	"sync"
	"time"

	"PPAuth/service/transport"
	"PPAuth/tools/clock"
)

// DeviceIdentity supplies the device fingerprint.
type DeviceIdentity interface {
	Fingerprint() string
}

type StaticDevice string

func (d StaticDevice) Fingerprint() string { return string(d) }

type User struct {
	ID string
}

// AuthStateProvider is the application state the context reports into.
type AuthStateProvider interface {
	IsAuthenticated() bool
	User() *User
	SetUser(u *User)
}

// Navigator receives redirects, e.g. "/login?reason=inactivity".
type Navigator interface {
	NavigateTo(path string)
}

// MemoryAppState is an AuthStateProvider kept in memory.
type MemoryAppState struct {
	mu   sync.RWMutex
	user *User
}

func (s *MemoryAppState) IsAuthenticated() bool { return s.User() != nil }

func (s *MemoryAppState) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *MemoryAppState) SetUser(u *User) {
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
}

// RecordingNavigator keeps every path it was sent to.
type RecordingNavigator struct {
	mu    sync.Mutex
	paths []string
}

func (n *RecordingNavigator) NavigateTo(path string) {
	n.mu.Lock()
	n.paths = append(n.paths, path)
	n.mu.Unlock()
}

func (n *RecordingNavigator) Paths() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.paths...)
}

// LoginResult is what a successful login hands to the context.
type LoginResult struct {
	UserID           string
	SessionID        string
	CSRFToken        string
	Version          int64
	ExpiresAt        time.Time // access credential
	SessionExpiresAt time.Time
	RememberMe       bool
}

func LoginResultFrom(r *transport.LoginResponse) LoginResult {
	return LoginResult{
		UserID:           r.UserID,
		SessionID:        r.SessionID,
		CSRFToken:        r.CSRFToken,
		Version:          r.AccessCredentialMetadata.Version,
		ExpiresAt:        clock.FromUnixMilli(r.AccessCredentialMetadata.ExpiresAt),
		SessionExpiresAt: clock.FromUnixMilli(r.SessionExpiresAt),
		RememberMe:       r.RememberMe,
	}
}
