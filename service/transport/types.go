package transport

// Wire shapes of the auth server. Timestamps are unix milliseconds.

type CredentialMeta struct {
	Version   int64 `json:"version"`
	ExpiresAt int64 `json:"expiresAt"`
}

type RefreshRequest struct {
	DeviceID  string `json:"deviceId"`
	ContextID string `json:"contextId"`
	IsLeader  bool   `json:"isLeader"`
	Timestamp int64  `json:"timestamp"`
}

type RefreshResponse struct {
	AccessCredentialMetadata CredentialMeta `json:"accessCredentialMetadata"`
	CSRFToken                string         `json:"csrfToken,omitempty"`
}

type DeviceInfo struct {
	Fingerprint string `json:"fingerprint"`
	ContextID   string `json:"contextId,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
}

type SyncRequest struct {
	SessionID    *string    `json:"sessionId"`
	LastActivity int64      `json:"lastActivity"`
	DeviceInfo   DeviceInfo `json:"deviceInfo"`
}

const (
	SyncValid      = "valid"
	SyncTerminated = "terminated"
)

type SyncResponse struct {
	Status    string `json:"status"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// StatusResponse carries the remaining access credential lifetime in seconds.
type StatusResponse struct {
	ExpiresIn int64 `json:"expiresIn"`
}

type LoginRequest struct {
	UserID     string `json:"userId"`
	Password   string `json:"password,omitempty"`
	RememberMe bool   `json:"rememberMe"`
}

type LoginResponse struct {
	UserID                   string         `json:"userId"`
	SessionID                string         `json:"sessionId"`
	CSRFToken                string         `json:"csrfToken"`
	AccessCredentialMetadata CredentialMeta `json:"accessCredentialMetadata"`
	SessionExpiresAt         int64          `json:"sessionExpiresAt"`
	RememberMe               bool           `json:"rememberMe"`
}

type errorBody struct {
	Reason string `json:"reason"`
}
