package global

// Shared-store keys. Every key lives under the origin prefix applied by the
// store backend, so two origins on one redis never collide.
const (
	KeyLastActivity      = "auth:activity:last"
	KeyCredentialVersion = "auth:cred:version"
	KeyCSRFToken         = "auth:cred:csrf"
	KeyCredentialExists  = "auth:cred:exists"
	KeyCredentialExpiry  = "auth:cred:expires_at"
	KeyCredentialSession = "auth:cred:session"
	KeyRefreshLock       = "auth:refresh:lock"
	KeyRememberMe        = "auth:pref:remember_me"
	KeySession           = "auth:session"
)

// LeaderKey 每个设备身份一个 leader claim.
func LeaderKey(deviceID string) string {
	if deviceID == "" {
		deviceID = "default"
	}
	return "auth:leader:" + deviceID
}

// Broadcast topics.
const (
	TopicAuth    = "auth"
	TopicSession = "session"
)
