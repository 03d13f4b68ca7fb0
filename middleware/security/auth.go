package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"PPAuth/tools/security"
)

// ===== context key =====
const (
	PPCtxClaimsKey = "accessClaims" // *security.AccessClaims
)

const (
	CookieAccess  = "access_token"
	CookieRefresh = "refresh_token"
	HeaderCSRF    = "X-CSRF-Token"
)

type Options struct {
	JWT                       security.Options
	Cookie                    string // 默认 access_token
	EnableAuthorizationBearer bool   // 默认 true
}

func DefaultOptions(jwt security.Options) *Options {
	return &Options{
		JWT:                       jwt,
		Cookie:                    CookieAccess,
		EnableAuthorizationBearer: true,
	}
}

// Unauthorized aborts with 401 and a reason the client can surface.
func Unauthorized(c *gin.Context, reason string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"reason": reason})
}

// Middleware verifies the access credential and stores its claims in the
// gin context under PPCtxClaimsKey.
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(opts.Cookie)
		// 兼容 Authorization: Bearer xxx
		if token == "" && opts.EnableAuthorizationBearer {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
				token = strings.TrimSpace(authz[7:])
			}
		}
		if token == "" {
			Unauthorized(c, "missing_credentials")
			return
		}
		claims, err := security.Verify(opts.JWT, token)
		if err != nil {
			Unauthorized(c, "invalid_credentials")
			return
		}
		c.Set(PPCtxClaimsKey, claims)
		c.Next()
	}
}

// Claims returns the claims stored by Middleware.
func Claims(c *gin.Context) (*security.AccessClaims, bool) {
	v, ok := c.Get(PPCtxClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*security.AccessClaims)
	return claims, ok
}

// CSRF rejects requests whose X-CSRF-Token does not match expected(c).
// expected returning "" means no credential was presented: 401.
func CSRF(expected func(c *gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		want := expected(c)
		if want == "" {
			Unauthorized(c, "missing_credentials")
			return
		}
		if c.GetHeader(HeaderCSRF) != want {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"reason": "csrf_mismatch"})
			return
		}
		c.Next()
	}
}
