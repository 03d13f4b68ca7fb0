package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte           // HMAC 密钥（生产用ENV/KMS）
	Alg    string           // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration    // 访问凭证有效期（默认 15m）
	Now    func() time.Time // nil => time.Now
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 15 * time.Minute}
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// AccessClaims are carried by the access credential cookie.
type AccessClaims struct {
	SessionID string `json:"sid"`
	Version   int64  `json:"ver"`
	jwtlib.RegisteredClaims
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// RandomToken returns n random bytes, url-safe encoded. Used for refresh
// credentials and CSRF tokens.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Generate signs an access credential for (user, session) at version.
func Generate(opts Options, userID, sessionID string, version int64) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	now := opts.now()
	// jwt NumericDate has second precision; keep expireAt consistent with it
	exp := now.Add(opts.TTL).Truncate(time.Second)

	claims := AccessClaims{
		SessionID: sessionID,
		Version:   version,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(exp),
		},
	}
	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func Verify(opts Options, token string) (*AccessClaims, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	var claims AccessClaims
	parsed, err := jwtlib.ParseWithClaims(token, &claims, func(t *jwtlib.Token) (interface{}, error) {
		// 仅允许 HMAC 家族
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	},
		jwtlib.WithValidMethods([]string{method.Alg()}),
		jwtlib.WithTimeFunc(opts.now),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return &claims, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
