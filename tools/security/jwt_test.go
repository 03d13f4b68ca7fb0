package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	opts := DefaultOptions([]byte("k"))
	opts.Now = func() time.Time { return now }

	tok, exp, err := Generate(opts, "u1", "s1", 4)
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Minute), exp)

	claims, err := Verify(opts, tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "s1", claims.SessionID)
	assert.EqualValues(t, 4, claims.Version)

	now = now.Add(16 * time.Minute)
	_, err = Verify(opts, tok)
	assert.Error(t, err, "expired")
}

func TestVerify_WrongSecretOrAlg(t *testing.T) {
	opts := DefaultOptions([]byte("k"))
	tok, _, err := Generate(opts, "u1", "s1", 1)
	require.NoError(t, err)

	_, err = Verify(DefaultOptions([]byte("other")), tok)
	assert.Error(t, err)

	o := opts
	o.Alg = "HS512"
	_, err = Verify(o, tok)
	assert.Error(t, err, "alg pinned")

	o.Alg = "RS256"
	_, _, err = Generate(o, "u1", "s1", 1)
	assert.Error(t, err)
}

func TestRandomTokenAndHash(t *testing.T) {
	a, err := RandomToken(32)
	require.NoError(t, err)
	b, _ := RandomToken(32)
	assert.NotEqual(t, a, b)
	assert.Equal(t, HashToken(a), HashToken(a))
	assert.Contains(t, HashToken(a), "sha256:")
}
