package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscli "PPAuth/service/storage/redis"
	"PPAuth/tools/errs"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := rediscli.NewClient(context.Background(), rediscli.Config{Addr: mr.Addr(), PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisStore_GetSetRemove(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniRedis(t)
	s := NewRedisStore(rdb, "acme")

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	assert.True(t, mr.Exists("acme:k"), "origin prefix applied")

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))

	require.NoError(t, s.Remove(ctx, "k"))
	assert.False(t, mr.Exists("acme:k"))
}

func TestRedisStore_OriginsIsolated(t *testing.T) {
	ctx := context.Background()
	_, rdb := newMiniRedis(t)
	a := NewRedisStore(rdb, "a")
	b := NewRedisStore(rdb, "b")

	require.NoError(t, a.Set(ctx, "k", []byte("1"), 0))
	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniRedis(t)
	s := NewRedisStore(rdb, "o")

	require.NoError(t, s.Set(ctx, "lock", []byte("x"), 10*time.Second))
	mr.FastForward(11 * time.Second)
	_, ok, err := s.Get(ctx, "lock")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_SetMax(t *testing.T) {
	ctx := context.Background()
	_, rdb := newMiniRedis(t)
	s := NewRedisStore(rdb, "o")

	n, err := SetMax(ctx, s, "last", 10)
	require.NoError(t, err)
	assert.EqualValues(t, 10, n)
	n, err = SetMax(ctx, s, "last", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 10, n)
	n, err = SetMax(ctx, s, "last", 20)
	require.NoError(t, err)
	assert.EqualValues(t, 20, n)
}

func TestRedisStore_ErrorsAreStorageErrors(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniRedis(t)
	s := NewRedisStore(rdb, "o")
	mr.SetError("READONLY You can't write against a read only replica.")

	err := s.Set(ctx, "k", []byte("v"), 0)
	assert.True(t, errs.IsStorage(err))
	_, _, err = s.Get(ctx, "k")
	assert.True(t, errs.IsStorage(err))
}

func TestNewClient_Unreachable(t *testing.T) {
	_, err := rediscli.NewClient(context.Background(), rediscli.Config{Addr: "127.0.0.1:1"})
	assert.True(t, errs.IsStorage(err))
}
