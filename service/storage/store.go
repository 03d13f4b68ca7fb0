package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"PPAuth/tools/errs"
)

// Store is the key/value surface shared by all contexts of one origin.
// A zero ttl means no expiry. Get reports ok=false for absent keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

// Maxer is implemented by backends that can raise an integer key atomically.
type Maxer interface {
	SetMax(ctx context.Context, key string, v int64) (int64, error)
}

func GetJSON[T any](ctx context.Context, s Store, key string) (*T, bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, errs.ErrMalformed.WrapMsg("decode stored value", "key", key, "err", err.Error())
	}
	return &v, true, nil
}

func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errs.WrapMsg(err, "encode stored value", "key", key)
	}
	return s.Set(ctx, key, raw, ttl)
}

// GetInt64 returns 0, false for absent or unparsable values.
func GetInt64(ctx context.Context, s Store, key string) (int64, bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	n, perr := parseInt(raw)
	if perr != nil {
		return 0, false, nil
	}
	return n, true, nil
}

func SetInt64(ctx context.Context, s Store, key string, v int64, ttl time.Duration) error {
	return s.Set(ctx, key, formatInt(v), ttl)
}

// SetMax stores v under key unless a larger value is already there and
// returns the value left in the store. Backends implementing Maxer do it
// atomically; otherwise it is a plain read-then-write.
func SetMax(ctx context.Context, s Store, key string, v int64) (int64, error) {
	if m, ok := s.(Maxer); ok {
		return m.SetMax(ctx, key, v)
	}
	cur, ok, err := GetInt64(ctx, s, key)
	if err != nil {
		return 0, err
	}
	if ok && cur >= v {
		return cur, nil
	}
	return v, SetInt64(ctx, s, key, v, 0)
}

func parseInt(b []byte) (int64, error) { return strconv.ParseInt(string(b), 10, 64) }

func formatInt(v int64) []byte { return []byte(strconv.FormatInt(v, 10)) }
