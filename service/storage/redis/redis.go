package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"PPAuth/tools/errs"
)

// Config 用于初始化 Redis
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewClient dials redis and pings it. The caller owns the client.
func NewClient(ctx context.Context, c Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.ErrStorage.WrapMsg("redis ping", "addr", c.Addr, "err", err.Error())
	}
	return rdb, nil
}
