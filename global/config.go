package global

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "AUTHSYNC"

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"

	BusMemory = "memory"
	BusRedis  = "redis"
	BusNats   = "nats"
	BusRelay  = "relay"
)

// AppConfig is the full configuration of one agent process.
type AppConfig struct {
	// Origin scopes store keys and bus subjects; contexts of one user share it.
	Origin   string         `mapstructure:"origin"`
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Bus      BusConfig      `mapstructure:"bus"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Leader   LeaderConfig   `mapstructure:"leader"`
	Refresh  RefreshConfig  `mapstructure:"refresh"`
	Activity ActivityConfig `mapstructure:"activity"`
	Session  SessionConfig  `mapstructure:"session"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Stub     StubConfig     `mapstructure:"stub"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type StoreConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type BusConfig struct {
	Backend         string        `mapstructure:"backend"`
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
	Nats            NatsConfig    `mapstructure:"nats"`
	RelayURL        string        `mapstructure:"relay_url"`
}

type NatsConfig struct {
	Servers       []string      `mapstructure:"servers"`
	Name          string        `mapstructure:"name"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type AuthConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RefreshPath    string        `mapstructure:"refresh_path"`
	SyncPath       string        `mapstructure:"sync_path"`
	StatusPath     string        `mapstructure:"status_path"`
	LoginPath      string        `mapstructure:"login_path"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type LeaderConfig struct {
	StaleThreshold    time.Duration `mapstructure:"stale_threshold"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	CampaignJitter    time.Duration `mapstructure:"campaign_jitter"`
}

type RefreshConfig struct {
	Threshold     time.Duration `mapstructure:"threshold"`
	LockStaleness time.Duration `mapstructure:"lock_staleness"`
	BaseBackoff   time.Duration `mapstructure:"base_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

type ActivityConfig struct {
	Throttle          time.Duration `mapstructure:"throttle"`
	ShortThreshold    time.Duration `mapstructure:"short_threshold"`
	ExtendedThreshold time.Duration `mapstructure:"extended_threshold"`
	CheckInterval     time.Duration `mapstructure:"check_interval"`
}

type SessionConfig struct {
	WarningThreshold time.Duration `mapstructure:"warning_threshold"`
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	LoginPath        string        `mapstructure:"login_path"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type RelayConfig struct {
	Addr       string `mapstructure:"addr"`
	HealthAddr string `mapstructure:"health_addr"`
}

type StubConfig struct {
	Addr       string        `mapstructure:"addr"`
	Secret     string        `mapstructure:"secret"`
	AccessTTL  time.Duration `mapstructure:"access_ttl"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("origin", "default")
	v.SetDefault("log.level", "info")

	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.redis.addr", "127.0.0.1:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.pool_size", 10)

	v.SetDefault("bus.backend", BusMemory)
	v.SetDefault("bus.freshness_window", "5s")
	v.SetDefault("bus.nats.servers", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("bus.nats.name", "authsync")
	v.SetDefault("bus.nats.subject_prefix", "authsync")
	v.SetDefault("bus.nats.user", "")
	v.SetDefault("bus.nats.password", "")
	v.SetDefault("bus.nats.reconnect_wait", "500ms")
	v.SetDefault("bus.relay_url", "ws://127.0.0.1:8090/ws")

	v.SetDefault("auth.base_url", "http://127.0.0.1:8088")
	v.SetDefault("auth.refresh_path", "/auth/refresh")
	v.SetDefault("auth.sync_path", "/session/sync")
	v.SetDefault("auth.status_path", "/auth/status")
	v.SetDefault("auth.login_path", "/auth/login")
	v.SetDefault("auth.request_timeout", "10s")

	v.SetDefault("leader.stale_threshold", "30s")
	v.SetDefault("leader.heartbeat_interval", "10s")
	v.SetDefault("leader.check_interval", "5s")
	v.SetDefault("leader.campaign_jitter", "500ms")

	v.SetDefault("refresh.threshold", "2m")
	v.SetDefault("refresh.lock_staleness", "10s")
	v.SetDefault("refresh.base_backoff", "1s")
	v.SetDefault("refresh.max_backoff", "30s")
	v.SetDefault("refresh.max_retries", 3)

	v.SetDefault("activity.throttle", "10s")
	v.SetDefault("activity.short_threshold", "30m")
	v.SetDefault("activity.extended_threshold", "168h")
	v.SetDefault("activity.check_interval", "5m")

	v.SetDefault("session.warning_threshold", "5m")
	v.SetDefault("session.sync_interval", "5m")
	v.SetDefault("session.login_path", "/login")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("relay.addr", ":8090")
	v.SetDefault("relay.health_addr", ":8091")

	v.SetDefault("stub.addr", ":8088")
	v.SetDefault("stub.secret", "dev-only-secret-change-me")
	v.SetDefault("stub.access_ttl", "15m")
	v.SetDefault("stub.session_ttl", "8h")
}

// LoadConfig reads path (optional, any format viper understands), then env
// vars prefixed AUTHSYNC_ (e.g. AUTHSYNC_STORE_REDIS_ADDR). Env wins.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Origin) == "" {
		return errors.New("origin must be set")
	}
	switch c.Store.Backend {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("store.backend %q not supported", c.Store.Backend)
	}
	switch c.Bus.Backend {
	case BusMemory, BusRedis, BusNats, BusRelay:
	default:
		return fmt.Errorf("bus.backend %q not supported", c.Bus.Backend)
	}
	if c.Bus.Backend == BusNats && len(c.Bus.Nats.Servers) == 0 {
		return errors.New("bus.nats.servers must not be empty")
	}
	if c.Bus.FreshnessWindow <= 0 {
		return errors.New("bus.freshness_window must be positive")
	}
	if c.Activity.CheckInterval >= c.Activity.ShortThreshold {
		return errors.New("activity.check_interval must be shorter than activity.short_threshold")
	}
	if c.Session.WarningThreshold <= 0 {
		return errors.New("session.warning_threshold must be positive")
	}
	if c.Refresh.MaxRetries < 0 {
		return errors.New("refresh.max_retries must not be negative")
	}
	if c.Leader.HeartbeatInterval >= c.Leader.StaleThreshold {
		return errors.New("leader.heartbeat_interval must be shorter than leader.stale_threshold")
	}
	return nil
}
