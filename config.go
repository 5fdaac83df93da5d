package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/mcp-session-registry/cache"
	"github.com/ggoodman/mcp-session-registry/presence"
)

// Mode selects how the registry tracks sessions.
type Mode string

const (
	// ModeLocal tracks sessions in the local cache only.
	ModeLocal Mode = "local"
	// ModeMirrored additionally records session presence in a distributed
	// mirror so other processes can rehydrate the session.
	ModeMirrored Mode = "mirrored"
)

const (
	// DefaultCapacity bounds the local cache.
	DefaultCapacity = cache.DefaultCapacity
	// DefaultTTL is the idle lifetime of sessions and presence records.
	DefaultTTL = cache.DefaultTTL
	// DefaultKeyPrefix namespaces presence keys in mirrored mode.
	DefaultKeyPrefix = presence.DefaultKeyPrefix
)

// Configuration errors. These fail construction; the registry refuses to
// start on malformed or self-contradictory options.
var (
	ErrInvalidMode     = errors.New("registry: invalid mode")
	ErrInvalidCapacity = errors.New("registry: capacity must be positive")
	ErrInvalidTTL      = errors.New("registry: ttl must be positive")
	ErrModeMismatch    = errors.New("registry: mirror options require mirrored mode")
)

// RedisConfig carries the mirror's connection info in either connection-URL
// or structured form. URL wins when both are present.
type RedisConfig struct {
	// URL is a redis:// connection string. ENV: MCP_SESSION_REDIS_URL
	URL string `env:"MCP_SESSION_REDIS_URL"`
	// Host like "localhost". ENV: MCP_SESSION_REDIS_HOST
	Host string `env:"MCP_SESSION_REDIS_HOST"`
	// Port for Host form; 6379 when unset. ENV: MCP_SESSION_REDIS_PORT
	Port int `env:"MCP_SESSION_REDIS_PORT"`
	// Password for Host form. ENV: MCP_SESSION_REDIS_PASSWORD
	Password string `env:"MCP_SESSION_REDIS_PASSWORD"`
	// DB index for Host form. ENV: MCP_SESSION_REDIS_DB
	DB int `env:"MCP_SESSION_REDIS_DB,default=0"`
}

func (c RedisConfig) isZero() bool {
	return c == RedisConfig{}
}

// Config configures a Registry. The mirror-related fields (Redis, KeyPrefix)
// only apply under ModeMirrored; supplying them under ModeLocal is a
// configuration error.
type Config struct {
	// Mode is local or mirrored. ENV: MCP_SESSION_MODE
	Mode Mode `env:"MCP_SESSION_MODE,default=local"`
	// Capacity is the max number of locally tracked handles.
	// ENV: MCP_SESSION_CAPACITY
	Capacity int `env:"MCP_SESSION_CAPACITY,default=20"`
	// TTL is the idle lifetime of cache entries and presence records.
	// ENV: MCP_SESSION_TTL
	TTL time.Duration `env:"MCP_SESSION_TTL,default=10m"`
	// DisableSlidingExpiration stops lookups from resetting an entry's
	// remaining TTL. Sliding expiration is on by default.
	// ENV: MCP_SESSION_DISABLE_SLIDING_EXPIRATION
	DisableSlidingExpiration bool `env:"MCP_SESSION_DISABLE_SLIDING_EXPIRATION,default=false"`
	// KeyPrefix is the presence-key namespace in mirrored mode.
	// ENV: MCP_SESSION_KEY_PREFIX
	KeyPrefix string `env:"MCP_SESSION_KEY_PREFIX"`
	// Redis is the mirror connection info in mirrored mode.
	Redis RedisConfig
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeLocal
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.Mode == ModeMirrored && c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
}

// Validate reports the first malformed or self-contradictory option. Called
// by New after defaults are applied; exported so env-driven callers can fail
// at startup before wiring anything else.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLocal, ModeMirrored:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
	if c.Capacity < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidCapacity, c.Capacity)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidTTL, c.TTL)
	}
	if c.Mode == ModeLocal {
		if !c.Redis.isZero() {
			return fmt.Errorf("%w: redis connection info set", ErrModeMismatch)
		}
		if c.KeyPrefix != "" {
			return fmt.Errorf("%w: key prefix set", ErrModeMismatch)
		}
	}
	return nil
}

// NewConfigFromEnv populates a Config from the environment using envdecode
// struct tags, then applies defaults and validates.
func NewConfigFromEnv() (Config, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
