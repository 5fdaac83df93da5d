// Package redis provides a Redis-backed implementation of the presence.Mirror
// interface. Presence records are plain keys holding the sentinel value with
// a server-enforced TTL, so expiry needs no sweeper on our side and any
// process in the fleet observes the same records.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ggoodman/mcp-session-registry/presence"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

var _ presence.Mirror = (*Mirror)(nil)

// ErrNoConnection is returned by New when the config carries neither a
// connection URL nor a host. The registry treats it as a signal to degrade to
// local-only operation.
var ErrNoConnection = errors.New("presence/redis: no connection info configured")

// Config for the Redis mirror. Either URL or Host must be set; URL wins when
// both are present. Defaults can be loaded via envdecode.
type Config struct {
	// URL is a redis:// connection string. ENV: SESSION_MIRROR_REDIS_URL
	URL string `env:"SESSION_MIRROR_REDIS_URL"`
	// Host like "localhost". ENV: SESSION_MIRROR_REDIS_HOST
	Host string `env:"SESSION_MIRROR_REDIS_HOST"`
	// Port for Host form. ENV: SESSION_MIRROR_REDIS_PORT
	Port int `env:"SESSION_MIRROR_REDIS_PORT,default=6379"`
	// Password for Host form. ENV: SESSION_MIRROR_REDIS_PASSWORD
	Password string `env:"SESSION_MIRROR_REDIS_PASSWORD"`
	// DB index for Host form. ENV: SESSION_MIRROR_REDIS_DB
	DB int `env:"SESSION_MIRROR_REDIS_DB,default=0"`
	// KeyPrefix for all presence keys. ENV: SESSION_MIRROR_KEY_PREFIX
	KeyPrefix string `env:"SESSION_MIRROR_KEY_PREFIX,default=mcp:session"`
}

// Mirror implements presence.Mirror on a Redis client.
type Mirror struct {
	client    redis.UniversalClient
	keyPrefix string
	ownClient bool
}

// New builds a client from cfg and verifies connectivity with a ping. A
// config with no connection info fails with ErrNoConnection.
func New(cfg Config) (*Mirror, error) {
	var client *redis.Client
	switch {
	case cfg.URL != "":
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("presence/redis: parse url: %w", err)
		}
		client = redis.NewClient(opt)
	case cfg.Host != "":
		port := cfg.Port
		if port == 0 {
			port = 6379
		}
		client = redis.NewClient(&redis.Options{
			Addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	default:
		return nil, ErrNoConnection
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presence/redis: ping: %w", err)
	}

	return &Mirror{client: client, keyPrefix: cfg.KeyPrefix, ownClient: true}, nil
}

// NewFromEnv builds a Mirror using envdecode to populate Config.
func NewFromEnv() (*Mirror, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing client. The caller retains ownership of the
// client; Close on the returned Mirror leaves it open.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Mirror {
	return &Mirror{client: client, keyPrefix: keyPrefix}
}

func (m *Mirror) key(sessionID string) string {
	return presence.Key(m.keyPrefix, sessionID)
}

// MarkPresent implements presence.Mirror.
func (m *Mirror) MarkPresent(ctx context.Context, sessionID string, ttl time.Duration) error {
	if err := m.client.Set(ctx, m.key(sessionID), presence.Sentinel, ttl).Err(); err != nil {
		return fmt.Errorf("presence/redis: mark %q: %w", sessionID, err)
	}
	return nil
}

// ClearPresence implements presence.Mirror.
func (m *Mirror) ClearPresence(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, m.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("presence/redis: clear %q: %w", sessionID, err)
	}
	return nil
}

// CheckPresence implements presence.Mirror.
func (m *Mirror) CheckPresence(ctx context.Context, sessionID string) (bool, error) {
	n, err := m.client.Exists(ctx, m.key(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("presence/redis: check %q: %w", sessionID, err)
	}
	return n == 1, nil
}

// Close closes the underlying client when this Mirror created it.
func (m *Mirror) Close() error {
	if !m.ownClient {
		return nil
	}
	return m.client.Close()
}
