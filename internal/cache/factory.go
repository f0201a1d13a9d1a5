package cache

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Backend    string        // memory | redis
	TTL        time.Duration // 0 = no expiry
	Prefix     string
	MaxEntries int // memory only; 0 = unbounded
}

// NewStore picks the store for cfg.Backend. redisClient is required for redis.
func NewStore(cfg Config, redisClient *redis.Client) (Store, error) {
	switch cfg.Backend {
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("cache: redis backend selected without a client")
		}
		return NewRedisStore(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
			TTL:    cfg.TTL,
		}), nil
	case "", "memory":
		return NewMemoryStore(MemoryConfig{
			TTL:        cfg.TTL,
			MaxEntries: cfg.MaxEntries,
		}), nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}
