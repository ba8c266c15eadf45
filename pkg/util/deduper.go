package util

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper grants a key at most once per TTL across every process sharing
// the same Redis.
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewDeduperWithLogger creates a deduper with logger support
func NewDeduperWithLogger(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		prefix: "dedup:",
		logger: logger,
	}
}

// AcquireOnce returns true if key was not acquired within the last TTL.
func (d *Deduper) AcquireOnce(ctx context.Context, key string) bool {
	fullKey := d.prefix + key

	ok, err := d.rdb.SetNX(ctx, fullKey, time.Now().UnixMilli(), d.ttl).Result()
	if err != nil {
		// Redis 挂了？为了可用性：不阻止处理，返回 true
		if d.logger != nil {
			d.logger.Warn("Redis dedup check failed, allowing",
				zap.String("key", key),
				zap.Error(err),
			)
		}
		return true
	}

	if !ok && d.logger != nil {
		d.logger.Debug("Dedup hit",
			zap.String("key", key),
			zap.Duration("ttl", d.ttl),
		)
	}

	return ok
}
