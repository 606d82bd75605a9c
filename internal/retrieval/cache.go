package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores source results keyed by source and query.
type Cache interface {
	Get(ctx context.Context, source string, q Query) (Result, bool)
	Set(ctx context.Context, source string, q Query, res Result, ttl time.Duration)
}

// RedisCache keeps source results in Redis so repeated questions across
// sessions do not spend external quota twice.
type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, source string, q Query) (Result, bool) {
	data, err := c.client.Get(ctx, cacheKey(source, q)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("Retrieval cache read failed", zap.String("source", source), zap.Error(err))
		}
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, false
	}
	return res, true
}

func (c *RedisCache) Set(ctx context.Context, source string, q Query, res Result, ttl time.Duration) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(source, q), data, ttl).Err(); err != nil {
		c.logger.Debug("Retrieval cache write failed", zap.String("source", source), zap.Error(err))
	}
}

func cacheKey(source string, q Query) string {
	h := sha256.New()
	h.Write([]byte(source))
	buf, _ := json.Marshal(q)
	h.Write(buf)
	sum := hex.EncodeToString(h.Sum(nil))
	return fmt.Sprintf("retrieval:%s:%s", source, sum[:24])
}
