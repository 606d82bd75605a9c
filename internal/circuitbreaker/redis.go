package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper guards a go-redis client. redis.Nil is a normal answer and
// never counts against the breaker.
type RedisWrapper struct {
	client  *redis.Client
	breaker *Breaker
	service string
}

// NewRedisWrapper creates a wrapper whose breaker is reported under service.
func NewRedisWrapper(client *redis.Client, service string, logger *zap.Logger) *RedisWrapper {
	s := RedisSettings()
	s.IsFailure = func(err error) bool {
		return !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled)
	}
	b := New("redis", s, logger)
	Metrics.Track(service, b)
	return &RedisWrapper{client: client, breaker: b, service: service}
}

func (rw *RedisWrapper) exec(ctx context.Context, run func() error) error {
	err := rw.breaker.Do(ctx, func(context.Context) error { return run() })
	Metrics.observe("redis", rw.service, rw.breaker.State(), err == nil || errors.Is(err, redis.Nil))
	return err
}

func rejected(err error) bool {
	return errors.Is(err, ErrOpen) || errors.Is(err, ErrProbeLimit)
}

func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	err := rw.exec(ctx, func() error { cmd = rw.client.Ping(ctx); return cmd.Err() })
	if cmd == nil || rejected(err) {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var cmd *redis.StringCmd
	err := rw.exec(ctx, func() error { cmd = rw.client.Get(ctx, key); return cmd.Err() })
	if cmd == nil || rejected(err) {
		cmd = redis.NewStringCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	err := rw.exec(ctx, func() error { cmd = rw.client.Set(ctx, key, value, ttl); return cmd.Err() })
	if cmd == nil || rejected(err) {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var cmd *redis.IntCmd
	err := rw.exec(ctx, func() error { cmd = rw.client.Del(ctx, keys...); return cmd.Err() })
	if cmd == nil || rejected(err) {
		cmd = redis.NewIntCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error { return rw.client.Close() }

// IsOpen reports whether calls are currently being rejected.
func (rw *RedisWrapper) IsOpen() bool { return rw.breaker.State() == StateOpen }
