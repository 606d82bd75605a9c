package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap/zaptest"
)

func TestRedisWrapperOperations(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	rw := NewRedisWrapper(client, "test", zaptest.NewLogger(t))
	ctx := context.Background()

	if err := rw.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := rw.Set(ctx, "session:1", "running", time.Minute).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := rw.Get(ctx, "session:1").Result()
	if err != nil || got != "running" {
		t.Fatalf("get: %q %v", got, err)
	}
	if n, err := rw.Del(ctx, "session:1").Result(); err != nil || n != 1 {
		t.Fatalf("del: %d %v", n, err)
	}

	for i := 0; i < 10; i++ {
		if err := rw.Get(ctx, "missing").Err(); err != redis.Nil {
			t.Fatalf("expected redis.Nil, got %v", err)
		}
	}
	if rw.IsOpen() {
		t.Fatal("redis.Nil must not open the breaker")
	}
}

func TestRedisWrapperFailsFastWhenOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	defer client.Close()

	rw := NewRedisWrapper(client, "test", zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := rw.Ping(ctx).Err(); err == nil {
			t.Fatal("expected ping to fail")
		}
	}
	if !rw.IsOpen() {
		t.Fatal("expected breaker open")
	}
	if err := rw.Get(ctx, "any").Err(); err != ErrOpen {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}
