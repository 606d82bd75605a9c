package embeddings

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/Kocoro-lab/research-copilot/internal/circuitbreaker"
)

// Cache stores embedding vectors.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// LRU is an in-process cache with per-entry expiry.
type LRU struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
	now   func() time.Time
}

type lruItem struct {
	key     string
	vec     []float32
	expires time.Time
}

func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LRU{cap: capacity, order: list.New(), items: make(map[string]*list.Element, capacity), now: time.Now}
}

func (l *LRU) Get(_ context.Context, key string) ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.items[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(lruItem)
	if !item.expires.After(l.now()) {
		l.order.Remove(el)
		delete(l.items, key)
		return nil, false
	}
	l.order.MoveToFront(el)
	return item.vec, true
}

func (l *LRU) Set(_ context.Context, key string, v []float32, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	item := lruItem{key: key, vec: v, expires: l.now().Add(ttl)}
	if el, ok := l.items[key]; ok {
		el.Value = item
		l.order.MoveToFront(el)
		return
	}
	l.items[key] = l.order.PushFront(item)
	for l.order.Len() > l.cap {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.items, oldest.Value.(lruItem).key)
	}
}

// Len returns the number of cached vectors.
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// RedisCache shares vectors between replicas. Vectors are stored as packed
// little-endian float32.
type RedisCache struct {
	rw *circuitbreaker.RedisWrapper
}

func NewRedisCache(rw *circuitbreaker.RedisWrapper) *RedisCache {
	return &RedisCache{rw: rw}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.rw.Get(ctx, key).Bytes()
	if err != nil || len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	return decodeVector(b), true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	_ = r.rw.Set(ctx, key, encodeVector(v), ttl).Err()
}

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

// Key derives the cache key for a model/text pair.
func Key(model, text string) string {
	h := sha256.Sum256([]byte(model + "\x00" + text))
	return "emb:" + hex.EncodeToString(h[:16])
}
