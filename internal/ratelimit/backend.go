package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Info contains information about rate limit status.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Rule is a token bucket definition: Limit tokens per Window with Burst capacity.
type Rule struct {
	Limit  int
	Window time.Duration
	Burst  int
}

func (r Rule) burst() int {
	if r.Burst <= 0 {
		return r.Limit
	}
	return r.Burst
}

// Backend takes one token from the bucket identified by key.
type Backend interface {
	Take(ctx context.Context, key string, rule Rule) (Info, error)
	Close() error
}

// LocalBackend keeps token buckets in process memory.
type LocalBackend struct {
	mu          sync.Mutex
	buckets     map[string]*localBucket
	idleTimeout time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

type localBucket struct {
	limiter    *rate.Limiter
	rule       Rule
	lastAccess time.Time
}

// NewLocalBackend creates an in-memory backend. When cleanupInterval is positive,
// buckets idle for longer than an hour are evicted on that interval.
func NewLocalBackend(cleanupInterval time.Duration) *LocalBackend {
	b := &LocalBackend{
		buckets:     make(map[string]*localBucket),
		idleTimeout: time.Hour,
		stop:        make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go b.cleanup(cleanupInterval)
	}
	return b
}

// Take consumes a token if one is available.
func (b *LocalBackend) Take(_ context.Context, key string, rule Rule) (Info, error) {
	now := time.Now()
	b.mu.Lock()
	bucket, ok := b.buckets[key]
	if !ok || bucket.rule != rule {
		perSecond := rate.Limit(float64(rule.Limit) / rule.Window.Seconds())
		bucket = &localBucket{limiter: rate.NewLimiter(perSecond, rule.burst()), rule: rule}
		b.buckets[key] = bucket
	}
	bucket.lastAccess = now
	b.mu.Unlock()

	allowed := bucket.limiter.AllowN(now, 1)
	tokens := bucket.limiter.TokensAt(now)
	perSecond := float64(bucket.limiter.Limit())

	info := Info{
		Allowed:   allowed,
		Limit:     rule.Limit,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		ResetTime: now,
	}
	if missing := float64(rule.burst()) - tokens; missing > 0 && perSecond > 0 {
		info.ResetTime = now.Add(time.Duration(missing / perSecond * float64(time.Second)))
	}
	if !allowed && perSecond > 0 {
		info.RetryAfter = time.Duration((1 - tokens) / perSecond * float64(time.Second))
	}
	return info, nil
}

func (b *LocalBackend) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.evictIdle(time.Now().Add(-b.idleTimeout))
		case <-b.stop:
			return
		}
	}
}

func (b *LocalBackend) evictIdle(cutoff time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, bucket := range b.buckets {
		if bucket.lastAccess.Before(cutoff) {
			delete(b.buckets, key)
		}
	}
}

func (b *LocalBackend) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}

// Close stops the cleanup goroutine.
func (b *LocalBackend) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	return nil
}

// RedisBackend shares token buckets across processes through Redis (GCRA via redis_rate).
type RedisBackend struct {
	client  *redis.Client
	limiter *redis_rate.Limiter
	prefix  string
}

// NewRedisBackend connects to the Redis instance at url.
func NewRedisBackend(ctx context.Context, url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisBackend{
		client:  client,
		limiter: redis_rate.NewLimiter(client),
		prefix:  "lumnicode:rl:",
	}, nil
}

// Take consumes a token from the shared bucket.
func (b *RedisBackend) Take(ctx context.Context, key string, rule Rule) (Info, error) {
	res, err := b.limiter.Allow(ctx, b.prefix+key, redis_rate.Limit{
		Rate:   rule.Limit,
		Period: rule.Window,
		Burst:  rule.burst(),
	})
	if err != nil {
		return Info{}, fmt.Errorf("redis rate limit: %w", err)
	}

	info := Info{
		Allowed:   res.Allowed > 0,
		Limit:     rule.Limit,
		Remaining: res.Remaining,
		ResetTime: time.Now().Add(res.ResetAfter),
	}
	if !info.Allowed {
		info.RetryAfter = res.RetryAfter
	}
	return info, nil
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
