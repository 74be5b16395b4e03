// Package ratelimit provides token bucket rate limiting for HTTP clients and for
// per-credential call throttling, backed by process memory or Redis.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Limiter applies per-client, per-endpoint limits to HTTP requests.
type Limiter struct {
	config  *Config
	backend Backend
}

// NewLimiter creates a rate limiter. A nil backend selects a LocalBackend.
func NewLimiter(config *Config, backend Backend) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}
	if backend == nil {
		backend = NewLocalBackend(config.CleanupInterval)
	}
	return &Limiter{config: config, backend: backend}
}

// Allow checks if a request from the given client is allowed for the specified endpoint.
// Backend failures fail open.
func (l *Limiter) Allow(ctx context.Context, clientID string, endpoint string, method string) (bool, Info) {
	if !l.config.Enabled || l.config.Whitelist[clientID] {
		return true, Info{Allowed: true}
	}
	if l.config.Blacklist[clientID] {
		return false, Info{Allowed: false}
	}

	endpointConfig := MatchEndpoint(endpoint, method, l.config.EndpointConfigs)
	if endpointConfig == nil {
		endpointConfig = &EndpointConfig{
			Path:   endpoint,
			Limit:  l.config.DefaultLimit,
			Window: l.config.DefaultWindow,
			Burst:  l.config.DefaultLimit,
		}
	}
	if endpointConfig.Limit <= 0 {
		return true, Info{Allowed: true}
	}

	// Prefix rules share one bucket across all matching paths
	bucketKey := "http:" + clientID + ":" + endpointConfig.Path + ":" + method
	info, err := l.backend.Take(ctx, bucketKey, Rule{
		Limit:  endpointConfig.Limit,
		Window: endpointConfig.Window,
		Burst:  endpointConfig.Burst,
	})
	if err != nil {
		slog.Warn("rate limit backend unavailable, allowing request", "error", err)
		return true, Info{Allowed: true}
	}
	return info.Allowed, info
}

// Stop releases the backend.
func (l *Limiter) Stop() {
	if err := l.backend.Close(); err != nil {
		slog.Warn("failed to close rate limit backend", "error", err)
	}
}

// KeyThrottle enforces a requests-per-minute ceiling on individual stored credentials.
type KeyThrottle struct {
	backend Backend
}

// NewKeyThrottle creates a throttle over backend. A nil backend selects a LocalBackend.
func NewKeyThrottle(backend Backend) *KeyThrottle {
	if backend == nil {
		backend = NewLocalBackend(5 * time.Minute)
	}
	return &KeyThrottle{backend: backend}
}

// Allow consumes one call slot for keyID. A non-positive perMinute disables the throttle.
// Backend failures fail open.
func (t *KeyThrottle) Allow(ctx context.Context, keyID string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	info, err := t.backend.Take(ctx, "key:"+keyID, Rule{Limit: perMinute, Window: time.Minute, Burst: perMinute})
	if err != nil {
		slog.Warn("key throttle backend unavailable, allowing call", "key_id", keyID, "error", err)
		return true
	}
	return info.Allowed
}
