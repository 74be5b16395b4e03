package ratelimit

import (
	"strings"
	"time"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string        // Endpoint path pattern (supports prefix matching)
	Method string        // HTTP method (GET, POST, etc.)
	Limit  int           // Maximum requests per window
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
}

// Config holds HTTP rate limiting configuration.
type Config struct {
	Enabled         bool
	DefaultLimit    int
	DefaultWindow   time.Duration
	CleanupInterval time.Duration
	Whitelist       map[string]bool
	Blacklist       map[string]bool
	EndpointConfigs []EndpointConfig
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		DefaultLimit:    1000,
		DefaultWindow:   time.Minute,
		CleanupInterval: 5 * time.Minute,
		Whitelist:       make(map[string]bool),
		Blacklist:       make(map[string]bool),
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

// DefaultEndpointConfigs returns the default endpoint-specific configurations.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		// Tier 1: vendor-backed operations (strictest limits)
		{Path: "/api/ai/generate/", Method: "POST", Limit: 10, Window: time.Hour, Burst: 2},
		{Path: "/api/assist", Method: "POST", Limit: 60, Window: time.Minute, Burst: 10},
		{Path: "/api/keys/validate", Method: "POST", Limit: 10, Window: time.Minute, Burst: 2},
		{Path: "/api/keys", Method: "POST", Limit: 20, Window: time.Minute, Burst: 5},

		// Tier 2: write operations
		{Path: "/api/keys/", Method: "PUT", Limit: 100, Window: time.Minute, Burst: 10},
		{Path: "/api/keys/", Method: "DELETE", Limit: 100, Window: time.Minute, Burst: 10},
		{Path: "/api/ai/session/", Method: "POST", Limit: 100, Window: time.Minute, Burst: 10},

		// Tier 3: reads use the default limit
		// Tier 4: health and metrics are unlimited, see MatchEndpoint
	}
}

// ParseIPList parses a comma-separated list of IP addresses into a set.
func ParseIPList(list string) map[string]bool {
	result := make(map[string]bool)
	if list == "" {
		return result
	}

	for _, ip := range strings.Split(list, ",") {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			result[ip] = true
		}
	}
	return result
}
