package ratelimit

import (
	"strings"
)

// unlimited marks endpoints that bypass rate limiting.
var unlimited = &EndpointConfig{}

// MatchEndpoint matches a request path and method to an endpoint configuration.
// Returns nil if no configuration matches.
// Paths ending in "/" match by prefix (e.g. "/api/keys/" matches "/api/keys/{id}").
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	if method == "GET" && (path == "/health" || path == "/metrics") {
		return unlimited
	}

	for i := range configs {
		config := &configs[i]
		if config.Path == path && config.Method == method {
			return config
		}
	}

	for i := range configs {
		config := &configs[i]
		if config.Method == method && strings.HasSuffix(config.Path, "/") && strings.HasPrefix(path, config.Path) {
			return config
		}
	}

	return nil
}
