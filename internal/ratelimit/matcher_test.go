package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchEndpoint(t *testing.T) {
	configs := DefaultEndpointConfigs()

	tests := []struct {
		name      string
		path      string
		method    string
		wantLimit int
		wantNil   bool
	}{
		{name: "health unlimited", path: "/health", method: "GET", wantLimit: 0},
		{name: "metrics unlimited", path: "/metrics", method: "GET", wantLimit: 0},
		{name: "exact add key", path: "/api/keys", method: "POST", wantLimit: 20},
		{name: "exact validate beats prefix", path: "/api/keys/validate", method: "POST", wantLimit: 10},
		{name: "prefix delete key", path: "/api/keys/abc", method: "DELETE", wantLimit: 100},
		{name: "prefix generate", path: "/api/ai/generate/p1", method: "POST", wantLimit: 10},
		{name: "list keys uses default", path: "/api/keys", method: "GET", wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MatchEndpoint(tt.path, tt.method, configs)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantLimit, got.Limit)
		})
	}
}
