package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/jonathan/lumnicode/internal/keys"
	"github.com/jonathan/lumnicode/internal/llm"
)

// AddKeyRequest is the request body for POST /api/keys
type AddKeyRequest struct {
	Provider    string `json:"provider" validate:"required"`
	APIKey      string `json:"api_key" validate:"required"`
	DisplayName string `json:"display_name,omitempty" validate:"max=255"`
}

// AddKeyResponse is returned when a key is stored
type AddKeyResponse struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	KeyID     string         `json:"key_id"`
	QuotaInfo map[string]any `json:"quota_info,omitempty"`
}

// SetLimitsRequest is the request body for PUT /api/keys/{id}/limits.
// A zero rate limit restores the default.
type SetLimitsRequest struct {
	MonthlyLimit       *int64 `json:"monthly_limit,omitempty" validate:"omitempty,min=0"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute,omitempty" validate:"omitempty,min=1"`
}

// ProviderInfo describes one supported vendor
type ProviderInfo struct {
	ID          llm.Provider `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
}

func supportedProviders() string {
	names := make([]string, 0, len(llm.Providers()))
	for _, p := range llm.Providers() {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}

// handleAddKey validates and stores a provider key
func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req AddKeyRequest
	if !s.decode(w, r, &req) {
		return
	}

	provider, err := llm.ParseProvider(req.Provider)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid provider. Supported providers: "+supportedProviders())
		return
	}

	result := s.keys.AddKey(r.Context(), userID, provider, req.APIKey, req.DisplayName)
	if !result.Success {
		s.errorResponse(w, http.StatusBadRequest, result.Error)
		return
	}

	s.jsonResponse(w, http.StatusOK, AddKeyResponse{
		Success:   true,
		Message:   "API key added successfully",
		KeyID:     result.KeyID.String(),
		QuotaInfo: result.QuotaInfo,
	})
}

// handleListKeys returns the caller's keys without secrets
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	views, err := s.keys.ListKeys(r.Context(), userID)
	if err != nil {
		s.failure(w, r, err)
		return
	}
	if views == nil {
		views = []keys.KeyView{}
	}
	s.jsonResponse(w, http.StatusOK, views)
}

// handleKeyProviders lists the vendors a key can be added for
func (s *Server) handleKeyProviders(w http.ResponseWriter, r *http.Request) {
	providers := make([]ProviderInfo, 0, len(llm.Providers()))
	for _, p := range llm.Providers() {
		providers = append(providers, ProviderInfo{
			ID:          p,
			Name:        p.DisplayName(),
			Description: fmt.Sprintf("%s API key", p.DisplayName()),
		})
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"providers": providers})
}

// handleKeyUsage returns aggregated usage for the caller's keys
func (s *Server) handleKeyUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	stats, err := s.keys.UsageStats(r.Context(), userID)
	if err != nil {
		s.failure(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, stats)
}

// handleValidateKeys re-validates every stored key
func (s *Server) handleValidateKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	results, err := s.keys.ValidateAll(r.Context(), userID)
	if err != nil {
		s.failure(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"success": true, "results": results})
}

func (s *Server) handleDeactivateKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	keyID, ok := s.pathUUID(w, r, "id", "API key not found")
	if !ok {
		return
	}

	found, err := s.keys.Deactivate(r.Context(), keyID, userID)
	if err != nil {
		s.failure(w, r, err)
		return
	}
	if !found {
		s.errorResponse(w, http.StatusNotFound, "API key not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"success": true, "message": "API key deactivated successfully"})
}

func (s *Server) handleSetKeyLimits(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	keyID, ok := s.pathUUID(w, r, "id", "API key not found")
	if !ok {
		return
	}

	var req SetLimitsRequest
	if !s.decode(w, r, &req) {
		return
	}
	rate := req.RateLimitPerMinute
	if rate == 0 {
		rate = keys.DefaultRateLimitPerMinute
	}

	found, err := s.keys.SetLimits(r.Context(), keyID, userID, req.MonthlyLimit, rate)
	if err != nil {
		s.failure(w, r, err)
		return
	}
	if !found {
		s.errorResponse(w, http.StatusNotFound, "API key not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"success": true, "message": "API key limits updated successfully"})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	keyID, ok := s.pathUUID(w, r, "id", "API key not found")
	if !ok {
		return
	}

	found, err := s.keys.Delete(r.Context(), keyID, userID)
	if err != nil {
		s.failure(w, r, err)
		return
	}
	if !found {
		s.errorResponse(w, http.StatusNotFound, "API key not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"success": true, "message": "API key deleted successfully"})
}
