// Package middleware provides HTTP middleware for authentication.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ContextKey is a typed key for context values to avoid collisions.
type ContextKey string

// userIDKey is the context key for storing the authenticated user ID.
const userIDKey ContextKey = "userID"

// Identity is the verified subject of a bearer token.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

// TokenValidator verifies a bearer token and returns its identity.
type TokenValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (*Identity, error)
}

// UserResolver maps a verified identity to a local user, creating it on first sight.
type UserResolver interface {
	ResolveUser(ctx context.Context, identity *Identity) (uuid.UUID, error)
}

// AuthMiddleware validates bearer tokens and adds the local user ID to the request context.
// Browsers cannot set headers on WebSocket and EventSource requests, so a "token"
// query parameter is accepted when no Authorization header is present.
func AuthMiddleware(validator TokenValidator, users UserResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				unauthorized(w)
				return
			}

			identity, err := validator.ValidateToken(r.Context(), tokenString)
			if err != nil {
				slog.Debug("token rejected", "path", r.URL.Path, "error", err)
				unauthorized(w)
				return
			}

			userID, err := users.ResolveUser(r.Context(), identity)
			if err != nil {
				slog.Error("failed to resolve user", "error", err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "failed to resolve user"})
				return
			}

			ctx := WithUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		token := strings.TrimSpace(r.URL.Query().Get("token"))
		return token, token != ""
	}

	// Handle case-insensitive "Bearer" prefix
	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID extracts the authenticated user ID from the request context.
func GetUserID(r *http.Request) (uuid.UUID, error) {
	userID, ok := r.Context().Value(userIDKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, fmt.Errorf("user ID not found in request context")
	}
	return userID, nil
}
