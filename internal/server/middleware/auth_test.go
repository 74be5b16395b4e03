package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTokenValidator accepts a fixed set of tokens.
type testTokenValidator struct {
	validTokens map[string]string
}

func newTestTokenValidator() *testTokenValidator {
	return &testTokenValidator{validTokens: make(map[string]string)}
}

func (v *testTokenValidator) addValidToken(token, subject string) {
	v.validTokens[token] = subject
}

func (v *testTokenValidator) ValidateToken(_ context.Context, tokenString string) (*Identity, error) {
	subject, ok := v.validTokens[tokenString]
	if !ok {
		return nil, fmt.Errorf("invalid token")
	}
	return &Identity{Subject: subject}, nil
}

// testResolver assigns a stable user ID per subject.
type testResolver struct {
	users map[string]uuid.UUID
	err   error
}

func (r *testResolver) ResolveUser(_ context.Context, identity *Identity) (uuid.UUID, error) {
	if r.err != nil {
		return uuid.Nil, r.err
	}
	id, ok := r.users[identity.Subject]
	if !ok {
		id = uuid.New()
		r.users[identity.Subject] = id
	}
	return id, nil
}

func setup() (*testTokenValidator, *testResolver) {
	return newTestTokenValidator(), &testResolver{users: make(map[string]uuid.UUID)}
}

func serve(t *testing.T, validator TokenValidator, users UserResolver, req *http.Request) (*httptest.ResponseRecorder, uuid.UUID, bool) {
	t.Helper()
	var got uuid.UUID
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		id, err := GetUserID(r)
		require.NoError(t, err)
		got = id
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	AuthMiddleware(validator, users)(handler).ServeHTTP(w, req)
	return w, got, called
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	validator, users := setup()
	validator.addValidToken("valid-token", "user_123")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	w, userID, called := serve(t, validator, users, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, called)
	assert.Equal(t, users.users["user_123"], userID)
}

func TestAuthMiddleware_CaseInsensitiveBearer(t *testing.T) {
	validator, users := setup()
	validator.addValidToken("valid-token", "user_123")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "bearer valid-token")
	w, _, called := serve(t, validator, users, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, called)
}

func TestAuthMiddleware_QueryToken(t *testing.T) {
	validator, users := setup()
	validator.addValidToken("ws-token", "user_ws")

	req := httptest.NewRequest(http.MethodGet, "/ws/ai-progress/p1?token=ws-token", nil)
	w, userID, called := serve(t, validator, users, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, called)
	assert.Equal(t, users.users["user_ws"], userID)
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		header string
		target string
	}{
		{name: "missing header", target: "/test"},
		{name: "wrong scheme", header: "Basic abc", target: "/test"},
		{name: "missing token", header: "Bearer", target: "/test"},
		{name: "extra parts", header: "Bearer a b", target: "/test"},
		{name: "unknown token", header: "Bearer nope", target: "/test"},
		{name: "header wins over query", header: "Bearer nope", target: "/test?token=valid-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator, users := setup()
			validator.addValidToken("valid-token", "user_123")

			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w, _, called := serve(t, validator, users, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.False(t, called)
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "Unauthorized", body["error"])
		})
	}
}

func TestAuthMiddleware_ResolverFailure(t *testing.T) {
	validator, users := setup()
	validator.addValidToken("valid-token", "user_123")
	users.err = fmt.Errorf("db down")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	w, _, called := serve(t, validator, users, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, called)
}

func TestGetUserID_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	_, err := GetUserID(req)
	assert.Error(t, err)

	id := uuid.New()
	req = req.WithContext(WithUserID(req.Context(), id))
	got, err := GetUserID(req)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}
