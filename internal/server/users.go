package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jonathan/lumnicode/internal/db"
	"github.com/jonathan/lumnicode/internal/server/middleware"
)

// UserStore creates or refreshes the user row for a token subject.
type UserStore interface {
	EnsureUser(ctx context.Context, subject, email, name string) (*db.User, error)
}

// UserResolver maps token subjects to user IDs, creating users on first sight.
// Resolved IDs are cached for the life of the process.
type UserResolver struct {
	store UserStore
	cache sync.Map // subject -> uuid.UUID
}

var _ middleware.UserResolver = (*UserResolver)(nil)

// NewUserResolver creates a resolver backed by store.
func NewUserResolver(store UserStore) *UserResolver {
	return &UserResolver{store: store}
}

// ResolveUser returns the user ID for identity.
func (u *UserResolver) ResolveUser(ctx context.Context, identity *middleware.Identity) (uuid.UUID, error) {
	if cached, ok := u.cache.Load(identity.Subject); ok {
		return cached.(uuid.UUID), nil
	}

	user, err := u.store.EnsureUser(ctx, identity.Subject, identity.Email, identity.Name)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve user: %w", err)
	}
	u.cache.Store(identity.Subject, user.ID)
	return user.ID, nil
}
