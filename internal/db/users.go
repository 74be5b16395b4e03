package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// -----------------------------------------------------------------------------
// User Methods
// -----------------------------------------------------------------------------

// EnsureUser returns the user for subject, creating it on first sight.
// Non-empty email and name refresh the stored profile.
func (db *DB) EnsureUser(ctx context.Context, subject, email, name string) (*User, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, fmt.Errorf("subject cannot be empty")
	}

	var u User
	var storedEmail, storedName *string
	err := db.pool.QueryRow(ctx,
		`INSERT INTO users (subject, email, name)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''))
		 ON CONFLICT (subject) DO UPDATE SET
		     email = COALESCE(NULLIF(EXCLUDED.email, ''), users.email),
		     name = COALESCE(NULLIF(EXCLUDED.name, ''), users.name),
		     updated_at = NOW()
		 RETURNING id, subject, email, name, created_at, updated_at`,
		subject, email, name,
	).Scan(&u.ID, &u.Subject, &storedEmail, &storedName, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}
	u.Email = deref(storedEmail)
	u.Name = deref(storedName)
	return &u, nil
}

// GetUser returns nil when no user has that ID.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	var email, name *string
	err := db.pool.QueryRow(ctx,
		`SELECT id, subject, email, name, created_at, updated_at
		 FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Subject, &email, &name, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Email = deref(email)
	u.Name = deref(name)
	return &u, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
