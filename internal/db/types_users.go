package db

import (
	"time"

	"github.com/google/uuid"
)

// User is an account keyed by the identity provider's subject.
type User struct {
	ID        uuid.UUID `json:"id"`
	Subject   string    `json:"-"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
