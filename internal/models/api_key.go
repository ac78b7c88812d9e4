package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey grants programmatic access to the project API. Only the SHA-256 hash
// is stored; the raw key (vcx_ prefix) is shown once at creation.
type APIKey struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	KeyHash   string    `json:"-"`
	KeyPrefix string    `json:"key_prefix"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
