package models

import (
	"time"

	"github.com/google/uuid"
)

// Account role enums.
const (
	AccountRoleClient = "client"
	AccountRoleExpert = "expert"
)

// Account is a party holding a credit balance: a client commissioning voice
// projects or an expert fulfilling them.
//
// CreditBalance is a materialized counter over credit_ledger. It is only ever
// mutated inside a ledger Record call, in the same transaction as the entry
// insert; the ledger remains the source of truth.
type Account struct {
	ID              uuid.UUID `json:"id"`
	Email           string    `json:"email"`
	Name            string    `json:"name"`
	Role            string    `json:"role"`
	PasswordHash    string    `json:"-"`
	CreditBalance   int       `json:"credit_balance"`
	WebhookURL      string    `json:"webhook_url,omitempty"`
	MaxPerProject   *int      `json:"max_per_project,omitempty"`
	MaxPerDay       *int      `json:"max_per_day,omitempty"`
	IsSystemAccount bool      `json:"is_system_account"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
