package models

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// Ledger reason enums. A credit is the smallest platform currency unit:
// 100 credits = $1.00.
const (
	ReasonProjectReservation = "project_reservation"
	ReasonProjectCompletion  = "project_completion"
	ReasonProjectRefund      = "project_refund"
	ReasonCreditPurchase     = "credit_purchase"
	ReasonAdminAdjustment    = "admin_adjustment"
)

// LedgerEntry is one immutable signed balance change. Entries are never
// updated or deleted; corrections are offsetting entries.
type LedgerEntry struct {
	ID           uuid.UUID       `json:"id"`
	AccountID    uuid.UUID       `json:"account_id"`
	ProjectID    *uuid.UUID      `json:"project_id,omitempty"`
	Reason       string          `json:"reason"`
	Amount       int             `json:"amount"`
	BalanceAfter int             `json:"balance_after"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// CreditsFromDollars converts a dollar figure to credits, always rounding up
// so the platform never under-charges.
func CreditsFromDollars(dollars float64) int {
	return int(math.Ceil(dollars * 100))
}
