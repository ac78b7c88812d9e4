package models

import (
	"time"

	"github.com/google/uuid"
)

// ExpertProfile is the per-expert aggregate the payout path maintains.
// RatingAvg and CompletedJobs are mutated only on successful completion,
// inside the same transaction as the payout ledger entry.
type ExpertProfile struct {
	ID            uuid.UUID `json:"id"`
	AccountID     uuid.UUID `json:"account_id"`
	DisplayName   string    `json:"display_name"`
	Specialties   []string  `json:"specialties"`
	RatingAvg     float64   `json:"rating_avg"`
	CompletedJobs int       `json:"completed_jobs"`
	Available     bool      `json:"available"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NextRating folds one 1–5 review into the running average.
func NextRating(oldAvg float64, completedJobs, rating int) float64 {
	return (oldAvg*float64(completedJobs) + float64(rating)) / float64(completedJobs+1)
}
