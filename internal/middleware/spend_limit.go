package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/souldevsoul/voicecraft-sub001/internal/models"
)

// ProjectCostLookup resolves the project whose charge is about to land.
type ProjectCostLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
}

// SpendLimit enforces the account's optional spending caps on endpoints that
// commit credits (accept-estimate, accept-estimate-delta). MaxPerProject caps
// a single project's charge; MaxPerDay caps total reservations since midnight
// UTC. Accounts without caps pass through untouched.
func SpendLimit(projects ProjectCostLookup, pool *pgxpool.Pool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acc := AccountFromCtx(r.Context())
			if acc == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if acc.MaxPerProject == nil && acc.MaxPerDay == nil {
				next.ServeHTTP(w, r)
				return
			}

			projectID, ok := extractProjectID(r.URL.Path)
			if !ok {
				http.Error(w, `{"error":"missing project id"}`, http.StatusBadRequest)
				return
			}
			p, err := projects.GetByID(r.Context(), projectID)
			if err != nil {
				http.Error(w, `{"error":"project not found"}`, http.StatusNotFound)
				return
			}

			charge := pendingCharge(p)
			if charge <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			if acc.MaxPerProject != nil && charge > *acc.MaxPerProject {
				http.Error(w, fmt.Sprintf(`{"error":"charge %d exceeds per-project limit %d"}`, charge, *acc.MaxPerProject), http.StatusForbidden)
				return
			}

			if acc.MaxPerDay != nil {
				spent, err := dailySpendFn(r.Context(), pool, acc.ID)
				if err != nil {
					http.Error(w, `{"error":"failed to check daily spend"}`, http.StatusInternalServerError)
					return
				}
				if spent+charge > *acc.MaxPerDay {
					http.Error(w, fmt.Sprintf(`{"error":"daily spend %d + charge %d exceeds daily limit %d"}`, spent, charge, *acc.MaxPerDay), http.StatusForbidden)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// pendingCharge is the number of credits the guarded endpoint would reserve:
// the full estimate before acceptance, the outstanding delta afterwards.
func pendingCharge(p *models.Project) int {
	if p.Status == models.StatusWaitingForEstimateAccept && p.EstimatedCost != nil {
		return models.CreditsFromDollars(*p.EstimatedCost)
	}
	return p.PendingDeltaCredits
}

// extractProjectID finds the first UUID path segment, e.g.
// /api/v1/projects/{id}/accept-estimate.
func extractProjectID(path string) (uuid.UUID, bool) {
	for _, seg := range strings.Split(path, "/") {
		if id, err := uuid.Parse(seg); err == nil {
			return id, true
		}
	}
	return uuid.Nil, false
}

// dailySpendFn computes today's reservation spend. Tests replace this to
// avoid hitting a real database.
var dailySpendFn = defaultDailySpend

// defaultDailySpend sums reservation debits for the account today (UTC).
func defaultDailySpend(ctx context.Context, pool *pgxpool.Pool, accountID uuid.UUID) (int, error) {
	var total int
	err := pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(-amount), 0)
		FROM credit_ledger
		WHERE account_id = $1 AND reason = 'project_reservation'
		  AND created_at >= CURRENT_DATE
	`, accountID).Scan(&total)
	return total, err
}
