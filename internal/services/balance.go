package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/souldevsoul/voicecraft-sub001/internal/ledger"
	"github.com/souldevsoul/voicecraft-sub001/internal/models"
)

// BalanceLedger is the minimal ledger interface for balance operations.
type BalanceLedger interface {
	Record(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	BalanceOfTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error)
}

// BalanceService wraps the ledger with the two primitives every workflow
// transition uses: Reserve (debit) and Grant (credit). Both only run inside a
// caller-provided transaction so the credit movement commits or rolls back
// with whatever project write accompanies it.
type BalanceService struct {
	Ledger BalanceLedger
}

// NewBalanceService returns a new BalanceService.
func NewBalanceService(l BalanceLedger) *BalanceService {
	return &BalanceService{Ledger: l}
}

// Reserve debits credits from a client account against a project. The ledger's
// non-negative guard runs in the same transaction; on failure the current
// balance is re-read inside that transaction to report the exact shortfall.
func (s *BalanceService) Reserve(ctx context.Context, tx pgx.Tx, clientID, projectID uuid.UUID, credits int) error {
	if credits <= 0 {
		return fmt.Errorf("reserve amount must be > 0, got %d", credits)
	}
	entry := &models.LedgerEntry{
		ID:        uuid.New(),
		AccountID: clientID,
		ProjectID: &projectID,
		Reason:    models.ReasonProjectReservation,
		Amount:    -credits,
	}
	err := s.Ledger.Record(ctx, tx, entry)
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		available, berr := s.Ledger.BalanceOfTx(ctx, tx, clientID)
		if berr != nil {
			return fmt.Errorf("read balance after failed reserve: %w", berr)
		}
		return &InsufficientCreditsError{Required: credits, Available: available}
	}
	return err
}

// Grant credits an account: completion payout, refund, or purchase top-up.
func (s *BalanceService) Grant(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, projectID *uuid.UUID, credits int, reason string) error {
	if credits <= 0 {
		return fmt.Errorf("grant amount must be > 0, got %d", credits)
	}
	return s.Ledger.Record(ctx, tx, &models.LedgerEntry{
		ID:        uuid.New(),
		AccountID: accountID,
		ProjectID: projectID,
		Reason:    reason,
		Amount:    credits,
	})
}
