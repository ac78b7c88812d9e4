package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/souldevsoul/voicecraft-sub001/internal/models"
)

// Service is the append-only credit ledger. Record is the only way any
// account balance changes, and it runs inside the caller's transaction so a
// project transition and its ledger effect commit or roll back together.
type Service interface {
	Record(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	BalanceOf(ctx context.Context, accountID uuid.UUID) (int, error)
	BalanceOfTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error)
	HistoryOf(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error)
	EntriesForProject(ctx context.Context, projectID uuid.UUID) ([]*models.LedgerEntry, error)
	LatestReservation(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (*models.LedgerEntry, error)
	CountForProject(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (int, error)
}

type service struct {
	repo *Repository
}

func NewService(repo *Repository) Service {
	return &service{repo: repo}
}

var _ Service = (*service)(nil)

func (s *service) Record(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return s.repo.RecordTx(ctx, tx, e)
}

func (s *service) BalanceOf(ctx context.Context, accountID uuid.UUID) (int, error) {
	return s.repo.BalanceOf(ctx, accountID)
}

func (s *service) BalanceOfTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error) {
	return s.repo.BalanceOfTx(ctx, tx, accountID)
}

func (s *service) HistoryOf(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.HistoryOf(ctx, accountID, limit, offset)
}

func (s *service) EntriesForProject(ctx context.Context, projectID uuid.UUID) ([]*models.LedgerEntry, error) {
	return s.repo.EntriesForProject(ctx, projectID)
}

func (s *service) LatestReservation(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (*models.LedgerEntry, error) {
	return s.repo.LatestReservationTx(ctx, tx, projectID)
}

func (s *service) CountForProject(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (int, error) {
	return s.repo.CountForProjectTx(ctx, tx, projectID)
}
