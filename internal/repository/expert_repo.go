package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/souldevsoul/voicecraft-sub001/internal/models"
)

const expertColumns = `id, account_id, display_name, specialties, rating_avg, completed_jobs, available, created_at, updated_at`

type ExpertRepo struct {
	pool *pgxpool.Pool
}

func NewExpertRepo(pool *pgxpool.Pool) *ExpertRepo {
	return &ExpertRepo{pool: pool}
}

func (r *ExpertRepo) Create(ctx context.Context, e *models.ExpertProfile) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO expert_profiles (id, account_id, display_name, specialties, rating_avg, completed_jobs, available)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, e.ID, e.AccountID, e.DisplayName, e.Specialties, e.RatingAvg, e.CompletedJobs, e.Available).Scan(&e.CreatedAt, &e.UpdatedAt)
}

func (r *ExpertRepo) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.ExpertProfile, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+expertColumns+` FROM expert_profiles WHERE account_id = $1`, accountID)
	return scanExpert(row)
}

// GetByAccountIDForUpdate locks the profile row for the duration of the
// payout transaction so concurrent approvals cannot interleave rating math.
func (r *ExpertRepo) GetByAccountIDForUpdate(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*models.ExpertProfile, error) {
	row := tx.QueryRow(ctx, `SELECT `+expertColumns+` FROM expert_profiles WHERE account_id = $1 FOR UPDATE`, accountID)
	return scanExpert(row)
}

// ApplyCompletionTx writes the folded-in rating and job count. Call after
// GetByAccountIDForUpdate in the same transaction.
func (r *ExpertRepo) ApplyCompletionTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, ratingAvg float64, completedJobs int) error {
	_, err := tx.Exec(ctx, `
		UPDATE expert_profiles SET rating_avg = $2, completed_jobs = $3, updated_at = now()
		WHERE account_id = $1
	`, accountID, ratingAvg, completedJobs)
	return err
}

func (r *ExpertRepo) SetAvailability(ctx context.Context, accountID uuid.UUID, available bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE expert_profiles SET available = $2, updated_at = now() WHERE account_id = $1
	`, accountID, available)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListAvailable returns experts open for assignment.
func (r *ExpertRepo) ListAvailable(ctx context.Context) ([]*models.ExpertProfile, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+expertColumns+` FROM expert_profiles WHERE available = TRUE ORDER BY rating_avg DESC, completed_jobs DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExperts(rows)
}

func (r *ExpertRepo) List(ctx context.Context) ([]*models.ExpertProfile, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+expertColumns+` FROM expert_profiles ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExperts(rows)
}

func scanExpert(row pgx.Row) (*models.ExpertProfile, error) {
	var e models.ExpertProfile
	err := row.Scan(&e.ID, &e.AccountID, &e.DisplayName, &e.Specialties, &e.RatingAvg, &e.CompletedJobs, &e.Available, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanExperts(rows pgx.Rows) ([]*models.ExpertProfile, error) {
	var list []*models.ExpertProfile
	for rows.Next() {
		e, err := scanExpert(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
