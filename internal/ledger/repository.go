package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/souldevsoul/voicecraft-sub001/internal/models"
)

// ErrInsufficientBalance is returned when a debit would drive an account's
// balance below zero.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrAccountNotFound is returned when a ledger entry references an account
// row that does not exist.
var ErrAccountNotFound = errors.New("account not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordTx inserts one immutable ledger entry inside the caller's transaction.
// The accounts.credit_balance counter is mutated by a single conditional
// UPDATE in the same transaction, so the non-negative check and the write
// cannot race: a concurrent debit either sees the new balance or fails the
// WHERE clause. Zero rows affected on a negative amount means the debit would
// go below zero.
func (r *Repository) RecordTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	err := tx.QueryRow(ctx, `
		UPDATE accounts
		SET credit_balance = credit_balance + $1, updated_at = now()
		WHERE id = $2 AND credit_balance + $1 >= 0
		RETURNING credit_balance
	`, e.Amount, e.AccountID).Scan(&e.BalanceAfter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return balanceGuardErr(e.Amount)
		}
		return err
	}
	return tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (id, account_id, project_id, reason, amount, balance_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, e.ID, e.AccountID, e.ProjectID, e.Reason, e.Amount, e.BalanceAfter, e.Metadata).Scan(&e.CreatedAt)
}

// balanceGuardErr interprets a zero-row conditional balance update. A credit
// (amount >= 0) always satisfies the non-negative check, so zero rows can only
// mean the account row is missing; a debit failed the balance guard.
func balanceGuardErr(amount int) error {
	if amount < 0 {
		return ErrInsufficientBalance
	}
	return ErrAccountNotFound
}

// BalanceOf reads the materialized counter.
func (r *Repository) BalanceOf(ctx context.Context, accountID uuid.UUID) (int, error) {
	var balance int
	err := r.pool.QueryRow(ctx, `
		SELECT credit_balance FROM accounts WHERE id = $1
	`, accountID).Scan(&balance)
	return balance, err
}

// BalanceOfTx reads the counter inside a transaction (used to report the
// available amount alongside an insufficient-balance failure).
func (r *Repository) BalanceOfTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error) {
	var balance int
	err := tx.QueryRow(ctx, `
		SELECT credit_balance FROM accounts WHERE id = $1
	`, accountID).Scan(&balance)
	return balance, err
}

// RecomputedBalanceOf sums the entries directly. Audit path: must always equal
// BalanceOf.
func (r *Repository) RecomputedBalanceOf(ctx context.Context, accountID uuid.UUID) (int, error) {
	var sum int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE account_id = $1
	`, accountID).Scan(&sum)
	return sum, err
}

// HistoryOf lists entries for an account, newest first, restartable via offset.
func (r *Repository) HistoryOf(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, project_id, reason, amount, balance_after, metadata, created_at
		FROM credit_ledger WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// EntriesForProject lists every entry tied to the project, newest first.
func (r *Repository) EntriesForProject(ctx context.Context, projectID uuid.UUID) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, project_id, reason, amount, balance_after, metadata, created_at
		FROM credit_ledger WHERE project_id = $1
		ORDER BY created_at DESC, id DESC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// LatestReservationTx returns the most recent project_reservation entry for
// the project, or nil when none exists.
func (r *Repository) LatestReservationTx(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := tx.QueryRow(ctx, `
		SELECT id, account_id, project_id, reason, amount, balance_after, metadata, created_at
		FROM credit_ledger WHERE project_id = $1 AND reason = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, projectID, models.ReasonProjectReservation).Scan(
		&e.ID, &e.AccountID, &e.ProjectID, &e.Reason, &e.Amount, &e.BalanceAfter, &e.Metadata, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CountForProjectTx counts entries referencing a project. Used to block
// deletion of projects that have become financial history.
func (r *Repository) CountForProjectTx(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM credit_ledger WHERE project_id = $1
	`, projectID).Scan(&n)
	return n, err
}

func scanEntries(rows pgx.Rows) ([]*models.LedgerEntry, error) {
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.ProjectID, &e.Reason, &e.Amount, &e.BalanceAfter, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
