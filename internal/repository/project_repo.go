package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/souldevsoul/voicecraft-sub001/internal/models"
)

const projectColumns = `id, client_account_id, expert_account_id, status, title, request_text,
	estimated_cost, estimated_hours, estimate_payload, actual_cost, pending_delta_credits,
	instructions, work_item_ids, deadline, assigned_at, submitted_at, reviewed_at, completed_at,
	created_at, updated_at`

type ProjectRepo struct {
	pool *pgxpool.Pool
}

func NewProjectRepo(pool *pgxpool.Pool) *ProjectRepo {
	return &ProjectRepo{pool: pool}
}

func (r *ProjectRepo) Create(ctx context.Context, p *models.Project) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO projects (id, client_account_id, status, title, request_text)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, p.ID, p.ClientAccountID, p.Status, p.Title, p.RequestText).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *ProjectRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	return scanProject(row)
}

func (r *ProjectRepo) GetByIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Project, error) {
	row := tx.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	return scanProject(row)
}

// CurrentStatus re-reads just the status, used to report the actual state to
// a caller whose transition lost the optimistic race.
func (r *ProjectRepo) CurrentStatus(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM projects WHERE id = $1`, id).Scan(&status)
	return status, err
}

// UpdateGuardedTx writes every mutable project field, guarded by the expected
// current status. Returns false (and writes nothing) when the guard fails,
// i.e. a concurrent transition got there first. This is the optimistic
// concurrency point for the whole workflow: the WHERE clause makes the
// precondition check and the state write one atomic statement.
func (r *ProjectRepo) UpdateGuardedTx(ctx context.Context, tx pgx.Tx, p *models.Project, fromStatus string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE projects SET
			expert_account_id = $3, status = $4, title = $5, request_text = $6,
			estimated_cost = $7, estimated_hours = $8, estimate_payload = $9, actual_cost = $10,
			pending_delta_credits = $11, instructions = $12, work_item_ids = $13, deadline = $14,
			assigned_at = $15, submitted_at = $16, reviewed_at = $17, completed_at = $18,
			updated_at = now()
		WHERE id = $1 AND status = $2
	`, p.ID, fromStatus,
		p.ExpertAccountID, p.Status, p.Title, p.RequestText,
		p.EstimatedCost, p.EstimatedHours, p.EstimatePayload, p.ActualCost,
		p.PendingDeltaCredits, p.Instructions, p.WorkItemIDs, p.Deadline,
		p.AssignedAt, p.SubmittedAt, p.ReviewedAt, p.CompletedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteTx hard-deletes a project, guarded to the deletable statuses. The
// ledger-reference check is the caller's responsibility (same transaction).
func (r *ProjectRepo) DeleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		DELETE FROM projects WHERE id = $1 AND status = ANY($2)
	`, id, []string{models.StatusDraft, models.StatusEstimating})
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *ProjectRepo) ListByClient(ctx context.Context, clientAccountID uuid.UUID) ([]*models.Project, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE client_account_id = $1 ORDER BY created_at DESC
	`, clientAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProjects(rows)
}

func (r *ProjectRepo) ListByExpert(ctx context.Context, expertAccountID uuid.UUID) ([]*models.Project, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE expert_account_id = $1 ORDER BY created_at DESC
	`, expertAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProjects(rows)
}

// --- append-only feedback / revision history ---

func (r *ProjectRepo) AppendFeedbackTx(ctx context.Context, tx pgx.Tx, f *models.FeedbackEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO project_feedback (id, project_id, author_id, kind, body)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, f.ID, f.ProjectID, f.AuthorID, f.Kind, f.Body).Scan(&f.CreatedAt)
}

func (r *ProjectRepo) ListFeedback(ctx context.Context, projectID uuid.UUID) ([]*models.FeedbackEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, author_id, kind, body, created_at
		FROM project_feedback WHERE project_id = $1 ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.FeedbackEntry
	for rows.Next() {
		var f models.FeedbackEntry
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.AuthorID, &f.Kind, &f.Body, &f.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &f)
	}
	return list, rows.Err()
}

func (r *ProjectRepo) AppendRevisionTx(ctx context.Context, tx pgx.Tx, rev *models.EstimateRevision) error {
	return tx.QueryRow(ctx, `
		INSERT INTO estimate_revisions (id, project_id, old_cost, new_cost, delta_credits, reason, admin_notes, charged)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, rev.ID, rev.ProjectID, rev.OldCost, rev.NewCost, rev.DeltaCredits, rev.Reason, rev.AdminNotes, rev.Charged).Scan(&rev.CreatedAt)
}

func (r *ProjectRepo) ListRevisions(ctx context.Context, projectID uuid.UUID) ([]*models.EstimateRevision, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, old_cost, new_cost, delta_credits, reason, admin_notes, charged, created_at
		FROM estimate_revisions WHERE project_id = $1 ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.EstimateRevision
	for rows.Next() {
		var rev models.EstimateRevision
		if err := rows.Scan(&rev.ID, &rev.ProjectID, &rev.OldCost, &rev.NewCost, &rev.DeltaCredits, &rev.Reason, &rev.AdminNotes, &rev.Charged, &rev.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &rev)
	}
	return list, rows.Err()
}

// MarkRevisionsChargedTx flags all uncharged revisions for the project as
// charged. Revisions stay append-only; charged is the one mutable bit.
func (r *ProjectRepo) MarkRevisionsChargedTx(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE estimate_revisions SET charged = TRUE WHERE project_id = $1 AND charged = FALSE
	`, projectID)
	return err
}

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.ClientAccountID, &p.ExpertAccountID, &p.Status, &p.Title, &p.RequestText,
		&p.EstimatedCost, &p.EstimatedHours, &p.EstimatePayload, &p.ActualCost, &p.PendingDeltaCredits,
		&p.Instructions, &p.WorkItemIDs, &p.Deadline, &p.AssignedAt, &p.SubmittedAt, &p.ReviewedAt, &p.CompletedAt,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanProjects(rows pgx.Rows) ([]*models.Project, error) {
	var list []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
