package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/souldevsoul/voicecraft-sub001/internal/estimation"
	"github.com/souldevsoul/voicecraft-sub001/internal/models"
	"github.com/souldevsoul/voicecraft-sub001/internal/notify"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WorkflowProjectRepo is the project repository surface the workflow needs.
type WorkflowProjectRepo interface {
	Create(ctx context.Context, p *models.Project) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
	CurrentStatus(ctx context.Context, id uuid.UUID) (string, error)
	UpdateGuardedTx(ctx context.Context, tx pgx.Tx, p *models.Project, fromStatus string) (bool, error)
	DeleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
	AppendFeedbackTx(ctx context.Context, tx pgx.Tx, f *models.FeedbackEntry) error
	AppendRevisionTx(ctx context.Context, tx pgx.Tx, rev *models.EstimateRevision) error
	MarkRevisionsChargedTx(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) error
}

// WorkflowExpertRepo is the expert profile surface for assignment and payout.
type WorkflowExpertRepo interface {
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.ExpertProfile, error)
	GetByAccountIDForUpdate(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*models.ExpertProfile, error)
	ApplyCompletionTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, ratingAvg float64, completedJobs int) error
}

// Balance abstracts the reserve/grant primitives.
type Balance interface {
	Reserve(ctx context.Context, tx pgx.Tx, clientID, projectID uuid.UUID, credits int) error
	Grant(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, projectID *uuid.UUID, credits int, reason string) error
}

// WorkflowLedger is the read side of the ledger the workflow consults.
type WorkflowLedger interface {
	LatestReservation(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (*models.LedgerEntry, error)
	CountForProject(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (int, error)
}

// Notifier enqueues a fire-and-forget notification inside the transition's
// transaction. Enqueue failures are logged, never fatal.
type Notifier interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, event string, projectID, accountID uuid.UUID) error
}

// Workflow is the project state machine. Every transition reads the current
// status, performs its precondition check, and applies its state mutation and
// any ledger movement inside one transaction; concurrent callers racing on the
// same project converge to exactly one accepted transition.
type Workflow struct {
	Pool      TxBeginner
	Projects  WorkflowProjectRepo
	Experts   WorkflowExpertRepo
	Balance   Balance
	Ledger    WorkflowLedger
	Estimator estimation.Estimator
	Notifier  Notifier
	Logger    *slog.Logger
}

// NewWorkflow returns a Workflow. Notifier may be nil.
func NewWorkflow(
	pool TxBeginner,
	projects WorkflowProjectRepo,
	experts WorkflowExpertRepo,
	balance Balance,
	ledger WorkflowLedger,
	estimator estimation.Estimator,
	notifier Notifier,
	logger *slog.Logger,
) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		Pool:      pool,
		Projects:  projects,
		Experts:   experts,
		Balance:   balance,
		Ledger:    ledger,
		Estimator: estimator,
		Notifier:  notifier,
		Logger:    logger,
	}
}

// CreateProject opens a new draft for the client.
func (w *Workflow) CreateProject(ctx context.Context, clientAccountID uuid.UUID, title, requestText string) (*models.Project, error) {
	p := &models.Project{
		ID:              uuid.New(),
		ClientAccountID: clientAccountID,
		Status:          models.StatusDraft,
		Title:           title,
		RequestText:     requestText,
	}
	if err := w.Projects.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

// GetProject loads a project, mapping a missing row to ErrNotFound.
func (w *Workflow) GetProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	p, err := w.Projects.GetByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
		}
		return nil, err
	}
	return p, nil
}

// RequestEstimate moves draft → estimating, asks the oracle, and either stores
// the estimate (→ waiting_for_estimate_accept) or reverts to draft on any
// oracle failure. A project is never left in estimating after the call
// returns. No ledger effect either way.
func (w *Workflow) RequestEstimate(ctx context.Context, projectID uuid.UUID, requestText string) (*models.Project, error) {
	p, err := w.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if requestText != "" {
		p.RequestText = requestText
	}

	if err := w.runTransition(ctx, p, models.EventRequestEstimate, nil); err != nil {
		return nil, err
	}

	est, estErr := w.Estimator.Estimate(ctx, estimation.ProjectSummary{
		ProjectID:   p.ID,
		Title:       p.Title,
		RequestText: p.RequestText,
	})
	if estErr != nil {
		if revertErr := w.runTransition(ctx, p, models.EventEstimateFailed, nil); revertErr != nil {
			w.Logger.Error("revert to draft after estimation failure", "project_id", p.ID, "error", revertErr)
		}
		return nil, fmt.Errorf("request estimate: %w", estErr)
	}

	p.EstimatedCost = &est.Cost
	p.EstimatedHours = &est.DurationHours
	p.EstimatePayload = est.Breakdown
	if err := w.runTransition(ctx, p, models.EventEstimateReady, func(tx pgx.Tx) error {
		w.notifyTx(ctx, tx, notify.EventEstimateReady, p.ID, p.ClientAccountID)
		return nil
	}); err != nil {
		return nil, err
	}
	return p, nil
}

// AcceptEstimate reserves ceil(estimatedCost*100) credits from the client and
// moves the project to waiting_for_assignment. The status guard and the debit
// run in one transaction: a concurrent accept loses the guard, a concurrent
// reservation on another project still respects the non-negative invariant.
func (w *Workflow) AcceptEstimate(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	p, err := w.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.EstimatedCost == nil {
		return nil, ErrNoEstimate
	}
	credits := models.CreditsFromDollars(*p.EstimatedCost)

	err = w.runTransition(ctx, p, models.EventAcceptEstimate, func(tx pgx.Tx) error {
		return w.Balance.Reserve(ctx, tx, p.ClientAccountID, p.ID, credits)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RejectEstimate returns the project to draft. Estimate figures are retained
// for reference; no ledger effect.
func (w *Workflow) RejectEstimate(ctx context.Context, projectID uuid.UUID, callerID uuid.UUID, reason string) (*models.Project, error) {
	p, err := w.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	err = w.runTransition(ctx, p, models.EventRejectEstimate, func(tx pgx.Tx) error {
		if reason == "" {
			return nil
		}
		return w.Projects.AppendFeedbackTx(ctx, tx, &models.FeedbackEntry{
			ID:        uuid.New(),
			ProjectID: p.ID,
			AuthorID:  callerID,
			Kind:      models.FeedbackKindRejection,
			Body:      reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Assign hands the project to an available expert and stamps assigned_at. No
// ledger effect.
func (w *Workflow) Assign(ctx context.Context, projectID, expertAccountID uuid.UUID, instructions string, deadline *time.Time) (*models.Project, error) {
	expert, err := w.Experts.GetByAccountID(ctx, expertAccountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("expert %s: %w", expertAccountID, ErrNotFound)
		}
		return nil, err
	}
	if !expert.Available {
		return nil, fmt.Errorf("expert %s: %w", expertAccountID, ErrExpertUnavailable)
	}

	p, err := w.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p.ExpertAccountID = &expertAccountID
	p.Instructions = instructions
	p.Deadline = deadline
	p.AssignedAt = &now

	err = w.runTransition(ctx, p, models.EventAssign, func(tx pgx.Tx) error {
		w.notifyTx(ctx, tx, notify.EventProjectAssigned, p.ID, expertAccountID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SubmitWork records the expert's deliverables and moves the project to
// in_review, stamping submitted_at. Only the assigned expert may submit.
func (w *Workflow) SubmitWork(ctx context.Context, projectID, expertAccountID uuid.UUID, workItemIDs []uuid.UUID, notes string) (*models.Project, error) {
	p, err := w.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.ExpertAccountID == nil || *p.ExpertAccountID != expertAccountID {
		return nil, ErrNotAssignedExpert
	}
	now := time.Now()
	p.WorkItemIDs = append(p.WorkItemIDs, workItemIDs...)
	p.SubmittedAt = &now

	err = w.runTransition(ctx, p, models.EventSubmitWork, func(tx pgx.Tx) error {
		if notes != "" {
			if err := w.Projects.AppendFeedbackTx(ctx, tx, &models.FeedbackEntry{
				ID:        uuid.New(),
				ProjectID: p.ID,
				AuthorID:  expertAccountID,
				Kind:      models.FeedbackKindSubmission,
				Body:      notes,
			}); err != nil {
				return err
			}
		}
		w.notifyTx(ctx, tx, notify.EventWorkSubmitted, p.ID, p.ClientAccountID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RequestChanges sends the project back to the expert with feedback appended
// to the revision history. Prior feedback is never overwritten.
func (w *Workflow) RequestChanges(ctx context.Context, projectID uuid.UUID, feedback string) (*models.Project, error) {
	if feedback == "" {
		return nil, fmt.Errorf("feedback is required when requesting changes")
	}
	p, err := w.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p.ReviewedAt = &now

	err = w.runTransition(ctx, p, models.EventRequestChanges, func(tx pgx.Tx) error {
		if err := w.Projects.AppendFeedbackTx(ctx, tx, &models.FeedbackEntry{
			ID:        uuid.New(),
			ProjectID: p.ID,
			AuthorID:  p.ClientAccountID,
			Kind:      models.FeedbackKindChangesRequested,
			Body:      feedback,
		}); err != nil {
			return err
		}
		if p.ExpertAccountID != nil {
			w.notifyTx(ctx, tx, notify.EventChangesRequested, p.ID, *p.ExpertAccountID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ApproveWork pays the expert the full estimated cost, folds the rating into
// the expert profile, sets actual_cost, and completes the project. The payout
// entry, the status write, and the rating write commit together or not at all.
func (w *Workflow) ApproveWork(ctx context.Context, projectID uuid.UUID, rating int, feedback string) (*models.Project, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}
	p, err := w.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.ExpertAccountID == nil {
		return nil, ErrNoExpertAssigned
	}
	if p.EstimatedCost == nil {
		return nil, ErrNoEstimate
	}
	expertID := *p.ExpertAccountID
	credits := models.CreditsFromDollars(*p.EstimatedCost)

	now := time.Now()
	p.ActualCost = p.EstimatedCost
	p.ReviewedAt = &now
	p.CompletedAt = &now

	err = w.runTransition(ctx, p, models.EventApproveWork, func(tx pgx.Tx) error {
		expert, err := w.Experts.GetByAccountIDForUpdate(ctx, tx, expertID)
		if err != nil {
			return fmt.Errorf("lock expert profile: %w", err)
		}
		if err := w.Balance.Grant(ctx, tx, expertID, &p.ID, credits, models.ReasonProjectCompletion); err != nil {
			return fmt.Errorf("payout: %w", err)
		}
		newRating := models.NextRating(expert.RatingAvg, expert.CompletedJobs, rating)
		if err := w.Experts.ApplyCompletionTx(ctx, tx, expertID, newRating, expert.CompletedJobs+1); err != nil {
			return fmt.Errorf("update expert profile: %w", err)
		}
		if feedback != "" {
			if err := w.Projects.AppendFeedbackTx(ctx, tx, &models.FeedbackEntry{
				ID:        uuid.New(),
				ProjectID: p.ID,
				AuthorID:  p.ClientAccountID,
				Kind:      models.FeedbackKindApproval,
				Body:      feedback,
			}); err != nil {
				return err
			}
		}
		w.notifyTx(ctx, tx, notify.EventProjectCompleted, p.ID, expertID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Refund returns credits to the client and terminates the project. The amount
// defaults to the absolute value of the most recent reservation, falling back
// to ceil(estimatedCost*100) when no reservation exists; a computed amount
// ≤ 0 fails with ErrInvalidRefundAmount and nothing moves.
func (w *Workflow) Refund(ctx context.Context, projectID uuid.UUID, reason string, refundAmount *int, adminNotes string) (*models.Project, error) {
	p, err := w.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p.CompletedAt = &now

	err = w.runTransition(ctx, p, models.EventRefund, func(tx pgx.Tx) error {
		amount := 0
		switch {
		case refundAmount != nil:
			amount = *refundAmount
		default:
			reservation, err := w.Ledger.LatestReservation(ctx, tx, p.ID)
			if err != nil {
				return fmt.Errorf("find reservation: %w", err)
			}
			if reservation != nil {
				amount = -reservation.Amount
			} else if p.EstimatedCost != nil {
				amount = models.CreditsFromDollars(*p.EstimatedCost)
			}
		}
		if amount <= 0 {
			return fmt.Errorf("refund of %d credits: %w", amount, ErrInvalidRefundAmount)
		}
		if err := w.Balance.Grant(ctx, tx, p.ClientAccountID, &p.ID, amount, models.ReasonProjectRefund); err != nil {
			return fmt.Errorf("refund: %w", err)
		}
		body := reason
		if adminNotes != "" {
			body = reason + "\n" + adminNotes
		}
		if err := w.Projects.AppendFeedbackTx(ctx, tx, &models.FeedbackEntry{
			ID:        uuid.New(),
			ProjectID: p.ID,
			AuthorID:  p.ClientAccountID,
			Kind:      models.FeedbackKindRefund,
			Body:      body,
		}); err != nil {
			return err
		}
		w.notifyTx(ctx, tx, notify.EventProjectRefunded, p.ID, p.ClientAccountID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ReEstimate records a revised estimate on an active project. The delta is
// computed and logged but not charged; charging happens only through an
// explicit AcceptEstimateDelta so money never moves without client
// confirmation.
func (w *Workflow) ReEstimate(ctx context.Context, projectID uuid.UUID, newEstimate float64, reason, adminNotes string) (*models.Project, error) {
	if newEstimate <= 0 {
		return nil, fmt.Errorf("new estimate must be > 0")
	}
	p, err := w.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.EstimatedCost == nil {
		return nil, ErrNoEstimate
	}
	oldCost := *p.EstimatedCost
	delta := models.CreditsFromDollars(newEstimate - oldCost)

	p.EstimatedCost = &newEstimate
	p.PendingDeltaCredits += delta

	err = w.runTransition(ctx, p, models.EventReEstimate, func(tx pgx.Tx) error {
		return w.Projects.AppendRevisionTx(ctx, tx, &models.EstimateRevision{
			ID:           uuid.New(),
			ProjectID:    p.ID,
			OldCost:      oldCost,
			NewCost:      newEstimate,
			DeltaCredits: delta,
			Reason:       reason,
			AdminNotes:   adminNotes,
		})
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// AcceptEstimateDelta charges (or, for a downward revision, refunds) the
// pending re-estimation delta and clears it.
func (w *Workflow) AcceptEstimateDelta(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	p, err := w.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.PendingDeltaCredits == 0 {
		return nil, ErrNoPendingDelta
	}
	delta := p.PendingDeltaCredits
	p.PendingDeltaCredits = 0

	err = w.runTransition(ctx, p, models.EventAcceptEstimateDelta, func(tx pgx.Tx) error {
		if delta > 0 {
			if err := w.Balance.Reserve(ctx, tx, p.ClientAccountID, p.ID, delta); err != nil {
				return err
			}
		} else {
			if err := w.Balance.Grant(ctx, tx, p.ClientAccountID, &p.ID, -delta, models.ReasonProjectRefund); err != nil {
				return err
			}
		}
		return w.Projects.MarkRevisionsChargedTx(ctx, tx, p.ID)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DeleteProject hard-deletes a project still in a pre-financial state. Once
// any ledger entry references the project it is retained history and deletion
// is blocked.
func (w *Workflow) DeleteProject(ctx context.Context, projectID uuid.UUID) error {
	tx, err := w.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	n, err := w.Ledger.CountForProject(ctx, tx, projectID)
	if err != nil {
		return fmt.Errorf("count ledger entries: %w", err)
	}
	if n > 0 {
		return ErrProjectRetained
	}

	ok, err := w.Projects.DeleteTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if !ok {
		current, cerr := w.Projects.CurrentStatus(ctx, projectID)
		if cerr != nil {
			if errors.Is(cerr, pgx.ErrNoRows) {
				return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
			}
			return cerr
		}
		return &StateError{ProjectID: projectID, Event: "delete", Current: current}
	}
	return tx.Commit(ctx)
}

// runTransition resolves the transitions table, opens a transaction, applies
// the status-guarded update, runs the transition's side effects in the same
// transaction, and commits. A failed guard is reported with the re-read
// current status so the losing caller of a race sees what actually happened.
func (w *Workflow) runTransition(ctx context.Context, p *models.Project, event string, sideEffects func(tx pgx.Tx) error) error {
	from := p.Status
	to, ok := models.NextStatus(from, event)
	if !ok {
		return &StateError{ProjectID: p.ID, Event: event, Current: from}
	}

	tx, err := w.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", event, err)
	}
	defer tx.Rollback(ctx)

	p.Status = to
	updated, err := w.Projects.UpdateGuardedTx(ctx, tx, p, from)
	if err != nil {
		p.Status = from
		return fmt.Errorf("%s: %w", event, err)
	}
	if !updated {
		p.Status = from
		current, cerr := w.Projects.CurrentStatus(ctx, p.ID)
		if cerr != nil {
			current = from
		}
		return &StateError{ProjectID: p.ID, Event: event, Current: current}
	}

	if sideEffects != nil {
		if err := sideEffects(tx); err != nil {
			p.Status = from
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		p.Status = from
		return fmt.Errorf("commit %s: %w", event, err)
	}
	return nil
}

// notifyTx enqueues a best-effort notification; failures are logged only.
func (w *Workflow) notifyTx(ctx context.Context, tx pgx.Tx, event string, projectID, accountID uuid.UUID) {
	if w.Notifier == nil {
		return
	}
	if err := w.Notifier.EnqueueTx(ctx, tx, event, projectID, accountID); err != nil {
		w.Logger.Warn("enqueue notification failed", "event", event, "project_id", projectID, "error", err)
	}
}
