package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/souldevsoul/voicecraft-sub001/internal/models"
)

// Notification event enums.
const (
	EventEstimateReady    = "estimate_ready"
	EventProjectAssigned  = "project_assigned"
	EventWorkSubmitted    = "work_submitted"
	EventChangesRequested = "changes_requested"
	EventProjectCompleted = "project_completed"
	EventProjectRefunded  = "project_refunded"
)

// NotificationArgs is the River job payload. Jobs are enqueued with InsertTx
// inside the transition's transaction, so a rolled-back transition never
// notifies anyone.
type NotificationArgs struct {
	Event     string    `json:"event"`
	ProjectID uuid.UUID `json:"project_id"`
	AccountID uuid.UUID `json:"account_id"`
}

func (NotificationArgs) Kind() string { return "notification" }

// InsertTxFunc enqueues a notification within the given transaction. Provided
// by main using river.Client.InsertTx.
type InsertTxFunc func(ctx context.Context, tx pgx.Tx, args NotificationArgs) error

// AccountLookup resolves the account whose webhook should be called.
type AccountLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// Worker delivers notifications to account webhooks. Delivery is best effort:
// a dead webhook is logged and the job is not retried.
type Worker struct {
	river.WorkerDefaults[NotificationArgs]
	accounts   AccountLookup
	httpClient *http.Client
	logger     *slog.Logger
}

func NewWorker(accounts AccountLookup, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		accounts:   accounts,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (w *Worker) Work(ctx context.Context, job *river.Job[NotificationArgs]) error {
	args := job.Args

	acc, err := w.accounts.GetByID(ctx, args.AccountID)
	if err != nil {
		w.logger.Warn("notification: account lookup failed", "account_id", args.AccountID, "error", err)
		return nil
	}
	if acc.WebhookURL == "" {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"event":      args.Event,
		"project_id": args.ProjectID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, acc.WebhookURL, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("notification: bad webhook url", "account_id", args.AccountID, "error", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.logger.Warn("notification delivery failed", "event", args.Event, "project_id", args.ProjectID, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.logger.Warn("notification webhook returned non-2xx", "event", args.Event, "status", resp.StatusCode)
	}
	return nil
}
