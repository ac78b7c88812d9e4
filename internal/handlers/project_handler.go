package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/souldevsoul/voicecraft-sub001/internal/estimation"
	"github.com/souldevsoul/voicecraft-sub001/internal/middleware"
	"github.com/souldevsoul/voicecraft-sub001/internal/models"
	"github.com/souldevsoul/voicecraft-sub001/internal/services"
)

// ProjectWorkflow is the workflow surface the handler drives.
type ProjectWorkflow interface {
	CreateProject(ctx context.Context, clientAccountID uuid.UUID, title, requestText string) (*models.Project, error)
	GetProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error)
	DeleteProject(ctx context.Context, projectID uuid.UUID) error
	RequestEstimate(ctx context.Context, projectID uuid.UUID, requestText string) (*models.Project, error)
	AcceptEstimate(ctx context.Context, projectID uuid.UUID) (*models.Project, error)
	RejectEstimate(ctx context.Context, projectID, callerID uuid.UUID, reason string) (*models.Project, error)
	Assign(ctx context.Context, projectID, expertAccountID uuid.UUID, instructions string, deadline *time.Time) (*models.Project, error)
	SubmitWork(ctx context.Context, projectID, expertAccountID uuid.UUID, workItemIDs []uuid.UUID, notes string) (*models.Project, error)
	RequestChanges(ctx context.Context, projectID uuid.UUID, feedback string) (*models.Project, error)
	ApproveWork(ctx context.Context, projectID uuid.UUID, rating int, feedback string) (*models.Project, error)
	Refund(ctx context.Context, projectID uuid.UUID, reason string, refundAmount *int, adminNotes string) (*models.Project, error)
	ReEstimate(ctx context.Context, projectID uuid.UUID, newEstimate float64, reason, adminNotes string) (*models.Project, error)
	AcceptEstimateDelta(ctx context.Context, projectID uuid.UUID) (*models.Project, error)
}

// ProjectHistory reads the append-only side tables.
type ProjectHistory interface {
	ListFeedback(ctx context.Context, projectID uuid.UUID) ([]*models.FeedbackEntry, error)
	ListRevisions(ctx context.Context, projectID uuid.UUID) ([]*models.EstimateRevision, error)
}

// ProjectLedger reads ledger entries tied to a project.
type ProjectLedger interface {
	EntriesForProject(ctx context.Context, projectID uuid.UUID) ([]*models.LedgerEntry, error)
}

// ProjectHandler serves /api/v1/projects endpoints.
type ProjectHandler struct {
	Workflow ProjectWorkflow
	History  ProjectHistory
	Ledger   ProjectLedger
	Logger   *slog.Logger
}

// --- POST /api/v1/projects ---

type createProjectRequest struct {
	Title       string `json:"title"`
	RequestText string `json:"request_text"`
}

func (h *ProjectHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Title == "" || req.RequestText == "" {
		http.Error(w, `{"error":"title and request_text are required"}`, http.StatusBadRequest)
		return
	}

	p, err := h.Workflow.CreateProject(r.Context(), acc.ID, req.Title, req.RequestText)
	if err != nil {
		h.Logger.Error("create project", "error", err)
		http.Error(w, `{"error":"failed to create project"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// --- GET /api/v1/projects/{id} ---

func (h *ProjectHandler) GetProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := extractProjectID(r)
	if !ok {
		http.Error(w, `{"error":"invalid project id"}`, http.StatusBadRequest)
		return
	}
	p, err := h.Workflow.GetProject(r.Context(), projectID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- DELETE /api/v1/projects/{id} ---

func (h *ProjectHandler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := extractProjectID(r)
	if !ok {
		http.Error(w, `{"error":"invalid project id"}`, http.StatusBadRequest)
		return
	}
	if _, ok := h.requireOwner(w, r, projectID); !ok {
		return
	}
	if err := h.Workflow.DeleteProject(r.Context(), projectID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- POST /api/v1/projects/{id}/request-estimate ---

type requestEstimateRequest struct {
	RequestText string `json:"request_text"`
}

func (h *ProjectHandler) RequestEstimate(w http.ResponseWriter, r *http.Request) {
	projectID, ok := extractProjectID(r)
	if !ok {
		http.Error(w, `{"error":"invalid project id"}`, http.StatusBadRequest)
		return
	}
	if _, ok := h.requireOwner(w, r, projectID); !ok {
		return
	}

	var req requestEstimateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	p, err := h.Workflow.RequestEstimate(r.Context(), projectID, req.RequestText)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- POST /api/v1/projects/{id}/accept-estimate ---

func (h *ProjectHandler) AcceptEstimate(w http.ResponseWriter, r *http.Request) {
	projectID, ok := extractProjectID(r)
	if !ok {
		http.Error(w, `{"error":"invalid project id"}`, http.StatusBadRequest)
		return
	}
	if _, ok := h.requireOwner(w, r, projectID); !ok {
		return
	}
	p, err := h.Workflow.AcceptEstimate(r.Context(), projectID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- POST /api/v1/projects/{id}/reject-estimate ---

type rejectEstimateRequest struct {
	Reason string `json:"reason"`
}

func (h *ProjectHandler) RejectEstimate(w http.ResponseWriter, r *http.Request) {
	projectID, ok := extractProjectID(r)
	if !ok {
		http.Error(w, `{"error":"invalid project id"}`, http.StatusBadRequest)
		return
	}
	acc, ok := h.requireOwner(w, r, projectID)
	if !ok {
		return
	}

	var req rejectEstimateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	p, err := h.Workflow.RejectEstimate(r.Context(), projectID, acc.ID, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- POST /api/v1/projects/{id}/assign ---

type assignRequest struct {
	ExpertAccountID string     `json:"expert_account_id"`
	Instructions    string     `json:"instructions"`
	Deadline        *time.Time `json:"deadline"`
}

func (h *ProjectHandler) Assign(w http.ResponseWriter, r *http.Request) {
	projectID, ok := extractProjectID(r)
	if !ok {
		http.Error(w, `{"error":"invalid project id"}`, http.StatusBadRequest)
		return
	}
	if _, ok := h.requireOwner(w, r, projectID); !ok {
		return
	}

	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	expertID, err := uuid.Parse(req.ExpertAccountID)
	if err != nil {
		http.Error(w, `{"error":"invalid expert_account_id"}`, http.StatusBadRequest)
		return
	}

	p, err := h.Workflow.Assign(r.Context(), projectID, expertID, req.Instructions, req.Deadline)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- POST /api/v1/projects/{id}/submit ---

type submitWorkRequest struct {
	WorkItemIDs []string `json:"work_item_ids"`
	Notes       string   `json:"notes"`
}

// SubmitWork is the expert callback; the caller must be the assigned expert.
func (h *ProjectHandler) SubmitWork(w http.ResponseWriter, r *http.Request) {
	projectID, ok := extractProjectID(r)
	if !ok {
		http.Error(w, `{"error":"invalid project id"}`, http.StatusBadRequest)
		return
	}
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req submitWorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	itemIDs := make([]uuid.UUID, 0, len(req.WorkItemIDs))
	for _, s := range req.WorkItemIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			http.Error(w, `{"error":"invalid work item id"}`, http.StatusBadRequest)
			return
		}
		itemIDs = append(itemIDs, id)
	}

	p, err := h.Workflow.SubmitWork(r.Context(), projectID, acc.ID, itemIDs, req.Notes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- POST /api/v1/projects/{id}/request-changes ---

type requestChangesRequest struct {
	Feedback string `json:"feedback"`
}

func (h *ProjectHandler) RequestChanges(w http.ResponseWriter, r *http.Request) {
	projectID, ok := extractProjectID(r)
	if !ok {
		http.Error(w, `{"error":"invalid project id"}`, http.StatusBadRequest)
		return
	}
	if _, ok := h.requireOwner(w, r, projectID); !ok {
		return
	}

	var req requestChangesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Feedback == "" {
		http.Error(w, `{"error":"feedback is required"}`, http.StatusBadRequest)
		return
	}

	p, err := h.Workflow.RequestChanges(r.Context(), projectID, req.Feedback)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- POST /api/v1/projects/{id}/approve ---

type approveWorkRequest struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback"`
}

func (h *ProjectHandler) ApproveWork(w http.ResponseWriter, r *http.Request) {
	projectID, ok := extractProjectID(r)
	if !ok {
		http.Error(w, `{"error":"invalid project id"}`, http.StatusBadRequest)
		return
	}
	if _, ok := h.requireOwner(w, r, projectID); !ok {
		return
	}

	var req approveWorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	p, err := h.Workflow.ApproveWork(r.Context(), projectID, req.Rating, req.Feedback)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- POST /api/v1/projects/{id}/refund ---

type refundRequest struct {
	Reason     string `json:"reason"`
	Amount     *int   `json:"amount"`
	AdminNotes string `json:"admin_notes"`
}

func (h *ProjectHandler) Refund(w http.ResponseWriter, r *http.Request) {
	projectID, ok := extractProjectID(r)
	if !ok {
		http.Error(w, `{"error":"invalid project id"}`, http.StatusBadRequest)
		return
	}
	if _, ok := h.requireOwner(w, r, projectID); !ok {
		return
	}

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, `{"error":"reason is required"}`, http.StatusBadRequest)
		return
	}

	p, err := h.Workflow.Refund(r.Context(), projectID, req.Reason, req.Amount, req.AdminNotes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- POST /api/v1/projects/{id}/re-estimate ---

type reEstimateRequest struct {
	NewEstimate float64 `json:"new_estimate"`
	Reason      string  `json:"reason"`
	AdminNotes  string  `json:"admin_notes"`
}

func (h *ProjectHandler) ReEstimate(w http.ResponseWriter, r *http.Request) {
	projectID, ok := extractProjectID(r)
	if !ok {
		http.Error(w, `{"error":"invalid project id"}`, http.StatusBadRequest)
		return
	}
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req reEstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.NewEstimate <= 0 {
		http.Error(w, `{"error":"new_estimate must be > 0"}`, http.StatusBadRequest)
		return
	}

	p, err := h.Workflow.ReEstimate(r.Context(), projectID, req.NewEstimate, req.Reason, req.AdminNotes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- POST /api/v1/projects/{id}/accept-estimate-delta ---

func (h *ProjectHandler) AcceptEstimateDelta(w http.ResponseWriter, r *http.Request) {
	projectID, ok := extractProjectID(r)
	if !ok {
		http.Error(w, `{"error":"invalid project id"}`, http.StatusBadRequest)
		return
	}
	if _, ok := h.requireOwner(w, r, projectID); !ok {
		return
	}
	p, err := h.Workflow.AcceptEstimateDelta(r.Context(), projectID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- GET /api/v1/projects/{id}/feedback ---

func (h *ProjectHandler) ListFeedback(w http.ResponseWriter, r *http.Request) {
	projectID, ok := extractProjectID(r)
	if !ok {
		http.Error(w, `{"error":"invalid project id"}`, http.StatusBadRequest)
		return
	}
	entries, err := h.History.ListFeedback(r.Context(), projectID)
	if err != nil {
		h.Logger.Error("list feedback", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*models.FeedbackEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- GET /api/v1/projects/{id}/revisions ---

func (h *ProjectHandler) ListRevisions(w http.ResponseWriter, r *http.Request) {
	projectID, ok := extractProjectID(r)
	if !ok {
		http.Error(w, `{"error":"invalid project id"}`, http.StatusBadRequest)
		return
	}
	revs, err := h.History.ListRevisions(r.Context(), projectID)
	if err != nil {
		h.Logger.Error("list revisions", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if revs == nil {
		revs = []*models.EstimateRevision{}
	}
	writeJSON(w, http.StatusOK, revs)
}

// --- GET /api/v1/projects/{id}/ledger ---

func (h *ProjectHandler) ListLedgerEntries(w http.ResponseWriter, r *http.Request) {
	projectID, ok := extractProjectID(r)
	if !ok {
		http.Error(w, `{"error":"invalid project id"}`, http.StatusBadRequest)
		return
	}
	entries, err := h.Ledger.EntriesForProject(r.Context(), projectID)
	if err != nil {
		h.Logger.Error("list project ledger", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- helpers ---

// requireOwner loads the project and verifies the authenticated account is
// its client.
func (h *ProjectHandler) requireOwner(w http.ResponseWriter, r *http.Request, projectID uuid.UUID) (*models.Account, bool) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return nil, false
	}
	p, err := h.Workflow.GetProject(r.Context(), projectID)
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	if p.ClientAccountID != acc.ID {
		http.Error(w, `{"error":"not the project owner"}`, http.StatusForbidden)
		return nil, false
	}
	return acc, true
}

// writeError maps workflow errors onto the HTTP status taxonomy. Stale-state
// conflicts carry the actual current status; credit shortfalls carry the exact
// numbers.
func (h *ProjectHandler) writeError(w http.ResponseWriter, err error) {
	var (
		stateErr  *services.StateError
		creditErr *services.InsufficientCreditsError
	)
	switch {
	case errors.As(err, &creditErr):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "insufficient credits",
			"required":  creditErr.Required,
			"available": creditErr.Available,
			"shortfall": creditErr.Shortfall(),
		})
	case errors.As(err, &stateErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":          stateErr.Error(),
			"current_status": stateErr.Current,
		})
	case errors.Is(err, services.ErrNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	case errors.Is(err, estimation.ErrEstimationFailed):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrNotAssignedExpert):
		http.Error(w, `{"error":"caller is not the assigned expert"}`, http.StatusForbidden)
	case errors.Is(err, services.ErrExpertUnavailable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "expert is not available"})
	case errors.Is(err, services.ErrProjectRetained):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "project has ledger history and cannot be deleted"})
	case errors.Is(err, services.ErrNoPendingDelta):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no pending estimate delta"})
	case errors.Is(err, services.ErrInvalidRating),
		errors.Is(err, services.ErrInvalidRefundAmount),
		errors.Is(err, services.ErrNoEstimate),
		errors.Is(err, services.ErrNoExpertAssigned):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		h.Logger.Error("workflow operation failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

// extractProjectID parses the project UUID from the URL path.
// Supports paths like /api/v1/projects/{id} and /api/v1/projects/{id}/approve.
func extractProjectID(r *http.Request) (uuid.UUID, bool) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/projects/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 0 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
