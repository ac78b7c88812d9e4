package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/souldevsoul/voicecraft-sub001/internal/estimation"
	"github.com/souldevsoul/voicecraft-sub001/internal/middleware"
	"github.com/souldevsoul/voicecraft-sub001/internal/models"
	"github.com/souldevsoul/voicecraft-sub001/internal/services"
)

// ---------------------------------------------------------------------------
// Workflow stub: returns the configured project or error for every operation.
// ---------------------------------------------------------------------------

type stubWorkflow struct {
	project *models.Project
	err     error

	// getProject overrides GetProject when set (requireOwner goes through it).
	getProject *models.Project
	getErr     error
}

func (s *stubWorkflow) result() (*models.Project, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.project, nil
}

func (s *stubWorkflow) CreateProject(_ context.Context, _ uuid.UUID, _, _ string) (*models.Project, error) {
	return s.result()
}

func (s *stubWorkflow) GetProject(_ context.Context, _ uuid.UUID) (*models.Project, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	if s.getProject != nil {
		return s.getProject, nil
	}
	return s.result()
}

func (s *stubWorkflow) DeleteProject(_ context.Context, _ uuid.UUID) error { return s.err }

func (s *stubWorkflow) RequestEstimate(_ context.Context, _ uuid.UUID, _ string) (*models.Project, error) {
	return s.result()
}

func (s *stubWorkflow) AcceptEstimate(_ context.Context, _ uuid.UUID) (*models.Project, error) {
	return s.result()
}

func (s *stubWorkflow) RejectEstimate(_ context.Context, _, _ uuid.UUID, _ string) (*models.Project, error) {
	return s.result()
}

func (s *stubWorkflow) Assign(_ context.Context, _, _ uuid.UUID, _ string, _ *time.Time) (*models.Project, error) {
	return s.result()
}

func (s *stubWorkflow) SubmitWork(_ context.Context, _, _ uuid.UUID, _ []uuid.UUID, _ string) (*models.Project, error) {
	return s.result()
}

func (s *stubWorkflow) RequestChanges(_ context.Context, _ uuid.UUID, _ string) (*models.Project, error) {
	return s.result()
}

func (s *stubWorkflow) ApproveWork(_ context.Context, _ uuid.UUID, _ int, _ string) (*models.Project, error) {
	return s.result()
}

func (s *stubWorkflow) Refund(_ context.Context, _ uuid.UUID, _ string, _ *int, _ string) (*models.Project, error) {
	return s.result()
}

func (s *stubWorkflow) ReEstimate(_ context.Context, _ uuid.UUID, _ float64, _, _ string) (*models.Project, error) {
	return s.result()
}

func (s *stubWorkflow) AcceptEstimateDelta(_ context.Context, _ uuid.UUID) (*models.Project, error) {
	return s.result()
}

type stubHistory struct{}

func (stubHistory) ListFeedback(_ context.Context, _ uuid.UUID) ([]*models.FeedbackEntry, error) {
	return nil, nil
}

func (stubHistory) ListRevisions(_ context.Context, _ uuid.UUID) ([]*models.EstimateRevision, error) {
	return nil, nil
}

type stubLedger struct{}

func (stubLedger) EntriesForProject(_ context.Context, _ uuid.UUID) ([]*models.LedgerEntry, error) {
	return nil, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newHandler(wf *stubWorkflow) *ProjectHandler {
	return &ProjectHandler{
		Workflow: wf,
		History:  stubHistory{},
		Ledger:   stubLedger{},
		Logger:   slog.Default(),
	}
}

func asClient(acc *models.Account, r *http.Request) *http.Request {
	return r.WithContext(middleware.WithAccount(r.Context(), acc))
}

func ownedProject(clientID uuid.UUID) *models.Project {
	return &models.Project{
		ID:              uuid.New(),
		ClientAccountID: clientID,
		Status:          models.StatusWaitingForEstimateAccept,
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestCreateProject(t *testing.T) {
	client := &models.Account{ID: uuid.New(), Role: models.AccountRoleClient}
	wf := &stubWorkflow{project: ownedProject(client.ID)}
	h := newHandler(wf)

	body := `{"title":"audiobook","request_text":"narrate chapters 1-3"}`
	req := asClient(client, httptest.NewRequest(http.MethodPost, "/api/v1/projects", strings.NewReader(body)))
	rec := httptest.NewRecorder()
	h.CreateProject(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateProjectUnauthorized(t *testing.T) {
	h := newHandler(&stubWorkflow{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.CreateProject(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateProjectMissingFields(t *testing.T) {
	client := &models.Account{ID: uuid.New()}
	h := newHandler(&stubWorkflow{})

	req := asClient(client, httptest.NewRequest(http.MethodPost, "/api/v1/projects", strings.NewReader(`{"title":"x"}`)))
	rec := httptest.NewRecorder()
	h.CreateProject(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAcceptEstimateInsufficientCredits402(t *testing.T) {
	client := &models.Account{ID: uuid.New()}
	p := ownedProject(client.ID)
	wf := &stubWorkflow{
		getProject: p,
		err:        &services.InsufficientCreditsError{Required: 10050, Available: 5150},
	}
	h := newHandler(wf)

	req := asClient(client, httptest.NewRequest(http.MethodPost, "/api/v1/projects/"+p.ID.String()+"/accept-estimate", nil))
	rec := httptest.NewRecorder()
	h.AcceptEstimate(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Required  int `json:"required"`
		Available int `json:"available"`
		Shortfall int `json:"shortfall"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Required != 10050 || resp.Available != 5150 || resp.Shortfall != 4900 {
		t.Errorf("shortfall payload: got %+v", resp)
	}
}

func TestStaleTransition409(t *testing.T) {
	client := &models.Account{ID: uuid.New()}
	p := ownedProject(client.ID)
	wf := &stubWorkflow{
		getProject: p,
		err: &services.StateError{
			ProjectID: p.ID,
			Event:     models.EventApproveWork,
			Current:   models.StatusCompleted,
		},
	}
	h := newHandler(wf)

	req := asClient(client, httptest.NewRequest(http.MethodPost, "/api/v1/projects/"+p.ID.String()+"/approve", strings.NewReader(`{"rating":5}`)))
	rec := httptest.NewRecorder()
	h.ApproveWork(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		CurrentStatus string `json:"current_status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CurrentStatus != models.StatusCompleted {
		t.Errorf("current_status: got %q, want completed", resp.CurrentStatus)
	}
}

func TestGetProjectNotFound404(t *testing.T) {
	wf := &stubWorkflow{getErr: fmt.Errorf("project x: %w", services.ErrNotFound)}
	h := newHandler(wf)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	h.GetProject(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRequestEstimateOracleFailure502(t *testing.T) {
	client := &models.Account{ID: uuid.New()}
	p := ownedProject(client.ID)
	wf := &stubWorkflow{
		getProject: p,
		err:        fmt.Errorf("request estimate: %w", estimation.ErrEstimationFailed),
	}
	h := newHandler(wf)

	req := asClient(client, httptest.NewRequest(http.MethodPost, "/api/v1/projects/"+p.ID.String()+"/request-estimate", strings.NewReader(`{}`)))
	rec := httptest.NewRecorder()
	h.RequestEstimate(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNonOwnerForbidden(t *testing.T) {
	owner := uuid.New()
	stranger := &models.Account{ID: uuid.New()}
	p := ownedProject(owner)
	wf := &stubWorkflow{getProject: p}
	h := newHandler(wf)

	req := asClient(stranger, httptest.NewRequest(http.MethodPost, "/api/v1/projects/"+p.ID.String()+"/accept-estimate", nil))
	rec := httptest.NewRecorder()
	h.AcceptEstimate(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitWorkNotAssignedExpert403(t *testing.T) {
	expert := &models.Account{ID: uuid.New(), Role: models.AccountRoleExpert}
	wf := &stubWorkflow{err: services.ErrNotAssignedExpert}
	h := newHandler(wf)

	body := `{"work_item_ids":["` + uuid.New().String() + `"]}`
	req := asClient(expert, httptest.NewRequest(http.MethodPost, "/api/v1/projects/"+uuid.New().String()+"/submit", strings.NewReader(body)))
	rec := httptest.NewRecorder()
	h.SubmitWork(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteRetainedProject409(t *testing.T) {
	client := &models.Account{ID: uuid.New()}
	p := ownedProject(client.ID)
	wf := &stubWorkflow{getProject: p, err: services.ErrProjectRetained}
	h := newHandler(wf)

	req := asClient(client, httptest.NewRequest(http.MethodDelete, "/api/v1/projects/"+p.ID.String(), nil))
	rec := httptest.NewRecorder()
	h.DeleteProject(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestInvalidProjectID400(t *testing.T) {
	h := newHandler(&stubWorkflow{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	h.GetProject(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
