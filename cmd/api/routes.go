package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/souldevsoul/voicecraft-sub001/internal/handlers"
	"github.com/souldevsoul/voicecraft-sub001/internal/ledger"
	"github.com/souldevsoul/voicecraft-sub001/internal/middleware"
	"github.com/souldevsoul/voicecraft-sub001/internal/repository"
	"github.com/souldevsoul/voicecraft-sub001/internal/services"
)

// RegisterProjectRoutes adds the API-key authenticated project endpoints to
// the given mux. Middleware chain: APIKeyAuth -> (SpendLimit on the two
// charging endpoints) -> handler.
func RegisterProjectRoutes(
	mux *http.ServeMux,
	pool *pgxpool.Pool,
	workflow *services.Workflow,
	projectRepo *repository.ProjectRepo,
	apiKeyRepo *repository.APIKeyRepo,
	expertRepo *repository.ExpertRepo,
	ledgerSvc ledger.Service,
	logger *slog.Logger,
) {
	ph := &handlers.ProjectHandler{
		Workflow: workflow,
		History:  projectRepo,
		Ledger:   ledgerSvc,
		Logger:   logger,
	}

	auth := middleware.APIKeyAuth(apiKeyRepo, expertRepo)
	spendLimit := middleware.SpendLimit(projectRepo, pool)

	mux.Handle("POST /api/v1/projects", auth(http.HandlerFunc(ph.CreateProject)))
	mux.Handle("GET /api/v1/projects/{id}", auth(http.HandlerFunc(ph.GetProject)))
	mux.Handle("DELETE /api/v1/projects/{id}", auth(http.HandlerFunc(ph.DeleteProject)))

	mux.Handle("POST /api/v1/projects/{id}/request-estimate", auth(http.HandlerFunc(ph.RequestEstimate)))
	mux.Handle("POST /api/v1/projects/{id}/accept-estimate", auth(spendLimit(http.HandlerFunc(ph.AcceptEstimate))))
	mux.Handle("POST /api/v1/projects/{id}/reject-estimate", auth(http.HandlerFunc(ph.RejectEstimate)))

	mux.Handle("POST /api/v1/projects/{id}/assign", auth(http.HandlerFunc(ph.Assign)))
	mux.Handle("POST /api/v1/projects/{id}/submit", auth(http.HandlerFunc(ph.SubmitWork)))
	mux.Handle("POST /api/v1/projects/{id}/request-changes", auth(http.HandlerFunc(ph.RequestChanges)))
	mux.Handle("POST /api/v1/projects/{id}/approve", auth(http.HandlerFunc(ph.ApproveWork)))
	mux.Handle("POST /api/v1/projects/{id}/refund", auth(http.HandlerFunc(ph.Refund)))

	mux.Handle("POST /api/v1/projects/{id}/re-estimate", auth(http.HandlerFunc(ph.ReEstimate)))
	mux.Handle("POST /api/v1/projects/{id}/accept-estimate-delta", auth(spendLimit(http.HandlerFunc(ph.AcceptEstimateDelta))))

	mux.Handle("GET /api/v1/projects/{id}/feedback", auth(http.HandlerFunc(ph.ListFeedback)))
	mux.Handle("GET /api/v1/projects/{id}/revisions", auth(http.HandlerFunc(ph.ListRevisions)))
	mux.Handle("GET /api/v1/projects/{id}/ledger", auth(http.HandlerFunc(ph.ListLedgerEntries)))
}
