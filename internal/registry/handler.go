package registry

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/souldevsoul/voicecraft-sub001/internal/middleware"
	"github.com/souldevsoul/voicecraft-sub001/internal/models"
)

type CreateExpertRequest struct {
	DisplayName string   `json:"display_name"`
	Specialties []string `json:"specialties"`
}

type SetAvailabilityRequest struct {
	Available bool `json:"available"`
}

type ExpertResponse struct {
	ID            string   `json:"id"`
	AccountID     string   `json:"account_id"`
	DisplayName   string   `json:"display_name"`
	Specialties   []string `json:"specialties"`
	RatingAvg     float64  `json:"rating_avg"`
	CompletedJobs int      `json:"completed_jobs"`
	Available     bool     `json:"available"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) CreateExpert(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if acc.Role != models.AccountRoleExpert {
		http.Error(w, "only expert accounts can register a profile", http.StatusForbidden)
		return
	}
	var req CreateExpertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.DisplayName == "" {
		http.Error(w, "display_name is required", http.StatusBadRequest)
		return
	}
	prof, err := h.svc.CreateExpert(r.Context(), acc.ID, req.DisplayName, req.Specialties)
	if err != nil {
		if errors.Is(err, ErrProfileExists) {
			http.Error(w, "expert profile already exists", http.StatusConflict)
			return
		}
		h.log.Error("create expert failed", "error", err)
		http.Error(w, "create expert failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(expertToResponse(prof))
}

func (h *Handler) ListExperts(w http.ResponseWriter, r *http.Request) {
	availableOnly := r.URL.Query().Get("available") == "true"
	list, err := h.svc.ListExperts(r.Context(), availableOnly)
	if err != nil {
		h.log.Error("list experts failed", "error", err)
		http.Error(w, "list experts failed", http.StatusInternalServerError)
		return
	}
	resp := make([]ExpertResponse, 0, len(list))
	for _, e := range list {
		resp = append(resp, expertToResponse(e))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) SetAvailability(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req SetAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.svc.SetAvailability(r.Context(), acc.ID, req.Available); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, "expert profile not found", http.StatusNotFound)
			return
		}
		h.log.Error("set availability failed", "error", err)
		http.Error(w, "set availability failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func expertToResponse(e *models.ExpertProfile) ExpertResponse {
	return ExpertResponse{
		ID:            e.ID.String(),
		AccountID:     e.AccountID.String(),
		DisplayName:   e.DisplayName,
		Specialties:   e.Specialties,
		RatingAvg:     e.RatingAvg,
		CompletedJobs: e.CompletedJobs,
		Available:     e.Available,
	}
}
