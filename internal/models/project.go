package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Project status enums. This is the single source of truth for the project
// lifecycle; Transitions below is the only place transition legality lives.
const (
	StatusDraft                    = "draft"
	StatusEstimating               = "estimating"
	StatusWaitingForEstimateAccept = "waiting_for_estimate_accept"
	StatusWaitingForAssignment     = "waiting_for_assignment"
	StatusAssigned                 = "assigned"
	StatusInReview                 = "in_review"
	StatusCompleted                = "completed"
	StatusRefunded                 = "refunded"
)

// Workflow events, one per transition.
const (
	EventRequestEstimate     = "request_estimate"
	EventEstimateReady       = "estimate_ready"
	EventEstimateFailed      = "estimate_failed"
	EventAcceptEstimate      = "accept_estimate"
	EventRejectEstimate      = "reject_estimate"
	EventAssign              = "assign"
	EventSubmitWork          = "submit_work"
	EventRequestChanges      = "request_changes"
	EventApproveWork         = "approve_work"
	EventRefund              = "refund"
	EventReEstimate          = "re_estimate"
	EventAcceptEstimateDelta = "accept_estimate_delta"
)

// Transitions is the from-status × event → to-status table. An absent pair is
// an illegal transition. Self-loops (re_estimate, accept_estimate_delta) keep
// the status but still go through the same optimistic guard.
var Transitions = map[string]map[string]string{
	StatusDraft: {
		EventRequestEstimate: StatusEstimating,
		EventRefund:          StatusRefunded,
	},
	StatusEstimating: {
		EventEstimateReady:  StatusWaitingForEstimateAccept,
		EventEstimateFailed: StatusDraft,
		EventRefund:         StatusRefunded,
	},
	StatusWaitingForEstimateAccept: {
		EventAcceptEstimate: StatusWaitingForAssignment,
		EventRejectEstimate: StatusDraft,
		EventRefund:         StatusRefunded,
	},
	StatusWaitingForAssignment: {
		EventAssign: StatusAssigned,
		EventRefund: StatusRefunded,
	},
	StatusAssigned: {
		EventSubmitWork:          StatusInReview,
		EventRefund:              StatusRefunded,
		EventReEstimate:          StatusAssigned,
		EventAcceptEstimateDelta: StatusAssigned,
	},
	StatusInReview: {
		EventRequestChanges:      StatusAssigned,
		EventApproveWork:         StatusCompleted,
		EventRefund:              StatusRefunded,
		EventReEstimate:          StatusInReview,
		EventAcceptEstimateDelta: StatusInReview,
	},
}

// NextStatus resolves the transitions table. ok is false for illegal pairs.
func NextStatus(from, event string) (to string, ok bool) {
	events, ok := Transitions[from]
	if !ok {
		return "", false
	}
	to, ok = events[event]
	return to, ok
}

// IsTerminal reports whether no event can leave the status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusRefunded
}

// IsDeletable reports whether a project in this status may be hard-deleted.
// Once any ledger entry references a project it is retained history.
func IsDeletable(status string) bool {
	return status == StatusDraft || status == StatusEstimating
}

// Project is the unit of work: a voice synthesis/cloning commission moving
// through the fulfillment workflow. Money amounts on the project itself are
// dollars; everything in the ledger is integer credits.
type Project struct {
	ID                  uuid.UUID       `json:"id"`
	ClientAccountID     uuid.UUID       `json:"client_account_id"`
	ExpertAccountID     *uuid.UUID      `json:"expert_account_id,omitempty"`
	Status              string          `json:"status"`
	Title               string          `json:"title"`
	RequestText         string          `json:"request_text"`
	EstimatedCost       *float64        `json:"estimated_cost,omitempty"`
	EstimatedHours      *int            `json:"estimated_hours,omitempty"`
	EstimatePayload     json.RawMessage `json:"estimate_payload,omitempty"`
	ActualCost          *float64        `json:"actual_cost,omitempty"`
	PendingDeltaCredits int             `json:"pending_delta_credits"`
	Instructions        string          `json:"instructions,omitempty"`
	WorkItemIDs         []uuid.UUID     `json:"work_item_ids,omitempty"`
	Deadline            *time.Time      `json:"deadline,omitempty"`
	AssignedAt          *time.Time      `json:"assigned_at,omitempty"`
	SubmittedAt         *time.Time      `json:"submitted_at,omitempty"`
	ReviewedAt          *time.Time      `json:"reviewed_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// FeedbackEntry is one append-only revision-history note (review feedback,
// refund reasons, admin notes). Prior entries are never overwritten.
type FeedbackEntry struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	AuthorID  uuid.UUID `json:"author_id"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Feedback kind enums.
const (
	FeedbackKindChangesRequested = "changes_requested"
	FeedbackKindApproval         = "approval"
	FeedbackKindRefund           = "refund"
	FeedbackKindSubmission       = "submission"
	FeedbackKindRejection        = "estimate_rejected"
	FeedbackKindAdminNote        = "admin_note"
)

// EstimateRevision is one append-only re-estimation record. DeltaCredits is
// computed at revision time but charged only by an explicit
// accept_estimate_delta transition.
type EstimateRevision struct {
	ID           uuid.UUID `json:"id"`
	ProjectID    uuid.UUID `json:"project_id"`
	OldCost      float64   `json:"old_cost"`
	NewCost      float64   `json:"new_cost"`
	DeltaCredits int       `json:"delta_credits"`
	Reason       string    `json:"reason"`
	AdminNotes   string    `json:"admin_notes,omitempty"`
	Charged      bool      `json:"charged"`
	CreatedAt    time.Time `json:"created_at"`
}
