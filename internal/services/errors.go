package services

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Business-rule sentinels. All are surfaced to the caller as typed results,
// never swallowed; handlers map them to 4xx-family responses.
var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrInvalidRefundAmount    = errors.New("invalid refund amount")
	ErrInvalidRating          = errors.New("rating must be between 1 and 5")
	ErrExpertUnavailable      = errors.New("expert is not available")
	ErrNotAssignedExpert      = errors.New("caller is not the assigned expert")
	ErrNoExpertAssigned       = errors.New("project has no assigned expert")
	ErrNoEstimate             = errors.New("project has no estimate")
	ErrNoPendingDelta         = errors.New("project has no pending estimate delta")
	ErrProjectRetained        = errors.New("project has ledger history and cannot be deleted")
	ErrNotFound               = errors.New("not found")
)

// StateError reports a transition whose status precondition failed, carrying
// the actual current status so a caller holding a stale view can reconcile.
type StateError struct {
	ProjectID uuid.UUID
	Event     string
	Current   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s: project %s is %s", e.Event, e.ProjectID, e.Current)
}

func (e *StateError) Unwrap() error { return ErrInvalidStateTransition }

// InsufficientCreditsError carries the exact shortfall so the caller can
// prompt a top-up.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d (short %d)",
		e.Required, e.Available, e.Shortfall())
}

func (e *InsufficientCreditsError) Shortfall() int { return e.Required - e.Available }

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }
