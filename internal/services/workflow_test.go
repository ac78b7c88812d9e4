package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/souldevsoul/voicecraft-sub001/internal/estimation"
	"github.com/souldevsoul/voicecraft-sub001/internal/ledger"
	"github.com/souldevsoul/voicecraft-sub001/internal/models"
)

// ---------------------------------------------------------------------------
// noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called.
// ---------------------------------------------------------------------------

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type mockPool struct{}

func (mockPool) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

// ---------------------------------------------------------------------------
// In-memory project repo. UpdateGuardedTx reproduces the conditional-UPDATE
// semantics: the write only lands when the stored status still equals
// fromStatus.
// ---------------------------------------------------------------------------

type mockProjectRepo struct {
	mu        sync.Mutex
	projects  map[uuid.UUID]*models.Project
	feedback  []*models.FeedbackEntry
	revisions []*models.EstimateRevision

	// afterGet, when set, runs once after the next GetByID. Used to mutate
	// stored state between a caller's read and its guarded write.
	afterGet func()
}

func newMockProjectRepo() *mockProjectRepo {
	return &mockProjectRepo{projects: make(map[uuid.UUID]*models.Project)}
}

func (m *mockProjectRepo) Create(_ context.Context, p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *mockProjectRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Project, error) {
	m.mu.Lock()
	p, ok := m.projects[id]
	var cp models.Project
	if ok {
		cp = *p
	}
	hook := m.afterGet
	m.afterGet = nil
	m.mu.Unlock()

	if !ok {
		return nil, pgx.ErrNoRows
	}
	if hook != nil {
		hook()
	}
	return &cp, nil
}

func (m *mockProjectRepo) CurrentStatus(_ context.Context, id uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return "", pgx.ErrNoRows
	}
	return p.Status, nil
}

func (m *mockProjectRepo) UpdateGuardedTx(_ context.Context, _ pgx.Tx, p *models.Project, fromStatus string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.projects[p.ID]
	if !ok || stored.Status != fromStatus {
		return false, nil
	}
	cp := *p
	m.projects[p.ID] = &cp
	return true, nil
}

func (m *mockProjectRepo) DeleteTx(_ context.Context, _ pgx.Tx, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok || !models.IsDeletable(p.Status) {
		return false, nil
	}
	delete(m.projects, id)
	return true, nil
}

func (m *mockProjectRepo) AppendFeedbackTx(_ context.Context, _ pgx.Tx, f *models.FeedbackEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.feedback = append(m.feedback, &cp)
	return nil
}

func (m *mockProjectRepo) AppendRevisionTx(_ context.Context, _ pgx.Tx, rev *models.EstimateRevision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rev
	m.revisions = append(m.revisions, &cp)
	return nil
}

func (m *mockProjectRepo) MarkRevisionsChargedTx(_ context.Context, _ pgx.Tx, projectID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.revisions {
		if r.ProjectID == projectID {
			r.Charged = true
		}
	}
	return nil
}

func (m *mockProjectRepo) status(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.projects[id]; ok {
		return p.Status
	}
	return ""
}

func (m *mockProjectRepo) feedbackOfKind(kind string) []*models.FeedbackEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.FeedbackEntry
	for _, f := range m.feedback {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// In-memory expert repo.
// ---------------------------------------------------------------------------

type mockExpertRepo struct {
	mu      sync.Mutex
	experts map[uuid.UUID]*models.ExpertProfile
}

func newMockExpertRepo(experts ...*models.ExpertProfile) *mockExpertRepo {
	m := &mockExpertRepo{experts: make(map[uuid.UUID]*models.ExpertProfile)}
	for _, e := range experts {
		cp := *e
		m.experts[e.AccountID] = &cp
	}
	return m
}

func (m *mockExpertRepo) GetByAccountID(_ context.Context, accountID uuid.UUID) (*models.ExpertProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.experts[accountID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *e
	return &cp, nil
}

func (m *mockExpertRepo) GetByAccountIDForUpdate(ctx context.Context, _ pgx.Tx, accountID uuid.UUID) (*models.ExpertProfile, error) {
	return m.GetByAccountID(ctx, accountID)
}

func (m *mockExpertRepo) ApplyCompletionTx(_ context.Context, _ pgx.Tx, accountID uuid.UUID, ratingAvg float64, completedJobs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.experts[accountID]
	if !ok {
		return fmt.Errorf("expert %s not found", accountID)
	}
	e.RatingAvg = ratingAvg
	e.CompletedJobs = completedJobs
	return nil
}

func (m *mockExpertRepo) profile(accountID uuid.UUID) models.ExpertProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.experts[accountID]
}

// ---------------------------------------------------------------------------
// In-memory ledger. Record applies the same non-negative balance guard as the
// real repository, so the insufficient-credits path is exercised end to end
// through the real BalanceService.
// ---------------------------------------------------------------------------

type mockLedger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int
	entries  []*models.LedgerEntry
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[uuid.UUID]int)}
}

func (m *mockLedger) Record(_ context.Context, _ pgx.Tx, e *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.balances[e.AccountID] + e.Amount
	if next < 0 {
		return ledger.ErrInsufficientBalance
	}
	m.balances[e.AccountID] = next
	cp := *e
	cp.BalanceAfter = next
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *mockLedger) BalanceOfTx(_ context.Context, _ pgx.Tx, accountID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[accountID], nil
}

func (m *mockLedger) LatestReservation(_ context.Context, _ pgx.Tx, projectID uuid.UUID) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.Reason == models.ReasonProjectReservation && e.ProjectID != nil && *e.ProjectID == projectID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockLedger) CountForProject(_ context.Context, _ pgx.Tx, projectID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.ProjectID != nil && *e.ProjectID == projectID {
			n++
		}
	}
	return n, nil
}

func (m *mockLedger) balance(accountID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[accountID]
}

func (m *mockLedger) setBalance(accountID uuid.UUID, amount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[accountID] = amount
}

func (m *mockLedger) byReason(reason string) []*models.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.Reason == reason {
			out = append(out, e)
		}
	}
	return out
}

// sumFor returns the signed ledger sum for one account.
func (m *mockLedger) sumFor(accountID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := 0
	for _, e := range m.entries {
		if e.AccountID == accountID {
			sum += e.Amount
		}
	}
	return sum
}

// ---------------------------------------------------------------------------
// Estimator and notifier stubs.
// ---------------------------------------------------------------------------

type mockEstimator struct {
	estimate *estimation.Estimate
	err      error
	calls    int
}

func (m *mockEstimator) Estimate(context.Context, estimation.ProjectSummary) (*estimation.Estimate, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	cp := *m.estimate
	return &cp, nil
}

type mockNotifier struct {
	mu     sync.Mutex
	events []string
}

func (m *mockNotifier) EnqueueTx(_ context.Context, _ pgx.Tx, event string, _, _ uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// ---------------------------------------------------------------------------
// Test fixture
// ---------------------------------------------------------------------------

type workflowFixture struct {
	wf       *Workflow
	projects *mockProjectRepo
	experts  *mockExpertRepo
	ledger   *mockLedger
	est      *mockEstimator
	notes    *mockNotifier

	client uuid.UUID
	expert uuid.UUID
}

func newWorkflowFixture(clientBalance int) *workflowFixture {
	f := &workflowFixture{
		projects: newMockProjectRepo(),
		ledger:   newMockLedger(),
		est:      &mockEstimator{estimate: &estimation.Estimate{Cost: 100.50, DurationHours: 8}},
		notes:    &mockNotifier{},
		client:   uuid.New(),
		expert:   uuid.New(),
	}
	f.experts = newMockExpertRepo(&models.ExpertProfile{
		ID:        uuid.New(),
		AccountID: f.expert,
		Available: true,
	})
	f.ledger.setBalance(f.client, clientBalance)
	f.wf = NewWorkflow(mockPool{}, f.projects, f.experts, NewBalanceService(f.ledger), f.ledger, f.est, f.notes, nil)
	return f
}

// advanceTo drives a fresh project to waiting_for_assignment.
func (f *workflowFixture) advanceTo(t *testing.T, target string) *models.Project {
	t.Helper()
	ctx := context.Background()

	p, err := f.wf.CreateProject(ctx, f.client, "narration voice", "clone a narrator voice from 20 samples")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if target == models.StatusDraft {
		return p
	}

	p, err = f.wf.RequestEstimate(ctx, p.ID, "")
	if err != nil {
		t.Fatalf("RequestEstimate: %v", err)
	}
	if target == models.StatusWaitingForEstimateAccept {
		return p
	}

	p, err = f.wf.AcceptEstimate(ctx, p.ID)
	if err != nil {
		t.Fatalf("AcceptEstimate: %v", err)
	}
	if target == models.StatusWaitingForAssignment {
		return p
	}

	p, err = f.wf.Assign(ctx, p.ID, f.expert, "match the sample cadence", nil)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if target == models.StatusAssigned {
		return p
	}

	p, err = f.wf.SubmitWork(ctx, p.ID, f.expert, []uuid.UUID{uuid.New()}, "")
	if err != nil {
		t.Fatalf("SubmitWork: %v", err)
	}
	if target == models.StatusInReview {
		return p
	}

	t.Fatalf("advanceTo: unknown target %q", target)
	return nil
}

// ---------------------------------------------------------------------------
// 1. Happy path: draft → ... → completed, with payout and conservation.
// ---------------------------------------------------------------------------

func TestWorkflowHappyPath(t *testing.T) {
	const initialBalance = 20000
	f := newWorkflowFixture(initialBalance)
	ctx := context.Background()

	p := f.advanceTo(t, models.StatusInReview)

	// cost 100.50 dollars → 10050 credits reserved at accept.
	const credits = 10050
	if got := f.ledger.balance(f.client); got != initialBalance-credits {
		t.Errorf("client balance after accept: got %d, want %d", got, initialBalance-credits)
	}

	p, err := f.wf.ApproveWork(ctx, p.ID, 5, "great match")
	if err != nil {
		t.Fatalf("ApproveWork: %v", err)
	}

	if p.Status != models.StatusCompleted {
		t.Errorf("status: got %s, want %s", p.Status, models.StatusCompleted)
	}
	if p.ActualCost == nil || *p.ActualCost != 100.50 {
		t.Error("actual_cost should be set to the estimated cost")
	}
	if p.CompletedAt == nil || p.ReviewedAt == nil || p.SubmittedAt == nil || p.AssignedAt == nil {
		t.Error("lifecycle timestamps should all be stamped")
	}

	// Expert got paid exactly the reserved amount.
	if got := f.ledger.balance(f.expert); got != credits {
		t.Errorf("expert balance: got %d, want %d", got, credits)
	}
	payouts := f.ledger.byReason(models.ReasonProjectCompletion)
	if len(payouts) != 1 || payouts[0].Amount != credits {
		t.Fatalf("completion entries: got %d, want 1 of amount %d", len(payouts), credits)
	}
	if payouts[0].AccountID != f.expert {
		t.Error("completion entry should belong to the expert")
	}

	// Conservation: client debit equals expert credit; balances match ledger sums.
	if f.ledger.balance(f.client)+f.ledger.balance(f.expert) != initialBalance {
		t.Error("credit conservation violated across the project lifecycle")
	}
	if got := f.ledger.sumFor(f.client); got != -credits {
		t.Errorf("client ledger sum: got %d, want %d", got, -credits)
	}

	// Rating folded into the expert profile.
	prof := f.experts.profile(f.expert)
	if prof.CompletedJobs != 1 || prof.RatingAvg != 5 {
		t.Errorf("expert profile: got jobs=%d avg=%v, want jobs=1 avg=5", prof.CompletedJobs, prof.RatingAvg)
	}

	wantEvents := []string{"estimate_ready", "project_assigned", "work_submitted", "project_completed"}
	if len(f.notes.events) != len(wantEvents) {
		t.Fatalf("notifications: got %v, want %v", f.notes.events, wantEvents)
	}
	for i, e := range wantEvents {
		if f.notes.events[i] != e {
			t.Errorf("notification %d: got %s, want %s", i, f.notes.events[i], e)
		}
	}
}

// ---------------------------------------------------------------------------
// 2. Estimation failure reverts to draft, no ledger effect.
// ---------------------------------------------------------------------------

func TestRequestEstimateFailureRevertsToDraft(t *testing.T) {
	f := newWorkflowFixture(20000)
	f.est.err = fmt.Errorf("%w: oracle returned status 503", estimation.ErrEstimationFailed)
	ctx := context.Background()

	p, err := f.wf.CreateProject(ctx, f.client, "ad spot", "30s commercial read")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	_, err = f.wf.RequestEstimate(ctx, p.ID, "")
	if !errors.Is(err, estimation.ErrEstimationFailed) {
		t.Fatalf("expected ErrEstimationFailed, got: %v", err)
	}

	if got := f.projects.status(p.ID); got != models.StatusDraft {
		t.Errorf("status after failed estimation: got %s, want draft", got)
	}
	if n := len(f.ledger.byReason(models.ReasonProjectReservation)); n != 0 {
		t.Errorf("expected no ledger entries, got %d reservations", n)
	}

	// The project can retry once the oracle recovers.
	f.est.err = nil
	if _, err := f.wf.RequestEstimate(ctx, p.ID, ""); err != nil {
		t.Fatalf("retry after oracle recovery: %v", err)
	}
	if got := f.projects.status(p.ID); got != models.StatusWaitingForEstimateAccept {
		t.Errorf("status after retry: got %s", got)
	}
}

// ---------------------------------------------------------------------------
// 3. Insufficient credits: exact shortfall, no state change, no entries.
// ---------------------------------------------------------------------------

func TestAcceptEstimateInsufficientCredits(t *testing.T) {
	// Required 10050, available 5150 → short 4900.
	f := newWorkflowFixture(5150)
	ctx := context.Background()

	p := f.advanceTo(t, models.StatusWaitingForEstimateAccept)

	_, err := f.wf.AcceptEstimate(ctx, p.ID)
	var ice *InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("expected InsufficientCreditsError, got: %v", err)
	}
	if ice.Required != 10050 || ice.Available != 5150 || ice.Shortfall() != 4900 {
		t.Errorf("shortfall detail: got required=%d available=%d short=%d", ice.Required, ice.Available, ice.Shortfall())
	}
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Error("error should unwrap to ErrInsufficientCredits")
	}

	if got := f.projects.status(p.ID); got != models.StatusWaitingForEstimateAccept {
		t.Errorf("status should be unchanged, got %s", got)
	}
	if got := f.ledger.balance(f.client); got != 5150 {
		t.Errorf("balance should be untouched: got %d", got)
	}
	if n := len(f.ledger.byReason(models.ReasonProjectReservation)); n != 0 {
		t.Errorf("no reservation entry should exist, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// 4. Reject estimate returns to draft; repeating it reports the actual state.
// ---------------------------------------------------------------------------

func TestRejectEstimate(t *testing.T) {
	f := newWorkflowFixture(20000)
	ctx := context.Background()

	p := f.advanceTo(t, models.StatusWaitingForEstimateAccept)

	p2, err := f.wf.RejectEstimate(ctx, p.ID, f.client, "too expensive")
	if err != nil {
		t.Fatalf("RejectEstimate: %v", err)
	}
	if p2.Status != models.StatusDraft {
		t.Errorf("status: got %s, want draft", p2.Status)
	}
	// Estimate figures survive rejection for reference.
	if p2.EstimatedCost == nil {
		t.Error("estimated cost should be retained after rejection")
	}
	if n := len(f.projects.feedbackOfKind(models.FeedbackKindRejection)); n != 1 {
		t.Errorf("rejection feedback entries: got %d, want 1", n)
	}

	// Second reject: the transition is illegal from draft, and the error
	// reports the project's actual current status.
	_, err = f.wf.RejectEstimate(ctx, p.ID, f.client, "still too expensive")
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError, got: %v", err)
	}
	if se.Current != models.StatusDraft {
		t.Errorf("StateError.Current: got %s, want draft", se.Current)
	}
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Error("error should unwrap to ErrInvalidStateTransition")
	}
}

// ---------------------------------------------------------------------------
// 5. Concurrency: a caller holding a stale view loses the guarded update and
//    learns the actual current status. Two racing accepts reserve once.
// ---------------------------------------------------------------------------

func TestAcceptEstimateGuardLosesRace(t *testing.T) {
	f := newWorkflowFixture(50000)
	ctx := context.Background()

	p := f.advanceTo(t, models.StatusWaitingForEstimateAccept)

	// Between this caller's read and its guarded write, another request
	// accepts the estimate.
	f.projects.afterGet = func() {
		if _, err := f.wf.AcceptEstimate(ctx, p.ID); err != nil {
			t.Errorf("interleaved accept: %v", err)
		}
	}

	_, err := f.wf.AcceptEstimate(ctx, p.ID)
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError for the losing caller, got: %v", err)
	}
	if se.Current != models.StatusWaitingForAssignment {
		t.Errorf("StateError.Current: got %s, want waiting_for_assignment", se.Current)
	}

	// Exactly one reservation despite two accepts.
	if n := len(f.ledger.byReason(models.ReasonProjectReservation)); n != 1 {
		t.Errorf("reservation entries: got %d, want 1", n)
	}
	if got := f.ledger.balance(f.client); got != 50000-10050 {
		t.Errorf("client balance: got %d, want %d", got, 50000-10050)
	}
}

func TestConcurrentAcceptEstimate(t *testing.T) {
	f := newWorkflowFixture(50000)
	ctx := context.Background()

	p := f.advanceTo(t, models.StatusWaitingForEstimateAccept)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.wf.AcceptEstimate(ctx, p.ID)
		}(i)
	}
	wg.Wait()

	okCount := 0
	for _, err := range errs {
		if err == nil {
			okCount++
		} else if !errors.Is(err, ErrInvalidStateTransition) {
			t.Errorf("loser should see a state error, got: %v", err)
		}
	}
	if okCount != 1 {
		t.Errorf("exactly one accept should win, got %d", okCount)
	}
	if n := len(f.ledger.byReason(models.ReasonProjectReservation)); n != 1 {
		t.Errorf("reservation entries: got %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// 6. Refund round trip: client ends where they started.
// ---------------------------------------------------------------------------

func TestRefundAfterAssignment(t *testing.T) {
	const initialBalance = 20000
	f := newWorkflowFixture(initialBalance)
	ctx := context.Background()

	p := f.advanceTo(t, models.StatusAssigned)

	p, err := f.wf.Refund(ctx, p.ID, "expert missed the deadline", nil, "approved by support")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if p.Status != models.StatusRefunded {
		t.Errorf("status: got %s, want refunded", p.Status)
	}

	// Default amount is the reservation, so the client is whole again.
	if got := f.ledger.balance(f.client); got != initialBalance {
		t.Errorf("client balance after refund: got %d, want %d", got, initialBalance)
	}
	refunds := f.ledger.byReason(models.ReasonProjectRefund)
	if len(refunds) != 1 || refunds[0].Amount != 10050 {
		t.Fatalf("refund entries: got %d, want 1 of 10050", len(refunds))
	}
	// Expert never got paid.
	if got := f.ledger.balance(f.expert); got != 0 {
		t.Errorf("expert balance: got %d, want 0", got)
	}
	if n := len(f.projects.feedbackOfKind(models.FeedbackKindRefund)); n != 1 {
		t.Errorf("refund feedback entries: got %d, want 1", n)
	}

	// Refunded is terminal.
	_, err = f.wf.Refund(ctx, p.ID, "again", nil, "")
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("second refund should be an invalid transition, got: %v", err)
	}
}

func TestRefundFromDraftWithoutMoney(t *testing.T) {
	f := newWorkflowFixture(20000)
	ctx := context.Background()

	p, err := f.wf.CreateProject(ctx, f.client, "jingle", "10s jingle voice")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	// No reservation and no estimate: the computed amount is 0 and the
	// transition must not land.
	_, err = f.wf.Refund(ctx, p.ID, "changed my mind", nil, "")
	if !errors.Is(err, ErrInvalidRefundAmount) {
		t.Fatalf("expected ErrInvalidRefundAmount, got: %v", err)
	}
	if got := f.projects.status(p.ID); got != models.StatusDraft {
		t.Errorf("status should be unchanged: got %s", got)
	}
	if got := f.ledger.balance(f.client); got != 20000 {
		t.Errorf("balance should be unchanged: got %d", got)
	}
}

func TestRefundFallsBackToEstimate(t *testing.T) {
	f := newWorkflowFixture(0)
	ctx := context.Background()

	// An assigned project with an estimate but no reservation on record:
	// the refund amount falls back to ceil(estimatedCost*100).
	cost := 20.00
	p := &models.Project{
		ID:              uuid.New(),
		ClientAccountID: f.client,
		ExpertAccountID: &f.expert,
		Status:          models.StatusAssigned,
		Title:           "comped commission",
		EstimatedCost:   &cost,
	}
	if err := f.projects.Create(ctx, p); err != nil {
		t.Fatalf("seed project: %v", err)
	}

	p, err := f.wf.Refund(ctx, p.ID, "cancelled before kickoff", nil, "")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if p.Status != models.StatusRefunded {
		t.Errorf("status: got %s, want refunded", p.Status)
	}
	if got := f.ledger.balance(f.client); got != 2000 {
		t.Errorf("client balance: got %d, want 2000", got)
	}
	refunds := f.ledger.byReason(models.ReasonProjectRefund)
	if len(refunds) != 1 || refunds[0].Amount != 2000 {
		t.Fatalf("refund entries: got %d, want 1 of 2000", len(refunds))
	}
}

func TestRefundExplicitAmount(t *testing.T) {
	f := newWorkflowFixture(20000)
	ctx := context.Background()

	p := f.advanceTo(t, models.StatusInReview)

	partial := 5000
	if _, err := f.wf.Refund(ctx, p.ID, "partial delivery accepted", &partial, ""); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if got := f.ledger.balance(f.client); got != 20000-10050+5000 {
		t.Errorf("client balance: got %d, want %d", got, 20000-10050+5000)
	}
}

// ---------------------------------------------------------------------------
// 7. Review loop: request changes appends feedback and returns to assigned.
// ---------------------------------------------------------------------------

func TestRequestChangesLoop(t *testing.T) {
	f := newWorkflowFixture(20000)
	ctx := context.Background()

	p := f.advanceTo(t, models.StatusInReview)

	p, err := f.wf.RequestChanges(ctx, p.ID, "pacing is off in the second half")
	if err != nil {
		t.Fatalf("RequestChanges: %v", err)
	}
	if p.Status != models.StatusAssigned {
		t.Errorf("status: got %s, want assigned", p.Status)
	}

	// Resubmission with notes; feedback history grows, never overwrites.
	if _, err := f.wf.SubmitWork(ctx, p.ID, f.expert, []uuid.UUID{uuid.New()}, "re-timed per feedback"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if _, err := f.wf.RequestChanges(ctx, p.ID, "closer, tighten the intro"); err != nil {
		t.Fatalf("second RequestChanges: %v", err)
	}
	if n := len(f.projects.feedbackOfKind(models.FeedbackKindChangesRequested)); n != 2 {
		t.Errorf("changes_requested entries: got %d, want 2", n)
	}
	if n := len(f.projects.feedbackOfKind(models.FeedbackKindSubmission)); n != 1 {
		t.Errorf("submission entries: got %d, want 1", n)
	}

	// Empty feedback is rejected outright.
	if _, err := f.wf.RequestChanges(ctx, p.ID, ""); err == nil {
		t.Error("empty feedback should be rejected")
	}
}

// ---------------------------------------------------------------------------
// 8. No double payout.
// ---------------------------------------------------------------------------

func TestApproveWorkOnlyOnce(t *testing.T) {
	f := newWorkflowFixture(20000)
	ctx := context.Background()

	p := f.advanceTo(t, models.StatusInReview)

	if _, err := f.wf.ApproveWork(ctx, p.ID, 4, ""); err != nil {
		t.Fatalf("ApproveWork: %v", err)
	}
	_, err := f.wf.ApproveWork(ctx, p.ID, 4, "")
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("second approve should fail with StateError, got: %v", err)
	}
	if se.Current != models.StatusCompleted {
		t.Errorf("StateError.Current: got %s, want completed", se.Current)
	}
	if n := len(f.ledger.byReason(models.ReasonProjectCompletion)); n != 1 {
		t.Errorf("completion entries: got %d, want 1", n)
	}
}

func TestApproveWorkValidation(t *testing.T) {
	f := newWorkflowFixture(20000)
	ctx := context.Background()

	p := f.advanceTo(t, models.StatusInReview)

	if _, err := f.wf.ApproveWork(ctx, p.ID, 0, ""); !errors.Is(err, ErrInvalidRating) {
		t.Errorf("rating 0: expected ErrInvalidRating, got %v", err)
	}
	if _, err := f.wf.ApproveWork(ctx, p.ID, 6, ""); !errors.Is(err, ErrInvalidRating) {
		t.Errorf("rating 6: expected ErrInvalidRating, got %v", err)
	}
	if got := f.projects.status(p.ID); got != models.StatusInReview {
		t.Errorf("status should be unchanged after rejected ratings: got %s", got)
	}
}

// ---------------------------------------------------------------------------
// 9. Re-estimation: delta recorded, charged only on explicit acceptance.
// ---------------------------------------------------------------------------

func TestReEstimateAndAcceptDelta(t *testing.T) {
	const initialBalance = 50000
	f := newWorkflowFixture(initialBalance)
	ctx := context.Background()

	p := f.advanceTo(t, models.StatusAssigned)
	balanceAfterAccept := f.ledger.balance(f.client)

	// 100.50 → 150.50: delta of 5000 credits, pending until accepted.
	p, err := f.wf.ReEstimate(ctx, p.ID, 150.50, "source material doubled", "")
	if err != nil {
		t.Fatalf("ReEstimate: %v", err)
	}
	if p.PendingDeltaCredits != 5000 {
		t.Errorf("pending delta: got %d, want 5000", p.PendingDeltaCredits)
	}
	if got := f.ledger.balance(f.client); got != balanceAfterAccept {
		t.Error("re-estimation must not move money before the delta is accepted")
	}

	p, err = f.wf.AcceptEstimateDelta(ctx, p.ID)
	if err != nil {
		t.Fatalf("AcceptEstimateDelta: %v", err)
	}
	if p.PendingDeltaCredits != 0 {
		t.Errorf("pending delta after accept: got %d, want 0", p.PendingDeltaCredits)
	}
	if got := f.ledger.balance(f.client); got != balanceAfterAccept-5000 {
		t.Errorf("client balance: got %d, want %d", got, balanceAfterAccept-5000)
	}
	for _, r := range f.projects.revisions {
		if !r.Charged {
			t.Error("revision should be marked charged")
		}
	}

	// Accepting again with nothing pending.
	if _, err := f.wf.AcceptEstimateDelta(ctx, p.ID); !errors.Is(err, ErrNoPendingDelta) {
		t.Errorf("expected ErrNoPendingDelta, got: %v", err)
	}
}

func TestReEstimateDownwardRefundsDelta(t *testing.T) {
	f := newWorkflowFixture(50000)
	ctx := context.Background()

	p := f.advanceTo(t, models.StatusAssigned)
	balanceAfterAccept := f.ledger.balance(f.client)

	// 100.50 → 80.50: 2000 credits back to the client on acceptance.
	if _, err := f.wf.ReEstimate(ctx, p.ID, 80.50, "scope reduced", ""); err != nil {
		t.Fatalf("ReEstimate: %v", err)
	}
	if _, err := f.wf.AcceptEstimateDelta(ctx, p.ID); err != nil {
		t.Fatalf("AcceptEstimateDelta: %v", err)
	}
	if got := f.ledger.balance(f.client); got != balanceAfterAccept+2000 {
		t.Errorf("client balance: got %d, want %d", got, balanceAfterAccept+2000)
	}
}

// ---------------------------------------------------------------------------
// 10. Assignment preconditions.
// ---------------------------------------------------------------------------

func TestAssignPreconditions(t *testing.T) {
	f := newWorkflowFixture(20000)
	ctx := context.Background()

	p := f.advanceTo(t, models.StatusWaitingForAssignment)

	// Unknown expert.
	if _, err := f.wf.Assign(ctx, p.ID, uuid.New(), "", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown expert: expected ErrNotFound, got %v", err)
	}

	// Unavailable expert.
	busy := uuid.New()
	f.experts.experts[busy] = &models.ExpertProfile{ID: uuid.New(), AccountID: busy, Available: false}
	if _, err := f.wf.Assign(ctx, p.ID, busy, "", nil); !errors.Is(err, ErrExpertUnavailable) {
		t.Errorf("busy expert: expected ErrExpertUnavailable, got %v", err)
	}

	if got := f.projects.status(p.ID); got != models.StatusWaitingForAssignment {
		t.Errorf("status should be unchanged: got %s", got)
	}
}

func TestSubmitWorkWrongExpert(t *testing.T) {
	f := newWorkflowFixture(20000)
	ctx := context.Background()

	p := f.advanceTo(t, models.StatusAssigned)

	if _, err := f.wf.SubmitWork(ctx, p.ID, uuid.New(), nil, ""); !errors.Is(err, ErrNotAssignedExpert) {
		t.Errorf("expected ErrNotAssignedExpert, got %v", err)
	}
	if got := f.projects.status(p.ID); got != models.StatusAssigned {
		t.Errorf("status should be unchanged: got %s", got)
	}
}

// ---------------------------------------------------------------------------
// 11. Deletion: only pre-financial projects go away.
// ---------------------------------------------------------------------------

func TestDeleteProject(t *testing.T) {
	f := newWorkflowFixture(20000)
	ctx := context.Background()

	p, err := f.wf.CreateProject(ctx, f.client, "scratch", "scratch draft")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := f.wf.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProject(draft): %v", err)
	}
	if _, err := f.wf.GetProject(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted project should be gone, got: %v", err)
	}

	// A project with ledger history is retained forever.
	p2 := f.advanceTo(t, models.StatusWaitingForAssignment)
	if err := f.wf.DeleteProject(ctx, p2.ID); !errors.Is(err, ErrProjectRetained) {
		t.Errorf("expected ErrProjectRetained, got: %v", err)
	}
	if got := f.projects.status(p2.ID); got != models.StatusWaitingForAssignment {
		t.Errorf("retained project should be unchanged: got %s", got)
	}
}

// ---------------------------------------------------------------------------
// 12. AcceptEstimate without an estimate.
// ---------------------------------------------------------------------------

func TestAcceptEstimateWithoutEstimate(t *testing.T) {
	f := newWorkflowFixture(20000)
	ctx := context.Background()

	p, err := f.wf.CreateProject(ctx, f.client, "no estimate yet", "raw draft")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := f.wf.AcceptEstimate(ctx, p.ID); !errors.Is(err, ErrNoEstimate) {
		t.Errorf("expected ErrNoEstimate, got %v", err)
	}
}
