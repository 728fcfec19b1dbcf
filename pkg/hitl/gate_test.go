package hitl_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gateflow/gateflow/pkg/escalation"
	"github.com/gateflow/gateflow/pkg/hitl"
	"github.com/gateflow/gateflow/pkg/ledger"
	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence/memory"
	"github.com/gateflow/gateflow/pkg/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingResolver struct {
	mu          sync.Mutex
	tickets     []*models.ReviewTicket
	reassigning []*models.ReviewTicket
}

func (r *recordingResolver) TicketResolved(_ context.Context, ticket *models.ReviewTicket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tickets = append(r.tickets, ticket)

	return nil
}

func (r *recordingResolver) TicketReassigned(_ context.Context, ticket *models.ReviewTicket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reassigning = append(r.reassigning, ticket)

	return nil
}

func (r *recordingResolver) resolved() []*models.ReviewTicket {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.ReviewTicket, len(r.tickets))
	copy(out, r.tickets)

	return out
}

func (r *recordingResolver) reassigned() []*models.ReviewTicket {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.ReviewTicket, len(r.reassigning))
	copy(out, r.reassigning)

	return out
}

type testHarness struct {
	gate     *hitl.Gate
	store    *memory.Persistence
	ledger   *ledger.Ledger
	resolver *recordingResolver
}

func newTestHarness(t *testing.T, config escalation.Config) *testHarness {
	t.Helper()

	store := memory.NewPersistence()
	auditLedger := ledger.New(store.Ledger(), slog.Default())
	scorer := scoring.NewScorer(scoring.NewMemoryStore(), 100, slog.Default())
	controller := escalation.NewController(config, scorer, store.Tickets(), store.Escalations(), auditLedger, nil, slog.Default())

	gate := hitl.NewGate(store.Tickets(), auditLedger, scorer, controller, nil, nil, slog.Default())

	resolver := &recordingResolver{}
	gate.SetResolver(resolver)

	return &testHarness{gate: gate, store: store, ledger: auditLedger, resolver: resolver}
}

func humanStep(quorum, slaSeconds int) models.StepDefinition {
	return models.StepDefinition{
		ID:   "review",
		Kind: models.StepKindHuman,
		Human: &models.HumanSpec{
			RequiredRole: "reviewer",
			Quorum:       quorum,
			SLASeconds:   int64(slaSeconds),
		},
	}
}

func testInstance() *models.WorkflowInstance {
	return &models.WorkflowInstance{ID: "instance-1", DefinitionID: "wf-1", Status: models.InstanceStatusRunning}
}

func decide(actor string, verdict models.Verdict) models.Decision {
	return models.Decision{ActorID: actor, Verdict: verdict}
}

func TestCreateTicketSetsDeadlineFromSLA(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, escalation.Config{})

	before := time.Now().UTC()

	ticket, err := h.gate.CreateTicket(ctx, testInstance(), humanStep(2, 3600))
	require.NoError(t, err)

	assert.Equal(t, models.TicketStatusWaiting, ticket.Status)
	assert.Equal(t, "reviewer", ticket.RequiredRole)
	assert.Equal(t, 2, ticket.Quorum)
	assert.WithinDuration(t, before.Add(time.Hour), ticket.Deadline, 5*time.Second)

	trail, err := h.ledger.Replay(ctx, "instance-1", 0)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, models.AuditTicketCreated, trail[0].Type)
}

func TestQuorumTwoOfThreeApprovesOnSecondVote(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, escalation.Config{})

	ticket, err := h.gate.CreateTicket(ctx, testInstance(), humanStep(2, 3600))
	require.NoError(t, err)

	_, err = h.gate.SubmitDecision(ctx, ticket.ID, "reviewer", decide("alice", models.VerdictApprove))
	require.NoError(t, err)
	assert.Empty(t, h.resolver.resolved())

	updated, err := h.gate.SubmitDecision(ctx, ticket.ID, "reviewer", decide("bob", models.VerdictApprove))
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusApproved, updated.Status)

	resolved := h.resolver.resolved()
	require.Len(t, resolved, 1)
	assert.Equal(t, models.TicketStatusApproved, resolved[0].Status)

	// The third reviewer is too late.
	_, err = h.gate.SubmitDecision(ctx, ticket.ID, "reviewer", decide("carol", models.VerdictApprove))
	assert.ErrorIs(t, err, hitl.ErrTicketResolved)
}

func TestRepeatVoteReplacesInsteadOfCounting(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, escalation.Config{})

	ticket, err := h.gate.CreateTicket(ctx, testInstance(), humanStep(2, 3600))
	require.NoError(t, err)

	_, err = h.gate.SubmitDecision(ctx, ticket.ID, "reviewer", decide("alice", models.VerdictReject))
	require.NoError(t, err)

	// Alice changes her mind; her single vote cannot meet a quorum of two.
	updated, err := h.gate.SubmitDecision(ctx, ticket.ID, "reviewer", decide("alice", models.VerdictApprove))
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusWaiting, updated.Status)

	approvals, rejections := updated.Tally()
	assert.Equal(t, 1, approvals)
	assert.Equal(t, 0, rejections)

	// Both votes stay on the record.
	assert.Len(t, updated.Decisions, 2)
}

func TestRejectionQuorumRejectsTicket(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, escalation.Config{})

	ticket, err := h.gate.CreateTicket(ctx, testInstance(), humanStep(1, 3600))
	require.NoError(t, err)

	updated, err := h.gate.SubmitDecision(ctx, ticket.ID, "reviewer", decide("alice", models.VerdictReject))
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusRejected, updated.Status)
}

func TestTweakCountsAsApprovalAndPatchesResult(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, escalation.Config{})

	ticket, err := h.gate.CreateTicket(ctx, testInstance(), humanStep(1, 3600))
	require.NoError(t, err)

	decision := decide("alice", models.VerdictTweak)
	decision.PayloadPatch = map[string]any{"amount": 950}

	updated, err := h.gate.SubmitDecision(ctx, ticket.ID, "reviewer", decision)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusApproved, updated.Status)

	merged := hitl.MergedResult(updated, map[string]any{"amount": 1000, "currency": "EUR"})
	assert.Equal(t, 950, merged["amount"])
	assert.Equal(t, "EUR", merged["currency"])
}

func TestSubmitDecisionRejectsWrongRole(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, escalation.Config{})

	ticket, err := h.gate.CreateTicket(ctx, testInstance(), humanStep(1, 3600))
	require.NoError(t, err)

	_, err = h.gate.SubmitDecision(ctx, ticket.ID, "intern", decide("alice", models.VerdictApprove))
	assert.ErrorIs(t, err, hitl.ErrRoleMismatch)
}

func TestSweepTimeoutsReassignsToBackup(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, escalation.Config{
		Backups: map[string][]string{"reviewer": {"bob"}},
	})

	ticket, err := h.gate.CreateTicket(ctx, testInstance(), humanStep(1, 1))
	require.NoError(t, err)

	require.NoError(t, h.gate.SweepTimeouts(ctx, time.Now().Add(time.Minute)))

	timedOut, err := h.store.Tickets().GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusTimedOut, timedOut.Status)
	assert.Equal(t, string(models.EscalationReasonSLABreach), timedOut.Reason)

	// A replacement ticket exists, assigned to the backup, with a fresh
	// deadline of the original SLA length. The step is still waiting, so the
	// scheduler is not called back.
	waiting, err := h.store.Tickets().ListWaiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "bob", waiting[0].AssignedActor)
	assert.Equal(t, ticket.StepID, waiting[0].StepID)
	assert.WithinDuration(t, time.Now().Add(time.Minute+time.Second), waiting[0].Deadline, 5*time.Second)

	assert.Empty(t, h.resolver.resolved())

	// The scheduler does hear about the new assignee.
	reassigned := h.resolver.reassigned()
	require.Len(t, reassigned, 1)
	assert.Equal(t, waiting[0].ID, reassigned[0].ID)
	assert.Equal(t, "bob", reassigned[0].AssignedActor)
}

func TestSweepTimeoutsWithoutCandidateEscalatesStep(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, escalation.Config{})

	ticket, err := h.gate.CreateTicket(ctx, testInstance(), humanStep(1, 1))
	require.NoError(t, err)

	require.NoError(t, h.gate.SweepTimeouts(ctx, time.Now().Add(time.Minute)))

	// No replacement ticket and the scheduler hears about the dead end.
	waiting, err := h.store.Tickets().ListWaiting(ctx)
	require.NoError(t, err)
	assert.Empty(t, waiting)

	resolved := h.resolver.resolved()
	require.Len(t, resolved, 1)
	assert.Equal(t, ticket.ID, resolved[0].ID)
	assert.Equal(t, models.TicketStatusTimedOut, resolved[0].Status)
	assert.Equal(t, string(models.EscalationReasonNoCandidate), resolved[0].Reason)
}

func TestConcurrentSweepsEscalateOnce(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, escalation.Config{
		Backups: map[string][]string{"reviewer": {"bob"}},
	})

	// The replacement ticket's fresh deadline lands past the sweep time, so
	// it cannot cascade into a second breach within this test.
	_, err := h.gate.CreateTicket(ctx, testInstance(), humanStep(1, 1))
	require.NoError(t, err)

	sweepAt := time.Now().Add(time.Minute)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, h.gate.SweepTimeouts(ctx, sweepAt))
		}()
	}

	wg.Wait()

	// Exactly one escalation and one replacement ticket despite the racing
	// sweeps.
	open, err := h.store.Escalations().ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	waiting, err := h.store.Tickets().ListWaiting(ctx)
	require.NoError(t, err)
	assert.Len(t, waiting, 1)
}

func TestCancelInstanceTicketsTimesOutWaitingOnes(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, escalation.Config{})

	ticket, err := h.gate.CreateTicket(ctx, testInstance(), humanStep(1, 3600))
	require.NoError(t, err)

	require.NoError(t, h.gate.CancelInstanceTickets(ctx, "instance-1"))

	cancelled, err := h.store.Tickets().GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusTimedOut, cancelled.Status)
	assert.Equal(t, "CANCELLED", cancelled.Reason)
}

func TestDisagreementWithRecommendationFeedsScorer(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, escalation.Config{})

	step := humanStep(2, 3600)
	step.Config = map[string]any{"recommendation": "approve"}

	ticket, err := h.gate.CreateTicket(ctx, testInstance(), step)
	require.NoError(t, err)
	assert.Equal(t, "approve", ticket.Recommendation)

	_, err = h.gate.SubmitDecision(ctx, ticket.ID, "reviewer", decide("alice", models.VerdictReject))
	require.NoError(t, err)
}
