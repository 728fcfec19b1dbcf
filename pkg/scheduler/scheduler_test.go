package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gateflow/gateflow/pkg/escalation"
	"github.com/gateflow/gateflow/pkg/executor"
	"github.com/gateflow/gateflow/pkg/hitl"
	"github.com/gateflow/gateflow/pkg/ledger"
	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence/memory"
	"github.com/gateflow/gateflow/pkg/policy"
	"github.com/gateflow/gateflow/pkg/scheduler"
	"github.com/gateflow/gateflow/pkg/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderRecorder tracks invocation order of automated steps.
type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *orderRecorder) record(stepID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = append(r.order, stepID)
}

func (r *orderRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.order))
	copy(out, r.order)

	return out
}

type recordingInvoker struct {
	recorder *orderRecorder
}

func (i recordingInvoker) Invoke(_ context.Context, _ *models.WorkflowInstance, step models.StepDefinition) (map[string]any, error) {
	i.recorder.record(step.ID)

	return map[string]any{"step": step.ID}, nil
}

// flakyInvoker fails transiently until the configured attempt.
type flakyInvoker struct {
	succeedOn int
	calls     *int
	mu        *sync.Mutex
}

func (i flakyInvoker) Invoke(context.Context, *models.WorkflowInstance, models.StepDefinition) (map[string]any, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	*i.calls++
	if *i.calls < i.succeedOn {
		return nil, executor.Transient(errors.New("upstream unavailable"))
	}

	return map[string]any{"ok": true}, nil
}

type failingInvoker struct{ transient bool }

func (i failingInvoker) Invoke(context.Context, *models.WorkflowInstance, models.StepDefinition) (map[string]any, error) {
	err := errors.New("invalid request")
	if i.transient {
		return nil, executor.Transient(err)
	}

	return nil, err
}

type harness struct {
	scheduler *scheduler.Scheduler
	gate      *hitl.Gate
	store     *memory.Persistence
	ledger    *ledger.Ledger
	recorder  *orderRecorder
	pool      *executor.Pool
}

func newHarness(t *testing.T, registry *executor.Registry, ruleSets ...*policy.RuleSet) *harness {
	t.Helper()

	return newHarnessWithBackups(t, registry, escalation.Config{}, ruleSets...)
}

func newHarnessWithBackups(t *testing.T, registry *executor.Registry, config escalation.Config, ruleSets ...*policy.RuleSet) *harness {
	t.Helper()

	logger := slog.Default()
	store := memory.NewPersistence()
	auditLedger := ledger.New(store.Ledger(), logger)
	policyGate := policy.NewGate(policy.NewStaticRepository(ruleSets...), auditLedger, logger)
	scorer := scoring.NewScorer(scoring.NewMemoryStore(), 100, logger)
	controller := escalation.NewController(config, scorer, store.Tickets(), store.Escalations(), auditLedger, nil, logger)
	gate := hitl.NewGate(store.Tickets(), auditLedger, scorer, controller, nil, nil, logger)

	h := &harness{store: store, ledger: auditLedger, gate: gate, recorder: &orderRecorder{}}

	if registry == nil {
		registry = executor.DefaultRegistry()
	}

	registry.Register("record", func(map[string]any) (executor.Invoker, error) {
		return recordingInvoker{recorder: h.recorder}, nil
	})

	var sched *scheduler.Scheduler

	pool := executor.NewPool(registry, 4, func(ctx context.Context, outcome executor.Outcome) {
		sched.OnStepOutcome(ctx, outcome)
	}, logger)
	t.Cleanup(pool.Close)

	sched = scheduler.NewScheduler(store.Definitions(), store.Instances(), auditLedger, policyGate, gate, pool, nil, logger)
	gate.SetResolver(sched)

	h.scheduler = sched
	h.pool = pool

	return h
}

func (h *harness) register(t *testing.T, def *models.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, def.Validate())
	require.NoError(t, h.store.Definitions().Save(context.Background(), def))
}

func (h *harness) waitForStatus(t *testing.T, instanceID string, status models.InstanceStatus) *models.WorkflowInstance {
	t.Helper()

	var instance *models.WorkflowInstance

	require.Eventually(t, func() bool {
		var err error

		instance, err = h.store.Instances().GetByID(context.Background(), instanceID)

		return err == nil && instance.Status == status
	}, 5*time.Second, 10*time.Millisecond)

	return instance
}

func (h *harness) waitingTicket(t *testing.T, instanceID string) *models.ReviewTicket {
	t.Helper()

	var ticket *models.ReviewTicket

	require.Eventually(t, func() bool {
		waiting, err := h.store.Tickets().ListWaiting(context.Background())
		if err != nil {
			return false
		}

		for _, candidate := range waiting {
			if candidate.InstanceID == instanceID {
				ticket = candidate

				return true
			}
		}

		return false
	}, 5*time.Second, 10*time.Millisecond)

	return ticket
}

func recordStep(id string, deps ...string) models.StepDefinition {
	return models.StepDefinition{
		ID:        id,
		Kind:      models.StepKindAutomated,
		Type:      "record",
		DependsOn: deps,
		Config:    map[string]any{},
	}
}

func linearDefinition(id string, steps ...models.StepDefinition) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:      id,
		Name:    "test workflow",
		Version: 1,
		Steps:   steps,
	}
}

func TestDiamondRunsDependenciesBeforeDependents(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, linearDefinition("wf",
		recordStep("fetch"),
		recordStep("left", "fetch"),
		recordStep("right", "fetch"),
		recordStep("join", "left", "right"),
	))

	instance, err := h.scheduler.Submit(context.Background(), "wf", map[string]any{"amount": 10})
	require.NoError(t, err)

	final := h.waitForStatus(t, instance.ID, models.InstanceStatusCompleted)

	for _, state := range final.StepStates {
		assert.Equal(t, models.StepStatusSucceeded, state.Status)
	}

	order := h.recorder.snapshot()
	require.Len(t, order, 4)
	assert.Equal(t, "fetch", order[0])
	assert.Equal(t, "join", order[3])
}

// A dispatch wave wider than the pool's worker count must not stall the
// scheduler: workers report outcomes under the same instance lock the
// dispatcher holds, so enqueueing cannot wait on a free worker.
func TestWideFanOutCompletesWithFewWorkers(t *testing.T) {
	const roots = 12

	h := newHarness(t, nil)

	steps := make([]models.StepDefinition, 0, roots)
	for i := range roots {
		steps = append(steps, recordStep(fmt.Sprintf("send-%d", i)))
	}

	h.register(t, linearDefinition("wf", steps...))

	type submitResult struct {
		instance *models.WorkflowInstance
		err      error
	}

	submitted := make(chan submitResult, 1)

	go func() {
		instance, err := h.scheduler.Submit(context.Background(), "wf", nil)
		submitted <- submitResult{instance: instance, err: err}
	}()

	var instance *models.WorkflowInstance

	select {
	case result := <-submitted:
		require.NoError(t, result.err)

		instance = result.instance
	case <-time.After(5 * time.Second):
		t.Fatal("submit stalled dispatching a wide step wave")
	}

	final := h.waitForStatus(t, instance.ID, models.InstanceStatusCompleted)

	for _, state := range final.StepStates {
		assert.Equal(t, models.StepStatusSucceeded, state.Status)
	}

	assert.Len(t, h.recorder.snapshot(), roots)
}

func TestPermanentFailureFailsInstanceWithStepReason(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register("fail", func(map[string]any) (executor.Invoker, error) {
		return failingInvoker{}, nil
	})

	h := newHarness(t, registry)
	h.register(t, linearDefinition("wf",
		recordStep("ok"),
		models.StepDefinition{ID: "broken", Kind: models.StepKindAutomated, Type: "fail", Config: map[string]any{}},
		recordStep("after", "broken"),
	))

	instance, err := h.scheduler.Submit(context.Background(), "wf", nil)
	require.NoError(t, err)

	final := h.waitForStatus(t, instance.ID, models.InstanceStatusFailed)

	assert.Contains(t, final.Reason, "broken")
	assert.Contains(t, final.Reason, "invalid request")

	// The independent sibling finished; the dependent step never dispatched.
	assert.Equal(t, models.StepStatusSucceeded, final.StepStates["ok"].Status)
	assert.Equal(t, models.StepStatusFailed, final.StepStates["broken"].Status)
	assert.Equal(t, models.StepStatusPending, final.StepStates["after"].Status)
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	calls := 0

	var mu sync.Mutex

	registry := executor.NewRegistry()
	registry.Register("flaky", func(map[string]any) (executor.Invoker, error) {
		return flakyInvoker{succeedOn: 3, calls: &calls, mu: &mu}, nil
	})

	h := newHarness(t, registry)
	h.register(t, linearDefinition("wf", models.StepDefinition{
		ID:     "flaky",
		Kind:   models.StepKindAutomated,
		Type:   "flaky",
		Config: map[string]any{},
		Retry:  &models.RetryPolicy{MaxRetries: 3, BackoffMs: 10},
	}))

	instance, err := h.scheduler.Submit(context.Background(), "wf", nil)
	require.NoError(t, err)

	final := h.waitForStatus(t, instance.ID, models.InstanceStatusCompleted)
	assert.Equal(t, 3, final.StepStates["flaky"].Attempts)

	events, err := h.ledger.Replay(context.Background(), instance.ID, 0)
	require.NoError(t, err)

	retries := 0

	for _, event := range events {
		if event.Type == models.AuditStepRetryScheduled {
			retries++
		}
	}

	assert.Equal(t, 2, retries)
}

func TestRetriesExhaustedFailsInstance(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register("down", func(map[string]any) (executor.Invoker, error) {
		return failingInvoker{transient: true}, nil
	})

	h := newHarness(t, registry)
	h.register(t, linearDefinition("wf", models.StepDefinition{
		ID:     "down",
		Kind:   models.StepKindAutomated,
		Type:   "down",
		Config: map[string]any{},
		Retry:  &models.RetryPolicy{MaxRetries: 2, BackoffMs: 5},
	}))

	instance, err := h.scheduler.Submit(context.Background(), "wf", nil)
	require.NoError(t, err)

	final := h.waitForStatus(t, instance.ID, models.InstanceStatusFailed)
	assert.Equal(t, 3, final.StepStates["down"].Attempts) // initial + 2 retries
}

func TestPolicyBlockFailsStepNotSiblings(t *testing.T) {
	blocking := &policy.RuleSet{
		PolicyID: "spend-limit",
		Version:  1,
		Rules: []policy.Rule{{
			ID:       "max-amount",
			When:     policy.Predicate{Op: policy.OpGreaterThan, Field: "payload.amount", Value: 100},
			Blocking: true,
		}},
	}

	h := newHarness(t, nil, blocking)

	gated := recordStep("gated")
	gated.PrePolicyID = "spend-limit"

	h.register(t, linearDefinition("wf", recordStep("free"), gated))

	instance, err := h.scheduler.Submit(context.Background(), "wf", map[string]any{"amount": 500})
	require.NoError(t, err)

	final := h.waitForStatus(t, instance.ID, models.InstanceStatusFailed)

	assert.Equal(t, models.StepStatusSucceeded, final.StepStates["free"].Status)
	assert.Equal(t, models.StepStatusFailed, final.StepStates["gated"].Status)
	assert.Contains(t, final.StepStates["gated"].Reason, "POLICY_BLOCKED")
}

func TestPostPolicyBlockFailsStepAfterExecution(t *testing.T) {
	blocking := &policy.RuleSet{
		PolicyID: "result-check",
		Version:  1,
		Rules: []policy.Rule{{
			ID:       "must-approve",
			When:     policy.Predicate{Op: policy.OpFieldEquals, Field: "result.step", Value: "checked"},
			Blocking: true,
		}},
	}

	h := newHarness(t, nil, blocking)

	checked := recordStep("checked")
	checked.PostPolicyID = "result-check"

	h.register(t, linearDefinition("wf", checked))

	instance, err := h.scheduler.Submit(context.Background(), "wf", nil)
	require.NoError(t, err)

	final := h.waitForStatus(t, instance.ID, models.InstanceStatusFailed)
	assert.Contains(t, final.StepStates["checked"].Reason, "POLICY_BLOCKED")
}

func humanApprovalStep(id string, quorum int, deps ...string) models.StepDefinition {
	return models.StepDefinition{
		ID:        id,
		Kind:      models.StepKindHuman,
		DependsOn: deps,
		Human: &models.HumanSpec{
			RequiredRole: "reviewer",
			Quorum:       quorum,
			SLASeconds:   3600,
		},
	}
}

func TestQuorumApprovalCompletesInstance(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, linearDefinition("wf",
		recordStep("prepare"),
		humanApprovalStep("approve", 2, "prepare"),
		recordStep("publish", "approve"),
	))

	instance, err := h.scheduler.Submit(context.Background(), "wf", nil)
	require.NoError(t, err)

	ticket := h.waitingTicket(t, instance.ID)

	_, err = h.gate.SubmitDecision(context.Background(), ticket.ID, "reviewer",
		models.Decision{ActorID: "alice", Verdict: models.VerdictApprove})
	require.NoError(t, err)

	_, err = h.gate.SubmitDecision(context.Background(), ticket.ID, "reviewer",
		models.Decision{ActorID: "bob", Verdict: models.VerdictApprove})
	require.NoError(t, err)

	final := h.waitForStatus(t, instance.ID, models.InstanceStatusCompleted)
	assert.Equal(t, models.StepStatusSucceeded, final.StepStates["approve"].Status)
	assert.Equal(t, models.StepStatusSucceeded, final.StepStates["publish"].Status)
}

func TestTweakPatchesStepResult(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, linearDefinition("wf", humanApprovalStep("review", 1)))

	instance, err := h.scheduler.Submit(context.Background(), "wf", nil)
	require.NoError(t, err)

	ticket := h.waitingTicket(t, instance.ID)

	_, err = h.gate.SubmitDecision(context.Background(), ticket.ID, "reviewer", models.Decision{
		ActorID:      "alice",
		Verdict:      models.VerdictTweak,
		PayloadPatch: map[string]any{"amount": 950},
	})
	require.NoError(t, err)

	final := h.waitForStatus(t, instance.ID, models.InstanceStatusCompleted)
	assert.Equal(t, 950, final.StepStates["review"].Result["amount"])
}

func TestRejectionFailsHumanStep(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, linearDefinition("wf", humanApprovalStep("review", 1)))

	instance, err := h.scheduler.Submit(context.Background(), "wf", nil)
	require.NoError(t, err)

	ticket := h.waitingTicket(t, instance.ID)

	_, err = h.gate.SubmitDecision(context.Background(), ticket.ID, "reviewer",
		models.Decision{ActorID: "alice", Verdict: models.VerdictReject})
	require.NoError(t, err)

	final := h.waitForStatus(t, instance.ID, models.InstanceStatusFailed)
	assert.Contains(t, final.StepStates["review"].Reason, "rejected")
}

func TestSlaBreachWithoutCandidateSuspendsInstance(t *testing.T) {
	h := newHarness(t, nil)

	step := humanApprovalStep("review", 1)
	step.Human.SLASeconds = 1

	h.register(t, linearDefinition("wf", step))

	instance, err := h.scheduler.Submit(context.Background(), "wf", nil)
	require.NoError(t, err)

	h.waitingTicket(t, instance.ID)

	// No backups configured: the breach has nowhere to go.
	require.NoError(t, h.gate.SweepTimeouts(context.Background(), time.Now().Add(time.Minute)))

	final := h.waitForStatus(t, instance.ID, models.InstanceStatusSuspended)
	assert.Equal(t, models.StepStatusEscalated, final.StepStates["review"].Status)
	assert.Contains(t, final.Reason, "no candidate")
}

func TestSlaBreachWithBackupReassignsStepState(t *testing.T) {
	h := newHarnessWithBackups(t, nil, escalation.Config{
		Backups: map[string][]string{"reviewer": {"bob"}},
	})

	step := humanApprovalStep("review", 1)
	step.Human.SLASeconds = 1

	h.register(t, linearDefinition("wf", step))

	instance, err := h.scheduler.Submit(context.Background(), "wf", nil)
	require.NoError(t, err)

	h.waitingTicket(t, instance.ID)

	require.NoError(t, h.gate.SweepTimeouts(context.Background(), time.Now().Add(time.Minute)))

	// The step keeps waiting under the replacement ticket and names the backup.
	current, err := h.store.Instances().GetByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusRunning, current.Status)
	assert.Equal(t, models.StepStatusWaitingHuman, current.StepStates["review"].Status)
	assert.Equal(t, "bob", current.StepStates["review"].AssignedActor)

	// The backup's approval still completes the instance.
	replacement := h.waitingTicket(t, instance.ID)

	_, err = h.gate.SubmitDecision(context.Background(), replacement.ID, "reviewer",
		models.Decision{ActorID: "bob", Verdict: models.VerdictApprove})
	require.NoError(t, err)

	h.waitForStatus(t, instance.ID, models.InstanceStatusCompleted)
}

func TestCancelIsIdempotentAndSkipsSteps(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, linearDefinition("wf",
		recordStep("prepare"),
		humanApprovalStep("review", 1, "prepare"),
	))

	instance, err := h.scheduler.Submit(context.Background(), "wf", nil)
	require.NoError(t, err)

	h.waitingTicket(t, instance.ID)

	require.NoError(t, h.scheduler.Cancel(context.Background(), instance.ID))
	require.NoError(t, h.scheduler.Cancel(context.Background(), instance.ID))

	final := h.waitForStatus(t, instance.ID, models.InstanceStatusCancelled)
	assert.Equal(t, models.StepStatusSkipped, final.StepStates["review"].Status)

	waiting, err := h.store.Tickets().ListWaiting(context.Background())
	require.NoError(t, err)
	assert.Empty(t, waiting)

	// Late decisions bounce off the resolved ticket.
	expired, err := h.store.Tickets().ListExpired(context.Background(), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestSubmitRejectsUnknownDefinition(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.scheduler.Submit(context.Background(), "missing", nil)
	assert.Error(t, err)
}

func TestAuditTrailIsOrderedAndVerifiable(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, linearDefinition("wf", recordStep("a"), recordStep("b", "a")))

	instance, err := h.scheduler.Submit(context.Background(), "wf", nil)
	require.NoError(t, err)

	h.waitForStatus(t, instance.ID, models.InstanceStatusCompleted)

	events, err := h.ledger.Replay(context.Background(), instance.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	assert.Equal(t, models.AuditInstanceSubmitted, events[0].Type)
	assert.Equal(t, models.AuditInstanceCompleted, events[len(events)-1].Type)

	for i, event := range events {
		assert.Equal(t, int64(i+1), event.Seq)
	}

	badSeq, err := ledger.Verify(events)
	require.NoError(t, err)
	assert.Zero(t, badSeq)
}
