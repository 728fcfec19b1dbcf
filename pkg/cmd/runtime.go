package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gateflow/gateflow/pkg/escalation"
	"github.com/gateflow/gateflow/pkg/eventbus"
	"github.com/gateflow/gateflow/pkg/executor"
	"github.com/gateflow/gateflow/pkg/hitl"
	"github.com/gateflow/gateflow/pkg/ledger"
	"github.com/gateflow/gateflow/pkg/notify"
	"github.com/gateflow/gateflow/pkg/persistence"
	"github.com/gateflow/gateflow/pkg/policy"
	"github.com/gateflow/gateflow/pkg/scheduler"
	"github.com/gateflow/gateflow/pkg/scoring"
)

// RuntimeOptions carries the externally configured knobs of an orchestrator
// process.
type RuntimeOptions struct {
	DatabaseURL      string
	RedisURL         string
	EventBus         string
	ServiceName      string
	PoliciesPath     string
	EscalationConfig string
	WebhookURL       string
	PoolSize         int
	ScoreWindow      int
}

// Runtime is the fully wired orchestrator core shared by the api and worker
// binaries.
type Runtime struct {
	Persistence persistence.Persistence
	EventBus    eventbus.EventBus
	Ledger      *ledger.Ledger
	Policies    *policy.Gate
	Scorer      *scoring.Scorer
	Escalation  *escalation.Controller
	Gate        *hitl.Gate
	Pool        *executor.Pool
	Scheduler   *scheduler.Scheduler
	Reconciler  *scheduler.Reconciler

	scoringStore scoring.Store
	logger       *slog.Logger
}

// NewRuntime builds the orchestrator core: storage, event bus, audit ledger,
// policy gate, scorer, escalation controller, HITL gate, executor pool and
// scheduler, wired together the only way their callbacks compose.
func NewRuntime(ctx context.Context, logger *slog.Logger, opts RuntimeOptions) (*Runtime, error) {
	store, err := NewPersistence(ctx, logger, opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize persistence: %w", err)
	}

	scoringStore, err := NewScoringStore(ctx, logger, opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize scoring store: %w", err)
	}

	bus := NewEventBus(opts.EventBus, opts.ServiceName, logger)

	auditLedger := ledger.New(store.Ledger(), logger)

	policyRepo, err := newPolicyRepository(opts.PoliciesPath)
	if err != nil {
		return nil, err
	}

	policyGate := policy.NewGate(policyRepo, auditLedger, logger)
	scorer := scoring.NewScorer(scoringStore, opts.ScoreWindow, logger)

	escalationConfig, err := loadEscalationConfig(opts.EscalationConfig)
	if err != nil {
		return nil, err
	}

	controller := escalation.NewController(
		escalationConfig, scorer, store.Tickets(), store.Escalations(), auditLedger, bus, logger)

	var notifier hitl.Notifier
	if opts.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(opts.WebhookURL, logger)
	}

	gate := hitl.NewGate(store.Tickets(), auditLedger, scorer, controller, notifier, bus, logger)

	runtime := &Runtime{
		Persistence:  store,
		EventBus:     bus,
		Ledger:       auditLedger,
		Policies:     policyGate,
		Scorer:       scorer,
		Escalation:   controller,
		Gate:         gate,
		scoringStore: scoringStore,
		logger:       logger,
	}

	registry := executor.DefaultRegistry()

	runtime.Pool = executor.NewPool(registry, opts.PoolSize, func(ctx context.Context, outcome executor.Outcome) {
		runtime.Scheduler.OnStepOutcome(ctx, outcome)
	}, logger)

	runtime.Scheduler = scheduler.NewScheduler(
		store.Definitions(), store.Instances(), auditLedger, policyGate, gate, runtime.Pool, bus, logger)
	gate.SetResolver(runtime.Scheduler)

	runtime.Reconciler = scheduler.NewReconciler(
		runtime.Scheduler, store.Instances(), gate, controller, scheduler.DefaultReconcileInterval, logger)

	return runtime, nil
}

// Close tears the runtime down in reverse dependency order.
func (r *Runtime) Close(ctx context.Context) {
	if r.Reconciler != nil {
		r.Reconciler.Stop()
	}

	if r.Pool != nil {
		r.Pool.Close()
	}

	if err := r.EventBus.Close(); err != nil {
		r.logger.ErrorContext(ctx, "failed to close event bus", "error", err)
	}

	if err := r.scoringStore.Close(); err != nil {
		r.logger.ErrorContext(ctx, "failed to close scoring store", "error", err)
	}

	if err := r.Persistence.Close(ctx); err != nil {
		r.logger.ErrorContext(ctx, "failed to close persistence", "error", err)
	}
}

func newPolicyRepository(dir string) (policy.Repository, error) {
	if dir == "" {
		// No policy directory: every policy lookup fails closed.
		return policy.NewStaticRepository(), nil
	}

	repo, err := policy.NewFileRepository(dir)
	if err != nil {
		return nil, err
	}

	return repo, nil
}

type escalationConfigDoc struct {
	Backups         map[string][]string `json:"backups"`
	Supervisors     map[string]string   `json:"supervisors"`
	CooldownMinutes int                 `json:"cooldown_minutes"`
	ScoreThreshold  int                 `json:"score_threshold"`
}

func loadEscalationConfig(path string) (escalation.Config, error) {
	if path == "" {
		return escalation.Config{}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return escalation.Config{}, fmt.Errorf("failed to read escalation config %s: %w", path, err)
	}

	var doc escalationConfigDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return escalation.Config{}, fmt.Errorf("failed to parse escalation config %s: %w", path, err)
	}

	return escalation.Config{
		Backups:        doc.Backups,
		Supervisors:    doc.Supervisors,
		Cooldown:       time.Duration(doc.CooldownMinutes) * time.Minute,
		ScoreThreshold: doc.ScoreThreshold,
	}, nil
}
