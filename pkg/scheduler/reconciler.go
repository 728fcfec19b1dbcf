package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gateflow/gateflow/pkg/eventbus"
	"github.com/gateflow/gateflow/pkg/events"
	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
	"github.com/robfig/cron/v3"
)

const DefaultReconcileInterval = 5 * time.Second

// Sweeper is the HITL timeout sweep. Implemented by hitl.Gate.
type Sweeper interface {
	SweepTimeouts(ctx context.Context, now time.Time) error
}

// Closer expires open escalations. Implemented by escalation.Controller.
type Closer interface {
	CloseExpired(ctx context.Context, now time.Time) error
}

// Reconciler is the safety net behind the event-driven path: on a fixed
// interval it re-ticks every RUNNING instance, sweeps ticket SLAs and closes
// elapsed escalations. Everything it does is idempotent, so missing an event
// costs latency, never correctness.
type Reconciler struct {
	scheduler *Scheduler
	instances persistence.InstanceRepository
	sweeper   Sweeper
	closer    Closer
	interval  time.Duration
	logger    *slog.Logger

	cron *cron.Cron
}

func NewReconciler(
	scheduler *Scheduler,
	instances persistence.InstanceRepository,
	sweeper Sweeper,
	closer Closer,
	interval time.Duration,
	logger *slog.Logger,
) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}

	return &Reconciler{
		scheduler: scheduler,
		instances: instances,
		sweeper:   sweeper,
		closer:    closer,
		interval:  interval,
		logger:    logger.With("module", "reconciler"),
	}
}

// Start schedules the reconcile loop. Call Stop to drain it.
func (r *Reconciler) Start(ctx context.Context) error {
	r.cron = cron.New(cron.WithSeconds())

	spec := fmt.Sprintf("@every %s", r.interval)

	_, err := r.cron.AddFunc(spec, func() {
		r.Reconcile(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reconcile loop: %w", err)
	}

	r.cron.Start()
	r.logger.InfoContext(ctx, "Reconciler started", "interval", r.interval.String())

	return nil
}

func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Reconcile runs one pass. Exported so the worker can force a pass on boot.
func (r *Reconciler) Reconcile(ctx context.Context) {
	now := time.Now().UTC()

	if err := r.sweeper.SweepTimeouts(ctx, now); err != nil {
		r.logger.ErrorContext(ctx, "Ticket SLA sweep failed", "error", err)
	}

	if err := r.closer.CloseExpired(ctx, now); err != nil {
		r.logger.ErrorContext(ctx, "Escalation close sweep failed", "error", err)
	}

	running, err := r.instances.ListByStatus(ctx, models.InstanceStatusRunning)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to list running instances", "error", err)

		return
	}

	for _, instance := range running {
		if err := r.scheduler.Tick(ctx, instance.ID); err != nil {
			r.logger.ErrorContext(ctx, "Reconcile tick failed", "instance_id", instance.ID, "error", err)
		}
	}
}

// RegisterEventHandlers wires the scheduler to the event bus: step and ticket
// completions re-tick the owning instance without waiting for the reconciler.
func (s *Scheduler) RegisterEventHandlers(bus eventbus.EventSubscriber) error {
	retick := func(ctx context.Context, event any) error {
		var instanceID string

		switch e := event.(type) {
		case *events.StepCompleted:
			instanceID = e.InstanceID
		case *events.TicketResolved:
			instanceID = e.InstanceID
		default:
			return nil
		}

		return s.Tick(ctx, instanceID)
	}

	if err := bus.Handle(events.StepCompletedEvent, retick); err != nil {
		return fmt.Errorf("failed to register step.completed handler: %w", err)
	}

	if err := bus.Handle(events.TicketResolvedEvent, retick); err != nil {
		return fmt.Errorf("failed to register ticket.resolved handler: %w", err)
	}

	return nil
}
