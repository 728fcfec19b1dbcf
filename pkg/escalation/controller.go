// Package escalation reassigns pending work away from unresponsive or
// underperforming actors. The controller owns escalation tickets and the
// actor suspension registry; it is triggered by SLA breaches from the HITL
// gate and by score drops from the performance scorer.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateflow/gateflow/pkg/eventbus"
	"github.com/gateflow/gateflow/pkg/events"
	"github.com/gateflow/gateflow/pkg/ledger"
	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
	"github.com/gateflow/gateflow/pkg/scoring"
	"github.com/google/uuid"
)

const (
	DefaultScoreThreshold = 70
	DefaultCooldown       = 30 * time.Minute
)

// Config is the escalation routing table: ordered backups per role, an
// optional supervisor per role, and the suspension cooldown.
type Config struct {
	Backups        map[string][]string
	Supervisors    map[string]string
	Cooldown       time.Duration
	ScoreThreshold int
}

func (c Config) cooldown() time.Duration {
	if c.Cooldown <= 0 {
		return DefaultCooldown
	}

	return c.Cooldown
}

func (c Config) threshold() int {
	if c.ScoreThreshold <= 0 {
		return DefaultScoreThreshold
	}

	return c.ScoreThreshold
}

type Controller struct {
	config      Config
	scorer      *scoring.Scorer
	tickets     persistence.TicketRepository
	escalations persistence.EscalationRepository
	ledger      *ledger.Ledger
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger

	mu         sync.Mutex
	suspended  map[string]time.Time // actorID -> cooldownUntil
	rrCursors  map[string]int       // role -> round-robin cursor
}

func NewController(
	config Config,
	scorer *scoring.Scorer,
	tickets persistence.TicketRepository,
	escalations persistence.EscalationRepository,
	auditLedger *ledger.Ledger,
	eventBus eventbus.EventPublisher,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		config:      config,
		scorer:      scorer,
		tickets:     tickets,
		escalations: escalations,
		ledger:      auditLedger,
		eventBus:    eventBus,
		logger:      logger.With("module", "escalation_controller"),
		suspended:   make(map[string]time.Time),
		rrCursors:   make(map[string]int),
	}
}

// Suspended reports whether the actor is inside a cooldown window. New work
// is never routed to suspended actors.
func (c *Controller) Suspended(actorID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	until, ok := c.suspended[actorID]
	if !ok {
		return false
	}

	if time.Now().After(until) {
		delete(c.suspended, actorID)

		return false
	}

	return true
}

func (c *Controller) suspend(actorID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	until := time.Now().UTC().Add(c.config.cooldown())
	c.suspended[actorID] = until

	return until
}

// PickCandidate selects the backup actor for a role: the next non-suspended
// entry of the role's backup list (round-robin), then the supervisor, then
// nobody.
func (c *Controller) PickCandidate(role, exclude string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	backups := c.config.Backups[role]

	for i := range backups {
		cursor := (c.rrCursors[role] + i) % len(backups)

		candidate := backups[cursor]
		if candidate == exclude {
			continue
		}

		if until, ok := c.suspended[candidate]; ok && now.Before(until) {
			continue
		}

		c.rrCursors[role] = (cursor + 1) % len(backups)

		return candidate
	}

	supervisor := c.config.Supervisors[role]
	if supervisor != "" && supervisor != exclude {
		if until, ok := c.suspended[supervisor]; !ok || now.After(until) {
			return supervisor
		}
	}

	return ""
}

// OnSlaBreach fires on a ticket SLA breach. Exactly one escalation ticket is
// created per breach: the dedupe key is derived from the ticket, so a
// concurrent sweep calling in twice creates nothing the second time.
// Returns the selected backup actor ("" when none is configured or
// reachable) and whether this call created the escalation.
func (c *Controller) OnSlaBreach(ctx context.Context, ticket *models.ReviewTicket) (string, bool, error) {
	candidate := c.PickCandidate(ticket.RequiredRole, ticket.AssignedActor)

	reason := models.EscalationReasonSLABreach
	if candidate == "" {
		reason = models.EscalationReasonNoCandidate
	}

	escalation := &models.EscalationTicket{
		ID:             uuid.New().String(),
		DedupeKey:      "sla-breach/" + ticket.ID,
		Reason:         reason,
		InstanceID:     ticket.InstanceID,
		StepID:         ticket.StepID,
		ReviewTicketID: ticket.ID,
		FromActor:      ticket.AssignedActor,
		ToActor:        candidate,
		Status:         models.EscalationStatusOpen,
		CreatedAt:      time.Now().UTC(),
	}

	created, err := c.escalations.CreateIfAbsent(ctx, escalation)
	if err != nil {
		return "", false, fmt.Errorf("failed to create escalation ticket: %w", err)
	}

	if !created {
		return "", false, nil
	}

	if ticket.AssignedActor != "" {
		escalation.CooldownUntil = c.suspend(ticket.AssignedActor)
		c.auditSuspension(ctx, ticket.InstanceID, ticket.AssignedActor, escalation.CooldownUntil)
	}

	c.audit(ctx, escalation)
	c.publish(ctx, escalation)

	return candidate, true, nil
}

// CheckScore compares the actor's rolling score against the configured
// threshold and escalates on a drop. While the actor is already suspended the
// check is a no-op, so one breach fires exactly one escalation.
func (c *Controller) CheckScore(ctx context.Context, actorID string, ticket *models.ReviewTicket) error {
	score, err := c.scorer.Score(ctx, actorID)
	if err != nil {
		return fmt.Errorf("failed to read score for actor %s: %w", actorID, err)
	}

	if score.RollingScore >= c.config.threshold() {
		return nil
	}

	if c.Suspended(actorID) {
		return nil
	}

	return c.onScoreBelowThreshold(ctx, actorID, score.RollingScore, ticket)
}

func (c *Controller) onScoreBelowThreshold(ctx context.Context, actorID string, score int, ticket *models.ReviewTicket) error {
	until := c.suspend(actorID)

	role := ""
	instanceID := ""

	if ticket != nil {
		role = ticket.RequiredRole
		instanceID = ticket.InstanceID
	}

	candidate := c.PickCandidate(role, actorID)

	escalation := &models.EscalationTicket{
		ID:            uuid.New().String(),
		DedupeKey:     fmt.Sprintf("low-score/%s/%d", actorID, until.Unix()),
		Reason:        models.EscalationReasonLowScore,
		InstanceID:    instanceID,
		FromActor:     actorID,
		ToActor:       candidate,
		CooldownUntil: until,
		Status:        models.EscalationStatusOpen,
		CreatedAt:     time.Now().UTC(),
	}

	created, err := c.escalations.CreateIfAbsent(ctx, escalation)
	if err != nil {
		return fmt.Errorf("failed to create escalation ticket: %w", err)
	}

	if !created {
		return nil
	}

	c.logger.InfoContext(ctx, "Actor suspended on score drop",
		"actor_id", actorID, "score", score, "threshold", c.config.threshold(), "cooldown_until", until)

	c.auditSuspension(ctx, instanceID, actorID, until)
	c.audit(ctx, escalation)
	c.publish(ctx, escalation)

	if candidate != "" {
		if err := c.reassignWaitingTickets(ctx, actorID, candidate); err != nil {
			return err
		}
	}

	return nil
}

// reassignWaitingTickets moves every waiting ticket off the suspended actor.
func (c *Controller) reassignWaitingTickets(ctx context.Context, fromActor, toActor string) error {
	waiting, err := c.tickets.ListWaiting(ctx)
	if err != nil {
		return fmt.Errorf("failed to list waiting tickets: %w", err)
	}

	for _, ticket := range waiting {
		if ticket.AssignedActor != fromActor {
			continue
		}

		ticket.AssignedActor = toActor
		if err := c.tickets.Save(ctx, ticket); err != nil {
			return fmt.Errorf("failed to reassign ticket %s: %w", ticket.ID, err)
		}
	}

	return nil
}

// CloseExpired closes open escalation tickets whose cooldown has elapsed.
// Called from the reconciler.
func (c *Controller) CloseExpired(ctx context.Context, now time.Time) error {
	open, err := c.escalations.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open escalations: %w", err)
	}

	for _, escalation := range open {
		if escalation.CooldownUntil.IsZero() || now.Before(escalation.CooldownUntil) {
			continue
		}

		if err := c.escalations.Close(ctx, escalation.ID, now); err != nil {
			return fmt.Errorf("failed to close escalation %s: %w", escalation.ID, err)
		}
	}

	return nil
}

func (c *Controller) audit(ctx context.Context, escalation *models.EscalationTicket) {
	_, err := c.ledger.Append(ctx, ledger.Proposed{
		InstanceID: escalation.InstanceID,
		Type:       models.AuditEscalated,
		StepID:     escalation.StepID,
		ActorID:    escalation.FromActor,
		Payload: map[string]any{
			"escalation_id": escalation.ID,
			"reason":        string(escalation.Reason),
			"to_actor":      escalation.ToActor,
		},
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to audit escalation", "escalation_id", escalation.ID, "error", err)
	}
}

func (c *Controller) auditSuspension(ctx context.Context, instanceID, actorID string, until time.Time) {
	_, err := c.ledger.Append(ctx, ledger.Proposed{
		InstanceID: instanceID,
		Type:       models.AuditActorSuspended,
		ActorID:    actorID,
		Payload:    map[string]any{"cooldown_until": until.Format(time.RFC3339)},
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to audit actor suspension", "actor_id", actorID, "error", err)
	}
}

func (c *Controller) publish(ctx context.Context, escalation *models.EscalationTicket) {
	if c.eventBus == nil {
		return
	}

	event := events.EscalationRaised{
		BaseEvent:    events.NewBaseEvent(events.EscalationRaisedEvent, escalation.InstanceID),
		EscalationID: escalation.ID,
		Reason:       escalation.Reason,
		FromActor:    escalation.FromActor,
		ToActor:      escalation.ToActor,
	}

	if err := c.eventBus.Publish(ctx, escalation.InstanceID, event); err != nil {
		c.logger.ErrorContext(ctx, "Failed to publish escalation event", "escalation_id", escalation.ID, "error", err)
	}
}
