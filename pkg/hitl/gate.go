// Package hitl implements the human-in-the-loop approval gate: review ticket
// lifecycle, quorum counting and SLA timeouts. The gate owns review tickets
// and decisions exclusively; step-state consequences are delegated to the
// resolver the scheduler registers.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
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

var (
	// ErrTicketResolved indicates a decision arrived after the ticket
	// reached a terminal status.
	ErrTicketResolved = errors.New("ticket already resolved")

	// ErrRoleMismatch indicates the deciding actor does not hold the
	// ticket's required role.
	ErrRoleMismatch = errors.New("actor role does not match ticket requirement")
)

// Resolver receives terminal ticket outcomes and reassignments. Implemented
// by the workflow scheduler, which owns the resulting step transitions.
type Resolver interface {
	TicketResolved(ctx context.Context, ticket *models.ReviewTicket) error
	TicketReassigned(ctx context.Context, ticket *models.ReviewTicket) error
}

// Escalator handles SLA breaches and score checks. Implemented by the
// escalation controller.
type Escalator interface {
	OnSlaBreach(ctx context.Context, ticket *models.ReviewTicket) (candidate string, escalated bool, err error)
	CheckScore(ctx context.Context, actorID string, ticket *models.ReviewTicket) error
}

// Notifier delivers best-effort "a ticket needs your attention" messages.
// Never required for correctness.
type Notifier interface {
	TicketPending(ctx context.Context, ticket *models.ReviewTicket)
}

type Gate struct {
	tickets   persistence.TicketRepository
	ledger    *ledger.Ledger
	scorer    *scoring.Scorer
	escalator Escalator
	notifier  Notifier
	eventBus  eventbus.EventPublisher
	logger    *slog.Logger

	resolver Resolver

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewGate(
	tickets persistence.TicketRepository,
	auditLedger *ledger.Ledger,
	scorer *scoring.Scorer,
	escalator Escalator,
	notifier Notifier,
	eventBus eventbus.EventPublisher,
	logger *slog.Logger,
) *Gate {
	return &Gate{
		tickets:   tickets,
		ledger:    auditLedger,
		scorer:    scorer,
		escalator: escalator,
		notifier:  notifier,
		eventBus:  eventBus,
		logger:    logger.With("module", "hitl_gate"),
		locks:     make(map[string]*sync.Mutex),
	}
}

// SetResolver registers the scheduler callback. Must be called before any
// ticket can resolve.
func (g *Gate) SetResolver(resolver Resolver) {
	g.resolver = resolver
}

func (g *Gate) ticketLock(ticketID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()

	lock, ok := g.locks[ticketID]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[ticketID] = lock
	}

	return lock
}

// CreateTicket opens a review ticket for a human step that just became
// ready. The deadline is now + the step's SLA.
func (g *Gate) CreateTicket(ctx context.Context, instance *models.WorkflowInstance, step models.StepDefinition) (*models.ReviewTicket, error) {
	spec := step.Human
	if spec == nil {
		return nil, fmt.Errorf("step %s has no human spec", step.ID)
	}

	now := time.Now().UTC()

	recommendation, _ := step.Config["recommendation"].(string)

	ticket := &models.ReviewTicket{
		ID:             uuid.New().String(),
		InstanceID:     instance.ID,
		StepID:         step.ID,
		RequiredRole:   spec.RequiredRole,
		Quorum:         spec.Quorum,
		Recommendation: recommendation,
		Decisions:      []models.Decision{},
		Status:         models.TicketStatusWaiting,
		Deadline:       now.Add(time.Duration(spec.SLASeconds) * time.Second),
		CreatedAt:      now,
	}

	if err := g.tickets.Save(ctx, ticket); err != nil {
		return nil, fmt.Errorf("failed to save review ticket: %w", err)
	}

	g.audit(ctx, ticket, models.AuditTicketCreated, map[string]any{
		"required_role": ticket.RequiredRole,
		"quorum":        ticket.Quorum,
		"deadline":      ticket.Deadline.Format(time.RFC3339),
	})

	g.publishCreated(ctx, ticket)

	if g.notifier != nil {
		g.notifier.TicketPending(ctx, ticket)
	}

	return ticket, nil
}

// SubmitDecision records one reviewer's verdict and applies quorum counting
// under the ticket's lock. A repeat decision by the same actor updates the
// earlier vote instead of adding a new one.
func (g *Gate) SubmitDecision(ctx context.Context, ticketID, actorRole string, decision models.Decision) (*models.ReviewTicket, error) {
	lock := g.ticketLock(ticketID)
	lock.Lock()
	defer lock.Unlock()

	ticket, err := g.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	if ticket.Status.Terminal() {
		return ticket, ErrTicketResolved
	}

	if actorRole != ticket.RequiredRole {
		return ticket, fmt.Errorf("%w: have %q, need %q", ErrRoleMismatch, actorRole, ticket.RequiredRole)
	}

	decision.Timestamp = time.Now().UTC()
	ticket.Decisions = append(ticket.Decisions, decision)

	if err := g.tickets.Save(ctx, ticket); err != nil {
		return nil, fmt.Errorf("failed to save decision: %w", err)
	}

	g.audit(ctx, ticket, models.AuditDecisionRecorded, map[string]any{
		"actor_id": decision.ActorID,
		"verdict":  string(decision.Verdict),
		"comment":  decision.Comment,
	})

	g.recordAgreement(ctx, ticket, decision)

	if err := g.applyQuorum(ctx, ticket); err != nil {
		return nil, err
	}

	return ticket, nil
}

// recordAgreement feeds the scorer when the ticket carries a reference
// recommendation, then lets the escalation controller check the threshold.
func (g *Gate) recordAgreement(ctx context.Context, ticket *models.ReviewTicket, decision models.Decision) {
	if g.scorer == nil || ticket.Recommendation == "" {
		return
	}

	agreed := decision.Approving() == (ticket.Recommendation != string(models.VerdictReject))

	if err := g.scorer.Record(ctx, decision.ActorID, agreed); err != nil {
		g.logger.ErrorContext(ctx, "Failed to record scorer decision", "actor_id", decision.ActorID, "error", err)

		return
	}

	if g.escalator == nil {
		return
	}

	if err := g.escalator.CheckScore(ctx, decision.ActorID, ticket); err != nil {
		g.logger.ErrorContext(ctx, "Score check failed", "actor_id", decision.ActorID, "error", err)
	}
}

func (g *Gate) applyQuorum(ctx context.Context, ticket *models.ReviewTicket) error {
	approvals, rejections := ticket.Tally()

	switch {
	case approvals >= ticket.Quorum:
		return g.resolve(ctx, ticket, models.TicketStatusApproved, "quorum approved")
	case rejections >= ticket.Quorum:
		return g.resolve(ctx, ticket, models.TicketStatusRejected, "quorum rejected")
	default:
		return nil
	}
}

func (g *Gate) resolve(ctx context.Context, ticket *models.ReviewTicket, status models.TicketStatus, reason string) error {
	won, err := g.tickets.Resolve(ctx, ticket.ID, status, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to resolve ticket %s: %w", ticket.ID, err)
	}

	if !won {
		return nil
	}

	ticket.Status = status
	ticket.Reason = reason

	g.audit(ctx, ticket, models.AuditTicketResolved, map[string]any{
		"status": string(status),
		"reason": reason,
	})

	g.publishResolved(ctx, ticket)

	if g.resolver != nil {
		if err := g.resolver.TicketResolved(ctx, ticket); err != nil {
			return fmt.Errorf("resolver failed for ticket %s: %w", ticket.ID, err)
		}
	}

	return nil
}

// SweepTimeouts times out every waiting ticket past its deadline. The store's
// compare-and-swap guarantees a ticket times out exactly once even when
// sweeps run concurrently; only the winning sweep escalates.
func (g *Gate) SweepTimeouts(ctx context.Context, now time.Time) error {
	expired, err := g.tickets.ListExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list expired tickets: %w", err)
	}

	for _, ticket := range expired {
		if err := g.timeOut(ctx, ticket, now); err != nil {
			g.logger.ErrorContext(ctx, "Failed to time out ticket", "ticket_id", ticket.ID, "error", err)
		}
	}

	return nil
}

func (g *Gate) timeOut(ctx context.Context, ticket *models.ReviewTicket, now time.Time) error {
	won, err := g.tickets.Resolve(ctx, ticket.ID, models.TicketStatusTimedOut, string(models.EscalationReasonSLABreach), now)
	if err != nil {
		return err
	}

	if !won {
		return nil
	}

	ticket.Status = models.TicketStatusTimedOut
	ticket.Reason = string(models.EscalationReasonSLABreach)

	g.audit(ctx, ticket, models.AuditSLABreached, map[string]any{
		"deadline": ticket.Deadline.Format(time.RFC3339),
	})
	g.audit(ctx, ticket, models.AuditTicketResolved, map[string]any{
		"status": string(models.TicketStatusTimedOut),
		"reason": ticket.Reason,
	})

	g.publishResolved(ctx, ticket)

	candidate, escalated, err := g.escalator.OnSlaBreach(ctx, ticket)
	if err != nil {
		return err
	}

	if escalated && candidate != "" {
		// Reopen the review with the backup actor; the step stays waiting.
		return g.reopenFor(ctx, ticket, candidate, now)
	}

	// Nobody to hand the work to: surface through the scheduler, which
	// escalates the step and suspends the instance.
	if g.resolver != nil {
		ticket.Reason = string(models.EscalationReasonNoCandidate)

		return g.resolver.TicketResolved(ctx, ticket)
	}

	return nil
}

// reopenFor creates the replacement ticket after an SLA breach, assigned to
// the backup actor with a fresh deadline of the same length.
func (g *Gate) reopenFor(ctx context.Context, ticket *models.ReviewTicket, candidate string, now time.Time) error {
	replacement := &models.ReviewTicket{
		ID:             uuid.New().String(),
		InstanceID:     ticket.InstanceID,
		StepID:         ticket.StepID,
		RequiredRole:   ticket.RequiredRole,
		Quorum:         ticket.Quorum,
		AssignedActor:  candidate,
		Recommendation: ticket.Recommendation,
		Decisions:      []models.Decision{},
		Status:         models.TicketStatusWaiting,
		Deadline:       now.Add(ticket.Deadline.Sub(ticket.CreatedAt)),
		CreatedAt:      now,
	}

	if err := g.tickets.Save(ctx, replacement); err != nil {
		return fmt.Errorf("failed to save replacement ticket: %w", err)
	}

	g.audit(ctx, replacement, models.AuditTicketCreated, map[string]any{
		"required_role":  replacement.RequiredRole,
		"quorum":         replacement.Quorum,
		"assigned_actor": candidate,
		"replaces":       ticket.ID,
	})

	g.publishCreated(ctx, replacement)

	if g.notifier != nil {
		g.notifier.TicketPending(ctx, replacement)
	}

	// The step state still names the breached actor; hand the new assignee
	// to the scheduler.
	if g.resolver != nil {
		if err := g.resolver.TicketReassigned(ctx, replacement); err != nil {
			return fmt.Errorf("reassignment callback failed for ticket %s: %w", replacement.ID, err)
		}
	}

	return nil
}

// CancelInstanceTickets times out all waiting tickets of a cancelled
// instance with reason CANCELLED. No escalation fires for these.
func (g *Gate) CancelInstanceTickets(ctx context.Context, instanceID string) error {
	waiting, err := g.tickets.ListWaiting(ctx)
	if err != nil {
		return fmt.Errorf("failed to list waiting tickets: %w", err)
	}

	now := time.Now().UTC()

	for _, ticket := range waiting {
		if ticket.InstanceID != instanceID {
			continue
		}

		won, err := g.tickets.Resolve(ctx, ticket.ID, models.TicketStatusTimedOut, "CANCELLED", now)
		if err != nil {
			return err
		}

		if won {
			ticket.Status = models.TicketStatusTimedOut
			ticket.Reason = "CANCELLED"
			g.audit(ctx, ticket, models.AuditTicketResolved, map[string]any{
				"status": string(models.TicketStatusTimedOut),
				"reason": "CANCELLED",
			})
		}
	}

	return nil
}

// MergedResult folds the payload patches of approving tweak verdicts into
// the step result, in decision order.
func MergedResult(ticket *models.ReviewTicket, base map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	maps.Copy(result, base)

	for _, decision := range ticket.EffectiveDecisions() {
		if decision.Verdict == models.VerdictTweak {
			maps.Copy(result, decision.PayloadPatch)
		}
	}

	return result
}

func (g *Gate) audit(ctx context.Context, ticket *models.ReviewTicket, eventType models.AuditEventType, payload map[string]any) {
	payload["ticket_id"] = ticket.ID

	_, err := g.ledger.Append(ctx, ledger.Proposed{
		InstanceID: ticket.InstanceID,
		Type:       eventType,
		StepID:     ticket.StepID,
		Payload:    payload,
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "Failed to audit ticket transition",
			"ticket_id", ticket.ID, "type", string(eventType), "error", err)
	}
}

func (g *Gate) publishCreated(ctx context.Context, ticket *models.ReviewTicket) {
	if g.eventBus == nil {
		return
	}

	event := events.TicketCreated{
		BaseEvent:    events.NewBaseEvent(events.TicketCreatedEvent, ticket.InstanceID),
		TicketID:     ticket.ID,
		StepID:       ticket.StepID,
		RequiredRole: ticket.RequiredRole,
		Deadline:     ticket.Deadline,
	}

	if err := g.eventBus.Publish(ctx, ticket.InstanceID, event); err != nil {
		g.logger.ErrorContext(ctx, "Failed to publish ticket created event", "ticket_id", ticket.ID, "error", err)
	}
}

func (g *Gate) publishResolved(ctx context.Context, ticket *models.ReviewTicket) {
	if g.eventBus == nil {
		return
	}

	event := events.TicketResolved{
		BaseEvent: events.NewBaseEvent(events.TicketResolvedEvent, ticket.InstanceID),
		TicketID:  ticket.ID,
		StepID:    ticket.StepID,
		Status:    ticket.Status,
		Reason:    ticket.Reason,
	}

	if err := g.eventBus.Publish(ctx, ticket.InstanceID, event); err != nil {
		g.logger.ErrorContext(ctx, "Failed to publish ticket resolved event", "ticket_id", ticket.ID, "error", err)
	}
}
