// Package scheduler drives workflow instances through their DAGs: it promotes
// steps whose dependencies are satisfied, runs policy checks around dispatch,
// hands automated steps to the executor pool and human steps to the HITL gate,
// and decides instance-level outcomes. All step-state mutation happens here,
// serialized per instance.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateflow/gateflow/pkg/eventbus"
	"github.com/gateflow/gateflow/pkg/events"
	"github.com/gateflow/gateflow/pkg/executor"
	"github.com/gateflow/gateflow/pkg/hitl"
	"github.com/gateflow/gateflow/pkg/ledger"
	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
	"github.com/gateflow/gateflow/pkg/policy"
	"github.com/google/uuid"
)

const cancelledReason = "CANCELLED"

// Dispatcher runs automated step attempts. Implemented by executor.Pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, instance *models.WorkflowInstance, step models.StepDefinition, attempt int) error
}

// HumanGate owns review tickets for human steps. Implemented by hitl.Gate.
type HumanGate interface {
	CreateTicket(ctx context.Context, instance *models.WorkflowInstance, step models.StepDefinition) (*models.ReviewTicket, error)
	CancelInstanceTickets(ctx context.Context, instanceID string) error
}

// PolicyEvaluator gates dispatch and completion. Implemented by policy.Gate.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, policyID, instanceID, stepID string, evalContext map[string]any) policy.Evaluation
}

type Scheduler struct {
	definitions persistence.DefinitionRepository
	instances   persistence.InstanceRepository
	ledger      *ledger.Ledger
	policies    PolicyEvaluator
	human       HumanGate
	pool        Dispatcher
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	ctxs    map[string]context.Context
	cancels map[string]context.CancelFunc
}

func NewScheduler(
	definitions persistence.DefinitionRepository,
	instances persistence.InstanceRepository,
	auditLedger *ledger.Ledger,
	policies PolicyEvaluator,
	human HumanGate,
	pool Dispatcher,
	eventBus eventbus.EventPublisher,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		definitions: definitions,
		instances:   instances,
		ledger:      auditLedger,
		policies:    policies,
		human:       human,
		pool:        pool,
		eventBus:    eventBus,
		logger:      logger.With("module", "scheduler"),
		locks:       make(map[string]*sync.Mutex),
		ctxs:        make(map[string]context.Context),
		cancels:     make(map[string]context.CancelFunc),
	}
}

func (s *Scheduler) instanceLock(instanceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[instanceID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[instanceID] = lock
	}

	return lock
}

// instanceContext returns the long-lived context automated attempts of this
// instance run under. Cancelled on instance cancellation or completion.
func (s *Scheduler) instanceContext(instanceID string) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx, ok := s.ctxs[instanceID]; ok {
		return ctx
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.ctxs[instanceID] = ctx
	s.cancels[instanceID] = cancel

	return ctx
}

func (s *Scheduler) cancelInstanceContext(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.cancels[instanceID]; ok {
		cancel()
		delete(s.cancels, instanceID)
		delete(s.ctxs, instanceID)
	}
}

// Submit validates the definition reference, creates a RUNNING instance with
// every step PENDING, and performs the first tick.
func (s *Scheduler) Submit(ctx context.Context, definitionID string, payload map[string]any) (*models.WorkflowInstance, error) {
	definition, err := s.definitions.GetByID(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	if err := definition.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	instance := &models.WorkflowInstance{
		ID:                uuid.New().String(),
		DefinitionID:      definition.ID,
		DefinitionVersion: definition.Version,
		Status:            models.InstanceStatusRunning,
		Payload:           payload,
		StepStates:        make(map[string]*models.StepState, len(definition.Steps)),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	for _, step := range definition.Steps {
		instance.StepStates[step.ID] = &models.StepState{StepID: step.ID, Status: models.StepStatusPending}
	}

	if err := s.instances.Save(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}

	s.audit(ctx, instance.ID, models.AuditInstanceSubmitted, "", "", map[string]any{
		"definition_id":      definition.ID,
		"definition_version": definition.Version,
	})

	s.publish(ctx, instance.ID, events.InstanceSubmitted{
		BaseEvent:    events.NewBaseEvent(events.InstanceSubmittedEvent, instance.ID),
		DefinitionID: definition.ID,
	})

	if err := s.Tick(ctx, instance.ID); err != nil {
		return nil, err
	}

	return s.instances.GetByID(ctx, instance.ID)
}

// Tick advances one instance as far as it can go right now. Safe to call
// redundantly; the reconciler does exactly that.
func (s *Scheduler) Tick(ctx context.Context, instanceID string) error {
	lock := s.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	return s.tickLocked(ctx, instanceID)
}

func (s *Scheduler) tickLocked(ctx context.Context, instanceID string) error {
	instance, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}

	if instance.Status != models.InstanceStatusRunning {
		return nil
	}

	definition, err := s.definitions.GetByID(ctx, instance.DefinitionID)
	if err != nil {
		return err
	}

	s.promote(ctx, instance, definition)
	s.dispatchReady(ctx, instance, definition)
	s.finalize(ctx, instance, definition)

	instance.UpdatedAt = time.Now().UTC()

	return s.instances.Save(ctx, instance)
}

// promote moves PENDING steps whose dependencies are all satisfied to READY.
// A step behind a failed or escalated dependency stays PENDING forever; it is
// swept up when the instance finalizes.
func (s *Scheduler) promote(ctx context.Context, instance *models.WorkflowInstance, definition *models.WorkflowDefinition) {
	for _, step := range definition.Steps {
		state := instance.StepState(step.ID)
		if state.Status != models.StepStatusPending {
			continue
		}

		satisfied := true

		for _, dep := range step.DependsOn {
			if !instance.StepState(dep).Status.Satisfied() {
				satisfied = false

				break
			}
		}

		if !satisfied {
			continue
		}

		state.Status = models.StepStatusReady
		s.audit(ctx, instance.ID, models.AuditStepReady, step.ID, "", nil)
	}
}

func (s *Scheduler) dispatchReady(ctx context.Context, instance *models.WorkflowInstance, definition *models.WorkflowDefinition) {
	now := time.Now()

	for _, step := range definition.Steps {
		state := instance.StepState(step.ID)
		if state.Status != models.StepStatusReady {
			continue
		}

		if state.NextAttemptAt != nil && state.NextAttemptAt.After(now) {
			continue
		}

		s.dispatch(ctx, instance, definition, step)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, instance *models.WorkflowInstance, definition *models.WorkflowDefinition, step models.StepDefinition) {
	if step.PrePolicyID != "" {
		evaluation := s.policies.Evaluate(ctx, step.PrePolicyID, instance.ID, step.ID, s.policyContext(instance, step, nil))
		if !evaluation.Allow {
			s.failStep(ctx, instance, step.ID, "POLICY_BLOCKED: "+evaluation.Reason)

			return
		}
	}

	state := instance.StepState(step.ID)
	state.Attempts++
	state.NextAttemptAt = nil
	now := time.Now().UTC()
	state.StartedAt = &now

	s.audit(ctx, instance.ID, models.AuditStepDispatched, step.ID, "", map[string]any{
		"kind":    string(step.Kind),
		"attempt": state.Attempts,
	})

	s.publish(ctx, instance.ID, events.StepDispatched{
		BaseEvent: events.NewBaseEvent(events.StepDispatchedEvent, instance.ID),
		StepID:    step.ID,
		Kind:      step.Kind,
	})

	switch step.Kind {
	case models.StepKindHuman:
		state.Status = models.StepStatusWaitingHuman

		ticket, err := s.human.CreateTicket(ctx, instance, step)
		if err != nil {
			s.failStep(ctx, instance, step.ID, "failed to open review ticket: "+err.Error())

			return
		}

		state.AssignedActor = ticket.AssignedActor
	case models.StepKindAutomated:
		state.Status = models.StepStatusRunning

		if err := s.pool.Dispatch(s.instanceContext(instance.ID), instance, step, state.Attempts); err != nil {
			s.failStep(ctx, instance, step.ID, "failed to dispatch step: "+err.Error())
		}
	}
}

// OnStepOutcome is the executor pool's completion callback.
func (s *Scheduler) OnStepOutcome(ctx context.Context, outcome executor.Outcome) {
	lock := s.instanceLock(outcome.InstanceID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.applyOutcome(ctx, outcome); err != nil {
		s.logger.ErrorContext(ctx, "Failed to apply step outcome",
			"instance_id", outcome.InstanceID, "step_id", outcome.StepID, "error", err)
	}
}

func (s *Scheduler) applyOutcome(ctx context.Context, outcome executor.Outcome) error {
	instance, err := s.instances.GetByID(ctx, outcome.InstanceID)
	if err != nil {
		return err
	}

	state := instance.StepState(outcome.StepID)

	// Stale outcome: the step moved on (cancellation, reconciler re-dispatch).
	if instance.Status.Terminal() || state.Status != models.StepStatusRunning || state.Attempts != outcome.Attempt {
		return nil
	}

	definition, err := s.definitions.GetByID(ctx, instance.DefinitionID)
	if err != nil {
		return err
	}

	step, _ := definition.Step(outcome.StepID)

	switch {
	case outcome.Err == nil:
		s.completeStep(ctx, instance, step, outcome.Result)
	case outcome.Transient() && retriesLeft(step, state):
		s.scheduleRetry(ctx, instance, step, state, outcome.Err)
	default:
		s.failStep(ctx, instance, step.ID, outcome.Err.Error())
	}

	s.promote(ctx, instance, definition)
	s.dispatchReady(ctx, instance, definition)
	s.finalize(ctx, instance, definition)

	instance.UpdatedAt = time.Now().UTC()

	return s.instances.Save(ctx, instance)
}

func retriesLeft(step models.StepDefinition, state *models.StepState) bool {
	return step.Retry != nil && state.Attempts <= step.Retry.MaxRetries
}

// completeStep runs the post-dispatch policy check and marks the step
// SUCCEEDED when it passes.
func (s *Scheduler) completeStep(ctx context.Context, instance *models.WorkflowInstance, step models.StepDefinition, result map[string]any) {
	if step.PostPolicyID != "" {
		evaluation := s.policies.Evaluate(ctx, step.PostPolicyID, instance.ID, step.ID, s.policyContext(instance, step, result))
		if !evaluation.Allow {
			s.failStep(ctx, instance, step.ID, "POLICY_BLOCKED: "+evaluation.Reason)

			return
		}
	}

	state := instance.StepState(step.ID)
	state.Status = models.StepStatusSucceeded
	state.Result = result
	state.Reason = ""
	now := time.Now().UTC()
	state.FinishedAt = &now

	s.audit(ctx, instance.ID, models.AuditStepSucceeded, step.ID, "", map[string]any{"attempt": state.Attempts})

	s.publish(ctx, instance.ID, events.StepCompleted{
		BaseEvent: events.NewBaseEvent(events.StepCompletedEvent, instance.ID),
		StepID:    step.ID,
		Status:    models.StepStatusSucceeded,
	})
}

func (s *Scheduler) scheduleRetry(ctx context.Context, instance *models.WorkflowInstance, step models.StepDefinition, state *models.StepState, cause error) {
	delay := step.Retry.Backoff(state.Attempts)
	next := time.Now().UTC().Add(delay)

	state.Status = models.StepStatusReady
	state.NextAttemptAt = &next
	state.Reason = cause.Error()

	s.audit(ctx, instance.ID, models.AuditStepRetryScheduled, step.ID, "", map[string]any{
		"attempt":         state.Attempts,
		"next_attempt_at": next.Format(time.RFC3339),
		"cause":           cause.Error(),
	})

	instanceID := instance.ID

	time.AfterFunc(delay, func() {
		if err := s.Tick(context.Background(), instanceID); err != nil {
			s.logger.Error("Retry tick failed", "instance_id", instanceID, "error", err)
		}
	})
}

func (s *Scheduler) failStep(ctx context.Context, instance *models.WorkflowInstance, stepID, reason string) {
	state := instance.StepState(stepID)
	state.Status = models.StepStatusFailed
	state.Reason = reason
	now := time.Now().UTC()
	state.FinishedAt = &now

	s.audit(ctx, instance.ID, models.AuditStepFailed, stepID, "", map[string]any{"reason": reason})

	s.publish(ctx, instance.ID, events.StepCompleted{
		BaseEvent: events.NewBaseEvent(events.StepCompletedEvent, instance.ID),
		StepID:    stepID,
		Status:    models.StepStatusFailed,
		Reason:    reason,
	})
}

// finalize decides whether the instance is done. Completion requires every
// step satisfied. A permanent step failure fails the instance, but only after
// in-flight work has drained: running steps finish, pending steps behind the
// failure are never dispatched.
func (s *Scheduler) finalize(ctx context.Context, instance *models.WorkflowInstance, definition *models.WorkflowDefinition) {
	if instance.Status != models.InstanceStatusRunning {
		return
	}

	allSatisfied := true
	active := false
	failedStep := ""

	for _, step := range definition.Steps {
		state := instance.StepState(step.ID)

		if !state.Status.Satisfied() {
			allSatisfied = false
		}

		switch state.Status {
		// READY here means a retry waiting out its backoff; due steps were
		// dispatched just before finalize runs.
		case models.StepStatusRunning, models.StepStatusWaitingHuman,
			models.StepStatusEscalated, models.StepStatusReady:
			active = true
		case models.StepStatusFailed:
			if failedStep == "" {
				failedStep = step.ID
			}
		}
	}

	switch {
	case allSatisfied:
		s.finish(ctx, instance, models.InstanceStatusCompleted, "")
	case failedStep != "" && !active:
		state := instance.StepState(failedStep)
		s.finish(ctx, instance, models.InstanceStatusFailed,
			fmt.Sprintf("step %s failed: %s", failedStep, state.Reason))
	}
}

func (s *Scheduler) finish(ctx context.Context, instance *models.WorkflowInstance, status models.InstanceStatus, reason string) {
	instance.Status = status
	instance.Reason = reason
	now := time.Now().UTC()
	instance.FinishedAt = &now

	eventType := models.AuditInstanceCompleted
	if status == models.InstanceStatusFailed {
		eventType = models.AuditInstanceFailed
	}

	s.audit(ctx, instance.ID, eventType, "", "", map[string]any{"reason": reason})

	s.publish(ctx, instance.ID, events.InstanceFinished{
		BaseEvent: events.NewBaseEvent(events.InstanceFinishedEvent, instance.ID),
		Status:    string(status),
		Reason:    reason,
	})

	s.cancelInstanceContext(instance.ID)

	s.logger.InfoContext(ctx, "Instance finished",
		"instance_id", instance.ID, "status", string(status), "reason", reason)
}

// TicketResolved implements the HITL gate's resolver callback: it maps
// terminal ticket outcomes onto step state.
func (s *Scheduler) TicketResolved(ctx context.Context, ticket *models.ReviewTicket) error {
	lock := s.instanceLock(ticket.InstanceID)
	lock.Lock()
	defer lock.Unlock()

	instance, err := s.instances.GetByID(ctx, ticket.InstanceID)
	if err != nil {
		return err
	}

	if instance.Status.Terminal() {
		return nil
	}

	definition, err := s.definitions.GetByID(ctx, instance.DefinitionID)
	if err != nil {
		return err
	}

	step, ok := definition.Step(ticket.StepID)
	if !ok {
		return fmt.Errorf("ticket %s references unknown step %s", ticket.ID, ticket.StepID)
	}

	state := instance.StepState(ticket.StepID)
	if state.Status != models.StepStatusWaitingHuman {
		return nil
	}

	switch ticket.Status {
	case models.TicketStatusApproved:
		s.completeStep(ctx, instance, step, hitl.MergedResult(ticket, state.Result))
	case models.TicketStatusRejected:
		if step.Retry != nil && step.Retry.RetryOnReject && state.Attempts <= step.Retry.MaxRetries {
			s.scheduleRetry(ctx, instance, step, state, errors.New("rejected by reviewers"))
		} else {
			s.failStep(ctx, instance, step.ID, "rejected by reviewers: "+ticket.Reason)
		}
	case models.TicketStatusTimedOut:
		if ticket.Reason == string(models.EscalationReasonNoCandidate) {
			s.escalateStep(ctx, instance, ticket)
		}
		// Reason CANCELLED: the cancel path already settled the step.
	}

	s.promote(ctx, instance, definition)
	s.dispatchReady(ctx, instance, definition)
	s.finalize(ctx, instance, definition)

	instance.UpdatedAt = time.Now().UTC()

	return s.instances.Save(ctx, instance)
}

// TicketReassigned is the HITL gate's reassignment callback: an SLA breach
// handed the review to a backup actor, and the step state must name the new
// assignee.
func (s *Scheduler) TicketReassigned(ctx context.Context, ticket *models.ReviewTicket) error {
	lock := s.instanceLock(ticket.InstanceID)
	lock.Lock()
	defer lock.Unlock()

	instance, err := s.instances.GetByID(ctx, ticket.InstanceID)
	if err != nil {
		return err
	}

	if instance.Status.Terminal() {
		return nil
	}

	state := instance.StepState(ticket.StepID)
	if state.Status != models.StepStatusWaitingHuman {
		return nil
	}

	state.AssignedActor = ticket.AssignedActor
	instance.UpdatedAt = time.Now().UTC()

	return s.instances.Save(ctx, instance)
}

// escalateStep parks the step and suspends the instance: an SLA breach with
// no reachable backup needs an operator.
func (s *Scheduler) escalateStep(ctx context.Context, instance *models.WorkflowInstance, ticket *models.ReviewTicket) {
	state := instance.StepState(ticket.StepID)
	state.Status = models.StepStatusEscalated
	state.Reason = string(models.EscalationReasonNoCandidate)

	instance.Status = models.InstanceStatusSuspended
	instance.Reason = fmt.Sprintf("step %s escalated: no candidate for role %s", ticket.StepID, ticket.RequiredRole)

	s.audit(ctx, instance.ID, models.AuditInstanceSuspended, ticket.StepID, "", map[string]any{
		"reason": instance.Reason,
	})

	s.logger.WarnContext(ctx, "Instance suspended",
		"instance_id", instance.ID, "step_id", ticket.StepID, "reason", instance.Reason)
}

// Cancel stops an instance. Idempotent: cancelling a terminal instance is a
// no-op. Non-terminal steps are SKIPPED, open tickets timed out, in-flight
// automated attempts aborted through context cancellation.
func (s *Scheduler) Cancel(ctx context.Context, instanceID string) error {
	lock := s.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	instance, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}

	if instance.Status.Terminal() {
		return nil
	}

	for _, state := range instance.StepStates {
		if state.Status.Terminal() {
			continue
		}

		state.Status = models.StepStatusSkipped
		state.Reason = cancelledReason

		s.audit(ctx, instance.ID, models.AuditStepSkipped, state.StepID, "", map[string]any{"reason": cancelledReason})
	}

	instance.Status = models.InstanceStatusCancelled
	instance.Reason = cancelledReason
	now := time.Now().UTC()
	instance.FinishedAt = &now
	instance.UpdatedAt = now

	if err := s.instances.Save(ctx, instance); err != nil {
		return fmt.Errorf("failed to save cancelled instance: %w", err)
	}

	s.audit(ctx, instance.ID, models.AuditInstanceCancelled, "", "", nil)

	s.publish(ctx, instance.ID, events.InstanceFinished{
		BaseEvent: events.NewBaseEvent(events.InstanceFinishedEvent, instance.ID),
		Status:    string(models.InstanceStatusCancelled),
		Reason:    cancelledReason,
	})

	s.cancelInstanceContext(instanceID)

	return s.human.CancelInstanceTickets(ctx, instanceID)
}

// policyContext is the evaluation input policy rules see: the instance
// payload plus the step result when one exists.
func (s *Scheduler) policyContext(instance *models.WorkflowInstance, step models.StepDefinition, result map[string]any) map[string]any {
	evalContext := map[string]any{
		"payload": instance.Payload,
		"step_id": step.ID,
	}

	if result != nil {
		evalContext["result"] = result
	}

	return evalContext
}

func (s *Scheduler) audit(ctx context.Context, instanceID string, eventType models.AuditEventType, stepID, actorID string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}

	_, err := s.ledger.Append(ctx, ledger.Proposed{
		InstanceID: instanceID,
		Type:       eventType,
		StepID:     stepID,
		ActorID:    actorID,
		Payload:    payload,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to append audit event",
			"instance_id", instanceID, "type", string(eventType), "error", err)
	}
}

func (s *Scheduler) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.eventBus == nil {
		return
	}

	if err := s.eventBus.Publish(ctx, key, event); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish event", "type", string(event.GetType()), "error", err)
	}
}
