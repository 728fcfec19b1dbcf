package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gateflow/gateflow/pkg/hitl"
	"github.com/gateflow/gateflow/pkg/ledger"
	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
	"github.com/gateflow/gateflow/pkg/scheduler"
	"github.com/gateflow/gateflow/pkg/scoring"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Orchestrator is the service façade the HTTP layer talks to. It validates
// input, delegates to the scheduler / HITL gate / ledger / scorer, and maps
// domain errors onto the service error taxonomy.
type Orchestrator struct {
	persistence persistence.Persistence
	scheduler   *scheduler.Scheduler
	gate        *hitl.Gate
	ledger      *ledger.Ledger
	scorer      *scoring.Scorer
	validator   *validator.Validate
}

func NewOrchestrator(
	store persistence.Persistence,
	sched *scheduler.Scheduler,
	gate *hitl.Gate,
	auditLedger *ledger.Ledger,
	scorer *scoring.Scorer,
	validate *validator.Validate,
) *Orchestrator {
	return &Orchestrator{
		persistence: store,
		scheduler:   sched,
		gate:        gate,
		ledger:      auditLedger,
		scorer:      scorer,
		validator:   validate,
	}
}

// HealthCheck checks the health of the persistence layer.
func (o *Orchestrator) HealthCheck(ctx context.Context) (string, bool) {
	if o.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := o.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// RegisterDefinition validates and stores a workflow definition. Structural
// violations (cycles, duplicate IDs, dangling deps) are validation errors.
func (o *Orchestrator) RegisterDefinition(ctx context.Context, definition *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if definition == nil {
		return nil, NewValidationError("RegisterDefinition", "invalid_definition", "definition is required", ErrInvalidRequest)
	}

	if definition.Name == "" {
		return nil, NewValidationError("RegisterDefinition", "name_required", "definition name is required", ErrDefinitionNameRequired)
	}

	if len(definition.Steps) == 0 {
		return nil, NewValidationError("RegisterDefinition", "steps_required", "definition must have at least one step", ErrStepsRequired)
	}

	if definition.ID == "" {
		definition.ID = uuid.New().String()
	}

	if definition.Version <= 0 {
		definition.Version = 1
	}

	definition.CreatedAt = time.Now().UTC()

	if err := o.validator.Struct(definition); err != nil {
		return nil, NewValidationError("RegisterDefinition", "invalid_definition", err.Error(), ErrInvalidRequest)
	}

	if err := definition.Validate(); err != nil {
		return nil, NewValidationError("RegisterDefinition", "invalid_definition", err.Error(), ErrInvalidRequest)
	}

	if err := o.persistence.Definitions().Save(ctx, definition); err != nil {
		return nil, fmt.Errorf("failed to save definition: %w", err)
	}

	return definition, nil
}

// GetDefinition fetches one workflow definition by ID.
func (o *Orchestrator) GetDefinition(ctx context.Context, definitionID string) (*models.WorkflowDefinition, error) {
	return o.persistence.Definitions().GetByID(ctx, definitionID)
}

// StartInstance submits a new instance of the definition with the given
// payload and returns it after the first scheduling pass.
func (o *Orchestrator) StartInstance(ctx context.Context, definitionID string, payload map[string]any) (*models.WorkflowInstance, error) {
	instance, err := o.scheduler.Submit(ctx, definitionID, payload)
	if err != nil {
		if models.IsInvalidDefinition(err) {
			return nil, NewValidationError("StartInstance", "invalid_definition", err.Error(), ErrInvalidRequest)
		}

		return nil, err
	}

	return instance, nil
}

// GetInstance fetches one instance with its full step-state map.
func (o *Orchestrator) GetInstance(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	return o.persistence.Instances().GetByID(ctx, instanceID)
}

// CancelInstance cancels an instance. Idempotent.
func (o *Orchestrator) CancelInstance(ctx context.Context, instanceID string) error {
	return o.scheduler.Cancel(ctx, instanceID)
}

// DecisionRequest is one reviewer verdict on a ticket.
type DecisionRequest struct {
	ActorID      string         `json:"actor_id"   validate:"required"`
	ActorRole    string         `json:"actor_role" validate:"required"`
	Verdict      string         `json:"verdict"    validate:"required,oneof=approve reject tweak"`
	Comment      string         `json:"comment,omitempty"`
	PayloadPatch map[string]any `json:"payload_patch,omitempty"`
}

// SubmitDecision records a reviewer verdict and returns the updated ticket.
func (o *Orchestrator) SubmitDecision(ctx context.Context, ticketID string, request DecisionRequest) (*models.ReviewTicket, error) {
	if err := o.validator.Struct(request); err != nil {
		return nil, NewValidationError("SubmitDecision", "invalid_decision", err.Error(), ErrInvalidRequest)
	}

	decision := models.Decision{
		ActorID:      request.ActorID,
		Verdict:      models.Verdict(request.Verdict),
		Comment:      request.Comment,
		PayloadPatch: request.PayloadPatch,
	}

	ticket, err := o.gate.SubmitDecision(ctx, ticketID, request.ActorRole, decision)
	if err != nil {
		switch {
		case errors.Is(err, hitl.ErrTicketResolved):
			return ticket, &ServiceError{Op: "SubmitDecision", Code: "ticket_resolved", Err: ErrTicketAlreadyResolved}
		case errors.Is(err, hitl.ErrRoleMismatch):
			return nil, &ServiceError{Op: "SubmitDecision", Code: "role_mismatch", Message: err.Error(), Err: ErrRoleMismatch}
		default:
			return nil, err
		}
	}

	return ticket, nil
}

// AuditTrail returns the instance's audit events from fromSeq on, in order.
func (o *Orchestrator) AuditTrail(ctx context.Context, instanceID string, fromSeq int64) ([]*models.AuditEvent, error) {
	return o.ledger.Replay(ctx, instanceID, fromSeq)
}

// AuditVerification is the outcome of a hash-chain verification pass.
type AuditVerification struct {
	InstanceID string `json:"instance_id"`
	Valid      bool   `json:"valid"`
	BadSeq     int64  `json:"bad_seq,omitempty"`
}

// VerifyAudit re-walks the instance's hash chain. A failed verification has
// already frozen the segment by the time this returns.
func (o *Orchestrator) VerifyAudit(ctx context.Context, instanceID string) (*AuditVerification, error) {
	badSeq, err := o.ledger.VerifyInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, ledger.ErrIntegrity) {
			return &AuditVerification{InstanceID: instanceID, Valid: false, BadSeq: badSeq}, nil
		}

		return nil, err
	}

	return &AuditVerification{InstanceID: instanceID, Valid: true}, nil
}

// ActorScore returns the actor's rolling performance score.
func (o *Orchestrator) ActorScore(ctx context.Context, actorID string) (*models.ActorScore, error) {
	if actorID == "" {
		return nil, NewValidationError("ActorScore", "actor_required", "actor ID is required", ErrActorRequired)
	}

	score, err := o.scorer.Score(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to read actor score: %w", err)
	}

	return score, nil
}
