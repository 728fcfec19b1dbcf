// Package persistence provides the data storage abstraction layer for the orchestrator.
package persistence

import (
	"context"
	"time"

	"github.com/gateflow/gateflow/pkg/models"
)

// DefinitionRepository stores immutable workflow definitions.
type DefinitionRepository interface {
	Save(ctx context.Context, def *models.WorkflowDefinition) error
	GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	List(ctx context.Context) ([]*models.WorkflowDefinition, error)
}

// InstanceRepository stores workflow instances and their step states. The
// scheduler is the only writer.
type InstanceRepository interface {
	Save(ctx context.Context, instance *models.WorkflowInstance) error
	GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error)
	ListByStatus(ctx context.Context, status models.InstanceStatus) ([]*models.WorkflowInstance, error)
}

// TicketRepository stores review tickets. Resolve applies a terminal status
// only while the ticket is still waiting, so concurrent resolvers (quorum vs
// timeout sweep) cannot both win.
type TicketRepository interface {
	Save(ctx context.Context, ticket *models.ReviewTicket) error
	GetByID(ctx context.Context, id string) (*models.ReviewTicket, error)
	ListWaiting(ctx context.Context) ([]*models.ReviewTicket, error)
	ListExpired(ctx context.Context, now time.Time) ([]*models.ReviewTicket, error)
	Resolve(ctx context.Context, id string, status models.TicketStatus, reason string, resolvedAt time.Time) (bool, error)
}

// LedgerRepository is the append-only store behind the audit ledger. Append
// must reject any seq that does not extend the instance's chain by exactly
// one; there is no update or delete operation by design.
type LedgerRepository interface {
	Append(ctx context.Context, event *models.AuditEvent) error
	Events(ctx context.Context, instanceID string, fromSeq int64) ([]*models.AuditEvent, error)
	Last(ctx context.Context, instanceID string) (*models.AuditEvent, error)
	Freeze(ctx context.Context, instanceID string) error
	Unfreeze(ctx context.Context, instanceID string) error
	Frozen(ctx context.Context, instanceID string) (bool, error)
}

// EscalationRepository stores escalation tickets. CreateIfAbsent enforces at
// most one ticket per dedupe key.
type EscalationRepository interface {
	CreateIfAbsent(ctx context.Context, ticket *models.EscalationTicket) (bool, error)
	GetByID(ctx context.Context, id string) (*models.EscalationTicket, error)
	ListOpen(ctx context.Context) ([]*models.EscalationTicket, error)
	Close(ctx context.Context, id string, closedAt time.Time) error
}

type Persistence interface {
	Definitions() DefinitionRepository
	Instances() InstanceRepository
	Tickets() TicketRepository
	Ledger() LedgerRepository
	Escalations() EscalationRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
