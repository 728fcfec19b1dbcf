// Package memory provides an in-memory persistence implementation for tests
// and local development. It implements the same repository interfaces as the
// durable stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
)

type Persistence struct {
	definitions *definitionRepository
	instances   *instanceRepository
	tickets     *ticketRepository
	ledger      *ledgerRepository
	escalations *escalationRepository
}

func NewPersistence() *Persistence {
	return &Persistence{
		definitions: &definitionRepository{items: make(map[string]*models.WorkflowDefinition)},
		instances:   &instanceRepository{items: make(map[string]*models.WorkflowInstance)},
		tickets:     &ticketRepository{items: make(map[string]*models.ReviewTicket)},
		ledger:      &ledgerRepository{chains: make(map[string][]*models.AuditEvent), frozen: make(map[string]bool)},
		escalations: &escalationRepository{items: make(map[string]*models.EscalationTicket), keys: make(map[string]string)},
	}
}

func (p *Persistence) Definitions() persistence.DefinitionRepository { return p.definitions }
func (p *Persistence) Instances() persistence.InstanceRepository     { return p.instances }
func (p *Persistence) Tickets() persistence.TicketRepository         { return p.tickets }
func (p *Persistence) Ledger() persistence.LedgerRepository          { return p.ledger }
func (p *Persistence) Escalations() persistence.EscalationRepository { return p.escalations }

func (p *Persistence) HealthCheck(_ context.Context) error { return nil }
func (p *Persistence) Close(_ context.Context) error       { return nil }

type definitionRepository struct {
	mu    sync.RWMutex
	items map[string]*models.WorkflowDefinition
}

func (r *definitionRepository) Save(_ context.Context, def *models.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *def
	r.items[def.ID] = &copied

	return nil
}

func (r *definitionRepository) GetByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.items[id]
	if !ok {
		return nil, persistence.ErrDefinitionNotFound
	}

	copied := *def

	return &copied, nil
}

func (r *definitionRepository) List(_ context.Context) ([]*models.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.WorkflowDefinition, 0, len(r.items))
	for _, def := range r.items {
		copied := *def
		out = append(out, &copied)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

type instanceRepository struct {
	mu    sync.RWMutex
	items map[string]*models.WorkflowInstance
}

func cloneInstance(instance *models.WorkflowInstance) *models.WorkflowInstance {
	copied := *instance
	copied.StepStates = make(map[string]*models.StepState, len(instance.StepStates))

	for id, state := range instance.StepStates {
		stateCopy := *state
		copied.StepStates[id] = &stateCopy
	}

	return &copied
}

func (r *instanceRepository) Save(_ context.Context, instance *models.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[instance.ID] = cloneInstance(instance)

	return nil
}

func (r *instanceRepository) GetByID(_ context.Context, id string) (*models.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instance, ok := r.items[id]
	if !ok {
		return nil, persistence.ErrInstanceNotFound
	}

	return cloneInstance(instance), nil
}

func (r *instanceRepository) ListByStatus(_ context.Context, status models.InstanceStatus) ([]*models.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.WorkflowInstance, 0)

	for _, instance := range r.items {
		if instance.Status == status {
			out = append(out, cloneInstance(instance))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

type ticketRepository struct {
	mu    sync.RWMutex
	items map[string]*models.ReviewTicket
}

func cloneTicket(ticket *models.ReviewTicket) *models.ReviewTicket {
	copied := *ticket
	copied.Decisions = make([]models.Decision, len(ticket.Decisions))
	copy(copied.Decisions, ticket.Decisions)

	return &copied
}

func (r *ticketRepository) Save(_ context.Context, ticket *models.ReviewTicket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[ticket.ID] = cloneTicket(ticket)

	return nil
}

func (r *ticketRepository) GetByID(_ context.Context, id string) (*models.ReviewTicket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ticket, ok := r.items[id]
	if !ok {
		return nil, persistence.ErrTicketNotFound
	}

	return cloneTicket(ticket), nil
}

func (r *ticketRepository) ListWaiting(_ context.Context) ([]*models.ReviewTicket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.ReviewTicket, 0)

	for _, ticket := range r.items {
		if ticket.Status == models.TicketStatusWaiting {
			out = append(out, cloneTicket(ticket))
		}
	}

	return out, nil
}

func (r *ticketRepository) ListExpired(_ context.Context, now time.Time) ([]*models.ReviewTicket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.ReviewTicket, 0)

	for _, ticket := range r.items {
		if ticket.Status == models.TicketStatusWaiting && now.After(ticket.Deadline) {
			out = append(out, cloneTicket(ticket))
		}
	}

	return out, nil
}

func (r *ticketRepository) Resolve(_ context.Context, id string, status models.TicketStatus, reason string, resolvedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ticket, ok := r.items[id]
	if !ok {
		return false, persistence.ErrTicketNotFound
	}

	if ticket.Status != models.TicketStatusWaiting {
		return false, nil
	}

	ticket.Status = status
	ticket.Reason = reason
	ticket.ResolvedAt = &resolvedAt

	return true, nil
}

type ledgerRepository struct {
	mu     sync.RWMutex
	chains map[string][]*models.AuditEvent
	frozen map[string]bool
}

func (r *ledgerRepository) Append(_ context.Context, event *models.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen[event.InstanceID] {
		return persistence.ErrLedgerFrozen
	}

	chain := r.chains[event.InstanceID]
	if event.Seq != int64(len(chain))+1 {
		return persistence.NewStoreError("Append", "ledger", event.InstanceID, persistence.ErrSequenceConflict)
	}

	copied := *event
	r.chains[event.InstanceID] = append(chain, &copied)

	return nil
}

func (r *ledgerRepository) Events(_ context.Context, instanceID string, fromSeq int64) ([]*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AuditEvent, 0)

	for _, event := range r.chains[instanceID] {
		if event.Seq >= fromSeq {
			copied := *event
			out = append(out, &copied)
		}
	}

	return out, nil
}

func (r *ledgerRepository) Last(_ context.Context, instanceID string) (*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := r.chains[instanceID]
	if len(chain) == 0 {
		return nil, nil
	}

	copied := *chain[len(chain)-1]

	return &copied, nil
}

func (r *ledgerRepository) Freeze(_ context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen[instanceID] = true

	return nil
}

func (r *ledgerRepository) Unfreeze(_ context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.frozen, instanceID)

	return nil
}

func (r *ledgerRepository) Frozen(_ context.Context, instanceID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.frozen[instanceID], nil
}

// Tamper mutates a stored event's payload hash in place. Test hook only:
// lets ledger verification tests corrupt the chain post-hoc.
func (r *ledgerRepository) Tamper(instanceID string, seq int64, payloadHash string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, event := range r.chains[instanceID] {
		if event.Seq == seq {
			event.PayloadHash = payloadHash
		}
	}
}

// TamperLedger exposes the in-memory tamper hook for tests.
func (p *Persistence) TamperLedger(instanceID string, seq int64, payloadHash string) {
	p.ledger.Tamper(instanceID, seq, payloadHash)
}

type escalationRepository struct {
	mu    sync.RWMutex
	items map[string]*models.EscalationTicket
	keys  map[string]string
}

func (r *escalationRepository) CreateIfAbsent(_ context.Context, ticket *models.EscalationTicket) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.keys[ticket.DedupeKey]; exists {
		return false, nil
	}

	copied := *ticket
	r.items[ticket.ID] = &copied
	r.keys[ticket.DedupeKey] = ticket.ID

	return true, nil
}

func (r *escalationRepository) GetByID(_ context.Context, id string) (*models.EscalationTicket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ticket, ok := r.items[id]
	if !ok {
		return nil, persistence.ErrEscalationNotFound
	}

	copied := *ticket

	return &copied, nil
}

func (r *escalationRepository) ListOpen(_ context.Context) ([]*models.EscalationTicket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.EscalationTicket, 0)

	for _, ticket := range r.items {
		if ticket.Status == models.EscalationStatusOpen {
			copied := *ticket
			out = append(out, &copied)
		}
	}

	return out, nil
}

func (r *escalationRepository) Close(_ context.Context, id string, closedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ticket, ok := r.items[id]
	if !ok {
		return persistence.ErrEscalationNotFound
	}

	ticket.Status = models.EscalationStatusClosed
	ticket.ClosedAt = &closedAt

	return nil
}
