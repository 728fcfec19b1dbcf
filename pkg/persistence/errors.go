package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrDefinitionNotFound indicates a workflow definition was not found.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrInstanceNotFound indicates a workflow instance was not found.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrTicketNotFound indicates a review ticket was not found.
	ErrTicketNotFound = errors.New("review ticket not found")

	// ErrEscalationNotFound indicates an escalation ticket was not found.
	ErrEscalationNotFound = errors.New("escalation ticket not found")

	// ErrSequenceConflict indicates an append that does not extend the
	// instance's ledger chain by exactly one.
	ErrSequenceConflict = errors.New("ledger sequence conflict")

	// ErrLedgerFrozen indicates appends to the instance's ledger segment are
	// blocked pending operator intervention.
	ErrLedgerFrozen = errors.New("ledger segment frozen")
)

// StoreError wraps store-level errors with operation and entity context.
type StoreError struct {
	Op       string // Operation being performed (e.g., "GetByID", "Append")
	Entity   string // Entity kind ("instance", "ticket", "ledger", ...)
	EntityID string
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.EntityID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a store error with context.
func NewStoreError(op, entity, entityID string, err error) *StoreError {
	return &StoreError{Op: op, Entity: entity, EntityID: entityID, Err: err}
}

// IsInstanceNotFound checks if an error indicates a missing instance.
func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

// IsDefinitionNotFound checks if an error indicates a missing definition.
func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound)
}

// IsTicketNotFound checks if an error indicates a missing ticket.
func IsTicketNotFound(err error) bool {
	return errors.Is(err, ErrTicketNotFound)
}

// IsLedgerFrozen checks if an error indicates a frozen ledger segment.
func IsLedgerFrozen(err error) bool {
	return errors.Is(err, ErrLedgerFrozen)
}

// IsSequenceConflict checks if an error indicates a ledger sequence conflict.
func IsSequenceConflict(err error) bool {
	return errors.Is(err, ErrSequenceConflict)
}
