// Package events defines event types and structures for orchestrator lifecycle notifications.
package events

import (
	"time"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Kafka topic carrying all orchestrator events.
const Topic = "gateflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	InstanceSubmittedEvent EventType = "instance.submitted"
	InstanceFinishedEvent  EventType = "instance.finished"

	StepDispatchedEvent EventType = "step.dispatched"
	StepCompletedEvent  EventType = "step.completed"

	TicketCreatedEvent  EventType = "ticket.created"
	TicketResolvedEvent EventType = "ticket.resolved"

	EscalationRaisedEvent EventType = "escalation.raised"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	InstanceID string         `json:"instance_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, instanceID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		InstanceID: instanceID,
		Metadata:   make(map[string]any),
	}
}

type InstanceSubmitted struct {
	BaseEvent

	DefinitionID string `json:"definition_id"`
}

func (e InstanceSubmitted) GetType() EventType { return InstanceSubmittedEvent }

type InstanceFinished struct {
	BaseEvent

	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (e InstanceFinished) GetType() EventType { return InstanceFinishedEvent }

type StepDispatched struct {
	BaseEvent

	StepID string          `json:"step_id"`
	Kind   models.StepKind `json:"kind"`
}

func (e StepDispatched) GetType() EventType { return StepDispatchedEvent }

// StepCompleted reports a step reaching a terminal status. The scheduler
// re-ticks the owning instance off this event.
type StepCompleted struct {
	BaseEvent

	StepID     string            `json:"step_id"`
	Status     models.StepStatus `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

func (e StepCompleted) GetType() EventType { return StepCompletedEvent }

type TicketCreated struct {
	BaseEvent

	TicketID     string    `json:"ticket_id"`
	StepID       string    `json:"step_id"`
	RequiredRole string    `json:"required_role"`
	Deadline     time.Time `json:"deadline"`
}

func (e TicketCreated) GetType() EventType { return TicketCreatedEvent }

type TicketResolved struct {
	BaseEvent

	TicketID string              `json:"ticket_id"`
	StepID   string              `json:"step_id"`
	Status   models.TicketStatus `json:"status"`
	Reason   string              `json:"reason,omitempty"`
}

func (e TicketResolved) GetType() EventType { return TicketResolvedEvent }

type EscalationRaised struct {
	BaseEvent

	EscalationID string                  `json:"escalation_id"`
	Reason       models.EscalationReason `json:"reason"`
	FromActor    string                  `json:"from_actor"`
	ToActor      string                  `json:"to_actor,omitempty"`
}

func (e EscalationRaised) GetType() EventType { return EscalationRaisedEvent }
