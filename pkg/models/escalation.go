package models

import "time"

// EscalationReason names the trigger that fired the escalation.
type EscalationReason string

const (
	EscalationReasonSLABreach   EscalationReason = "SLA_BREACH"
	EscalationReasonLowScore    EscalationReason = "SCORE_BELOW_THRESHOLD"
	EscalationReasonNoCandidate EscalationReason = "NO_CANDIDATE"
)

// EscalationStatus is the lifecycle of an escalation ticket.
type EscalationStatus string

const (
	EscalationStatusOpen   EscalationStatus = "open"
	EscalationStatusClosed EscalationStatus = "closed"
)

// EscalationTicket records one reassignment of pending work away from an
// underperforming or unresponsive actor.
type EscalationTicket struct {
	ID string `json:"id"`
	// DedupeKey identifies the breach event; the store enforces at most one
	// ticket per key so concurrent timeout sweeps cannot double-escalate.
	DedupeKey      string           `json:"dedupe_key"`
	Reason         EscalationReason `json:"reason"`
	InstanceID     string           `json:"instance_id,omitempty"`
	StepID         string           `json:"step_id,omitempty"`
	ReviewTicketID string           `json:"review_ticket_id,omitempty"`
	FromActor      string           `json:"from_actor"`
	ToActor        string           `json:"to_actor,omitempty"`
	CooldownUntil  time.Time        `json:"cooldown_until"`
	Status         EscalationStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty"`
}

// ActorScore is the rolling performance window for one actor. Owned by the
// performance scorer; scores stay within 0-100.
type ActorScore struct {
	ActorID      string `json:"actor_id"`
	RollingScore int    `json:"rolling_score"`
	WindowSize   int    `json:"window_size"`
	Decisions    int    `json:"decisions"`
}
