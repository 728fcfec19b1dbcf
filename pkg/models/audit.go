package models

import "time"

// AuditEventType enumerates every transition recorded on the ledger.
type AuditEventType string

const (
	AuditInstanceSubmitted  AuditEventType = "INSTANCE_SUBMITTED"
	AuditInstanceCompleted  AuditEventType = "INSTANCE_COMPLETED"
	AuditInstanceFailed     AuditEventType = "INSTANCE_FAILED"
	AuditInstanceCancelled  AuditEventType = "INSTANCE_CANCELLED"
	AuditInstanceSuspended  AuditEventType = "INSTANCE_SUSPENDED"
	AuditStepReady          AuditEventType = "STEP_READY"
	AuditStepDispatched     AuditEventType = "STEP_DISPATCHED"
	AuditStepSucceeded      AuditEventType = "STEP_SUCCEEDED"
	AuditStepFailed         AuditEventType = "STEP_FAILED"
	AuditStepSkipped        AuditEventType = "STEP_SKIPPED"
	AuditStepRetryScheduled AuditEventType = "STEP_RETRY_SCHEDULED"
	AuditPolicyEvaluated    AuditEventType = "POLICY_EVALUATED"
	AuditTicketCreated      AuditEventType = "TICKET_CREATED"
	AuditDecisionRecorded   AuditEventType = "DECISION_RECORDED"
	AuditTicketResolved     AuditEventType = "TICKET_RESOLVED"
	AuditSLABreached        AuditEventType = "SLA_BREACHED"
	AuditEscalated          AuditEventType = "ESCALATED"
	AuditActorSuspended     AuditEventType = "ACTOR_SUSPENDED"
)

// AuditEvent is one hash-chained ledger entry. The ledger assigns Seq,
// PrevHash and Hash on append; callers only propose the remaining fields.
// Entries are never mutated or deleted.
type AuditEvent struct {
	Seq         int64          `json:"seq"`
	Timestamp   time.Time      `json:"timestamp"`
	InstanceID  string         `json:"instance_id"`
	Type        AuditEventType `json:"type"`
	StepID      string         `json:"step_id,omitempty"`
	ActorID     string         `json:"actor_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	PayloadHash string         `json:"payload_hash"`
	PrevHash    string         `json:"prev_hash"`
	Hash        string         `json:"hash"`
}
