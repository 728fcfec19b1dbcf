package models

import "time"

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusSuspended InstanceStatus = "suspended"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the instance can no longer change state.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus defines the possible states of a step within an instance.
type StepStatus string

const (
	StepStatusPending      StepStatus = "pending"
	StepStatusReady        StepStatus = "ready"
	StepStatusRunning      StepStatus = "running"
	StepStatusWaitingHuman StepStatus = "waiting_human"
	StepStatusSucceeded    StepStatus = "succeeded"
	StepStatusFailed       StepStatus = "failed"
	StepStatusEscalated    StepStatus = "escalated"
	StepStatusSkipped      StepStatus = "skipped"
)

// Terminal reports whether the step can no longer change state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// Satisfied reports whether the step counts as a completed dependency.
func (s StepStatus) Satisfied() bool {
	return s == StepStatusSucceeded || s == StepStatusSkipped
}

// StepState tracks one step of a running instance. Mutated only through the
// scheduler or the HITL gate, never directly by callers.
type StepState struct {
	StepID        string         `json:"step_id"`
	Status        StepStatus     `json:"status"`
	Attempts      int            `json:"attempts"`
	AssignedActor string         `json:"assigned_actor,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// WorkflowInstance is a running execution of a definition. Owned exclusively
// by the workflow scheduler.
type WorkflowInstance struct {
	ID                string                `json:"id"`
	DefinitionID      string                `json:"definition_id"`
	DefinitionVersion int                   `json:"definition_version"`
	Status            InstanceStatus        `json:"status"`
	Reason            string                `json:"reason,omitempty"`
	Payload           map[string]any        `json:"payload,omitempty"`
	StepStates        map[string]*StepState `json:"step_states"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	FinishedAt        *time.Time            `json:"finished_at,omitempty"`
}

// StepState returns the state for a step, creating a pending entry if absent.
func (i *WorkflowInstance) StepState(stepID string) *StepState {
	if i.StepStates == nil {
		i.StepStates = make(map[string]*StepState)
	}

	state, ok := i.StepStates[stepID]
	if !ok {
		state = &StepState{StepID: stepID, Status: StepStatusPending}
		i.StepStates[stepID] = state
	}

	return state
}
