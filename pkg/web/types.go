// Package web provides HTTP request and response types for the orchestrator API.
package web

import (
	"time"

	"github.com/gateflow/gateflow/pkg/models"
)

// StartInstanceRequest represents the request body for starting an instance.
type StartInstanceRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
}

// InstanceResponse is the API view of a workflow instance: status, reason and
// the full step-state map.
type InstanceResponse struct {
	ID                string                        `json:"id"`
	DefinitionID      string                        `json:"definition_id"`
	DefinitionVersion int                           `json:"definition_version"`
	Status            models.InstanceStatus         `json:"status"`
	Reason            string                        `json:"reason,omitempty"`
	Steps             map[string]*models.StepState  `json:"steps"`
	CreatedAt         time.Time                     `json:"created_at"`
	FinishedAt        *time.Time                    `json:"finished_at,omitempty"`
}

// TransformInstanceResponse maps the domain instance onto its API view.
func TransformInstanceResponse(instance *models.WorkflowInstance) InstanceResponse {
	return InstanceResponse{
		ID:                instance.ID,
		DefinitionID:      instance.DefinitionID,
		DefinitionVersion: instance.DefinitionVersion,
		Status:            instance.Status,
		Reason:            instance.Reason,
		Steps:             instance.StepStates,
		CreatedAt:         instance.CreatedAt,
		FinishedAt:        instance.FinishedAt,
	}
}

// TicketResponse is the API view of a decision submission outcome.
type TicketResponse struct {
	TicketID     string              `json:"ticket_id"`
	TicketStatus models.TicketStatus `json:"ticket_status"`
	Reason       string              `json:"reason,omitempty"`
}

// ScoreResponse is the API view of an actor's rolling score.
type ScoreResponse struct {
	ActorID string `json:"actor_id"`
	Score   int    `json:"score"`
}
