package web

import (
	"net/http"
	"strconv"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/services"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	orchestrator *services.Orchestrator
}

func NewAPIHandlers(orchestrator *services.Orchestrator) *APIHandlers {
	return &APIHandlers{orchestrator: orchestrator}
}

// CreateWorkflow registers a new workflow definition.
func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var definition models.WorkflowDefinition
	if err := c.Bind().Body(&definition); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	created, err := h.orchestrator.RegisterDefinition(c.Context(), &definition)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

// GetWorkflow fetches one workflow definition.
func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	definition, err := h.orchestrator.GetDefinition(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(definition)
}

// StartInstance starts a new instance of a workflow definition.
func (h *APIHandlers) StartInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var request StartInstanceRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&request); err != nil {
			return badRequest(c, "Invalid request body: "+err.Error())
		}
	}

	instance, err := h.orchestrator.StartInstance(c.Context(), id, request.Payload)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"instance_id": instance.ID,
		"status":      instance.Status,
	})
}

// GetInstance fetches one instance with its step states.
func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	instance, err := h.orchestrator.GetInstance(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformInstanceResponse(instance))
}

// CancelInstance cancels an instance. Idempotent: cancelling twice is OK.
func (h *APIHandlers) CancelInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	if err := h.orchestrator.CancelInstance(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	instance, err := h.orchestrator.GetInstance(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"instance_id": instance.ID,
		"status":      instance.Status,
	})
}

// SubmitDecision records a reviewer verdict on a ticket.
func (h *APIHandlers) SubmitDecision(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Ticket ID is required")
	}

	var request services.DecisionRequest
	if err := c.Bind().Body(&request); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	ticket, err := h.orchestrator.SubmitDecision(c.Context(), id, request)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TicketResponse{
		TicketID:     ticket.ID,
		TicketStatus: ticket.Status,
		Reason:       ticket.Reason,
	})
}

// GetAuditTrail returns the instance's audit events from from_seq on.
func (h *APIHandlers) GetAuditTrail(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	var fromSeq int64

	if fromSeqStr := c.Query("from_seq"); fromSeqStr != "" {
		parsed, err := strconv.ParseInt(fromSeqStr, 10, 64)
		if err != nil {
			return badRequest(c, "Invalid from_seq: "+err.Error())
		}

		fromSeq = parsed
	}

	events, err := h.orchestrator.AuditTrail(c.Context(), id, fromSeq)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"instance_id": id,
		"events":      events,
	})
}

// VerifyAuditTrail re-verifies the instance's hash chain.
func (h *APIHandlers) VerifyAuditTrail(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	verification, err := h.orchestrator.VerifyAudit(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(verification)
}

// GetActorScore returns an actor's rolling performance score.
func (h *APIHandlers) GetActorScore(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Actor ID is required")
	}

	score, err := h.orchestrator.ActorScore(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(ScoreResponse{
		ActorID: score.ActorID,
		Score:   score.RollingScore,
	})
}

// HealthCheck reports aggregate orchestrator health.
func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.orchestrator.HealthCheck(c.Context())

	status := "unhealthy"
	message := "GateFlow API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "GateFlow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"persistence": repositoryCheck,
		},
	})
}
