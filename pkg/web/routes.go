package web

import (
	"github.com/gofiber/fiber/v3"
)

// RegisterRoutes mounts the orchestrator API onto the app.
func RegisterRoutes(app *fiber.App, handlers *APIHandlers) {
	workflows := app.Group("/workflows")
	workflows.Post("/", handlers.CreateWorkflow)
	workflows.Get("/:id", handlers.GetWorkflow)
	workflows.Post("/:id/instances", handlers.StartInstance)

	instances := app.Group("/instances")
	instances.Get("/:id", handlers.GetInstance)
	instances.Post("/:id/cancel", handlers.CancelInstance)
	instances.Get("/:id/audit", handlers.GetAuditTrail)
	instances.Get("/:id/audit/verify", handlers.VerifyAuditTrail)

	tickets := app.Group("/tickets")
	tickets.Post("/:id/decisions", handlers.SubmitDecision)

	actors := app.Group("/actors")
	actors.Get("/:id/score", handlers.GetActorScore)

	app.Get("/health", handlers.HealthCheck)
}
