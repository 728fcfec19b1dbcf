// Package main provides the GateFlow API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/gateflow/gateflow/pkg/cmd"
	"github.com/gateflow/gateflow/pkg/services"
	"github.com/gateflow/gateflow/pkg/web"
)

type API struct {
	logger   *slog.Logger
	runtime  *cmd.Runtime
	validate *validator.Validate
}

func NewAPI(logger *slog.Logger, runtime *cmd.Runtime) *API {
	return &API{
		logger:   logger,
		runtime:  runtime,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	orchestrator := services.NewOrchestrator(
		a.runtime.Persistence,
		a.runtime.Scheduler,
		a.runtime.Gate,
		a.runtime.Ledger,
		a.runtime.Scorer,
		a.validate,
	)

	handlers := web.NewAPIHandlers(orchestrator)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("GateFlow API")
	})

	web.RegisterRoutes(app, handlers)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
