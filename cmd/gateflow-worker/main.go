// Package main provides the headless orchestration worker: it consumes
// orchestration events, runs the scheduler and reconciler, and serves no HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/gateflow/gateflow/pkg/cmd"
	"github.com/gateflow/gateflow/pkg/eventbus"
	"github.com/gateflow/gateflow/pkg/log"
	"github.com/gateflow/gateflow/pkg/otelhelper"
)

func main() {
	command := &cli.Command{
		Name:                  "gateflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Run the orchestration scheduler without the API surface",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces for consumed events",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
		}, runtimeFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("gateflow-worker").With("workerId", workerID)
			logger.InfoContext(ctx, "Initializing GateFlow Worker")

			runtime, err := cmd.NewRuntime(ctx, logger, runtimeOptions(command, "gateflow-worker"))
			if err != nil {
				return err
			}
			defer runtime.Close(ctx)

			if command.Bool("tracing") {
				tracer, err := otelhelper.NewTracer(ctx, "gateflow-worker")
				if err != nil {
					return err
				}

				if bus, ok := runtime.EventBus.(*eventbus.WatermillEventBus); ok {
					bus.SetTracer(tracer)
				}
			}

			if err := runtime.Scheduler.RegisterEventHandlers(runtime.EventBus); err != nil {
				return err
			}

			if err := runtime.EventBus.Subscribe(ctx); err != nil {
				return err
			}

			if err := runtime.Reconciler.Start(ctx); err != nil {
				return err
			}

			// Catch up on work left over from a previous process before the
			// first scheduled pass.
			runtime.Reconciler.Reconcile(ctx)

			logger.InfoContext(ctx, "Worker started successfully")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			<-sigChan
			logger.InfoContext(ctx, "Shutting down worker")

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
