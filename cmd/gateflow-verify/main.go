// Package main provides the audit verification tool. It replays an instance's
// audit chain, reports the first broken sequence number if any, and can clear
// an operator-reviewed freeze.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/gateflow/gateflow/pkg/cmd"
	"github.com/gateflow/gateflow/pkg/ledger"
	"github.com/gateflow/gateflow/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "gateflow-verify",
		Usage:                 "Verify and administer instance audit chains",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "error",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			verifyCommand(),
			unfreezeCommand(),
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Replay and verify an instance's audit chain",
		ArgsUsage: "<instance-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			auditLedger, closeStore, err := openLedger(ctx, command)
			if err != nil {
				return err
			}
			defer closeStore()

			instanceID := command.Args().First()
			if instanceID == "" {
				return cli.Exit("instance ID is required", 2)
			}

			badSeq, err := auditLedger.VerifyInstance(ctx, instanceID)
			if err != nil {
				if errors.Is(err, ledger.ErrIntegrity) {
					return cli.Exit(fmt.Sprintf("instance %s: chain broken at seq %d (segment frozen)", instanceID, badSeq), 1)
				}

				return err
			}

			fmt.Printf("instance %s: chain valid\n", instanceID)

			return nil
		},
	}
}

func unfreezeCommand() *cli.Command {
	return &cli.Command{
		Name:      "unfreeze",
		Usage:     "Clear the freeze on an investigated instance segment",
		ArgsUsage: "<instance-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			auditLedger, closeStore, err := openLedger(ctx, command)
			if err != nil {
				return err
			}
			defer closeStore()

			instanceID := command.Args().First()
			if instanceID == "" {
				return cli.Exit("instance ID is required", 2)
			}

			if err := auditLedger.Unfreeze(ctx, instanceID); err != nil {
				return err
			}

			fmt.Printf("instance %s: segment unfrozen\n", instanceID)

			return nil
		},
	}
}

func openLedger(ctx context.Context, command *cli.Command) (*ledger.Ledger, func(), error) {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("verify")

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, nil, err
	}

	closeStore := func() {
		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}

	return ledger.New(store.Ledger(), logger), closeStore, nil
}
