package main

import (
	cli "github.com/urfave/cli/v3"

	"github.com/gateflow/gateflow/pkg/cmd"
)

func runtimeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database connection URL for persistence (empty for in-memory)",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis connection URL for actor scores (empty for in-memory)",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, gochannel)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "policies-path",
			Usage:   "Directory containing policy rule-set documents",
			Sources: cli.EnvVars("POLICIES_PATH"),
		},
		&cli.StringFlag{
			Name:    "escalation-config",
			Usage:   "Path to the escalation routing config",
			Sources: cli.EnvVars("ESCALATION_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "notify-webhook-url",
			Usage:   "Webhook URL notified when review tickets open",
			Sources: cli.EnvVars("NOTIFY_WEBHOOK_URL"),
		},
		&cli.IntFlag{
			Name:    "pool-size",
			Usage:   "Number of automated step workers",
			Sources: cli.EnvVars("POOL_SIZE"),
		},
		&cli.IntFlag{
			Name:    "score-window",
			Usage:   "Size of the rolling actor score window",
			Sources: cli.EnvVars("SCORE_WINDOW"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

func runtimeOptions(command *cli.Command, serviceName string) cmd.RuntimeOptions {
	return cmd.RuntimeOptions{
		DatabaseURL:      command.String("database-url"),
		RedisURL:         command.String("redis-url"),
		EventBus:         command.String("event-bus"),
		ServiceName:      serviceName,
		PoliciesPath:     command.String("policies-path"),
		EscalationConfig: command.String("escalation-config"),
		WebhookURL:       command.String("notify-webhook-url"),
		PoolSize:         command.Int("pool-size"),
		ScoreWindow:      command.Int("score-window"),
	}
}
