package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/flowtest/flowtest/pkg/log"
)

func main() {
	cmd := &cli.Command{
		Name:                  "flowtest-worker",
		EnableShellCompletion: true,
		Usage:                 "Run stored test flows under the concurrent scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Storage URL for flow definitions (file path or postgres://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "target-database-url",
				Usage:   "Connection URL for the database exercised by database steps",
				Value:   "",
				Sources: cli.EnvVars("TARGET_DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis address for the queue submission source (disabled if empty)",
				Value:   "",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.IntFlag{
				Name:    "max-concurrent-flows",
				Usage:   "Upper bound on flows executing at once",
				Value:   10,
				Sources: cli.EnvVars("MAX_CONCURRENT_FLOWS"),
			},
			&cli.IntFlag{
				Name:    "api-resources",
				Usage:   "Size of the api resource pool",
				Value:   20,
				Sources: cli.EnvVars("API_RESOURCES"),
			},
			&cli.IntFlag{
				Name:    "database-resources",
				Usage:   "Size of the database resource pool",
				Value:   10,
				Sources: cli.EnvVars("DATABASE_RESOURCES"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OpenTelemetry traces",
				Value:   false,
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("flowtest-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Flowtest worker")

			runner, err := NewRunner(ctx, workerID, command, logger)
			if err != nil {
				return err
			}

			return runner.Run(ctx)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
