package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/flowtest/flowtest/pkg/log"
)

const defaultPort = 9091

func main() {
	cmd := &cli.Command{
		Name:                  "flowtest-api",
		Usage:                 "Serve the flow submission and execution API",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
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

			logger := log.WithModule("flowtest-api")

			logger.InfoContext(ctx, "Initializing Flowtest API")

			api, err := NewAPI(ctx, command, logger)
			if err != nil {
				return err
			}

			return api.Run(ctx, command.Int("port"))
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
