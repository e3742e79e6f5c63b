// Package main provides the Flowtest API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowtest/flowtest/pkg/cmd"
	"github.com/flowtest/flowtest/pkg/eventbus"
	"github.com/flowtest/flowtest/pkg/executor"
	"github.com/flowtest/flowtest/pkg/models"
	"github.com/flowtest/flowtest/pkg/otelhelper"
	"github.com/flowtest/flowtest/pkg/persistence"
	"github.com/flowtest/flowtest/pkg/resources"
	"github.com/flowtest/flowtest/pkg/scheduler"
	"github.com/flowtest/flowtest/pkg/state"
	"github.com/flowtest/flowtest/pkg/web"
)

// API owns the HTTP surface and the in-process execution stack behind it.
type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	resources   *resources.Manager
	state       *state.Manager
	scheduler   *scheduler.Scheduler
	validate    *validator.Validate
}

func NewAPI(ctx context.Context, command *cli.Command, logger *slog.Logger) (*API, error) {
	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, fmt.Errorf("failed to create persistence: %w", err)
	}

	eventBus := cmd.NewEventBus(command.String("event-bus"), logger)

	transports, err := cmd.NewTransportRegistry(ctx, command.String("target-database-url"))
	if err != nil {
		return nil, err
	}

	var tracer trace.Tracer

	if command.Bool("tracing") {
		tracer, err = otelhelper.NewTracer(ctx, "flowtest-api")
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
	}

	resourceManager := resources.NewManager(resources.Config{
		Resources: map[models.ResourceType]int{
			models.ResourceTypeAPI:      command.Int("api-resources"),
			models.ResourceTypeDatabase: command.Int("database-resources"),
		},
		OnLeaseExpired: cmd.PublishLeaseExpiry(eventBus, logger),
	}, logger)

	stateManager := state.NewManager(state.Config{}, logger)

	flowExecutor := executor.NewFlowExecutor(transports, resourceManager, stateManager, eventBus, logger, tracer)

	flowScheduler := scheduler.NewScheduler(
		flowExecutor,
		resourceManager,
		stateManager,
		eventBus,
		logger,
		tracer,
		scheduler.Options{MaxConcurrentFlows: command.Int("max-concurrent-flows")},
	)

	return &API{
		logger:      logger,
		persistence: store,
		eventBus:    eventBus,
		resources:   resourceManager,
		state:       stateManager,
		scheduler:   flowScheduler,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// App builds the fiber application with every route mounted.
func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.scheduler, a.state, a.resources, a.persistence, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Flowtest API")
	})

	handlers.Register(app)

	return app
}

// Run starts the execution stack and serves HTTP until interrupted.
func (a *API) Run(ctx context.Context, port int) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.resources.Start(ctx)
	a.state.Start(ctx)
	a.scheduler.Start(ctx)

	app := a.App()

	go func() {
		<-ctx.Done()

		if err := app.Shutdown(); err != nil {
			a.logger.Error("Failed to shut down HTTP server", "error", err)
		}
	}()

	err := app.Listen(":" + strconv.Itoa(port))

	a.shutdown()

	return err
}

func (a *API) shutdown() {
	a.scheduler.Stop()
	a.state.Stop()
	a.resources.Stop()

	if err := a.eventBus.Close(); err != nil {
		a.logger.Error("Failed to close event bus", "error", err)
	}

	if err := a.persistence.Close(context.Background()); err != nil {
		a.logger.Error("Failed to close persistence", "error", err)
	}
}
