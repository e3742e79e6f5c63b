package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

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
	"github.com/flowtest/flowtest/pkg/sources"
	"github.com/flowtest/flowtest/pkg/sources/queue"
	"github.com/flowtest/flowtest/pkg/sources/schedule"
	"github.com/flowtest/flowtest/pkg/state"
)

// Runner owns the worker's execution stack and its submission sources.
type Runner struct {
	workerID    string
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	resources   *resources.Manager
	state       *state.Manager
	scheduler   *scheduler.Scheduler
	sources     []sources.Source
}

func NewRunner(ctx context.Context, workerID string, command *cli.Command, logger *slog.Logger) (*Runner, error) {
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
		tracer, err = otelhelper.NewTracer(ctx, "flowtest-worker")
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

	submissionSources := []sources.Source{
		schedule.NewSource(store, logger),
	}

	if redisURL := command.String("redis-url"); redisURL != "" {
		submissionSources = append(submissionSources, queue.NewSource(queue.Config{Addr: redisURL}, logger))
	}

	return &Runner{
		workerID:    workerID,
		logger:      logger,
		persistence: store,
		eventBus:    eventBus,
		resources:   resourceManager,
		state:       stateManager,
		scheduler:   flowScheduler,
		sources:     submissionSources,
	}, nil
}

// Run starts the stack, plays every unscheduled stored flow once and then
// serves the submission sources until interrupted.
func (r *Runner) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r.resources.Start(ctx)
	r.state.Start(ctx)
	r.scheduler.Start(ctx)

	defer r.shutdown(ctx)

	for _, source := range r.sources {
		if err := source.Start(ctx, r.scheduler); err != nil {
			return fmt.Errorf("failed to start source: %w", err)
		}
	}

	if err := r.runStoredFlows(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Initial batch run failed", "error", err)
	}

	<-ctx.Done()
	r.logger.Info("Shutting down worker")

	return nil
}

// runStoredFlows plays every stored flow that is not cron-scheduled.
func (r *Runner) runStoredFlows(ctx context.Context) error {
	flows, err := r.persistence.Flows(ctx)
	if err != nil {
		return fmt.Errorf("failed to load stored flows: %w", err)
	}

	batch := make([]*models.TestFlow, 0, len(flows))

	for _, flow := range flows {
		if expr, ok := flow.Metadata[schedule.CronExprMetadataKey].(string); ok && expr != "" {
			continue
		}

		batch = append(batch, flow)
	}

	if len(batch) == 0 {
		return nil
	}

	r.logger.InfoContext(ctx, "Running stored flows", "count", len(batch))

	executionIDs, err := r.scheduler.RunAll(ctx, batch)
	if err != nil {
		return err
	}

	for _, executionID := range executionIDs {
		if finalState := r.state.GetCurrentState(executionID); finalState != nil {
			r.logger.InfoContext(ctx, "Flow finished",
				"execution_id", executionID,
				"flow_id", finalState.FlowID,
				"status", finalState.Status,
			)
		}
	}

	return nil
}

func (r *Runner) shutdown(ctx context.Context) {
	for _, source := range r.sources {
		if err := source.Stop(ctx); err != nil {
			r.logger.Error("Failed to stop source", "error", err)
		}
	}

	r.scheduler.Stop()
	r.state.Stop()
	r.resources.Stop()

	if err := r.eventBus.Close(); err != nil {
		r.logger.Error("Failed to close event bus", "error", err)
	}

	if err := r.persistence.Close(context.Background()); err != nil {
		r.logger.Error("Failed to close persistence", "error", err)
	}
}
