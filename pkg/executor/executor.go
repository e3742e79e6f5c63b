// Package executor runs one flow's steps in sequence: the per-flow state
// machine, per-step retries, response validation and result aggregation.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowtest/flowtest/pkg/errs"
	"github.com/flowtest/flowtest/pkg/eventbus"
	"github.com/flowtest/flowtest/pkg/events"
	"github.com/flowtest/flowtest/pkg/models"
	"github.com/flowtest/flowtest/pkg/otelhelper"
	"github.com/flowtest/flowtest/pkg/resources"
	"github.com/flowtest/flowtest/pkg/retry"
	"github.com/flowtest/flowtest/pkg/state"
	"github.com/flowtest/flowtest/pkg/transport"
	"github.com/flowtest/flowtest/pkg/validation"
)

// FlowExecutor drives one flow execution through
// PENDING → RUNNING → {COMPLETED | FAILED}. Step order is strictly
// sequential; later steps may depend on earlier steps' side effects.
type FlowExecutor struct {
	transports *transport.Registry
	resources  *resources.Manager
	state      *state.Manager
	policy     *retry.Policy
	bus        eventbus.EventBus
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewFlowExecutor wires the executor. The event bus and tracer are
// optional; pass nil to disable publishing/tracing.
func NewFlowExecutor(
	transports *transport.Registry,
	resourceManager *resources.Manager,
	stateManager *state.Manager,
	bus eventbus.EventBus,
	logger *slog.Logger,
	tracer trace.Tracer,
) *FlowExecutor {
	return &FlowExecutor{
		transports: transports,
		resources:  resourceManager,
		state:      stateManager,
		policy:     retry.NewPolicy(),
		bus:        bus,
		logger:     logger.With("module", "flow_executor"),
		tracer:     tracer,
	}
}

// Execute runs the flow's steps in declared order, applying the retry
// policy per step and validating responses. It fails fast: the first step
// whose retries exhaust marks the flow FAILED and later steps never run.
// Resources held by the execution are released on every path.
func (e *FlowExecutor) Execute(ctx context.Context, executionID string, flow *models.TestFlow) (*models.FlowExecutionMetrics, error) {
	logger := e.logger.With("executionId", executionID, "flowId", flow.ID)

	var span trace.Span

	if e.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, e.tracer, "flow.execute",
			attribute.String(otelhelper.FlowIDKey, flow.ID),
			attribute.String(otelhelper.ExecutionIDKey, executionID),
		)
		defer span.End()
	}

	metrics := models.NewFlowExecutionMetrics()

	if err := e.state.UpdateState(state.Update{
		ExecutionID: executionID,
		Status:      models.ExecutionStatusRunning,
	}); err != nil {
		return nil, fmt.Errorf("failed to mark execution running: %w", err)
	}

	// Resources must never leak on the failure path.
	defer e.resources.Release(executionID)

	logger.Info("Starting flow execution", "steps", len(flow.Steps))

	for i, step := range flow.Steps {
		result, err := e.executeStep(ctx, executionID, flow, step)
		metrics.StepResults[step.ID] = result

		progress := (i + 1) * 100 / len(flow.Steps)

		if trackErr := e.state.TrackExecution(executionID, state.Partial{
			StepResults: map[string]*models.StepResult{step.ID: result},
			Progress:    &progress,
		}); trackErr != nil {
			logger.Warn("Failed to track step result", "stepId", step.ID, "error", trackErr)
		}

		if err != nil {
			logger.Error("Step failed, aborting flow", "stepId", step.ID, "attempts", result.Attempts, "error", err)
			e.publishStepFailed(ctx, executionID, flow, result)

			metrics.Finish()
			e.trackFinish(executionID, metrics)

			stepErr := fmt.Errorf("step %s failed: %w", step.ID, err)

			if span != nil {
				otelhelper.SetError(span, stepErr, attribute.String(otelhelper.StepIDKey, step.ID))
			}

			if updateErr := e.state.UpdateState(state.Update{
				ExecutionID: executionID,
				Status:      models.ExecutionStatusFailed,
				Error:       stepErr.Error(),
			}); updateErr != nil {
				logger.Warn("Failed to record flow failure", "error", updateErr)
			}

			return metrics, stepErr
		}

		logger.Debug("Step completed", "stepId", step.ID, "attempts", result.Attempts, "progress", progress)
		e.publishStepCompleted(ctx, executionID, flow, result, progress)
	}

	metrics.Finish()
	e.trackFinish(executionID, metrics)

	if err := e.state.UpdateState(state.Update{
		ExecutionID: executionID,
		Status:      models.ExecutionStatusCompleted,
	}); err != nil {
		logger.Warn("Failed to record flow completion", "error", err)
	}

	logger.Info("Flow execution completed", "durationMs", metrics.DurationMs)

	return metrics, nil
}

// executeStep ensures the step's resource type is held, dispatches to the
// matching transport and drives attempts through the retry policy. The
// returned StepResult is terminal for the step.
func (e *FlowExecutor) executeStep(ctx context.Context, executionID string, flow *models.TestFlow, step *models.TestStep) (*models.StepResult, error) {
	start := time.Now()

	result := &models.StepResult{StepID: step.ID}

	fail := func(attempts int, err error) (*models.StepResult, error) {
		result.Attempts = attempts
		result.DurationMs = time.Since(start).Milliseconds()
		result.Error = err.Error()

		return result, err
	}

	resourceType := step.Type.ResourceType()
	if !e.resources.Holds(executionID, resourceType) {
		if !e.resources.Allocate(ctx, executionID, []models.Requirement{{Type: resourceType, Count: 1}}) {
			return fail(0, errs.NewResourceError("executor.executeStep",
				fmt.Sprintf("no %s resource available", resourceType), nil))
		}
	}

	tr, err := e.transports.Resolve(step.Type)
	if err != nil {
		return fail(0, errs.NewValidationError("executor.executeStep", "unresolvable step type", err))
	}

	opts := retry.Options{
		MaxAttempts:  flow.Config.Retry.MaxAttempts,
		InitialDelay: flow.Config.Retry.InitialDelay(),
	}

	attempts, err := retry.Do(ctx, e.policy, opts, func(ctx context.Context) error {
		response, invokeErr := tr.Invoke(ctx, step)
		if invokeErr != nil {
			return invokeErr
		}

		if step.Validation != nil {
			return validation.Validate(response.Data, step.Validation.Schema)
		}

		return nil
	})
	if err != nil {
		return fail(attempts, err)
	}

	result.Success = true
	result.Attempts = attempts
	result.DurationMs = time.Since(start).Milliseconds()

	return result, nil
}

func (e *FlowExecutor) trackFinish(executionID string, metrics *models.FlowExecutionMetrics) {
	if err := e.state.TrackExecution(executionID, state.Partial{
		EndTime:    &metrics.EndTime,
		DurationMs: &metrics.DurationMs,
	}); err != nil {
		e.logger.Warn("Failed to track execution finish", "executionId", executionID, "error", err)
	}
}

func (e *FlowExecutor) publishStepCompleted(ctx context.Context, executionID string, flow *models.TestFlow, result *models.StepResult, progress int) {
	if e.bus == nil {
		return
	}

	event := events.StepCompleted{
		BaseEvent:  e.baseEvent(events.StepCompletedEvent, executionID, flow.ID),
		StepID:     result.StepID,
		Attempts:   result.Attempts,
		DurationMs: result.DurationMs,
		Progress:   progress,
	}

	if err := e.bus.Publish(ctx, executionID, event); err != nil {
		e.logger.Warn("Failed to publish step completion", "stepId", result.StepID, "error", err)
	}
}

func (e *FlowExecutor) publishStepFailed(ctx context.Context, executionID string, flow *models.TestFlow, result *models.StepResult) {
	if e.bus == nil {
		return
	}

	event := events.StepFailed{
		BaseEvent:  e.baseEvent(events.StepFailedEvent, executionID, flow.ID),
		StepID:     result.StepID,
		Attempts:   result.Attempts,
		DurationMs: result.DurationMs,
		Error:      result.Error,
	}

	if err := e.bus.Publish(ctx, executionID, event); err != nil {
		e.logger.Warn("Failed to publish step failure", "stepId", result.StepID, "error", err)
	}
}

func (e *FlowExecutor) baseEvent(eventType events.EventType, executionID, flowID string) events.BaseEvent {
	return events.BaseEvent{
		ID:          e.bus.GenerateID(),
		Type:        eventType,
		Timestamp:   time.Now(),
		FlowID:      flowID,
		ExecutionID: executionID,
	}
}
