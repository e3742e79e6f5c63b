// Package scheduler runs many flows concurrently under a bounded worker
// pool with priority admission, per-flow resource allocation and per-flow
// progress reporting.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowtest/flowtest/pkg/eventbus"
	"github.com/flowtest/flowtest/pkg/events"
	"github.com/flowtest/flowtest/pkg/executor"
	"github.com/flowtest/flowtest/pkg/models"
	"github.com/flowtest/flowtest/pkg/otelhelper"
	"github.com/flowtest/flowtest/pkg/resources"
	"github.com/flowtest/flowtest/pkg/state"
)

const (
	defaultMaxConcurrentFlows = 10
	defaultQueueSize          = 1024

	// allocationRetryDelay is the wait before the single re-attempt after a
	// resource shortage.
	allocationRetryDelay = 250 * time.Millisecond
)

var (
	// ErrNotStarted is returned when flows are submitted before Start.
	ErrNotStarted = errors.New("scheduler not started")

	// ErrQueueFull is returned when the admission queue cannot accept more
	// flows.
	ErrQueueFull = errors.New("admission queue full")
)

// Options tunes the scheduler.
type Options struct {
	// MaxConcurrentFlows bounds the worker pool (default 10).
	MaxConcurrentFlows int

	// QueueSize bounds the admission queue (default 1024).
	QueueSize int
}

type submission struct {
	executionID string
	flow        *models.TestFlow
	done        chan struct{}
}

// Scheduler admits flows into a bounded worker pool in priority order.
// Priority affects admission order only; running flows are never preempted.
type Scheduler struct {
	executor  *executor.FlowExecutor
	resources *resources.Manager
	state     *state.Manager
	bus       eventbus.EventBus
	logger    *slog.Logger
	tracer    trace.Tracer
	opts      Options

	queue chan *submission
	wg    sync.WaitGroup

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	cancelled map[string]struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	started   bool
}

// NewScheduler wires the scheduler. The event bus and tracer are optional.
func NewScheduler(
	flowExecutor *executor.FlowExecutor,
	resourceManager *resources.Manager,
	stateManager *state.Manager,
	bus eventbus.EventBus,
	logger *slog.Logger,
	tracer trace.Tracer,
	opts Options,
) *Scheduler {
	if opts.MaxConcurrentFlows <= 0 {
		opts.MaxConcurrentFlows = defaultMaxConcurrentFlows
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	return &Scheduler{
		executor:  flowExecutor,
		resources: resourceManager,
		state:     stateManager,
		bus:       bus,
		logger:    logger.With("module", "scheduler"),
		tracer:    tracer,
		opts:      opts,
		queue:     make(chan *submission, opts.QueueSize),
		cancels:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]struct{}),
	}
}

// Start launches the worker pool. Each worker executes one flow fully
// before pulling the next from the queue; the queue pop is the single
// serialization point across flows.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.started = true

	for i := 0; i < s.opts.MaxConcurrentFlows; i++ {
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()

			for {
				select {
				case <-s.runCtx.Done():
					return
				case sub := <-s.queue:
					s.runFlow(sub)
				}
			}
		}()
	}

	s.logger.Info("Scheduler started", "workers", s.opts.MaxConcurrentFlows)
}

// Stop halts the workers. In-flight flows are cancelled through their flow
// contexts.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	cancel := s.runCancel
	s.mu.Unlock()

	if !started {
		return
	}

	cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// SubmitFlow validates and admits one flow, fire-and-forget. The returned
// execution id can be polled through the state manager.
func (s *Scheduler) SubmitFlow(ctx context.Context, flow *models.TestFlow) (string, error) {
	if err := flow.Validate(); err != nil {
		return "", err
	}

	sub, err := s.enqueue(ctx, flow)
	if err != nil {
		return "", err
	}

	return sub.executionID, nil
}

// RunAll admits every flow in descending priority order (stable for ties)
// and resolves once each reached a terminal state. Individual flow failures
// are recorded per flow, never propagated as a batch failure; only
// scheduling machinery errors fail the call. The returned execution ids
// align with the input slice.
func (s *Scheduler) RunAll(ctx context.Context, flows []*models.TestFlow) ([]string, error) {
	for _, flow := range flows {
		if err := flow.Validate(); err != nil {
			return nil, err
		}
	}

	order := make([]int, len(flows))
	for i := range order {
		order[i] = i
	}

	sort.SliceStable(order, func(a, b int) bool {
		return flows[order[a]].Priority > flows[order[b]].Priority
	})

	subs := make([]*submission, 0, len(flows))
	executionIDs := make([]string, len(flows))

	for _, i := range order {
		sub, err := s.enqueue(ctx, flows[i])
		if err != nil {
			return nil, fmt.Errorf("failed to admit flow %s: %w", flows[i].ID, err)
		}

		subs = append(subs, sub)
		executionIDs[i] = sub.executionID
	}

	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-ctx.Done():
			return executionIDs, ctx.Err()
		}
	}

	return executionIDs, nil
}

// Cancel aborts a queued or in-flight flow. Queued flows end FAILED without
// running; in-flight flows are cancelled through their contexts.
func (s *Scheduler) Cancel(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, running := s.cancels[executionID]; running {
		cancel()

		return
	}

	s.cancelled[executionID] = struct{}{}
}

func (s *Scheduler) enqueue(ctx context.Context, flow *models.TestFlow) (*submission, error) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	if !started {
		return nil, ErrNotStarted
	}

	executionID := generateExecutionID()

	if !s.state.InitializeState(executionID, flow.ID) {
		return nil, fmt.Errorf("failed to initialize state for execution %s", executionID)
	}

	sub := &submission{
		executionID: executionID,
		flow:        flow,
		done:        make(chan struct{}),
	}

	select {
	case s.queue <- sub:
		return sub, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, ErrQueueFull
	}
}

// runFlow executes one admitted flow: resource allocation (with a single
// re-attempt on shortage), flow timeout, execution and terminal state
// recording. Resources are always released on the way out.
func (s *Scheduler) runFlow(sub *submission) {
	defer close(sub.done)

	executionID := sub.executionID
	flow := sub.flow
	logger := s.logger.With("executionId", executionID, "flowId", flow.ID)

	var (
		flowCtx context.Context
		cancel  context.CancelFunc
	)

	if timeout := flow.Config.Timeout(); timeout > 0 {
		flowCtx, cancel = context.WithTimeout(s.runCtx, timeout)
	} else {
		flowCtx, cancel = context.WithCancel(s.runCtx)
	}

	s.mu.Lock()
	if _, cancelled := s.cancelled[executionID]; cancelled {
		delete(s.cancelled, executionID)
		s.mu.Unlock()
		cancel()

		logger.Info("Flow cancelled before start")
		s.finishCancelled(executionID, flow)

		return
	}

	s.cancels[executionID] = cancel
	s.mu.Unlock()

	defer func() {
		cancel()

		s.mu.Lock()
		delete(s.cancels, executionID)
		delete(s.cancelled, executionID)
		s.mu.Unlock()
	}()

	var span trace.Span

	if s.tracer != nil {
		flowCtx, span = otelhelper.StartSpan(flowCtx, s.tracer, "scheduler.run_flow",
			attribute.String(otelhelper.FlowIDKey, flow.ID),
			attribute.String(otelhelper.ExecutionIDKey, executionID),
			attribute.Int(otelhelper.PriorityKey, flow.Priority),
		)
		defer span.End()
	}

	s.publish(flowCtx, executionID, events.FlowExecutionStarted{
		BaseEvent: s.baseEvent(events.FlowExecutionStartedEvent, executionID, flow.ID),
		Priority:  flow.Priority,
		StepCount: len(flow.Steps),
	})

	// Allocation aggregates the requirements of all steps, not just the
	// first step's type.
	if !s.allocate(flowCtx, executionID, flow) {
		logger.Warn("Insufficient resources, flow not executed")

		allocErr := errors.New("insufficient resources: allocation failed after re-queue")
		if span != nil {
			otelhelper.SetError(span, allocErr)
		}

		s.finishFailed(flowCtx, executionID, flow, allocErr.Error())

		return
	}

	defer s.resources.Release(executionID)

	start := time.Now()

	_, err := s.executor.Execute(flowCtx, executionID, flow)
	if err != nil {
		if span != nil {
			otelhelper.SetError(span, err)
		}

		s.finishWithError(flowCtx, executionID, flow, err, time.Since(start))

		return
	}

	s.publish(flowCtx, executionID, events.FlowExecutionCompleted{
		BaseEvent: s.baseEvent(events.FlowExecutionCompletedEvent, executionID, flow.ID),
		Duration:  time.Since(start),
	})

	logger.Info("Flow finished", "duration", time.Since(start))
}

// allocate reserves the flow's aggregate requirements, re-queueing once
// after a short delay if the pool is momentarily short.
func (s *Scheduler) allocate(ctx context.Context, executionID string, flow *models.TestFlow) bool {
	requirements := models.AggregateRequirements(flow)

	if s.resources.Allocate(ctx, executionID, requirements) {
		return true
	}

	timer := time.NewTimer(allocationRetryDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	return s.resources.Allocate(ctx, executionID, requirements)
}

// finishWithError classifies an execution error: timeout and cancellation
// override the executor's step-level failure message.
func (s *Scheduler) finishWithError(ctx context.Context, executionID string, flow *models.TestFlow, err error, elapsed time.Duration) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		timeout := flow.Config.Timeout()
		s.logger.Warn("Flow timed out", "executionId", executionID, "timeout", timeout)

		s.updateFailed(executionID, fmt.Sprintf("flow timed out after %s", timeout))
		s.publish(ctx, executionID, events.FlowExecutionTimeout{
			BaseEvent: s.baseEvent(events.FlowExecutionTimeoutEvent, executionID, flow.ID),
			Timeout:   timeout,
		})
	case errors.Is(ctx.Err(), context.Canceled):
		s.logger.Info("Flow cancelled", "executionId", executionID)
		s.finishCancelled(executionID, flow)
	default:
		// The executor already recorded the step failure; only the event
		// remains.
		s.logger.Warn("Flow failed", "executionId", executionID, "error", err)
		s.publish(ctx, executionID, events.FlowExecutionFailed{
			BaseEvent: s.baseEvent(events.FlowExecutionFailedEvent, executionID, flow.ID),
			Error:     err.Error(),
			Duration:  elapsed,
		})
	}
}

func (s *Scheduler) finishFailed(ctx context.Context, executionID string, flow *models.TestFlow, message string) {
	s.updateFailed(executionID, message)
	s.publish(ctx, executionID, events.FlowExecutionFailed{
		BaseEvent: s.baseEvent(events.FlowExecutionFailedEvent, executionID, flow.ID),
		Error:     message,
	})
}

func (s *Scheduler) finishCancelled(executionID string, flow *models.TestFlow) {
	s.updateFailed(executionID, "execution cancelled")
	s.publish(context.Background(), executionID, events.FlowExecutionCancelled{
		BaseEvent: s.baseEvent(events.FlowExecutionCancelledEvent, executionID, flow.ID),
	})
}

func (s *Scheduler) updateFailed(executionID, message string) {
	state := s.state.GetCurrentState(executionID)
	if state != nil && state.Status == models.ExecutionStatusCompleted {
		return
	}

	if err := s.state.UpdateState(stateUpdate(executionID, message)); err != nil {
		s.logger.Warn("Failed to record flow failure", "executionId", executionID, "error", err)
	}
}

func (s *Scheduler) publish(ctx context.Context, executionID string, event eventbus.Event) {
	if s.bus == nil {
		return
	}

	if err := s.bus.Publish(ctx, executionID, event); err != nil {
		s.logger.Warn("Failed to publish event", "executionId", executionID, "type", event.GetType(), "error", err)
	}
}

func (s *Scheduler) baseEvent(eventType events.EventType, executionID, flowID string) events.BaseEvent {
	id := ""
	if s.bus != nil {
		id = s.bus.GenerateID()
	}

	return events.BaseEvent{
		ID:          id,
		Type:        eventType,
		Timestamp:   time.Now(),
		FlowID:      flowID,
		ExecutionID: executionID,
	}
}

func stateUpdate(executionID, message string) state.Update {
	return state.Update{
		ExecutionID: executionID,
		Status:      models.ExecutionStatusFailed,
		Error:       message,
	}
}

// generateExecutionID generates a unique execution ID.
func generateExecutionID() string {
	return "exec-" + uuid.New().String()[:8]
}
