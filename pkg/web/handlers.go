// Package web provides the HTTP handlers for flow submission and
// execution inspection.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/flowtest/flowtest/pkg/models"
	"github.com/flowtest/flowtest/pkg/persistence"
	"github.com/flowtest/flowtest/pkg/resources"
	"github.com/flowtest/flowtest/pkg/scheduler"
)

// FlowScheduler is the scheduler surface the handlers depend on.
type FlowScheduler interface {
	SubmitFlow(ctx context.Context, flow *models.TestFlow) (string, error)
	RunAll(ctx context.Context, flows []*models.TestFlow) ([]string, error)
	Cancel(executionID string)
}

// StateStore is the execution state surface the handlers depend on.
type StateStore interface {
	GetCurrentState(executionID string) *models.ExecutionState
	GetMetrics(executionID string) *models.FlowExecutionMetrics
}

// ResourcePool reports the pool snapshot.
type ResourcePool interface {
	Status() resources.PoolStatus
}

type APIHandlers struct {
	scheduler   FlowScheduler
	state       StateStore
	resources   ResourcePool
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewAPIHandlers(
	flowScheduler FlowScheduler,
	state StateStore,
	pool ResourcePool,
	persistence persistence.Persistence,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		scheduler:   flowScheduler,
		state:       state,
		resources:   pool,
		persistence: persistence,
		validator:   validator,
	}
}

// Register mounts every route on the app.
func (h *APIHandlers) Register(app *fiber.App) {
	app.Post("/flows", h.SubmitFlow)
	app.Post("/runs", h.RunBatch)
	app.Get("/executions/:id", h.GetExecution)
	app.Delete("/executions/:id", h.CancelExecution)
	app.Get("/resources", h.GetResources)
	app.Get("/health", h.HealthCheck)
}

// SubmitFlow admits one flow for execution, fire-and-forget.
func (h *APIHandlers) SubmitFlow(c fiber.Ctx) error {
	var flow models.TestFlow
	if err := c.Bind().JSON(&flow); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	executionID, err := h.scheduler.SubmitFlow(c.Context(), &flow)
	if err != nil {
		return h.handleSubmitError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(SubmitFlowResponse{ExecutionID: executionID})
}

// RunBatch admits a batch of flows and responds once every flow reached a
// terminal state.
func (h *APIHandlers) RunBatch(c fiber.Ctx) error {
	var req RunBatchRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	executionIDs, err := h.scheduler.RunAll(c.Context(), req.Flows)
	if err != nil {
		return h.handleSubmitError(c, err)
	}

	results := make([]FlowRunResult, 0, len(executionIDs))

	for i, executionID := range executionIDs {
		results = append(results, FlowRunResult{
			FlowID:      req.Flows[i].ID,
			ExecutionID: executionID,
			State:       h.state.GetCurrentState(executionID),
		})
	}

	return c.JSON(RunBatchResponse{Results: results})
}

// GetExecution returns the state and metrics for one execution id.
func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	state := h.state.GetCurrentState(id)
	if state == nil {
		return notFound(c, "Execution not found")
	}

	return c.JSON(ExecutionResponse{
		State:   state,
		Metrics: h.state.GetMetrics(id),
	})
}

// CancelExecution aborts a queued or running execution.
func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	if h.state.GetCurrentState(id) == nil {
		return notFound(c, "Execution not found")
	}

	h.scheduler.Cancel(id)

	return c.SendStatus(fiber.StatusNoContent)
}

// GetResources returns the pool snapshot.
func (h *APIHandlers) GetResources(c fiber.Ctx) error {
	return c.JSON(h.resources.Status())
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Flowtest API is healthy"
	httpStatus := http.StatusOK

	var storageErr string

	if h.persistence != nil {
		if err := h.persistence.HealthCheck(c.Context()); err != nil {
			status = "unhealthy"
			message = "Flowtest API is unhealthy"
			httpStatus = http.StatusInternalServerError
			storageErr = err.Error()
		}
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"storage":   storageErr,
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) handleSubmitError(c fiber.Ctx, err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		return badRequest(c, err.Error())
	}

	if errors.Is(err, scheduler.ErrQueueFull) || errors.Is(err, scheduler.ErrNotStarted) {
		problem := problems.NewStatusProblem(503).
			WithInstance(c.Path()).
			WithType("scheduler_unavailable").
			WithDetail(err.Error())

		return c.Status(fiber.StatusServiceUnavailable).JSON(problem)
	}

	return handleSchedulerError(c, err)
}
