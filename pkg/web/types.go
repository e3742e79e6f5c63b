// Package web provides HTTP request and response types for the flow API.
package web

import "github.com/flowtest/flowtest/pkg/models"

// SubmitFlowResponse is returned when a flow is admitted for execution.
type SubmitFlowResponse struct {
	ExecutionID string `json:"execution_id"`
}

// RunBatchRequest is the request body for running a batch of flows.
type RunBatchRequest struct {
	Flows []*models.TestFlow `json:"flows" validate:"required,min=1,dive,required"`
}

// FlowRunResult pairs a flow with the terminal state of its execution.
type FlowRunResult struct {
	FlowID      string                 `json:"flow_id"`
	ExecutionID string                 `json:"execution_id"`
	State       *models.ExecutionState `json:"state,omitempty"`
}

// RunBatchResponse is returned once every flow in the batch finished.
type RunBatchResponse struct {
	Results []FlowRunResult `json:"results"`
}

// ExecutionResponse combines the current state with the collected metrics.
type ExecutionResponse struct {
	State   *models.ExecutionState       `json:"state"`
	Metrics *models.FlowExecutionMetrics `json:"metrics,omitempty"`
}
