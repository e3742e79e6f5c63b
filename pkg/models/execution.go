package models

import "time"

// ExecutionStatus is the lifecycle state of one flow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// ExecutionState is the tracked state of one flow execution, 1:1 with a
// submitted TestFlow instance. Terminal states are retained for the
// retention window to allow result polling, then purged by the sweep.
type ExecutionState struct {
	ExecutionID string          `json:"execution_id"`
	FlowID      string          `json:"flow_id,omitempty"`
	Status      ExecutionStatus `json:"status"`
	StartTime   time.Time       `json:"start_time"`
	LastUpdate  time.Time       `json:"last_update"`
	Progress    int             `json:"progress"`
	Error       string          `json:"error,omitempty"`
	ErrorCount  int             `json:"error_count,omitempty"`
}

// StepResult records the terminal outcome of one step. Created as the step
// finishes and never mutated afterwards.
type StepResult struct {
	StepID     string `json:"step_id"`
	Success    bool   `json:"success"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// FlowExecutionMetrics aggregates the per-step results of one flow
// execution. Owned by a single executor invocation and handed to the state
// manager for tracking; never shared concurrently afterwards.
type FlowExecutionMetrics struct {
	StartTime   time.Time              `json:"start_time"`
	EndTime     time.Time              `json:"end_time,omitzero"`
	DurationMs  int64                  `json:"duration_ms"`
	StepResults map[string]*StepResult `json:"step_results"`
}

// NewFlowExecutionMetrics starts a metrics record for one execution.
func NewFlowExecutionMetrics() *FlowExecutionMetrics {
	return &FlowExecutionMetrics{
		StartTime:   time.Now(),
		StepResults: make(map[string]*StepResult),
	}
}

// Finish stamps the end time and total duration.
func (m *FlowExecutionMetrics) Finish() {
	m.EndTime = time.Now()
	m.DurationMs = m.EndTime.Sub(m.StartTime).Milliseconds()
}
