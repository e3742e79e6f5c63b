// Package events defines event types for flow execution lifecycle
// notifications.
package events

import "time"

// EventType identifies one lifecycle event.
type EventType string

// Topic is the event bus topic all execution events are published on.
const Topic = "flowtest.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	FlowExecutionStartedEvent   EventType = "flow.execution.started"
	FlowExecutionCompletedEvent EventType = "flow.execution.completed"
	FlowExecutionFailedEvent    EventType = "flow.execution.failed"
	FlowExecutionTimeoutEvent   EventType = "flow.execution.timeout"
	FlowExecutionCancelledEvent EventType = "flow.execution.cancelled"

	StepCompletedEvent EventType = "flow.step.completed"
	StepFailedEvent    EventType = "flow.step.failed"

	ResourceLeaseExpiredEvent EventType = "resource.lease.expired"
)

// BaseEvent carries the fields every lifecycle event shares.
type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	FlowID      string    `json:"flow_id"`
	ExecutionID string    `json:"execution_id"`
}

// FlowExecutionStarted signals that a flow was admitted and began running.
type FlowExecutionStarted struct {
	BaseEvent

	Priority  int `json:"priority"`
	StepCount int `json:"step_count"`
}

func (e FlowExecutionStarted) GetType() EventType {
	return FlowExecutionStartedEvent
}

// FlowExecutionCompleted signals that every step succeeded.
type FlowExecutionCompleted struct {
	BaseEvent

	Duration time.Duration `json:"duration"`
}

func (e FlowExecutionCompleted) GetType() EventType {
	return FlowExecutionCompletedEvent
}

// FlowExecutionFailed signals a terminal flow failure.
type FlowExecutionFailed struct {
	BaseEvent

	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

func (e FlowExecutionFailed) GetType() EventType {
	return FlowExecutionFailedEvent
}

// FlowExecutionTimeout signals that the flow exceeded its timeout.
type FlowExecutionTimeout struct {
	BaseEvent

	Timeout time.Duration `json:"timeout"`
}

func (e FlowExecutionTimeout) GetType() EventType {
	return FlowExecutionTimeoutEvent
}

// FlowExecutionCancelled signals that the caller aborted the flow.
type FlowExecutionCancelled struct {
	BaseEvent
}

func (e FlowExecutionCancelled) GetType() EventType {
	return FlowExecutionCancelledEvent
}

// StepCompleted signals one finished step attempt chain.
type StepCompleted struct {
	BaseEvent

	StepID     string `json:"step_id"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
	Progress   int    `json:"progress"`
}

func (e StepCompleted) GetType() EventType {
	return StepCompletedEvent
}

// StepFailed signals a step whose retries exhausted.
type StepFailed struct {
	BaseEvent

	StepID     string `json:"step_id"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error"`
}

func (e StepFailed) GetType() EventType {
	return StepFailedEvent
}

// ResourceLeaseExpired signals a forced reclamation of leaked resources.
type ResourceLeaseExpired struct {
	BaseEvent

	ResourceIDs []string `json:"resource_ids"`
}

func (e ResourceLeaseExpired) GetType() EventType {
	return ResourceLeaseExpiredEvent
}
