package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// TestFlow is an ordered collection of test steps representing one test
// scenario. Flows are immutable once submitted; each submission produces
// exactly one execution attempt per scheduler pass.
type TestFlow struct {
	ID        string         `json:"id"    validate:"required"`
	Name      string         `json:"name"`
	Steps     []*TestStep    `json:"steps" validate:"required,min=1,dive,required"`
	Config    FlowConfig     `json:"config"`
	Priority  int            `json:"priority"`
	Variables map[string]any `json:"variables,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// FlowConfig carries per-flow execution settings.
type FlowConfig struct {
	TimeoutMs int64       `json:"timeout_ms" validate:"gte=0"`
	Retry     RetryConfig `json:"retry"`
	Parallel  bool        `json:"parallel"`
}

// RetryConfig defines the per-step retry behavior for a flow.
type RetryConfig struct {
	MaxAttempts    int   `json:"max_attempts"     validate:"gte=0,lte=10"`
	InitialDelayMs int64 `json:"initial_delay_ms" validate:"gte=0"`
}

// Timeout returns the flow timeout as a duration, zero meaning no timeout.
func (c FlowConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// InitialDelay returns the base retry delay as a duration.
func (c RetryConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

var flowValidator = validator.New()

// Validate checks the flow structure and every step's config variant. It is
// called once at submission; the execution core assumes validated flows.
func (f *TestFlow) Validate() error {
	if err := flowValidator.Struct(f); err != nil {
		return fmt.Errorf("flow %s: %w", f.ID, err)
	}

	seen := make(map[string]struct{}, len(f.Steps))

	for _, step := range f.Steps {
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("flow %s: duplicate step id %s", f.ID, step.ID)
		}

		seen[step.ID] = struct{}{}

		if err := step.ValidateConfig(); err != nil {
			return fmt.Errorf("flow %s: %w", f.ID, err)
		}
	}

	return nil
}

// AggregateRequirements computes the resource requirements across all steps
// of the flow, one requirement per resource type. Allocating from the first
// step's type alone would under-allocate mixed-type flows.
func AggregateRequirements(flow *TestFlow) []Requirement {
	counts := make(map[ResourceType]int)

	for _, step := range flow.Steps {
		rt := step.Type.ResourceType()
		if counts[rt] == 0 {
			counts[rt] = 1
		}
	}

	reqs := make([]Requirement, 0, len(counts))
	for _, rt := range []ResourceType{ResourceTypeDatabase, ResourceTypeAPI} {
		if counts[rt] > 0 {
			reqs = append(reqs, Requirement{Type: rt, Count: counts[rt]})
		}
	}

	return reqs
}
