// Package models defines the core domain models for test flow execution.
package models

import (
	"errors"
	"fmt"
)

// StepType identifies the transport a test step is dispatched to.
type StepType string

const (
	StepTypeGraphQL  StepType = "graphql"
	StepTypeREST     StepType = "rest"
	StepTypeDatabase StepType = "database"
)

// TestStep is a single unit of work within a flow: one GraphQL, REST or
// database call plus an optional response validation. Exactly one of the
// config variants must be set, matching Type. Steps are immutable once the
// owning flow has been submitted.
type TestStep struct {
	ID         string              `json:"id"   validate:"required"`
	Name       string              `json:"name"`
	Type       StepType            `json:"type" validate:"required,oneof=graphql rest database"`
	GraphQL    *GraphQLStepConfig  `json:"graphql,omitempty"`
	REST       *RESTStepConfig     `json:"rest,omitempty"`
	Database   *DatabaseStepConfig `json:"database,omitempty"`
	Validation *StepValidation     `json:"validation,omitempty"`
}

// GraphQLStepConfig configures a GraphQL step.
type GraphQLStepConfig struct {
	Endpoint  string            `json:"endpoint" validate:"required,url"`
	Query     string            `json:"query"    validate:"required"`
	Variables map[string]any    `json:"variables,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// RESTStepConfig configures a REST step.
type RESTStepConfig struct {
	Method  string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	URL     string            `json:"url"    validate:"required,url"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    map[string]any    `json:"data,omitempty"`
}

// DatabaseStepConfig configures a database step.
type DatabaseStepConfig struct {
	Query  string `json:"query" validate:"required"`
	Params []any  `json:"params,omitempty"`
}

// StepValidation holds the JSON schema the step response is validated
// against. Validation failures are never retried.
type StepValidation struct {
	Schema map[string]any `json:"schema" validate:"required"`
}

var errStepConfigMismatch = errors.New("step config does not match step type")

// ValidateConfig checks that exactly the config variant matching Type is
// present. It runs once at flow submission, not per step at run time.
func (s *TestStep) ValidateConfig() error {
	var want, extra int

	switch s.Type {
	case StepTypeGraphQL:
		if s.GraphQL != nil {
			want = 1
		}

		if s.REST != nil || s.Database != nil {
			extra = 1
		}
	case StepTypeREST:
		if s.REST != nil {
			want = 1
		}

		if s.GraphQL != nil || s.Database != nil {
			extra = 1
		}
	case StepTypeDatabase:
		if s.Database != nil {
			want = 1
		}

		if s.GraphQL != nil || s.REST != nil {
			extra = 1
		}
	default:
		return fmt.Errorf("step %s: unknown step type %q", s.ID, s.Type)
	}

	if want == 0 || extra != 0 {
		return fmt.Errorf("step %s (%s): %w", s.ID, s.Type, errStepConfigMismatch)
	}

	return nil
}

// ResourceType maps a step type to the execution resource it consumes.
func (t StepType) ResourceType() ResourceType {
	if t == StepTypeDatabase {
		return ResourceTypeDatabase
	}

	return ResourceTypeAPI
}
