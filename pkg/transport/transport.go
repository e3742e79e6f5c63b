// Package transport defines the uniform interface step executors invoke
// external systems through, and the registry that maps step types to
// transports.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowtest/flowtest/pkg/models"
)

// Response is the uniform result of one transport invocation. Data holds
// the decoded payload the step validation runs against.
type Response struct {
	StatusCode int `json:"status_code,omitempty"`
	Data       any `json:"data"`
}

// Transport invokes one step type against its external system. Failures
// surface as typed errors (network, database, authentication, flow) the
// retry policy classifies.
type Transport interface {
	Type() models.StepType
	Invoke(ctx context.Context, step *models.TestStep) (*Response, error)
}

// Registry maps step types to transports.
type Registry struct {
	mu         sync.RWMutex
	transports map[models.StepType]Transport
}

// NewRegistry creates an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[models.StepType]Transport),
	}
}

// Register adds a transport for its step type, replacing any previous one.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transports[t.Type()] = t
}

// Resolve returns the transport for the step type.
func (r *Registry) Resolve(stepType models.StepType) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.transports[stepType]
	if !exists {
		return nil, fmt.Errorf("no transport registered for step type %q", stepType)
	}

	return t, nil
}
