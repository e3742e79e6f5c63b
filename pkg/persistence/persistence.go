// Package persistence provides the storage abstraction for stored test
// flow definitions.
package persistence

import (
	"context"

	"github.com/flowtest/flowtest/pkg/models"
)

type Persistence interface {
	Flows(ctx context.Context) ([]*models.TestFlow, error)
	SaveFlow(ctx context.Context, flow *models.TestFlow) error
	FlowByID(ctx context.Context, id string) (*models.TestFlow, error)
	DeleteFlow(ctx context.Context, id string) error
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
