// Package sources defines the contract shared by flow submission sources.
package sources

import (
	"context"

	"github.com/flowtest/flowtest/pkg/models"
)

// Submitter accepts validated flows for execution. The scheduler satisfies
// this interface.
type Submitter interface {
	SubmitFlow(ctx context.Context, flow *models.TestFlow) (string, error)
}

// Source feeds flows into a Submitter until stopped.
type Source interface {
	Start(ctx context.Context, submitter Submitter) error
	Stop(ctx context.Context) error
}
