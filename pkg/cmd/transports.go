package cmd

import (
	"context"
	"fmt"

	"github.com/flowtest/flowtest/pkg/transport"
	databasetransport "github.com/flowtest/flowtest/pkg/transport/database"
	"github.com/flowtest/flowtest/pkg/transport/graphql"
	"github.com/flowtest/flowtest/pkg/transport/rest"
)

// NewTransportRegistry builds the registry of step transports. The database
// transport is only registered when a target database URL is configured;
// flows with database steps fail resolution otherwise.
func NewTransportRegistry(ctx context.Context, targetDatabaseURL string) (*transport.Registry, error) {
	registry := transport.NewRegistry()
	registry.Register(rest.NewTransport(nil))
	registry.Register(graphql.NewTransport(nil))

	if targetDatabaseURL != "" {
		databaseTransport, err := databasetransport.Open(ctx, targetDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open target database: %w", err)
		}

		registry.Register(databaseTransport)
	}

	return registry, nil
}
