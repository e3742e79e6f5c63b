package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/flowtest/flowtest/pkg/persistence"
	"github.com/flowtest/flowtest/pkg/persistence/file"
	"github.com/flowtest/flowtest/pkg/persistence/postgresql"
)

// NewPersistence selects a persistence backend from the database URL
// scheme. "postgres://" and "postgresql://" use PostgreSQL; anything else
// is treated as a file path.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		return file.NewPersistence(databaseURL), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return provider
}
