// Package database implements the database transport for test steps on top
// of database/sql.
package database

import (
	"context"
	"database/sql"
	"fmt"

	// PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/flowtest/flowtest/pkg/errs"
	"github.com/flowtest/flowtest/pkg/models"
	"github.com/flowtest/flowtest/pkg/transport"
)

const op = "database.Invoke"

// Transport runs database query steps.
type Transport struct {
	db *sql.DB
}

// NewTransport wraps an existing database handle.
func NewTransport(db *sql.DB) *Transport {
	return &Transport{db: db}
}

// Open connects to the database URL and returns a transport over it.
func Open(ctx context.Context, databaseURL string) (*Transport, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Transport{db: db}, nil
}

// Type returns the step type this transport serves.
func (t *Transport) Type() models.StepType {
	return models.StepTypeDatabase
}

// Invoke runs the configured query and returns the rows as a list of
// column→value maps. Failures surface as database errors (retryable).
func (t *Transport) Invoke(ctx context.Context, step *models.TestStep) (*transport.Response, error) {
	config := step.Database
	if config == nil {
		return nil, errs.NewValidationError(op, "step has no database config", nil)
	}

	rows, err := t.db.QueryContext(ctx, config.Query, config.Params...)
	if err != nil {
		return nil, errs.NewDatabaseError(op, "query failed", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errs.NewDatabaseError(op, "failed to read columns", err)
	}

	results := make([]map[string]any, 0)

	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))

		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, errs.NewDatabaseError(op, "failed to scan row", err)
		}

		row := make(map[string]any, len(columns))

		for i, column := range columns {
			if raw, ok := values[i].([]byte); ok {
				row[column] = string(raw)
			} else {
				row[column] = values[i]
			}
		}

		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, errs.NewDatabaseError(op, "row iteration failed", err)
	}

	return &transport.Response{Data: results}, nil
}

// Close closes the underlying database handle.
func (t *Transport) Close() error {
	return t.db.Close()
}
