// Package postgresql provides PostgreSQL persistence for stored flow
// definitions.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	// PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/flowtest/flowtest/pkg/models"
	"github.com/flowtest/flowtest/pkg/persistence"
	"github.com/flowtest/flowtest/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL. Flow
// definitions are stored as JSONB documents keyed by flow id.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPersistence connects, runs migrations and returns the persistence
// layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{db: database, logger: logger}, nil
}

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS test_flows (
				id TEXT PRIMARY KEY,
				definition JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			);
		`,
	}
}

// Flows returns every stored flow.
func (p *Persistence) Flows(ctx context.Context) ([]*models.TestFlow, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT definition FROM test_flows ORDER BY created_at")
	if err != nil {
		return nil, persistence.NewFlowError("Flows", "", err)
	}
	defer rows.Close()

	flows := make([]*models.TestFlow, 0)

	for rows.Next() {
		var definition []byte

		if err := rows.Scan(&definition); err != nil {
			return nil, persistence.NewFlowError("Flows", "", err)
		}

		var flow models.TestFlow
		if err := json.Unmarshal(definition, &flow); err != nil {
			return nil, persistence.NewFlowError("Flows", "", err)
		}

		flows = append(flows, &flow)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewFlowError("Flows", "", err)
	}

	return flows, nil
}

// SaveFlow upserts the flow definition.
func (p *Persistence) SaveFlow(ctx context.Context, flow *models.TestFlow) error {
	definition, err := json.Marshal(flow)
	if err != nil {
		return persistence.NewFlowError("Save", flow.ID, err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO test_flows (id, definition)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET definition = $2, updated_at = NOW()
	`, flow.ID, definition)
	if err != nil {
		return persistence.NewFlowError("Save", flow.ID, err)
	}

	return nil
}

// FlowByID loads one stored flow.
func (p *Persistence) FlowByID(ctx context.Context, id string) (*models.TestFlow, error) {
	var definition []byte

	err := p.db.QueryRowContext(ctx, "SELECT definition FROM test_flows WHERE id = $1", id).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewFlowError("FlowByID", id, persistence.ErrFlowNotFound)
	}

	if err != nil {
		return nil, persistence.NewFlowError("FlowByID", id, err)
	}

	var flow models.TestFlow
	if err := json.Unmarshal(definition, &flow); err != nil {
		return nil, persistence.NewFlowError("FlowByID", id, err)
	}

	return &flow, nil
}

// DeleteFlow removes a stored flow.
func (p *Persistence) DeleteFlow(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, "DELETE FROM test_flows WHERE id = $1", id)
	if err != nil {
		return persistence.NewFlowError("Delete", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewFlowError("Delete", id, err)
	}

	if affected == 0 {
		return persistence.NewFlowError("Delete", id, persistence.ErrFlowNotFound)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
