// Package file provides file-based persistence for stored flow definitions.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/flowtest/flowtest/pkg/models"
	"github.com/flowtest/flowtest/pkg/persistence"
)

// Persistence stores each flow as one JSON file under <root>/flows.
type Persistence struct {
	root string
}

// NewPersistence creates a file persistence rooted at the given directory.
// A "file://" prefix is stripped.
func NewPersistence(root string) *Persistence {
	return &Persistence{root: strings.Replace(root, "file://", "", 1)}
}

// Flows returns every stored flow.
func (p *Persistence) Flows(ctx context.Context) ([]*models.TestFlow, error) {
	dir := p.flowsDir()

	entries, err := fs.Glob(os.DirFS(dir), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list flow files: %w", err)
	}

	flows := make([]*models.TestFlow, 0, len(entries))

	for _, entry := range entries {
		id := strings.TrimSuffix(entry, ".json")

		flow, err := p.FlowByID(ctx, id)
		if err != nil {
			return nil, err
		}

		flows = append(flows, flow)
	}

	return flows, nil
}

// SaveFlow writes the flow to disk, creating the flows directory as needed.
func (p *Persistence) SaveFlow(_ context.Context, flow *models.TestFlow) error {
	if err := os.MkdirAll(p.flowsDir(), 0o755); err != nil {
		return persistence.NewFlowError("Save", flow.ID, err)
	}

	payload, err := json.MarshalIndent(flow, "", "  ")
	if err != nil {
		return persistence.NewFlowError("Save", flow.ID, err)
	}

	if err := os.WriteFile(p.flowPath(flow.ID), payload, 0o644); err != nil {
		return persistence.NewFlowError("Save", flow.ID, err)
	}

	return nil
}

// FlowByID loads one stored flow.
func (p *Persistence) FlowByID(_ context.Context, id string) (*models.TestFlow, error) {
	payload, err := os.ReadFile(p.flowPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewFlowError("FlowByID", id, persistence.ErrFlowNotFound)
		}

		return nil, persistence.NewFlowError("FlowByID", id, err)
	}

	var flow models.TestFlow
	if err := json.Unmarshal(payload, &flow); err != nil {
		return nil, persistence.NewFlowError("FlowByID", id, err)
	}

	return &flow, nil
}

// DeleteFlow removes a stored flow. Deleting an unknown id reports
// ErrFlowNotFound.
func (p *Persistence) DeleteFlow(_ context.Context, id string) error {
	if err := os.Remove(p.flowPath(id)); err != nil {
		if os.IsNotExist(err) {
			return persistence.NewFlowError("Delete", id, persistence.ErrFlowNotFound)
		}

		return persistence.NewFlowError("Delete", id, err)
	}

	return nil
}

// HealthCheck verifies the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close is a no-op for file persistence.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func (p *Persistence) flowsDir() string {
	return filepath.Join(p.root, "flows")
}

func (p *Persistence) flowPath(id string) string {
	return filepath.Join(p.flowsDir(), id+".json")
}
