// Package schedule provides cron-based recurring flow submission.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/flowtest/flowtest/pkg/models"
	"github.com/flowtest/flowtest/pkg/persistence"
	"github.com/flowtest/flowtest/pkg/sources"
)

// CronExprMetadataKey is the flow metadata key carrying the cron expression.
const CronExprMetadataKey = "schedule"

// Source submits stored flows on their cron schedule. Flows opt in by
// setting a cron expression under the "schedule" metadata key.
type Source struct {
	persistence persistence.Persistence
	cron        *cron.Cron
	submitter   sources.Submitter
	logger      *slog.Logger
}

func NewSource(persistence persistence.Persistence, logger *slog.Logger) *Source {
	return &Source{
		persistence: persistence,
		logger:      logger.With("module", "schedule_source"),
	}
}

// Start registers one cron job per scheduled flow and starts the cron
// runner. Flows without a schedule entry are skipped.
func (s *Source) Start(ctx context.Context, submitter sources.Submitter) error {
	s.submitter = submitter

	flows, err := s.persistence.Flows(ctx)
	if err != nil {
		return fmt.Errorf("failed to load flows for scheduling: %w", err)
	}

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	registered := 0

	for _, flow := range flows {
		expr, ok := flow.Metadata[CronExprMetadataKey].(string)
		if !ok || expr == "" {
			continue
		}

		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("invalid cron expression for flow %s: %w", flow.ID, err)
		}

		entryID, err := s.cron.AddFunc(expr, s.run(flow))
		if err != nil {
			return fmt.Errorf("failed to add cron job for flow %s: %w", flow.ID, err)
		}

		s.logger.Info("Registered scheduled flow", "flow_id", flow.ID, "cron", expr, "entry_id", entryID)
		registered++
	}

	if registered == 0 {
		s.logger.Info("No scheduled flows found")
	}

	s.cron.Start()

	return nil
}

func (s *Source) run(flow *models.TestFlow) func() {
	return func() {
		executionID, err := s.submitter.SubmitFlow(context.Background(), flow)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}

			s.logger.Error("Failed to submit scheduled flow", "flow_id", flow.ID, "error", err)

			return
		}

		s.logger.Info("Submitted scheduled flow", "flow_id", flow.ID, "execution_id", executionID)
	}
}

// Stop halts the cron runner and waits for in-flight jobs.
func (s *Source) Stop(_ context.Context) error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	return nil
}
