package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowtest/flowtest/pkg/eventbus"
	"github.com/flowtest/flowtest/pkg/events"
)

// PublishLeaseExpiry returns the resource manager callback that publishes a
// lease expiry event for reclaimed resources.
func PublishLeaseExpiry(bus eventbus.EventBus, logger *slog.Logger) func(executionID string, resourceIDs []string) {
	return func(executionID string, resourceIDs []string) {
		event := events.ResourceLeaseExpired{
			BaseEvent: events.BaseEvent{
				ID:          bus.GenerateID(),
				Type:        events.ResourceLeaseExpiredEvent,
				Timestamp:   time.Now(),
				ExecutionID: executionID,
			},
			ResourceIDs: resourceIDs,
		}

		if err := bus.Publish(context.Background(), executionID, event); err != nil {
			logger.Warn("Failed to publish lease expiry event", "executionId", executionID, "error", err)
		}
	}
}
