// Package queue provides redis-backed flow submission. External systems
// push flow definitions as JSON onto a redis list and the source submits
// them for execution.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/flowtest/flowtest/pkg/models"
	"github.com/flowtest/flowtest/pkg/sources"
)

const defaultQueueKey = "flowtest:flows"

// Config holds the redis connection settings for the queue source.
type Config struct {
	Addr     string
	Password string
	DB       int
	Queue    string
}

// Source consumes flow definitions from a redis list.
type Source struct {
	config    Config
	client    redis.UniversalClient
	submitter sources.Submitter
	logger    *slog.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewSource(config Config, logger *slog.Logger) *Source {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}

	if config.Queue == "" {
		config.Queue = defaultQueueKey
	}

	return &Source{
		config: config,
		stopCh: make(chan struct{}),
		logger: logger.With(
			"module", "queue_source",
			"queue", config.Queue,
		),
	}
}

// Start connects to redis and begins consuming flow definitions.
func (s *Source) Start(ctx context.Context, submitter sources.Submitter) error {
	s.submitter = submitter

	s.client = redis.NewClient(&redis.Options{
		Addr:     s.config.Addr,
		Password: s.config.Password,
		DB:       s.config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s.logger.InfoContext(ctx, "Connected to Redis", "addr", s.config.Addr, "db", s.config.DB)

	s.wg.Add(1)

	go s.consume(ctx)

	return nil
}

func (s *Source) consume(ctx context.Context) {
	defer s.wg.Done()

	s.logger.InfoContext(ctx, "Starting queue consumer")

	for {
		select {
		case <-s.stopCh:
			s.logger.InfoContext(ctx, "Queue consumer stopped")

			return
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Context cancelled, stopping queue consumer")

			return
		default:
			err := s.processMessage(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "Error processing message", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (s *Source) processMessage(ctx context.Context) error {
	result, err := s.client.BLPop(ctx, 1*time.Second, s.config.Queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	message := result[1]

	var flow models.TestFlow
	if err := json.Unmarshal([]byte(message), &flow); err != nil {
		s.logger.WarnContext(ctx, "Discarding malformed queue message", "error", err)

		return nil
	}

	executionID, err := s.submitter.SubmitFlow(ctx, &flow)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to submit queued flow", "flow_id", flow.ID, "error", err)

		return nil
	}

	s.logger.InfoContext(ctx, "Submitted queued flow", "flow_id", flow.ID, "execution_id", executionID)

	return nil
}

// Stop halts consumption and closes the redis client.
func (s *Source) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Stopping queue source")

	close(s.stopCh)
	s.wg.Wait()

	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.ErrorContext(ctx, "Error closing Redis client", "error", err)
		}
	}

	return nil
}
