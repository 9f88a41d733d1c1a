/**
 * Asynq Queue Consumer for the OCR worker
 *
 * Alternative backend for deployments that already run asynq: jobs are
 * "ocr:extract" tasks whose payload is a JSON JobPayload.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
)

// Enqueuer submits extraction jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload *JobPayload) (string, error)
}

// Consumer handles job consumption through asynq
type Consumer struct {
	server    *asynq.Server
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	processor processor.JobProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.JobProcessorInterface
	ProcessingTimeout time.Duration
	Logger            *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Named("queue")

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s, capped at a minute
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Warn("Task processing error", "type", task.Type(), "code", ocrerrors.CodeOf(err), "error", err)
			}),
		},
	)

	consumer := &Consumer{
		server:    server,
		inspector: asynq.NewInspector(redisOpt),
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}
	consumer.mux.HandleFunc(TaskTypeExtract, consumer.handleExtract)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting asynq consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping asynq consumer")
	c.server.Shutdown()
	return c.inspector.Close()
}

// handleExtract processes one extraction task. Failures that cannot succeed
// on retry skip asynq's retry schedule.
func (c *Consumer) handleExtract(ctx context.Context, task *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		if id, ok := asynq.GetTaskID(ctx); ok {
			payload.JobID = id
		}
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	req, err := payload.ToRequest()
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	processCtx, cancel := context.WithTimeout(ctx, c.config.ProcessingTimeout)
	defer cancel()

	result, err := c.processor.ProcessJob(processCtx, req)
	if err != nil {
		if !Retryable(err) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("extraction failed: %w", err)
	}

	if w := task.ResultWriter(); w != nil {
		data, _ := json.Marshal(result)
		if _, err := w.Write(data); err != nil {
			c.logger.Warn("Failed to write task result", "jobId", req.JobID, "error", err)
		}
	}
	return nil
}

// GetStats returns the consumer settings and the queue's task counts. A
// queue asynq has not seen yet reports zero counts.
func (c *Consumer) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{
		"backend":     "asynq",
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"waiting":     0,
		"processing":  0,
		"retry":       0,
		"completed":   0,
		"failed":      0,
	}

	info, err := c.inspector.GetQueueInfo(c.config.QueueName)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	stats["waiting"] = info.Pending + info.Scheduled
	stats["processing"] = info.Active
	stats["retry"] = info.Retry
	stats["completed"] = info.Completed
	stats["failed"] = info.Archived
	stats["paused"] = info.Paused
	return stats, nil
}

// AsynqEnqueuer submits jobs as asynq tasks.
type AsynqEnqueuer struct {
	client     *asynq.Client
	queue      string
	maxRetries int
	retention  time.Duration
}

// NewAsynqEnqueuer creates an enqueuer for queue.
func NewAsynqEnqueuer(redisURL, queue string, maxRetries int) (*AsynqEnqueuer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &AsynqEnqueuer{
		client:     asynq.NewClient(redisOpt),
		queue:      queue,
		maxRetries: maxRetries,
		retention:  24 * time.Hour,
	}, nil
}

// NewExtractTask builds the task for payload, generating a job id if missing.
func NewExtractTask(payload *JobPayload) (*asynq.Task, error) {
	if payload.JobID == "" {
		payload.JobID = uuid.New().String()
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return asynq.NewTask(TaskTypeExtract, data), nil
}

// Enqueue submits payload and returns its job id.
func (e *AsynqEnqueuer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	task, err := NewExtractTask(payload)
	if err != nil {
		return "", err
	}
	info, err := e.client.EnqueueContext(ctx, task,
		asynq.Queue(e.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(e.maxRetries),
		asynq.Retention(e.retention),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info.ID, nil
}

// Close closes the asynq client.
func (e *AsynqEnqueuer) Close() error {
	return e.client.Close()
}
