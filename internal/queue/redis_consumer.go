/**
 * Direct Redis Queue Consumer for the OCR worker
 *
 * Jobs are ids pushed onto a Redis LIST with their JSON stored in the
 * "<queue>:data" hash, the layout used by the TypeScript RedisQueue.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
	"github.com/adverant/nexus/ocr-worker/internal/storage"
)

var errNoJobs = errors.New("no jobs available")

// Keys derived from the queue name
func dataKey(queue string) string       { return queue + ":data" }
func processingKey(queue string) string { return queue + ":processing" }
func completedKey(queue string) string  { return queue + ":completed" }
func failedKey(queue string) string     { return queue + ":failed" }
func resultsKey(queue string) string    { return queue + ":results" }
func errorsKey(queue string) string     { return queue + ":errors" }

// EventsChannel is the pub/sub channel job events are published on.
func EventsChannel(queue string) string { return queue + ":events" }

// JobEvent is published on EventsChannel whenever a job changes status.
type JobEvent struct {
	Event     string `json:"event"`
	JobID     string `json:"jobId"`
	Timestamp string `json:"timestamp"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	ownClient bool
	processor processor.JobProcessorInterface
	config    *RedisConsumerConfig
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL string
	// Client, when set, is used instead of dialing RedisURL and is not
	// closed by Stop.
	Client            *redis.Client
	QueueName         string
	Concurrency       int
	Processor         processor.JobProcessorInterface
	ProcessingTimeout time.Duration
	PollTimeout       time.Duration
	Logger            *logging.Logger
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" && cfg.Client == nil {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "ocr:jobs"
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
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	client, own := cfg.Client, false
	if client == nil {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		client, own = redis.NewClient(opt), true
	}

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		if own {
			client.Close()
		}
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    client,
		ownClient: own,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger.Named("queue"),
		ctx:       consumerCtx,
		cancel:    cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	return nil
}

// Stop stops polling and waits for in-flight jobs to finish. Running jobs
// keep their own processing timeout and are not cancelled.
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	if c.ownClient {
		return c.client.Close()
	}
	return nil
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	log := c.logger.With("worker", id)
	log.Debug("Worker started")

	for {
		select {
		case <-c.ctx.Done():
			log.Debug("Worker stopping")
			return
		default:
		}

		if err := c.processNextJob(); err != nil {
			if errors.Is(err, errNoJobs) || c.ctx.Err() != nil {
				continue
			}
			log.Warn("Worker error", "error", err)
			select {
			case <-c.ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	queue := c.config.QueueName
	result, err := c.client.BRPop(c.ctx, c.config.PollTimeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}
	id := result[1]

	// The job is off the list now; finish it even if Stop is called.
	jobCtx := context.WithoutCancel(c.ctx)

	raw, err := c.client.HGet(jobCtx, dataKey(queue), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		c.markFailed(id, ocrerrors.NewInvalidRequestError(err.Error()))
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}

	c.updateJobStatus(job.Payload.JobID, storage.StatusProcessing, nil)

	res, err := c.processJob(jobCtx, &job)
	if err == nil {
		c.updateJobStatus(job.Payload.JobID, storage.StatusCompleted, res)
		return nil
	}

	job.Attempts++
	if Retryable(err) && job.Attempts < job.MaxRetries {
		if requeueErr := c.requeue(jobCtx, &job); requeueErr != nil {
			c.logger.Error("Failed to re-queue job", "jobId", job.Payload.JobID, "error", requeueErr)
			c.markFailed(job.Payload.JobID, err)
			return requeueErr
		}
		c.logger.Info("Job re-queued for retry", "jobId", job.Payload.JobID, "attempt", job.Attempts, "maxRetries", job.MaxRetries)
		return nil
	}

	c.markFailed(job.Payload.JobID, err)
	return nil
}

// requeue stores the bumped attempt count and pushes the job back in one
// transaction.
func (c *RedisConsumer) requeue(ctx context.Context, job *RedisJobData) error {
	queue := c.config.QueueName
	updated, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, dataKey(queue), job.ID, updated)
	pipe.SRem(ctx, processingKey(queue), job.Payload.JobID)
	pipe.LPush(ctx, queue, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to re-queue job: %w", err)
	}
	return nil
}

// processJob runs one job under the processing timeout.
func (c *RedisConsumer) processJob(ctx context.Context, job *RedisJobData) (*processor.ProcessResult, error) {
	if err := job.Payload.Validate(); err != nil {
		return nil, err
	}
	req, err := job.Payload.ToRequest()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.ProcessingTimeout)
	defer cancel()

	c.logger.Info("Processing job", "jobId", req.JobID, "filename", req.Filename, "attempt", job.Attempts+1, "timeout", c.config.ProcessingTimeout)
	return c.processor.ProcessJob(ctx, req)
}

func (c *RedisConsumer) markFailed(jobID string, err error) {
	details := map[string]interface{}{"error": err.Error()}
	if ee, ok := ocrerrors.As(err); ok {
		details = ee.ToMap()
		details["error"] = ee.Message
	}
	c.logger.Warn("Job failed", "jobId", jobID, "code", ocrerrors.CodeOf(err), "error", err)
	c.updateJobStatus(jobID, storage.StatusFailed, details)
}

// updateJobStatus maintains the queue's Redis status sets and publishes a
// job event. Database status is recorded by the processor.
func (c *RedisConsumer) updateJobStatus(jobID string, status storage.Status, payload interface{}) {
	queue := c.config.QueueName
	ctx := context.WithoutCancel(c.ctx)

	pipe := c.client.TxPipeline()
	switch status {
	case storage.StatusProcessing:
		pipe.SAdd(ctx, processingKey(queue), jobID)
	case storage.StatusCompleted:
		pipe.SRem(ctx, processingKey(queue), jobID)
		pipe.SAdd(ctx, completedKey(queue), jobID)
		if payload != nil {
			data, _ := json.Marshal(payload)
			pipe.HSet(ctx, resultsKey(queue), jobID, data)
		}
	case storage.StatusFailed:
		pipe.SRem(ctx, processingKey(queue), jobID)
		pipe.SAdd(ctx, failedKey(queue), jobID)
		if payload != nil {
			data, _ := json.Marshal(payload)
			pipe.HSet(ctx, errorsKey(queue), jobID, data)
		}
	}

	eventData, _ := json.Marshal(JobEvent{
		Event:     fmt.Sprintf("job:%s", status),
		JobID:     jobID,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	pipe.Publish(ctx, EventsChannel(queue), eventData)

	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("Failed to update queue status", "jobId", jobID, "status", status, "error", err)
	}
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	return queueStats(ctx, c.client, c.config.QueueName)
}

func queueStats(ctx context.Context, client *redis.Client, queue string) (map[string]int64, error) {
	pipe := client.Pipeline()
	waiting := pipe.LLen(ctx, queue)
	processing := pipe.SCard(ctx, processingKey(queue))
	completed := pipe.SCard(ctx, completedKey(queue))
	failed := pipe.SCard(ctx, failedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}

// RedisQueue submits jobs in the layout RedisConsumer reads.
type RedisQueue struct {
	client     *redis.Client
	queue      string
	maxRetries int
}

// NewRedisQueue creates a producer for queue.
func NewRedisQueue(client *redis.Client, queue string, maxRetries int) *RedisQueue {
	if queue == "" {
		queue = "ocr:jobs"
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RedisQueue{client: client, queue: queue, maxRetries: maxRetries}
}

// Enqueue stores the job data and pushes its id. A missing job id is
// generated.
func (q *RedisQueue) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	if payload.JobID == "" {
		payload.JobID = uuid.New().String()
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}

	job := RedisJobData{
		ID:         payload.JobID,
		Type:       TaskTypeExtract,
		Payload:    *payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: q.maxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, dataKey(q.queue), job.ID, data)
	pipe.LPush(ctx, q.queue, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.ID, nil
}

// Stats returns queue statistics
func (q *RedisQueue) Stats(ctx context.Context) (map[string]int64, error) {
	return queueStats(ctx, q.client, q.queue)
}

// Wait blocks until jobID completes or fails and returns its final status
// with the stored result or error document. The subscription is opened
// before the status sets are checked, so a job finishing in between is
// still seen.
func (q *RedisQueue) Wait(ctx context.Context, jobID string) (storage.Status, json.RawMessage, error) {
	sub := q.client.Subscribe(ctx, EventsChannel(q.queue))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return "", nil, fmt.Errorf("failed to subscribe to job events: %w", err)
	}
	events := sub.Channel()

	for {
		status, data, err := q.outcome(ctx, jobID)
		if err != nil || status != "" {
			return status, data, err
		}

		for waiting := true; waiting; {
			select {
			case <-ctx.Done():
				return "", nil, ctx.Err()
			case msg, ok := <-events:
				if !ok {
					return "", nil, fmt.Errorf("job event subscription closed")
				}
				var ev JobEvent
				if json.Unmarshal([]byte(msg.Payload), &ev) == nil && ev.JobID == jobID {
					waiting = false
				}
			}
		}
	}
}

// outcome returns the final status of a finished job, or "" while it is
// still queued or running.
func (q *RedisQueue) outcome(ctx context.Context, jobID string) (storage.Status, json.RawMessage, error) {
	for _, final := range []struct {
		status storage.Status
		set    string
		hash   string
	}{
		{storage.StatusCompleted, completedKey(q.queue), resultsKey(q.queue)},
		{storage.StatusFailed, failedKey(q.queue), errorsKey(q.queue)},
	} {
		member, err := q.client.SIsMember(ctx, final.set, jobID).Result()
		if err != nil {
			return "", nil, fmt.Errorf("failed to read job status: %w", err)
		}
		if !member {
			continue
		}
		data, err := q.client.HGet(ctx, final.hash, jobID).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return "", nil, fmt.Errorf("failed to read job outcome: %w", err)
		}
		return final.status, data, nil
	}
	return "", nil, nil
}
