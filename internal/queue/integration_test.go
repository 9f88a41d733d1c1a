//go:build integration

package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"

	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
	"github.com/adverant/nexus/ocr-worker/internal/storage"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	opts, err := redis.ParseURL(startRedisURI(t))
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func startRedisURI(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := rediscontainer.Run(ctx, "redis:7.4-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate redis container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	return uri
}

func TestRedisConsumerProcessesQueuedJobs(t *testing.T) {
	ctx := context.Background()
	client := startRedis(t)

	events := client.Subscribe(ctx, EventsChannel("ocr:jobs"))
	defer events.Close()
	_, err := events.Receive(ctx)
	require.NoError(t, err)

	p := &fakeProcessor{fn: func(req *processor.ProcessRequest) (*processor.ProcessResult, error) {
		if req.FilePath == "/bad.png" {
			return nil, ocrerrors.NewDecodeFailedError(req.FilePath, nil)
		}
		return &processor.ProcessResult{JobID: req.JobID, Result: &processor.Result{Text: "queued text"}}, nil
	}}

	consumer, err := NewRedisConsumer(&RedisConsumerConfig{
		Client:      client,
		QueueName:   "ocr:jobs",
		Concurrency: 2,
		Processor:   p,
		PollTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, consumer.Start())
	defer consumer.Stop()

	q := NewRedisQueue(client, "ocr:jobs", 3)
	goodID, err := q.Enqueue(ctx, &JobPayload{FilePath: "/good.png"})
	require.NoError(t, err)
	badID, err := q.Enqueue(ctx, &JobPayload{FilePath: "/bad.png"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats["completed"] == 1 && stats["failed"] == 1
	}, 10*time.Second, 100*time.Millisecond)

	raw, err := client.HGet(ctx, resultsKey("ocr:jobs"), goodID).Result()
	require.NoError(t, err)
	var res processor.ProcessResult
	require.NoError(t, json.Unmarshal([]byte(raw), &res))
	assert.Equal(t, "queued text", res.Result.Text)

	failure, err := client.HGet(ctx, errorsKey("ocr:jobs"), badID).Result()
	require.NoError(t, err)
	assert.Contains(t, failure, "DECODE_FAILED")
	assert.Equal(t, 2, p.count(), "permanent failures are not retried")

	msg, err := events.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, "job:")
}

func TestRedisConsumerRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	client := startRedis(t)

	p := &fakeProcessor{fn: func(req *processor.ProcessRequest) (*processor.ProcessResult, error) {
		return nil, ocrerrors.NewEngineUnavailableError("eng", nil)
	}}
	consumer, err := NewRedisConsumer(&RedisConsumerConfig{
		Client:      client,
		QueueName:   "ocr:retry",
		Concurrency: 1,
		Processor:   p,
		PollTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, consumer.Start())
	defer consumer.Stop()

	_, err = NewRedisQueue(client, "ocr:retry", 3).Enqueue(ctx, &JobPayload{FilePath: "/a.png"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := consumer.GetStats(ctx)
		return err == nil && stats["failed"] == 1
	}, 10*time.Second, 100*time.Millisecond)
	assert.Equal(t, 3, p.count())
}

func TestRedisQueueWaitReturnsOutcome(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	client := startRedis(t)

	p := &fakeProcessor{fn: func(req *processor.ProcessRequest) (*processor.ProcessResult, error) {
		time.Sleep(300 * time.Millisecond)
		return &processor.ProcessResult{JobID: req.JobID, Result: &processor.Result{Text: "waited"}}, nil
	}}
	consumer, err := NewRedisConsumer(&RedisConsumerConfig{
		Client:      client,
		QueueName:   "ocr:wait",
		Concurrency: 1,
		Processor:   p,
		PollTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, consumer.Start())
	defer consumer.Stop()

	q := NewRedisQueue(client, "ocr:wait", 1)
	id, err := q.Enqueue(ctx, &JobPayload{FilePath: "/a.png"})
	require.NoError(t, err)

	status, data, err := q.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, status)
	assert.Contains(t, string(data), "waited")

	// A finished job is answered from the status sets.
	status, _, err = q.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, status)
}

// blockingProcessor holds each job until release is closed and reports a
// transient failure if the job context ends first.
type blockingProcessor struct {
	started chan string
	release chan struct{}
}

func (b *blockingProcessor) ProcessJob(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
	b.started <- req.JobID
	select {
	case <-b.release:
		return &processor.ProcessResult{JobID: req.JobID, Result: &processor.Result{Text: "finished"}}, nil
	case <-ctx.Done():
		return nil, ocrerrors.NewEngineUnavailableError("tesseract", ctx.Err())
	}
}

func (b *blockingProcessor) UpdateJobStatus(context.Context, string, storage.Status, map[string]interface{}) error {
	return nil
}

func TestRedisConsumerStopLetsRunningJobFinish(t *testing.T) {
	ctx := context.Background()
	client := startRedis(t)

	p := &blockingProcessor{started: make(chan string, 1), release: make(chan struct{})}
	consumer, err := NewRedisConsumer(&RedisConsumerConfig{
		Client:      client,
		QueueName:   "ocr:stop",
		Concurrency: 1,
		Processor:   p,
		PollTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, consumer.Start())

	q := NewRedisQueue(client, "ocr:stop", 3)
	id, err := q.Enqueue(ctx, &JobPayload{FilePath: "/a.png"})
	require.NoError(t, err)

	select {
	case got := <-p.started:
		require.Equal(t, id, got)
	case <-time.After(10 * time.Second):
		t.Fatal("job was not picked up")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- consumer.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was still running")
	case <-time.After(300 * time.Millisecond):
	}
	close(p.release)
	require.NoError(t, <-stopped)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["completed"])
	assert.Equal(t, int64(0), stats["processing"])
	assert.Equal(t, int64(0), stats["failed"])

	raw, err := client.HGet(ctx, resultsKey("ocr:stop"), id).Result()
	require.NoError(t, err)
	assert.Contains(t, raw, "finished")
}

func TestAsynqConsumerStatsCountQueuedTasks(t *testing.T) {
	ctx := context.Background()
	uri := startRedisURI(t)

	consumer, err := NewConsumer(&ConsumerConfig{
		RedisURL:  uri,
		QueueName: "ocr-stats",
		Processor: &fakeProcessor{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { consumer.inspector.Close() })

	stats, err := consumer.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "asynq", stats["backend"])
	assert.Equal(t, 0, stats["waiting"])

	enq, err := NewAsynqEnqueuer(uri, "ocr-stats", 3)
	require.NoError(t, err)
	defer enq.Close()
	_, err = enq.Enqueue(ctx, &JobPayload{FilePath: "/a.png"})
	require.NoError(t, err)

	stats, err = consumer.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["waiting"])
	assert.Equal(t, 0, stats["processing"])
}
