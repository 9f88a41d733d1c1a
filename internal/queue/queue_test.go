package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
	"github.com/adverant/nexus/ocr-worker/internal/storage"
)

// fakeProcessor answers jobs from a function and records requests.
type fakeProcessor struct {
	fn func(req *processor.ProcessRequest) (*processor.ProcessResult, error)

	mu       sync.Mutex
	requests []*processor.ProcessRequest
}

func (f *fakeProcessor) ProcessJob(_ context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.fn == nil {
		return &processor.ProcessResult{JobID: req.JobID, Result: &processor.Result{Text: "ok"}}, nil
	}
	return f.fn(req)
}

func (f *fakeProcessor) UpdateJobStatus(context.Context, string, storage.Status, map[string]interface{}) error {
	return nil
}

func (f *fakeProcessor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func TestJobPayloadBase64Buffer(t *testing.T) {
	var p JobPayload
	require.NoError(t, json.Unmarshal([]byte(`{"jobId":"j1","fileBuffer":"aGVsbG8="}`), &p))
	assert.Equal(t, []byte("hello"), p.FileBuffer)
	assert.Equal(t, "j1", p.JobID)
}

func TestJobPayloadNodeBuffer(t *testing.T) {
	var p JobPayload
	require.NoError(t, json.Unmarshal([]byte(`{"jobId":"j2","fileBuffer":{"type":"Buffer","data":[104,105]}}`), &p))
	assert.Equal(t, []byte("hi"), p.FileBuffer)
}

func TestJobPayloadRejectsBadBuffers(t *testing.T) {
	for _, raw := range []string{
		`{"fileBuffer":"%%%"}`,
		`{"fileBuffer":{"type":"Blob","data":[1]}}`,
		`{"fileBuffer":{"type":"Buffer"}}`,
		`{"fileBuffer":{"type":"Buffer","data":[300]}}`,
		`{"fileBuffer":42}`,
	} {
		var p JobPayload
		assert.Error(t, json.Unmarshal([]byte(raw), &p), raw)
	}
}

func TestJobPayloadRoundTripsThroughJSON(t *testing.T) {
	in := JobPayload{JobID: "j3", FileBuffer: []byte{0, 1, 2}, Options: json.RawMessage(`{"language":"fra"}`), WithBoxes: true}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out JobPayload
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.FileBuffer, out.FileBuffer)
	assert.True(t, out.WithBoxes)

	req, err := out.ToRequest()
	require.NoError(t, err)
	assert.Equal(t, "fra", req.Options.Language)
	assert.True(t, req.Options.Preprocess, "omitted options keep their defaults")
}

func TestJobPayloadValidate(t *testing.T) {
	assert.True(t, ocrerrors.Is((&JobPayload{FilePath: "/a.png"}).Validate(), ocrerrors.ErrorInvalidRequest))
	assert.True(t, ocrerrors.Is((&JobPayload{JobID: "x"}).Validate(), ocrerrors.ErrorInvalidRequest))
	assert.NoError(t, (&JobPayload{JobID: "x", FileURL: "https://example.com/a.png"}).Validate())
}

func TestToRequestRejectsBadOptions(t *testing.T) {
	_, err := (&JobPayload{JobID: "x", Options: json.RawMessage(`{"preprocess":1}`)}).ToRequest()
	assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorInvalidRequest))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ocrerrors.NewDecodeFailedError("a", nil), false},
		{ocrerrors.NewSourceNotFoundError("a", nil), false},
		{ocrerrors.NewNoTextExtractedError(nil), false},
		{ocrerrors.NewInvalidRequestError("bad"), false},
		{ocrerrors.NewEngineUnavailableError("eng", nil), true},
		{ocrerrors.NewProcessingTimeoutError("j", 0, nil), true},
		{ocrerrors.NewStorageFailedError("j", nil), true},
		{errors.New("network blip"), true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Retryable(tt.err), "%v", tt.err)
	}
}

func newTestConsumer(t *testing.T, p processor.JobProcessorInterface) *Consumer {
	t.Helper()
	c, err := NewConsumer(&ConsumerConfig{RedisURL: "redis://localhost:6379/0", QueueName: "ocr:jobs", Processor: p})
	require.NoError(t, err)
	return c
}

func extractTask(t *testing.T, payload JobPayload) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(TaskTypeExtract, data)
}

func TestHandleExtractSuccess(t *testing.T) {
	p := &fakeProcessor{}
	c := newTestConsumer(t, p)

	err := c.handleExtract(context.Background(), extractTask(t, JobPayload{JobID: "a1", FilePath: "/tmp/a.png", WithBoxes: true}))
	require.NoError(t, err)
	require.Equal(t, 1, p.count())
	assert.Equal(t, "/tmp/a.png", p.requests[0].FilePath)
	assert.True(t, p.requests[0].WithBoxes)
}

func TestHandleExtractSkipsRetryForPermanentFailures(t *testing.T) {
	p := &fakeProcessor{fn: func(*processor.ProcessRequest) (*processor.ProcessResult, error) {
		return nil, ocrerrors.NewDecodeFailedError("a.png", nil)
	}}
	c := newTestConsumer(t, p)

	err := c.handleExtract(context.Background(), extractTask(t, JobPayload{JobID: "a2", FilePath: "/tmp/a.png"}))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorDecodeFailed))
}

func TestHandleExtractRetriesTransientFailures(t *testing.T) {
	p := &fakeProcessor{fn: func(*processor.ProcessRequest) (*processor.ProcessResult, error) {
		return nil, ocrerrors.NewEngineUnavailableError("eng", nil)
	}}
	c := newTestConsumer(t, p)

	err := c.handleExtract(context.Background(), extractTask(t, JobPayload{JobID: "a3", FilePath: "/tmp/a.png"}))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandleExtractRejectsInvalidPayloads(t *testing.T) {
	p := &fakeProcessor{}
	c := newTestConsumer(t, p)

	err := c.handleExtract(context.Background(), asynq.NewTask(TaskTypeExtract, []byte("{not json")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = c.handleExtract(context.Background(), extractTask(t, JobPayload{JobID: "a4"}))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Zero(t, p.count())
}

func TestNewExtractTaskGeneratesID(t *testing.T) {
	payload := &JobPayload{FileURL: "https://example.com/a.png"}
	task, err := NewExtractTask(payload)
	require.NoError(t, err)
	assert.NotEmpty(t, payload.JobID)
	assert.Equal(t, TaskTypeExtract, task.Type())

	_, err = NewExtractTask(&JobPayload{})
	assert.Error(t, err)
}

func TestConsumerConfigValidation(t *testing.T) {
	_, err := NewConsumer(&ConsumerConfig{QueueName: "q", Processor: &fakeProcessor{}})
	assert.Error(t, err)
	_, err = NewConsumer(&ConsumerConfig{RedisURL: "redis://localhost:6379", Processor: &fakeProcessor{}})
	assert.Error(t, err)
	_, err = NewRedisConsumer(&RedisConsumerConfig{RedisURL: "redis://localhost:6379"})
	assert.Error(t, err)
}

func TestQueueKeys(t *testing.T) {
	assert.Equal(t, "ocr:jobs:events", EventsChannel("ocr:jobs"))
	assert.Equal(t, "ocr:jobs:data", dataKey("ocr:jobs"))
	assert.Equal(t, "ocr:jobs:failed", failedKey("ocr:jobs"))
}
