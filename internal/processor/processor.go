/**
 * Job processor for the OCR worker
 *
 * Runs queued extraction jobs through the extractor and records their
 * status and results in the job store.
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/raster"
	"github.com/adverant/nexus/ocr-worker/internal/storage"
)

// JobProcessorInterface defines the interface for job processing
type JobProcessorInterface interface {
	ProcessJob(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status storage.Status, metadata map[string]interface{}) error
}

// ProcessRequest represents an extraction job
type ProcessRequest struct {
	JobID      string
	UserID     string
	Filename   string
	MimeType   string
	FileSize   int64
	FileURL    string
	FilePath   string
	FileBuffer []byte
	Options    Options
	WithBoxes  bool
	Metadata   map[string]interface{}
}

// Source returns the image source the request points at.
func (r *ProcessRequest) Source() raster.Source {
	return raster.Source{
		Name: r.Filename,
		Path: r.FilePath,
		URL:  r.FileURL,
		Data: r.FileBuffer,
	}
}

// ProcessResult represents the processing result
type ProcessResult struct {
	JobID            string  `json:"jobId"`
	Result           *Result `json:"result"`
	ProcessingTimeMs int64   `json:"processingTimeMs"`
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Extractor TextExtractor
	// Store is optional; without it job status is not persisted.
	Store  storage.Store
	Logger *logging.Logger
}

// JobProcessor handles extraction jobs
type JobProcessor struct {
	extractor TextExtractor
	store     storage.Store
	logger    *logging.Logger
}

// NewJobProcessor creates a new job processor
func NewJobProcessor(cfg *ProcessorConfig) (*JobProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &JobProcessor{
		extractor: cfg.Extractor,
		store:     cfg.Store,
		logger:    logger.Named("processor"),
	}, nil
}

// ProcessJob extracts the text of one job and records the outcome. The
// returned error carries the job id and an error code.
func (p *JobProcessor) ProcessJob(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	if req == nil || req.JobID == "" {
		return nil, ocrerrors.NewInvalidRequestError("job ID is required")
	}
	start := time.Now()
	log := p.logger.With("jobId", req.JobID)

	// Buffers from upstream services often arrive as application/octet-stream.
	if len(req.FileBuffer) > 0 {
		if detected := raster.DetectMimeType(req.FileBuffer); detected != "" &&
			(req.MimeType == "" || req.MimeType == "application/octet-stream") {
			log.Debug("Corrected MIME type from magic bytes", "from", req.MimeType, "to", detected)
			req.MimeType = detected
		}
		if req.FileSize == 0 {
			req.FileSize = int64(len(req.FileBuffer))
		}
	}

	if err := p.save(ctx, &storage.JobUpdate{
		JobID:    req.JobID,
		Status:   storage.StatusProcessing,
		UserID:   req.UserID,
		Filename: req.Filename,
		MimeType: req.MimeType,
		FileSize: req.FileSize,
		Metadata: req.Metadata,
	}); err != nil {
		log.Warn("Failed to record processing status", "error", err)
	}

	log.Info("Processing extraction job", "source", req.Source().Ref(), "boxes", req.WithBoxes)

	var (
		result *Result
		err    error
	)
	if req.WithBoxes {
		result, err = p.extractor.ExtractTextWithBoxes(ctx, req.Source(), req.Options)
	} else {
		result, err = p.extractor.ExtractText(ctx, req.Source(), req.Options)
	}
	elapsed := time.Since(start)

	if err != nil {
		failure := p.failure(ctx, req.JobID, err, elapsed)
		if saveErr := p.save(context.WithoutCancel(ctx), &storage.JobUpdate{
			JobID:            req.JobID,
			Status:           storage.StatusFailed,
			ProcessingTimeMs: elapsed.Milliseconds(),
			ErrorCode:        string(failure.Code),
			ErrorMessage:     failure.Message,
		}); saveErr != nil {
			log.Warn("Failed to record failure", "error", saveErr)
		}
		log.Warn("Extraction job failed", "code", failure.Code, "duration", elapsed, "error", err)
		return nil, failure
	}

	if err := p.save(ctx, &storage.JobUpdate{
		JobID:            req.JobID,
		Status:           storage.StatusCompleted,
		Language:         result.Language,
		EngineConfig:     result.EngineConfigUsed,
		Confidence:       result.Confidence,
		WordCount:        result.WordCount,
		CharacterCount:   result.CharacterCount,
		SkewAngle:        result.SkewAngle,
		ProcessingTimeMs: elapsed.Milliseconds(),
		Text:             result.Text,
	}); err != nil {
		return nil, ocrerrors.NewStorageFailedError(req.JobID, err)
	}

	log.Info("Extraction job completed", "confidence", result.Confidence, "words", result.WordCount, "duration", elapsed)
	return &ProcessResult{JobID: req.JobID, Result: result, ProcessingTimeMs: elapsed.Milliseconds()}, nil
}

// failure normalizes err into a coded error for the job. A job whose
// deadline passed is reported as PROCESSING_TIMEOUT whatever stage failed.
func (p *JobProcessor) failure(ctx context.Context, jobID string, err error, elapsed time.Duration) *ocrerrors.ExtractionError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ocrerrors.NewProcessingTimeoutError(jobID, elapsed, err)
	}
	if ee, ok := ocrerrors.As(err); ok {
		return ee.WithJob(jobID)
	}
	return ocrerrors.NewEngineUnavailableError("", err).WithJob(jobID)
}

// UpdateJobStatus records a status change. metadata may carry "error",
// "errorCode" and "processingTime" entries.
func (p *JobProcessor) UpdateJobStatus(ctx context.Context, jobID string, status storage.Status, metadata map[string]interface{}) error {
	update := &storage.JobUpdate{JobID: jobID, Status: status}
	if metadata != nil {
		if msg, ok := metadata["error"].(string); ok {
			update.ErrorMessage = msg
			update.ErrorCode = string(ocrerrors.ErrorEngineUnavailable)
		}
		if code, ok := metadata["errorCode"].(string); ok {
			update.ErrorCode = code
		}
		if ms, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = ms
		}
	}
	return p.save(ctx, update)
}

func (p *JobProcessor) save(ctx context.Context, update *storage.JobUpdate) error {
	if p.store == nil {
		return nil
	}
	return p.store.UpdateJobStatus(ctx, update)
}
