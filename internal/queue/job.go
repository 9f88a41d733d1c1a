package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
)

// TaskTypeExtract is the job type for OCR extraction.
const TaskTypeExtract = "ocr:extract"

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// JobPayload contains the actual job data. Exactly one of FileBuffer,
// FilePath and FileURL locates the image.
type JobPayload struct {
	JobID      string                 `json:"jobId"`
	UserID     string                 `json:"userId,omitempty"`
	Filename   string                 `json:"filename,omitempty"`
	MimeType   string                 `json:"mimeType,omitempty"`
	FileSize   int64                  `json:"fileSize,omitempty"`
	FileURL    string                 `json:"fileUrl,omitempty"`
	FilePath   string                 `json:"filePath,omitempty"`
	FileBuffer []byte                 `json:"fileBuffer,omitempty"`
	Options    json.RawMessage        `json:"options,omitempty"`
	WithBoxes  bool                   `json:"withBoxes,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON implements custom JSON unmarshaling for JobPayload to handle Buffer serialization
// Supports both base64 string format and Node.js Buffer object format
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	p.FileBuffer = nil
	if aux.FileBuffer == nil {
		return nil
	}

	switch v := aux.FileBuffer.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		p.FileBuffer = decoded

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.FileBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.FileBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}
	return nil
}

// Validate checks the payload names a job and an image.
func (p *JobPayload) Validate() error {
	if p.JobID == "" {
		return ocrerrors.NewInvalidRequestError("jobId is required")
	}
	if len(p.FileBuffer) == 0 && p.FilePath == "" && p.FileURL == "" {
		return ocrerrors.NewInvalidRequestError("one of fileBuffer, filePath or fileUrl is required")
	}
	return nil
}

// ToRequest converts the payload to processor format.
func (p *JobPayload) ToRequest() (*processor.ProcessRequest, error) {
	opts, err := processor.ParseOptions(p.Options)
	if err != nil {
		return nil, ocrerrors.NewInvalidRequestError(err.Error())
	}
	return &processor.ProcessRequest{
		JobID:      p.JobID,
		UserID:     p.UserID,
		Filename:   p.Filename,
		MimeType:   p.MimeType,
		FileSize:   p.FileSize,
		FileURL:    p.FileURL,
		FilePath:   p.FilePath,
		FileBuffer: p.FileBuffer,
		Options:    opts,
		WithBoxes:  p.WithBoxes,
		Metadata:   p.Metadata,
	}, nil
}

// Retryable reports whether a failed job may succeed on another attempt.
// Bad input and unreadable images fail the same way every time.
func Retryable(err error) bool {
	switch ocrerrors.CodeOf(err) {
	case ocrerrors.ErrorSourceNotFound,
		ocrerrors.ErrorDecodeFailed,
		ocrerrors.ErrorPreprocessFailed,
		ocrerrors.ErrorNoTextExtracted,
		ocrerrors.ErrorInvalidRequest:
		return false
	}
	return true
}
