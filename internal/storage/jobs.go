/**
 * SQL job store for the OCR worker
 *
 * Persists extraction job status and results in the extraction_jobs table.
 * Runs on PostgreSQL (lib/pq) in production and SQLite (go-sqlite3) for
 * local runs and tests.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// ErrJobNotFound is returned when a job id has no record.
var ErrJobNotFound = errors.New("job not found")

// Status is the lifecycle state of an extraction job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// JobUpdate represents a job status update. Zero-valued fields keep the
// stored value, except the error fields which are cleared when empty.
type JobUpdate struct {
	JobID            string
	Status           Status
	UserID           string
	Filename         string
	MimeType         string
	FileSize         int64
	Language         string
	EngineConfig     string
	Confidence       float64
	WordCount        int
	CharacterCount   int
	SkewAngle        float64
	ProcessingTimeMs int64
	Text             string
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// JobRecord is a stored extraction job.
type JobRecord struct {
	ID               string                 `json:"id"`
	Status           Status                 `json:"status"`
	UserID           string                 `json:"userId,omitempty"`
	Filename         string                 `json:"filename,omitempty"`
	MimeType         string                 `json:"mimeType,omitempty"`
	FileSize         int64                  `json:"fileSize,omitempty"`
	Language         string                 `json:"language,omitempty"`
	EngineConfig     string                 `json:"engineConfig,omitempty"`
	Confidence       float64                `json:"confidence"`
	WordCount        int                    `json:"wordCount"`
	CharacterCount   int                    `json:"characterCount"`
	SkewAngle        float64                `json:"skewAngle"`
	ProcessingTimeMs int64                  `json:"processingTimeMs"`
	Text             string                 `json:"text"`
	ErrorCode        string                 `json:"errorCode,omitempty"`
	ErrorMessage     string                 `json:"errorMessage,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}

// Store is the persistence surface used by the processor and API.
type Store interface {
	UpdateJobStatus(ctx context.Context, update *JobUpdate) error
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// SQLStore handles database operations
type SQLStore struct {
	db     *sql.DB
	driver string
}

const schema = `
CREATE TABLE IF NOT EXISTS extraction_jobs (
	id                 VARCHAR(64) PRIMARY KEY,
	status             VARCHAR(32) NOT NULL,
	user_id            VARCHAR(255),
	filename           TEXT,
	mime_type          VARCHAR(255),
	file_size          BIGINT,
	language           VARCHAR(64),
	engine_config      TEXT,
	confidence         DOUBLE PRECISION,
	word_count         INTEGER,
	character_count    INTEGER,
	skew_angle         DOUBLE PRECISION,
	processing_time_ms BIGINT,
	extracted_text     TEXT,
	error_code         VARCHAR(64),
	error_message      TEXT,
	metadata           TEXT,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL
)`

// sanitizeConfidence clamps confidence to [0, 100] and rounds it to two
// decimals so stored values do not carry float noise like 87.41000000000001.
func sanitizeConfidence(confidence float64) float64 {
	if math.IsNaN(confidence) || confidence < 0 {
		return 0
	}
	if confidence > 100 {
		return 100
	}
	return math.Round(confidence*100) / 100
}

// OpenSQLStore opens the database, configures the pool and applies the schema.
func OpenSQLStore(ctx context.Context, driver, databaseURL string) (*SQLStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// One writer at a time; a shared in-memory database also needs a
		// single connection to stay alive.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(2 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLStore{db: db, driver: driver}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the extraction_jobs table when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create extraction_jobs table: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UpdateJobStatus inserts the job on first sight and updates it afterwards.
func (s *SQLStore) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	var metadata sql.NullString
	if len(update.Metadata) > 0 {
		raw, err := json.Marshal(update.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(sanitizeJSON(raw)), Valid: true}
	}

	confidence := sanitizeConfidence(update.Confidence)
	now := time.Now().UTC()

	query := s.rebind(`
		INSERT INTO extraction_jobs (
			id, status, user_id, filename, mime_type, file_size,
			language, engine_config, confidence, word_count, character_count,
			skew_angle, processing_time_ms, extracted_text,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			user_id = COALESCE(excluded.user_id, extraction_jobs.user_id),
			filename = COALESCE(excluded.filename, extraction_jobs.filename),
			mime_type = COALESCE(excluded.mime_type, extraction_jobs.mime_type),
			file_size = COALESCE(excluded.file_size, extraction_jobs.file_size),
			language = COALESCE(excluded.language, extraction_jobs.language),
			engine_config = COALESCE(excluded.engine_config, extraction_jobs.engine_config),
			confidence = COALESCE(excluded.confidence, extraction_jobs.confidence),
			word_count = COALESCE(excluded.word_count, extraction_jobs.word_count),
			character_count = COALESCE(excluded.character_count, extraction_jobs.character_count),
			skew_angle = COALESCE(excluded.skew_angle, extraction_jobs.skew_angle),
			processing_time_ms = COALESCE(excluded.processing_time_ms, extraction_jobs.processing_time_ms),
			extracted_text = COALESCE(excluded.extracted_text, extraction_jobs.extracted_text),
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			metadata = COALESCE(excluded.metadata, extraction_jobs.metadata),
			updated_at = excluded.updated_at
	`)

	_, err := s.db.ExecContext(ctx, query,
		update.JobID,
		string(update.Status),
		nullString(update.UserID),
		nullString(update.Filename),
		nullString(update.MimeType),
		nullInt64(update.FileSize),
		nullString(update.Language),
		nullString(update.EngineConfig),
		nullFloat64(confidence),
		nullInt64(int64(update.WordCount)),
		nullInt64(int64(update.CharacterCount)),
		nullFloat64(update.SkewAngle),
		nullInt64(update.ProcessingTimeMs),
		nullString(sanitizeText(update.Text)),
		nullString(update.ErrorCode),
		nullString(update.ErrorMessage),
		metadata,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s, confidence=%.2f): %w",
			update.JobID, update.Status, confidence, err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *SQLStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := s.rebind(`
		SELECT
			id, status, user_id, filename, mime_type, file_size,
			language, engine_config, confidence, word_count, character_count,
			skew_angle, processing_time_ms, extracted_text,
			error_code, error_message, metadata, created_at, updated_at
		FROM extraction_jobs
		WHERE id = ?
	`)

	var (
		rec                                     JobRecord
		status                                  string
		userID, filename, mimeType              sql.NullString
		lang, engineConfig, text                sql.NullString
		errorCode, errorMessage, metadataJSON   sql.NullString
		fileSize, wordCount, charCount, elapsed sql.NullInt64
		confidence, skew                        sql.NullFloat64
	)

	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&rec.ID, &status, &userID, &filename, &mimeType, &fileSize,
		&lang, &engineConfig, &confidence, &wordCount, &charCount,
		&skew, &elapsed, &text,
		&errorCode, &errorMessage, &metadataJSON, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	rec.Status = Status(status)
	rec.UserID = userID.String
	rec.Filename = filename.String
	rec.MimeType = mimeType.String
	rec.FileSize = fileSize.Int64
	rec.Language = lang.String
	rec.EngineConfig = engineConfig.String
	rec.Confidence = confidence.Float64
	rec.WordCount = int(wordCount.Int64)
	rec.CharacterCount = int(charCount.Int64)
	rec.SkewAngle = skew.Float64
	rec.ProcessingTimeMs = elapsed.Int64
	rec.Text = text.String
	rec.ErrorCode = errorCode.String
	rec.ErrorMessage = errorMessage.String

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &rec, nil
}

// Ping checks database connectivity
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (s *SQLStore) GetStats() sql.DBStats {
	return s.db.Stats()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func nullFloat64(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: f != 0}
}
