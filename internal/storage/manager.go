/**
 * Storage Manager for the OCR worker
 *
 * Coordinates the SQL job store (system of record) with a Redis cache of
 * recent job records so status polling does not hit the database.
 */

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/ocr-worker/internal/logging"
)

// DefaultCacheTTL bounds how long a cached job record is served.
const DefaultCacheTTL = 15 * time.Minute

// StorageManager coordinates SQL and Redis operations
type StorageManager struct {
	store  *SQLStore
	cache  *redis.Client
	prefix string
	ttl    time.Duration
	logger *logging.Logger
}

// ManagerConfig holds storage manager configuration. Cache is optional.
type ManagerConfig struct {
	Store       *SQLStore
	Cache       *redis.Client
	CachePrefix string
	CacheTTL    time.Duration
	Logger      *logging.Logger
}

// NewStorageManager creates a new storage manager
func NewStorageManager(cfg ManagerConfig) (*StorageManager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("SQL store is required")
	}
	if cfg.CachePrefix == "" {
		cfg.CachePrefix = "ocr:job:"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &StorageManager{
		store:  cfg.Store,
		cache:  cfg.Cache,
		prefix: cfg.CachePrefix,
		ttl:    cfg.CacheTTL,
		logger: cfg.Logger.Named("storage"),
	}, nil
}

// UpdateJobStatus writes the update to SQL and refreshes the cached record.
// Cache failures are logged and never fail the update.
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if err := sm.store.UpdateJobStatus(ctx, update); err != nil {
		return err
	}
	if sm.cache == nil {
		return nil
	}

	rec, err := sm.store.GetJob(ctx, update.JobID)
	if err != nil {
		sm.invalidate(ctx, update.JobID)
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		sm.invalidate(ctx, update.JobID)
		return nil
	}
	if err := sm.cache.Set(ctx, sm.prefix+update.JobID, raw, sm.ttl).Err(); err != nil {
		sm.logger.Warn("Failed to cache job record", "jobId", update.JobID, "error", err)
	}
	return nil
}

// GetJob serves the cached record when present and falls back to SQL.
func (sm *StorageManager) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	if sm.cache != nil {
		raw, err := sm.cache.Get(ctx, sm.prefix+jobID).Bytes()
		switch {
		case err == nil:
			var rec JobRecord
			if jsonErr := json.Unmarshal(raw, &rec); jsonErr == nil {
				return &rec, nil
			}
		case !errors.Is(err, redis.Nil):
			sm.logger.Warn("Job cache read failed", "jobId", jobID, "error", err)
		}
	}
	return sm.store.GetJob(ctx, jobID)
}

func (sm *StorageManager) invalidate(ctx context.Context, jobID string) {
	if err := sm.cache.Del(ctx, sm.prefix+jobID).Err(); err != nil {
		sm.logger.Warn("Failed to invalidate cached job", "jobId", jobID, "error", err)
	}
}

// Ping checks both backends. A missing cache is not an error.
func (sm *StorageManager) Ping(ctx context.Context) error {
	if err := sm.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if sm.cache != nil {
		if err := sm.cache.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	return nil
}

// GetStats returns statistics from both systems
func (sm *StorageManager) GetStats(ctx context.Context) map[string]interface{} {
	db := sm.store.GetStats()
	stats := map[string]interface{}{
		"database": map[string]interface{}{
			"driver":               sm.store.driver,
			"max_open_connections": db.MaxOpenConnections,
			"open_connections":     db.OpenConnections,
			"in_use":               db.InUse,
			"idle":                 db.Idle,
			"wait_count":           db.WaitCount,
			"wait_duration":        db.WaitDuration.String(),
		},
	}
	if sm.cache != nil {
		pool := sm.cache.PoolStats()
		stats["cache"] = map[string]interface{}{
			"hits":        pool.Hits,
			"misses":      pool.Misses,
			"total_conns": pool.TotalConns,
			"idle_conns":  pool.IdleConns,
		}
	}
	return stats
}

// Close closes the SQL store. The Redis client is owned by the caller.
func (sm *StorageManager) Close() error {
	if err := sm.store.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00(0[0-8bBcCeEfF]|1[0-9a-fA-F])`)
)

// sanitizeJSON removes escape sequences PostgreSQL rejects in text and
// replaces other control escapes, except tab and newlines, with a space.
func sanitizeJSON(raw []byte) []byte {
	out := nullEscape.ReplaceAll(raw, nil)
	return controlEscape.ReplaceAll(out, []byte(" "))
}

// sanitizeText strips NUL bytes, which PostgreSQL text columns reject.
func sanitizeText(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
