//go:build integration

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresStoreWithRedisCache(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("ocr_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate postgres container: %v", err)
		}
	})

	redisContainer, err := redis.Run(ctx, "redis:7.4-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := redisContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate redis container: %v", err)
		}
	})

	pgHost, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/ocr_test?sslmode=disable", pgHost, pgPort.Port())

	redisURL, err := redisContainer.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := goredis.ParseURL(redisURL)
	require.NoError(t, err)
	cache := goredis.NewClient(opts)
	defer cache.Close()

	store, err := OpenSQLStore(ctx, DriverPostgres, dsn)
	require.NoError(t, err)
	sm, err := NewStorageManager(ManagerConfig{Store: store, Cache: cache})
	require.NoError(t, err)
	defer sm.Close()

	require.NoError(t, sm.UpdateJobStatus(ctx, &JobUpdate{JobID: "pg-1", Status: StatusQueued, Filename: "a.png"}))
	require.NoError(t, sm.UpdateJobStatus(ctx, &JobUpdate{
		JobID:      "pg-1",
		Status:     StatusCompleted,
		Confidence: 91.23456,
		Text:       "hello\x00 world",
	}))

	rec, err := sm.GetJob(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "a.png", rec.Filename)
	assert.Equal(t, 91.23, rec.Confidence)
	assert.Equal(t, "hello world", rec.Text)

	cached, err := cache.Exists(ctx, "ocr:job:pg-1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), cached)

	assert.NoError(t, sm.Ping(ctx))
	assert.Contains(t, sm.GetStats(ctx), "cache")
}
