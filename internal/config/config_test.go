package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("INDEXER_BACKFILL_CONCURRENCY", "")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 16, c.DatabasePoolSize)
	assert.Equal(t, 100, c.CursorPersistEvery)
	assert.Equal(t, 1000, c.StorageBatchSize)
	assert.Equal(t, 10000, c.CIDCacheSize)
	assert.True(t, c.BackfillConcurrency > 0)
}

func TestLoad_BackfillConcurrencyCappedByNumCPU(t *testing.T) {
	t.Setenv("INDEXER_BACKFILL_CONCURRENCY", "100000")

	c, err := Load()
	require.NoError(t, err)
	assert.Less(t, c.BackfillConcurrency, 100000)
}

func TestLoad_InvalidIntReturnsError(t *testing.T) {
	t.Setenv("INDEXER_DB_POOL_SIZE", "not-a-number")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidDurationReturnsError(t *testing.T) {
	t.Setenv("INDEXER_FETCH_MAX_BACKOFF", "not-a-duration")

	_, err := Load()
	assert.Error(t, err)
}
