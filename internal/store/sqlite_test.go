package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalogsync/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestSQLite_TryLock_ConcurrentSingleWinner(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := st.TryLock(ctx, model.JobLock{
				JobName:     "catalog",
				AcquiredAt:  now,
				ExpiresAt:   now.Add(time.Minute),
				HolderToken: fmt.Sprintf("holder-%d", i),
			})
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestSQLite_TimestampsCompareAcrossZones(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	// expires_at is stored from a non-UTC time; comparison must still be
	// chronological.
	est := time.FixedZone("EST", -5*3600)
	expires := time.Date(2026, 3, 1, 7, 0, 0, 0, est) // 12:00 UTC
	_, err := st.TryLock(ctx, model.JobLock{
		JobName:     "news",
		AcquiredAt:  expires.Add(-time.Minute),
		ExpiresAt:   expires,
		HolderToken: "a",
	})
	require.NoError(t, err)

	n, err := st.DeleteExpiredLocks(ctx, time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = st.DeleteExpiredLocks(ctx, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLite_ClearSourcePayload_SingleSlug(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, slug := range []string{"a", "b"} {
		require.NoError(t, st.UpsertEntity(ctx, &model.CatalogEntity{
			Slug: slug,
			Name: slug,
			Sources: map[model.SourceName]*model.Payload{
				model.SourceWiki: {Description: &model.Description{Summary: slug}},
			},
			CreatedAt: t0,
			UpdatedAt: t0,
		}))
	}

	n, err := st.ClearSourcePayload(ctx, "a", model.SourceWiki)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	b, err := st.GetEntity(ctx, "b")
	require.NoError(t, err)
	assert.NotNil(t, b.Source(model.SourceWiki))

	n, err = st.ClearSourcePayload(ctx, "", model.SourceNews)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSQLite_ContentHashUnique(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := func(key string) *model.ContentRecord {
		return &model.ContentRecord{
			Key: key, Hash: "same", Kind: model.ContentStatus, Title: "Maintenance",
			PublishedAt: t0, FetchedAt: t0, UpdatedAt: t0,
		}
	}
	require.NoError(t, st.UpsertContent(ctx, rec("status:1")))
	assert.Error(t, st.UpsertContent(ctx, rec("status:2")))
}
