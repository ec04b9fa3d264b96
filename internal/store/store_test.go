package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalogsync/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func startRun(t *testing.T, s Store, job, runID string, at time.Time) {
	t.Helper()
	require.NoError(t, s.CreateProgress(context.Background(), &model.SyncProgress{
		JobName:   job,
		RunID:     runID,
		Status:    model.SyncRunning,
		StartedAt: at,
		UpdatedAt: at,
	}))
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("LockExclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ok, err := s.TryLock(ctx, model.JobLock{JobName: "catalog", AcquiredAt: t0, ExpiresAt: t0.Add(time.Minute), HolderToken: "a"})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.TryLock(ctx, model.JobLock{JobName: "catalog", AcquiredAt: t0.Add(time.Second), ExpiresAt: t0.Add(2 * time.Minute), HolderToken: "b"})
		require.NoError(t, err)
		assert.False(t, ok)

		l, err := s.GetLock(ctx, "catalog")
		require.NoError(t, err)
		require.NotNil(t, l)
		assert.Equal(t, "a", l.HolderToken)
	})

	t.Run("LockTakeoverAfterExpiry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.TryLock(ctx, model.JobLock{JobName: "news", AcquiredAt: t0, ExpiresAt: t0.Add(time.Minute), HolderToken: "a"})
		require.NoError(t, err)

		ok, err := s.TryLock(ctx, model.JobLock{JobName: "news", AcquiredAt: t0.Add(time.Minute), ExpiresAt: t0.Add(3 * time.Minute), HolderToken: "b"})
		require.NoError(t, err)
		assert.True(t, ok)

		l, err := s.GetLock(ctx, "news")
		require.NoError(t, err)
		assert.Equal(t, "b", l.HolderToken)
		assert.True(t, l.ExpiresAt.Equal(t0.Add(3*time.Minute)))
	})

	t.Run("UnlockRequiresHolder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.TryLock(ctx, model.JobLock{JobName: "status", AcquiredAt: t0, ExpiresAt: t0.Add(time.Minute), HolderToken: "a"})
		require.NoError(t, err)

		ok, err := s.Unlock(ctx, "status", "intruder")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.Unlock(ctx, "status", "a")
		require.NoError(t, err)
		assert.True(t, ok)

		l, err := s.GetLock(ctx, "status")
		require.NoError(t, err)
		assert.Nil(t, l)
	})

	t.Run("DeleteExpiredLocks", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.TryLock(ctx, model.JobLock{JobName: "old", AcquiredAt: t0, ExpiresAt: t0.Add(time.Minute), HolderToken: "a"})
		require.NoError(t, err)
		_, err = s.TryLock(ctx, model.JobLock{JobName: "fresh", AcquiredAt: t0, ExpiresAt: t0.Add(time.Hour), HolderToken: "b"})
		require.NoError(t, err)

		n, err := s.DeleteExpiredLocks(ctx, t0.Add(10*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		locks, err := s.ListLocks(ctx)
		require.NoError(t, err)
		require.Len(t, locks, 1)
		assert.Equal(t, "fresh", locks[0].JobName)

		n, err = s.DeleteAllLocks(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("ProgressLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		startRun(t, s, "catalog", "run-1", t0)

		require.NoError(t, s.SetProgressTotal(ctx, "run-1", 3, 1, t0))
		require.NoError(t, s.ApplyProgress(ctx, "run-1", model.ProgressDelta{Processed: 1, Success: 1, Label: "t-34"}, t0))
		require.NoError(t, s.ApplyProgress(ctx, "run-1", model.ProgressDelta{
			Processed: 1,
			Failed:    1,
			FailedItem: &model.FailedItem{
				Key:      "tiger",
				Error:    "upstream 500",
				FailedAt: t0,
			},
		}, t0))
		require.NoError(t, s.ApplyProgress(ctx, "run-1", model.ProgressDelta{Processed: 1, Skipped: 1}, t0))

		p, err := s.GetProgress(ctx, "run-1")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, model.SyncRunning, p.Status)
		assert.Equal(t, int64(3), p.CurrentItem)
		assert.Equal(t, int64(3), p.TotalItems)
		assert.Equal(t, int64(1), p.SuccessCount)
		assert.Equal(t, int64(1), p.FailedCount)
		assert.Equal(t, int64(1), p.SkippedCount)
		assert.Equal(t, int64(1), p.Issues)
		assert.Equal(t, "t-34", p.CurrentLabel)
		require.Len(t, p.FailedItems, 1)
		assert.Equal(t, "tiger", p.FailedItems[0].Key)

		require.NoError(t, s.FinishProgress(ctx, "run-1", model.SyncCompleted, "", t0.Add(time.Minute)))

		p, err = s.LatestProgress(ctx, "catalog")
		require.NoError(t, err)
		assert.Equal(t, model.SyncCompleted, p.Status)
		require.NotNil(t, p.CompletedAt)

		last, err := s.LastCompleted(ctx, "catalog")
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.True(t, last.Equal(t0))
	})

	t.Run("ProgressWritesRejectedAfterFinish", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		startRun(t, s, "news", "run-2", t0)
		require.NoError(t, s.FinishProgress(ctx, "run-2", model.SyncFailed, "boom", t0))

		err := s.ApplyProgress(ctx, "run-2", model.ProgressDelta{Processed: 1}, t0)
		assert.ErrorIs(t, err, ErrNotRunning)
		err = s.FinishProgress(ctx, "run-2", model.SyncCompleted, "", t0)
		assert.ErrorIs(t, err, ErrNotRunning)
		err = s.SetProgressTotal(ctx, "missing", 1, 0, t0)
		assert.ErrorIs(t, err, ErrNotRunning)
	})

	t.Run("TotalNeverShrinks", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		startRun(t, s, "news", "run-3", t0)

		require.NoError(t, s.SetProgressTotal(ctx, "run-3", 10, 0, t0))
		require.NoError(t, s.SetProgressTotal(ctx, "run-3", 4, 0, t0))

		p, err := s.GetProgress(ctx, "run-3")
		require.NoError(t, err)
		assert.Equal(t, int64(10), p.TotalItems)
	})

	t.Run("LatestProgressNone", func(t *testing.T) {
		s := newStore(t)
		p, err := s.LatestProgress(context.Background(), "catalog")
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("StaleRunsAndCancel", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		startRun(t, s, "catalog", "stale", t0)
		startRun(t, s, "news", "fresh", t0.Add(time.Hour))

		stale, err := s.ListStaleRuns(ctx, "", t0.Add(30*time.Minute))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "stale", stale[0].RunID)

		stale, err = s.ListStaleRuns(ctx, "news", t0.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "fresh", stale[0].RunID)

		n, err := s.CancelRunning(ctx, "force-stopped", t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		p, err := s.GetProgress(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, model.SyncCancelled, p.Status)
		assert.Equal(t, "force-stopped", p.ErrorMessage)
	})

	t.Run("EntityRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		e := &model.CatalogEntity{
			Slug: "t-34-85",
			Name: "T-34-85",
			Sources: map[model.SourceName]*model.Payload{
				model.SourceCatalog: {General: &model.General{Nation: "ussr", Rank: 4}},
			},
			Merged:         model.Payload{General: &model.General{Nation: "ussr", Rank: 4}},
			Provenance:     map[model.FieldGroup]string{model.GroupGeneral: "catalog"},
			ManualOverride: true,
			ManualGroups:   []model.FieldGroup{model.GroupDescription},
			Preferences:    map[model.FieldGroup]model.SourceName{model.GroupArmament: model.SourceWiki},
			ContentHash:    "abc",
			CreatedAt:      t0,
			UpdatedAt:      t0,
		}
		require.NoError(t, s.UpsertEntity(ctx, e))

		got, err := s.GetEntity(ctx, "t-34-85")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "T-34-85", got.Name)
		assert.Equal(t, 4, got.Sources[model.SourceCatalog].General.Rank)
		assert.Nil(t, got.Sources[model.SourceWiki])
		assert.Equal(t, "ussr", got.Merged.General.Nation)
		assert.Equal(t, "catalog", got.Provenance[model.GroupGeneral])
		assert.True(t, got.ManualOverride)
		assert.Equal(t, []model.FieldGroup{model.GroupDescription}, got.ManualGroups)
		assert.Equal(t, model.SourceWiki, got.Preferences[model.GroupArmament])
		assert.Equal(t, "abc", got.ContentHash)

		n, err := s.ClearSourcePayload(ctx, "", model.SourceCatalog)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err = s.GetEntity(ctx, "t-34-85")
		require.NoError(t, err)
		assert.Nil(t, got.Source(model.SourceCatalog))

		all, err := s.ListEntities(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		missing, err := s.GetEntity(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("ContentByKeyAndHash", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r := &model.ContentRecord{
			Key:         "news:42",
			Hash:        "h1",
			Kind:        model.ContentNews,
			Title:       "Major update",
			PublishedAt: t0,
			FetchedAt:   t0,
			UpdatedAt:   t0,
		}
		require.NoError(t, s.UpsertContent(ctx, r))

		r.Hash = "h2"
		r.Title = "Major update (edited)"
		require.NoError(t, s.UpsertContent(ctx, r))

		got, err := s.GetContent(ctx, "news:42")
		require.NoError(t, err)
		assert.Equal(t, "h2", got.Hash)
		assert.Equal(t, "Major update (edited)", got.Title)

		byHash, err := s.GetContentByHash(ctx, "h2")
		require.NoError(t, err)
		require.NotNil(t, byHash)
		assert.Equal(t, "news:42", byHash.Key)

		none, err := s.GetContentByHash(ctx, "h1")
		require.NoError(t, err)
		assert.Nil(t, none)

		list, err := s.ListContent(ctx, model.ContentNews, 10)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("Mappings", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, m := range []model.IdentityMapping{
			{CanonicalName: "Tiger", Source: model.SourceWiki, SourceIdentifier: "Tiger_H1", ValidationStatus: model.ValidationConfirmed, Confidence: 1},
			{CanonicalName: "Panther", Source: model.SourceWiki, ValidationStatus: model.ValidationPending},
			{CanonicalName: "Maus", Source: model.SourceWiki, SourceIdentifier: "Maus", ManualOverride: true, ValidationStatus: model.ValidationConfirmed},
			{CanonicalName: "IS-2", Source: model.SourceWiki, SourceIdentifier: "IS-2_1944", ValidationStatus: model.ValidationRejected},
		} {
			m.CreatedAt, m.UpdatedAt = t0, t0
			require.NoError(t, s.UpsertMapping(ctx, &m))
		}

		all, err := s.ListMappings(ctx, model.MappingsAll, "")
		require.NoError(t, err)
		assert.Len(t, all, 4)

		matched, err := s.ListMappings(ctx, model.MappingsMatched, model.SourceWiki)
		require.NoError(t, err)
		assert.Len(t, matched, 2)

		unmatched, err := s.ListMappings(ctx, model.MappingsUnmatched, "")
		require.NoError(t, err)
		assert.Len(t, unmatched, 2)

		manual, err := s.ListMappings(ctx, model.MappingsManual, "")
		require.NoError(t, err)
		require.Len(t, manual, 1)
		assert.Equal(t, "Maus", manual[0].CanonicalName)

		ok, err := s.DeleteMapping(ctx, "Tiger", model.SourceWiki)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.DeleteMapping(ctx, "Tiger", model.SourceWiki)
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := s.DeleteMappings(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		m, err := s.GetMapping(ctx, "Maus", model.SourceWiki)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.True(t, m.ManualOverride)
	})

	t.Run("Snapshots", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		snap, err := s.GetSnapshot(ctx, model.SourceNews)
		require.NoError(t, err)
		assert.Nil(t, snap)

		require.NoError(t, s.SaveSnapshot(ctx, &model.SourceSnapshot{Source: model.SourceNews, Data: []byte(`[1]`), FetchedAt: t0}))
		require.NoError(t, s.SaveSnapshot(ctx, &model.SourceSnapshot{Source: model.SourceNews, Data: []byte(`[2]`), FetchedAt: t0.Add(time.Hour)}))

		snap, err = s.GetSnapshot(ctx, model.SourceNews)
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, `[2]`, string(snap.Data))
		assert.True(t, snap.FetchedAt.Equal(t0.Add(time.Hour)))
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
