// Package store persists the catalog, identity mappings, job locks and run
// progress. PostgresStore is the production backend; SQLiteStore serves
// local runs and tests.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalogsync/internal/model"
)

var (
	// ErrNotRunning is returned when a progress write targets a run that is
	// no longer running (finished, reclaimed or force-stopped).
	ErrNotRunning = eris.New("store: run is not running")
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = eris.New("store: not found")
)

// LockStore persists job locks.
type LockStore interface {
	// TryLock inserts the lock, or takes over an existing lock for the same
	// job whose expires_at is at or before lock.AcquiredAt. It reports
	// whether the caller now holds the lock.
	TryLock(ctx context.Context, lock model.JobLock) (bool, error)
	// Unlock deletes the job's lock only if token holds it.
	Unlock(ctx context.Context, jobName, token string) (bool, error)
	GetLock(ctx context.Context, jobName string) (*model.JobLock, error)
	ListLocks(ctx context.Context) ([]model.JobLock, error)
	DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error)
	DeleteAllLocks(ctx context.Context) (int64, error)
}

// ProgressStore persists run progress. Every mutation of a running row is a
// single statement guarded by status = 'running'.
type ProgressStore interface {
	CreateProgress(ctx context.Context, p *model.SyncProgress) error
	SetProgressTotal(ctx context.Context, runID string, total, issues int64, now time.Time) error
	ApplyProgress(ctx context.Context, runID string, d model.ProgressDelta, now time.Time) error
	FinishProgress(ctx context.Context, runID string, status model.SyncStatus, errMsg string, now time.Time) error
	GetProgress(ctx context.Context, runID string) (*model.SyncProgress, error)
	LatestProgress(ctx context.Context, jobName string) (*model.SyncProgress, error)
	LastCompleted(ctx context.Context, jobName string) (*time.Time, error)
	// ListStaleRuns returns running rows not updated since before. An empty
	// jobName matches every job.
	ListStaleRuns(ctx context.Context, jobName string, before time.Time) ([]model.SyncProgress, error)
	CancelRunning(ctx context.Context, errMsg string, now time.Time) (int64, error)
}

// CatalogStore persists canonical vehicle entities.
type CatalogStore interface {
	GetEntity(ctx context.Context, slug string) (*model.CatalogEntity, error)
	ListEntities(ctx context.Context) ([]model.CatalogEntity, error)
	UpsertEntity(ctx context.Context, e *model.CatalogEntity) error
	// ClearSourcePayload nulls the cached payload of src. An empty slug
	// clears it on every entity.
	ClearSourcePayload(ctx context.Context, slug string, src model.SourceName) (int64, error)
}

// ContentStore persists news and status records.
type ContentStore interface {
	GetContent(ctx context.Context, key string) (*model.ContentRecord, error)
	GetContentByHash(ctx context.Context, hash string) (*model.ContentRecord, error)
	UpsertContent(ctx context.Context, r *model.ContentRecord) error
	ListContent(ctx context.Context, kind model.ContentKind, limit int) ([]model.ContentRecord, error)
}

// MappingStore persists identity mappings.
type MappingStore interface {
	GetMapping(ctx context.Context, canonical string, src model.SourceName) (*model.IdentityMapping, error)
	ListMappings(ctx context.Context, filter model.MappingFilter, src model.SourceName) ([]model.IdentityMapping, error)
	UpsertMapping(ctx context.Context, m *model.IdentityMapping) error
	DeleteMapping(ctx context.Context, canonical string, src model.SourceName) (bool, error)
	// DeleteMappings removes automatic mappings, and manual ones too when
	// includeManual is set.
	DeleteMappings(ctx context.Context, includeManual bool) (int64, error)
}

// SnapshotStore persists the last good raw response of each adapter.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, src model.SourceName) (*model.SourceSnapshot, error)
	SaveSnapshot(ctx context.Context, s *model.SourceSnapshot) error
}

// Store is the full persistence interface.
type Store interface {
	LockStore
	ProgressStore
	CatalogStore
	ContentStore
	MappingStore
	SnapshotStore

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
