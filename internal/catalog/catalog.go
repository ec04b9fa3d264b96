// Package catalog serves canonical entities and content to readers and
// applies operator edits to an entity's override settings.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalogsync/internal/lock"
	"github.com/sells-group/catalogsync/internal/merge"
	"github.com/sells-group/catalogsync/internal/model"
	"github.com/sells-group/catalogsync/internal/store"
)

var (
	// ErrInvalid marks an operator edit that fails validation.
	ErrInvalid = eris.New("catalog: invalid edit")
	// ErrNotFound is returned for an unknown slug.
	ErrNotFound = store.ErrNotFound
	// ErrSyncActive is returned when an edit would race a live catalog run.
	ErrSyncActive = eris.New("catalog: catalog sync in progress")
)

// Store is the persistence the service needs.
type Store interface {
	GetEntity(ctx context.Context, slug string) (*model.CatalogEntity, error)
	ListEntities(ctx context.Context) ([]model.CatalogEntity, error)
	UpsertEntity(ctx context.Context, e *model.CatalogEntity) error
	ListContent(ctx context.Context, kind model.ContentKind, limit int) ([]model.ContentRecord, error)
}

// editTTL bounds how long an edit may hold the sync job's lock.
const editTTL = 30 * time.Second

// Locker takes and releases job locks. lock.Manager implements it.
type Locker interface {
	Acquire(ctx context.Context, job string, ttl time.Duration, token string) (*model.JobLock, error)
	Release(ctx context.Context, job, token string) error
}

// Service reads and edits the catalog.
type Service struct {
	store   Store
	locks   Locker
	syncJob string
	now     func() time.Time
}

// NewService creates a Service. An edit holds syncJob's lock while it reads
// and writes the entity, so no run of that job can interleave with it. A nil
// locks disables the locking.
func NewService(s Store, locks Locker, syncJob string) *Service {
	return &Service{store: s, locks: locks, syncJob: syncJob, now: time.Now}
}

// Get returns one entity.
func (s *Service) Get(ctx context.Context, slug string) (*model.CatalogEntity, error) {
	e, err := s.store.GetEntity(ctx, slug)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: get %s", slug)
	}
	if e == nil {
		return nil, eris.Wrapf(ErrNotFound, "entity %s", slug)
	}
	return e, nil
}

// List returns every entity ordered by slug.
func (s *Service) List(ctx context.Context) ([]model.CatalogEntity, error) {
	out, err := s.store.ListEntities(ctx)
	return out, eris.Wrap(err, "catalog: list")
}

// Content returns the newest records of kind ("" for every kind).
func (s *Service) Content(ctx context.Context, kind model.ContentKind, limit int) ([]model.ContentRecord, error) {
	switch kind {
	case "", model.ContentNews, model.ContentStatus:
	default:
		return nil, eris.Wrapf(ErrInvalid, "unknown content kind %q", kind)
	}
	out, err := s.store.ListContent(ctx, kind, limit)
	return out, eris.Wrap(err, "catalog: content")
}

// Patch applies an operator edit. Manual values in p.Merged are only
// accepted for groups the edit leaves locked, since the next run would
// overwrite anything else. The stored hash is cleared so the next run
// rewrites the entity under its new settings.
func (s *Service) Patch(ctx context.Context, slug string, p model.EntityPatch) (*model.CatalogEntity, error) {
	unlock, err := s.lockSync(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.Get(ctx, slug)
	if err != nil {
		return nil, err
	}

	if p.ManualOverride != nil {
		e.ManualOverride = *p.ManualOverride
	}
	if p.ManualGroups != nil {
		groups, err := parseGroups(p.ManualGroups)
		if err != nil {
			return nil, err
		}
		e.ManualGroups = groups
	}
	if p.Preferences != nil {
		prefs, err := parsePreferences(p.Preferences)
		if err != nil {
			return nil, err
		}
		e.Preferences = prefs
	}
	if p.Merged != nil {
		if e.Provenance == nil {
			e.Provenance = make(map[model.FieldGroup]string)
		}
		for _, g := range model.FieldGroups {
			if !p.Merged.HasGroup(g) {
				continue
			}
			if !e.Locked(g) {
				return nil, eris.Wrapf(ErrInvalid, "group %s has manual values but is not locked", g)
			}
			e.Merged.CopyGroup(g, p.Merged)
			e.Provenance[g] = merge.FromManual
		}
	}

	e.ContentHash = ""
	e.UpdatedAt = s.now().UTC()
	if err := s.store.UpsertEntity(ctx, e); err != nil {
		return nil, eris.Wrapf(err, "catalog: patch %s", slug)
	}

	zap.L().Info("entity overrides updated",
		zap.String("slug", slug),
		zap.Bool("manual_override", e.ManualOverride),
		zap.Any("manual_groups", e.ManualGroups),
		zap.Int("preferences", len(e.Preferences)),
	)
	return e, nil
}

// lockSync takes the sync job's lock for the duration of an edit.
func (s *Service) lockSync(ctx context.Context) (func(), error) {
	if s.locks == nil || s.syncJob == "" {
		return func() {}, nil
	}
	token := "edit:" + uuid.NewString()
	if _, err := s.locks.Acquire(ctx, s.syncJob, editTTL, token); err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return nil, eris.Wrapf(ErrSyncActive, "job %s", s.syncJob)
		}
		return nil, eris.Wrap(err, "catalog: lock sync job")
	}
	return func() {
		// Release even when the request context is already gone.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.locks.Release(rctx, s.syncJob, token); err != nil {
			zap.L().Warn("release sync lock after edit", zap.String("job", s.syncJob), zap.Error(err))
		}
	}, nil
}

// parseGroups validates group names. An empty list means every group.
func parseGroups(in []model.FieldGroup) ([]model.FieldGroup, error) {
	if len(in) == 0 {
		return nil, nil
	}
	seen := make(map[model.FieldGroup]bool, len(in))
	out := make([]model.FieldGroup, 0, len(in))
	for _, raw := range in {
		g, ok := model.ParseFieldGroup(string(raw))
		if !ok {
			return nil, eris.Wrapf(ErrInvalid, "unknown field group %q", raw)
		}
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	return out, nil
}

func parsePreferences(in map[model.FieldGroup]model.SourceName) (map[model.FieldGroup]model.SourceName, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[model.FieldGroup]model.SourceName, len(in))
	for rawGroup, rawSrc := range in {
		g, ok := model.ParseFieldGroup(string(rawGroup))
		if !ok {
			return nil, eris.Wrapf(ErrInvalid, "unknown field group %q", rawGroup)
		}
		src, ok := model.ParseSourceName(string(rawSrc))
		if !ok || !isVehicleSource(src) {
			return nil, eris.Wrapf(ErrInvalid, "source %q does not supply vehicle data", rawSrc)
		}
		out[g] = src
	}
	return out, nil
}

func isVehicleSource(src model.SourceName) bool {
	for _, s := range model.VehicleSources {
		if s == src {
			return true
		}
	}
	return false
}
