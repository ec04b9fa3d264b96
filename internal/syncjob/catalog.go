package syncjob

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalogsync/internal/digest"
	"github.com/sells-group/catalogsync/internal/identity"
	"github.com/sells-group/catalogsync/internal/merge"
	"github.com/sells-group/catalogsync/internal/model"
	"github.com/sells-group/catalogsync/internal/source"
	"github.com/sells-group/catalogsync/internal/store"
)

// CatalogJobName is the name of the vehicle catalog job.
const CatalogJobName = "catalog"

// CatalogJob syncs vehicles. The catalog API defines the canonical list;
// auxiliary sources are matched to it through the identity mapper.
type CatalogJob struct {
	primary   source.Adapter
	auxiliary []source.Adapter
	store     store.CatalogStore
	mapper    *identity.Mapper
	now       func() time.Time
}

// NewCatalogJob creates the catalog job.
func NewCatalogJob(primary source.Adapter, auxiliary []source.Adapter, s store.CatalogStore, m *identity.Mapper) *CatalogJob {
	return &CatalogJob{primary: primary, auxiliary: auxiliary, store: s, mapper: m, now: time.Now}
}

// Name implements Job.
func (j *CatalogJob) Name() string { return CatalogJobName }

// fetched is one adapter's outcome for a run.
type fetched struct {
	src        model.SourceName
	res        *source.FetchResult
	err        error
	byKey      map[string]*model.Payload
	candidates []identity.Candidate
}

func (f *fetched) ok() bool { return f.err == nil && f.res != nil }

// canonicalEntity is one entity the run will resolve.
type canonicalEntity struct {
	slug    string
	name    string
	payload *model.Payload // fresh primary payload, nil when the primary failed
}

// Plan implements Job.
func (j *CatalogJob) Plan(ctx context.Context, opts RunOptions) (*Plan, error) {
	log := zap.L().With(zap.String("component", "syncjob"), zap.String("job", CatalogJobName))

	adapters := append([]source.Adapter{j.primary}, j.auxiliary...)
	results := make([]*fetched, len(adapters))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range adapters {
		g.Go(func() error {
			res, err := a.Fetch(gctx)
			results[i] = &fetched{src: a.Name(), res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var (
		issues int
		errs   []error
		anyOK  bool
	)
	for _, f := range results {
		if !f.ok() {
			issues++
			errs = append(errs, f.err)
			log.Warn("source unavailable", zap.String("source", string(f.src)), zap.Error(f.err))
			continue
		}
		anyOK = true
		issues += f.res.Issues
		f.byKey = make(map[string]*model.Payload, len(f.res.Records))
		for _, rec := range f.res.Records {
			if rec.Vehicle == nil {
				continue
			}
			f.byKey[rec.Key] = rec.Vehicle
			f.candidates = append(f.candidates, identity.Candidate{Identifier: rec.Key, Name: rec.Name})
		}
	}
	if !anyOK {
		return nil, eris.Wrap(errors.Join(errs...), "every source failed")
	}

	entities, dupes, err := j.canonical(ctx, results[0])
	if err != nil {
		return nil, err
	}
	issues += dupes

	plan := &Plan{Issues: issues}
	for _, ce := range entities {
		plan.Items = append(plan.Items, Item{
			Key:   ce.slug,
			Label: ce.name,
			Apply: func(ctx context.Context) (Outcome, error) {
				return j.apply(ctx, ce, results, opts)
			},
		})
	}
	return plan, nil
}

// canonical lists the entities to resolve: the primary's records, or the
// stored entities when the primary is down. Duplicate slugs are counted.
func (j *CatalogJob) canonical(ctx context.Context, primary *fetched) ([]canonicalEntity, int, error) {
	var out []canonicalEntity
	dupes := 0
	seen := make(map[string]bool)

	if primary.ok() {
		for _, rec := range primary.res.Records {
			slug := model.Slugify(rec.Name)
			if slug == "" || rec.Vehicle == nil || seen[slug] {
				dupes++
				continue
			}
			seen[slug] = true
			out = append(out, canonicalEntity{slug: slug, name: rec.Name, payload: rec.Vehicle})
		}
	} else {
		stored, err := j.store.ListEntities(ctx)
		if err != nil {
			return nil, 0, eris.Wrap(err, "list stored entities")
		}
		for _, e := range stored {
			out = append(out, canonicalEntity{slug: e.Slug, name: e.Name})
		}
	}

	sort.Slice(out, func(a, b int) bool { return out[a].slug < out[b].slug })
	return out, dupes, nil
}

// hashedEntity is the part of an entity that decides whether it changed.
type hashedEntity struct {
	Name           string                                `json:"name"`
	Sources        map[model.SourceName]*model.Payload   `json:"sources"`
	Merged         model.Payload                         `json:"merged"`
	ManualOverride bool                                  `json:"manual_override"`
	ManualGroups   []model.FieldGroup                    `json:"manual_groups"`
	Preferences    map[model.FieldGroup]model.SourceName `json:"preferences"`
}

// apply resolves, merges and writes one entity.
func (j *CatalogJob) apply(ctx context.Context, ce canonicalEntity, results []*fetched, opts RunOptions) (Outcome, error) {
	existing, err := j.store.GetEntity(ctx, ce.slug)
	if err != nil {
		return 0, eris.Wrap(err, "load entity")
	}

	sources := make(map[model.SourceName]*model.Payload, len(results))
	for i, f := range results {
		switch {
		case !f.ok():
			// Source down: keep whatever it contributed last time.
			if p := existing.Source(f.src); p != nil {
				sources[f.src] = p
			}
		case i == 0:
			sources[f.src] = ce.payload
		default:
			res, err := j.mapper.Resolve(ctx, ce.name, f.src, f.candidates, opts.AutoSync)
			if err != nil {
				return 0, eris.Wrapf(err, "resolve %s", f.src)
			}
			if res.Matched {
				if p, ok := f.byKey[res.SourceIdentifier]; ok {
					sources[f.src] = p
				}
			}
		}
	}

	var prior model.Payload
	if existing != nil {
		prior = existing.Merged
	}
	merged := merge.Merge(prior, sources, merge.OverridesFor(existing))

	next := &model.CatalogEntity{
		Slug:       ce.slug,
		Name:       ce.name,
		Sources:    sources,
		Merged:     merged.Fields,
		Provenance: merged.Provenance,
	}
	if existing != nil {
		next.ManualOverride = existing.ManualOverride
		next.ManualGroups = existing.ManualGroups
		next.Preferences = existing.Preferences
		next.CreatedAt = existing.CreatedAt
	}

	hash, err := digest.Hash(hashedEntity{
		Name:           next.Name,
		Sources:        next.Sources,
		Merged:         next.Merged,
		ManualOverride: next.ManualOverride,
		ManualGroups:   next.ManualGroups,
		Preferences:    next.Preferences,
	})
	if err != nil {
		return 0, err
	}
	if existing != nil && existing.ContentHash == hash {
		return Skipped, nil
	}
	next.ContentHash = hash

	now := j.now().UTC()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := j.store.UpsertEntity(ctx, next); err != nil {
		return 0, eris.Wrap(err, "write entity")
	}
	return Upserted, nil
}
