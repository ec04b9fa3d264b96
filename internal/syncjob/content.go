package syncjob

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalogsync/internal/digest"
	"github.com/sells-group/catalogsync/internal/model"
	"github.com/sells-group/catalogsync/internal/source"
	"github.com/sells-group/catalogsync/internal/store"
)

// Content job names.
const (
	NewsJobName   = "news"
	StatusJobName = "status"
)

// ContentJob syncs news or status records from one adapter. Records are
// keyed by upstream identity and deduplicated by content hash. Records
// served by a fallback step only fill fields the stored record lacks.
type ContentJob struct {
	name    string
	adapter source.Adapter
	store   store.ContentStore
	now     func() time.Time
}

// NewContentJob creates a content job named name reading from a.
func NewContentJob(name string, a source.Adapter, s store.ContentStore) *ContentJob {
	return &ContentJob{name: name, adapter: a, store: s, now: time.Now}
}

// Name implements Job.
func (j *ContentJob) Name() string { return j.name }

// Plan implements Job.
func (j *ContentJob) Plan(ctx context.Context, _ RunOptions) (*Plan, error) {
	res, err := j.adapter.Fetch(ctx)
	if err != nil {
		return nil, eris.Wrapf(err, "source %s", j.adapter.Name())
	}
	if res.Origin != "" {
		zap.L().Debug("content fetched",
			zap.String("job", j.name),
			zap.String("origin", res.Origin),
			zap.Int("records", len(res.Records)),
		)
	}

	plan := &Plan{Issues: res.Issues}
	for _, rec := range res.Records {
		if rec.Content == nil {
			plan.Issues++
			continue
		}
		r := *rec.Content
		fetchedAt, fallback := res.FetchedAt, res.Fallback
		plan.Items = append(plan.Items, Item{
			Key:   r.Key,
			Label: r.Title,
			Apply: func(ctx context.Context) (Outcome, error) {
				return j.apply(ctx, r, fetchedAt, fallback)
			},
		})
	}
	return plan, nil
}

// ContentHash fingerprints a record by everything but its identity and
// volatile fields, so the same article under two keys hashes the same.
func ContentHash(r model.ContentRecord) (string, error) {
	return digest.Hash(r, "key", "hash")
}

func (j *ContentJob) apply(ctx context.Context, r model.ContentRecord, fetchedAt time.Time, fallback bool) (Outcome, error) {
	existing, err := j.store.GetContent(ctx, r.Key)
	if err != nil {
		return 0, eris.Wrap(err, "load content")
	}
	if existing != nil && fallback {
		r = backfill(*existing, r)
	}

	hash, err := ContentHash(r)
	if err != nil {
		return 0, err
	}
	if existing != nil && existing.Hash == hash {
		return Skipped, nil
	}

	dup, err := j.store.GetContentByHash(ctx, hash)
	if err != nil {
		return 0, eris.Wrap(err, "load content by hash")
	}
	if dup != nil && dup.Key != r.Key {
		return Skipped, nil
	}

	now := j.now().UTC()
	r.Hash = hash
	r.FetchedAt = fetchedAt
	if r.FetchedAt.IsZero() {
		r.FetchedAt = now
	}
	r.UpdatedAt = now

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := j.store.UpsertContent(ctx, &r); err != nil {
		return 0, eris.Wrap(err, "write content")
	}
	return Upserted, nil
}

// backfill keeps every field of prior and takes from r only what prior
// lacks.
func backfill(prior, r model.ContentRecord) model.ContentRecord {
	out := prior
	if out.Category == "" {
		out.Category = r.Category
	}
	if out.Title == "" {
		out.Title = r.Title
	}
	if out.Summary == "" {
		out.Summary = r.Summary
	}
	if out.Body == "" {
		out.Body = r.Body
	}
	if out.PublishedAt.IsZero() {
		out.PublishedAt = r.PublishedAt
	}
	if out.SourceURL == "" {
		out.SourceURL = r.SourceURL
	}
	if out.ImageURL == "" {
		out.ImageURL = r.ImageURL
	}
	return out
}
