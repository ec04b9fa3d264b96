package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalogsync/internal/db"
	"github.com/sells-group/catalogsync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS job_locks (
	job_name     TEXT PRIMARY KEY,
	acquired_at  TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	holder_token TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_progress (
	run_id        TEXT PRIMARY KEY,
	job_name      TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'running',
	current_item  BIGINT NOT NULL DEFAULT 0,
	current_label TEXT NOT NULL DEFAULT '',
	total_items   BIGINT NOT NULL DEFAULT 0,
	success_count BIGINT NOT NULL DEFAULT 0,
	failed_count  BIGINT NOT NULL DEFAULT 0,
	skipped_count BIGINT NOT NULL DEFAULT 0,
	issues        BIGINT NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at  TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_progress_job ON sync_progress(job_name, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_sync_progress_running ON sync_progress(updated_at) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS sync_failed_items (
	id        BIGSERIAL PRIMARY KEY,
	run_id    TEXT NOT NULL REFERENCES sync_progress(run_id) ON DELETE CASCADE,
	item_key  TEXT NOT NULL,
	error     TEXT NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sync_failed_items_run ON sync_failed_items(run_id);

CREATE TABLE IF NOT EXISTS catalog_entities (
	slug            TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	catalog_payload JSONB,
	wiki_payload    JSONB,
	merged          JSONB NOT NULL DEFAULT '{}',
	provenance      JSONB NOT NULL DEFAULT '{}',
	manual_override BOOLEAN NOT NULL DEFAULT false,
	manual_groups   JSONB NOT NULL DEFAULT '[]',
	preferences     JSONB NOT NULL DEFAULT '{}',
	content_hash    TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS content_records (
	key          TEXT PRIMARY KEY,
	hash         TEXT NOT NULL UNIQUE,
	kind         TEXT NOT NULL,
	category     TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL,
	summary      TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ NOT NULL,
	source_url   TEXT NOT NULL DEFAULT '',
	image_url    TEXT NOT NULL DEFAULT '',
	fetched_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_content_records_kind ON content_records(kind, published_at DESC);

CREATE TABLE IF NOT EXISTS identity_mappings (
	canonical_name    TEXT NOT NULL,
	source            TEXT NOT NULL,
	source_identifier TEXT NOT NULL DEFAULT '',
	manual_override   BOOLEAN NOT NULL DEFAULT false,
	validation_status TEXT NOT NULL DEFAULT 'pending',
	confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
	reason            TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (canonical_name, source)
);

CREATE TABLE IF NOT EXISTS source_snapshots (
	source     TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL
);
`

var (
	lockUpsert = mustUpsertSQL(db.UpsertConfig{
		Table:        "job_locks",
		Columns:      []string{"job_name", "acquired_at", "expires_at", "holder_token"},
		ConflictKeys: []string{"job_name"},
		Where:        `"job_locks"."expires_at" <= EXCLUDED."acquired_at"`,
	})
	entityUpsert = mustUpsertSQL(db.UpsertConfig{
		Table: "catalog_entities",
		Columns: []string{"slug", "name", "catalog_payload", "wiki_payload", "merged", "provenance",
			"manual_override", "manual_groups", "preferences", "content_hash", "created_at", "updated_at"},
		ConflictKeys: []string{"slug"},
		UpdateCols: []string{"name", "catalog_payload", "wiki_payload", "merged", "provenance",
			"manual_override", "manual_groups", "preferences", "content_hash", "updated_at"},
	})
	contentUpsert = mustUpsertSQL(db.UpsertConfig{
		Table: "content_records",
		Columns: []string{"key", "hash", "kind", "category", "title", "summary", "body", "published_at",
			"source_url", "image_url", "fetched_at", "updated_at"},
		ConflictKeys: []string{"key"},
	})
	mappingUpsert = mustUpsertSQL(db.UpsertConfig{
		Table: "identity_mappings",
		Columns: []string{"canonical_name", "source", "source_identifier", "manual_override",
			"validation_status", "confidence", "reason", "created_at", "updated_at"},
		ConflictKeys: []string{"canonical_name", "source"},
		UpdateCols: []string{"source_identifier", "manual_override", "validation_status",
			"confidence", "reason", "updated_at"},
	})
	snapshotUpsert = mustUpsertSQL(db.UpsertConfig{
		Table:        "source_snapshots",
		Columns:      []string{"source", "data", "fetched_at"},
		ConflictKeys: []string{"source"},
	})
)

func mustUpsertSQL(cfg db.UpsertConfig) string {
	stmt, err := db.UpsertSQL(cfg)
	if err != nil {
		panic(err)
	}
	return stmt
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Locks ---

func (s *PostgresStore) TryLock(ctx context.Context, lock model.JobLock) (bool, error) {
	tag, err := s.pool.Exec(ctx, lockUpsert,
		lock.JobName, lock.AcquiredAt.UTC(), lock.ExpiresAt.UTC(), lock.HolderToken)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: try lock %s", lock.JobName)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Unlock(ctx context.Context, jobName, token string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM job_locks WHERE job_name = $1 AND holder_token = $2`, jobName, token)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: unlock %s", jobName)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetLock(ctx context.Context, jobName string) (*model.JobLock, error) {
	var l model.JobLock
	err := s.pool.QueryRow(ctx,
		`SELECT job_name, acquired_at, expires_at, holder_token FROM job_locks WHERE job_name = $1`, jobName,
	).Scan(&l.JobName, &l.AcquiredAt, &l.ExpiresAt, &l.HolderToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lock %s", jobName)
	}
	return &l, nil
}

func (s *PostgresStore) ListLocks(ctx context.Context) ([]model.JobLock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_name, acquired_at, expires_at, holder_token FROM job_locks ORDER BY job_name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list locks")
	}
	defer rows.Close()

	var locks []model.JobLock
	for rows.Next() {
		var l model.JobLock
		if err := rows.Scan(&l.JobName, &l.AcquiredAt, &l.ExpiresAt, &l.HolderToken); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lock")
		}
		locks = append(locks, l)
	}
	return locks, eris.Wrap(rows.Err(), "postgres: list locks iterate")
}

func (s *PostgresStore) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_locks WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired locks")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteAllLocks(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_locks`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete all locks")
	}
	return tag.RowsAffected(), nil
}

// --- Progress ---

const pgProgressCols = `run_id, job_name, status, current_item, current_label, total_items,
	success_count, failed_count, skipped_count, issues, started_at, updated_at, completed_at, error_message`

func (s *PostgresStore) CreateProgress(ctx context.Context, p *model.SyncProgress) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_progress (run_id, job_name, status, started_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		p.RunID, p.JobName, string(p.Status), p.StartedAt.UTC(), p.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: create progress %s", p.RunID)
}

func (s *PostgresStore) SetProgressTotal(ctx context.Context, runID string, total, issues int64, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_progress SET total_items = GREATEST(total_items, $1), issues = issues + $2, updated_at = $3
		 WHERE run_id = $4 AND status = 'running'`,
		total, issues, now.UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set progress total %s", runID)
	}
	return pgRequireRunning(tag.RowsAffected(), runID)
}

func (s *PostgresStore) ApplyProgress(ctx context.Context, runID string, d model.ProgressDelta, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_progress SET
			current_item = current_item + $1,
			success_count = success_count + $2,
			failed_count = failed_count + $3,
			skipped_count = skipped_count + $4,
			issues = issues + $5,
			current_label = CASE WHEN $6 = '' THEN current_label ELSE $6 END,
			updated_at = $7
		 WHERE run_id = $8 AND status = 'running'`,
		d.Processed, d.Success, d.Failed, d.Skipped, d.Issues, d.Label, now.UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: apply progress %s", runID)
	}
	if err := pgRequireRunning(tag.RowsAffected(), runID); err != nil {
		return err
	}
	if d.FailedItem != nil {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO sync_failed_items (run_id, item_key, error, failed_at) VALUES ($1, $2, $3, $4)`,
			runID, d.FailedItem.Key, d.FailedItem.Error, d.FailedItem.FailedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: append failed item %s", runID)
		}
	}
	return nil
}

func (s *PostgresStore) FinishProgress(ctx context.Context, runID string, status model.SyncStatus, errMsg string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_progress SET status = $1, error_message = $2, completed_at = $3, updated_at = $3
		 WHERE run_id = $4 AND status = 'running'`,
		string(status), errMsg, now.UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish progress %s", runID)
	}
	return pgRequireRunning(tag.RowsAffected(), runID)
}

func (s *PostgresStore) GetProgress(ctx context.Context, runID string) (*model.SyncProgress, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgProgressCols+` FROM sync_progress WHERE run_id = $1`, runID)
	return s.progressWithItems(ctx, row, "get progress "+runID)
}

func (s *PostgresStore) LatestProgress(ctx context.Context, jobName string) (*model.SyncProgress, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgProgressCols+` FROM sync_progress WHERE job_name = $1 ORDER BY started_at DESC LIMIT 1`, jobName)
	return s.progressWithItems(ctx, row, "latest progress "+jobName)
}

func (s *PostgresStore) progressWithItems(ctx context.Context, row pgx.Row, op string) (*model.SyncProgress, error) {
	p, err := scanPGProgress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT item_key, error, failed_at FROM sync_failed_items WHERE run_id = $1 ORDER BY id`, p.RunID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: failed items %s", p.RunID)
	}
	defer rows.Close()
	for rows.Next() {
		var it model.FailedItem
		if err := rows.Scan(&it.Key, &it.Error, &it.FailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failed item")
		}
		p.FailedItems = append(p.FailedItems, it)
	}
	return p, eris.Wrap(rows.Err(), "postgres: failed items iterate")
}

func (s *PostgresStore) LastCompleted(ctx context.Context, jobName string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM sync_progress WHERE job_name = $1 AND status = 'completed'
		 ORDER BY started_at DESC LIMIT 1`, jobName,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last completed %s", jobName)
	}
	return &t, nil
}

func (s *PostgresStore) ListStaleRuns(ctx context.Context, jobName string, before time.Time) ([]model.SyncProgress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgProgressCols+` FROM sync_progress
		 WHERE status = 'running' AND updated_at < $1 AND ($2 = '' OR job_name = $2)
		 ORDER BY started_at`,
		before.UTC(), jobName,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale runs")
	}
	defer rows.Close()

	var runs []model.SyncProgress
	for rows.Next() {
		p, err := scanPGProgress(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan stale run")
		}
		runs = append(runs, *p)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list stale runs iterate")
}

func (s *PostgresStore) CancelRunning(ctx context.Context, errMsg string, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_progress SET status = 'cancelled', error_message = $1, completed_at = $2, updated_at = $2
		 WHERE status = 'running'`,
		errMsg, now.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: cancel running")
	}
	return tag.RowsAffected(), nil
}

func scanPGProgress(row pgx.Row) (*model.SyncProgress, error) {
	var p model.SyncProgress
	var status string
	err := row.Scan(&p.RunID, &p.JobName, &status, &p.CurrentItem, &p.CurrentLabel, &p.TotalItems,
		&p.SuccessCount, &p.FailedCount, &p.SkippedCount, &p.Issues, &p.StartedAt, &p.UpdatedAt,
		&p.CompletedAt, &p.ErrorMessage)
	if err != nil {
		return nil, err
	}
	p.Status = model.SyncStatus(status)
	return &p, nil
}

func pgRequireRunning(affected int64, runID string) error {
	if affected == 0 {
		return eris.Wrapf(ErrNotRunning, "run %s", runID)
	}
	return nil
}

// --- Catalog ---

const pgEntityCols = `slug, name, catalog_payload, wiki_payload, merged, provenance,
	manual_override, manual_groups, preferences, content_hash, created_at, updated_at`

func (s *PostgresStore) GetEntity(ctx context.Context, slug string) (*model.CatalogEntity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgEntityCols+` FROM catalog_entities WHERE slug = $1`, slug)
	e, err := scanPGEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entity %s", slug)
	}
	return e, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context) ([]model.CatalogEntity, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgEntityCols+` FROM catalog_entities ORDER BY slug`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities")
	}
	defer rows.Close()

	var out []model.CatalogEntity
	for rows.Next() {
		e, err := scanPGEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list entities iterate")
}

func (s *PostgresStore) UpsertEntity(ctx context.Context, e *model.CatalogEntity) error {
	cols, err := encodeEntity(e)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, entityUpsert,
		e.Slug, e.Name, cols.catalog, cols.wiki, cols.merged, cols.provenance,
		e.ManualOverride, cols.groups, cols.preferences, e.ContentHash, e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert entity %s", e.Slug)
}

func (s *PostgresStore) ClearSourcePayload(ctx context.Context, slug string, src model.SourceName) (int64, error) {
	col, ok := payloadColumn(src)
	if !ok {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE catalog_entities SET `+col+` = NULL, updated_at = now()
		 WHERE `+col+` IS NOT NULL AND ($1 = '' OR slug = $1)`, slug)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: clear %s payload", src)
	}
	return tag.RowsAffected(), nil
}

func scanPGEntity(row pgx.Row) (*model.CatalogEntity, error) {
	var e model.CatalogEntity
	var cols encodedEntity
	err := row.Scan(&e.Slug, &e.Name, &cols.catalog, &cols.wiki, &cols.merged, &cols.provenance,
		&e.ManualOverride, &cols.groups, &cols.preferences, &e.ContentHash, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeEntity(&e, cols); err != nil {
		return nil, err
	}
	return &e, nil
}

// --- Content ---

const pgContentCols = `key, hash, kind, category, title, summary, body, published_at,
	source_url, image_url, fetched_at, updated_at`

func (s *PostgresStore) GetContent(ctx context.Context, key string) (*model.ContentRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgContentCols+` FROM content_records WHERE key = $1`, key)
	return scanPGContentRow(row, "get content "+key)
}

func (s *PostgresStore) GetContentByHash(ctx context.Context, hash string) (*model.ContentRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgContentCols+` FROM content_records WHERE hash = $1`, hash)
	return scanPGContentRow(row, "get content by hash")
}

func (s *PostgresStore) UpsertContent(ctx context.Context, r *model.ContentRecord) error {
	_, err := s.pool.Exec(ctx, contentUpsert,
		r.Key, r.Hash, string(r.Kind), r.Category, r.Title, r.Summary, r.Body, r.PublishedAt.UTC(),
		r.SourceURL, r.ImageURL, r.FetchedAt.UTC(), r.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert content %s", r.Key)
}

func (s *PostgresStore) ListContent(ctx context.Context, kind model.ContentKind, limit int) ([]model.ContentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgContentCols+` FROM content_records WHERE ($1 = '' OR kind = $1)
		 ORDER BY published_at DESC LIMIT $2`, string(kind), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list content")
	}
	defer rows.Close()

	var out []model.ContentRecord
	for rows.Next() {
		r, err := scanPGContent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan content")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list content iterate")
}

func scanPGContentRow(row pgx.Row, op string) (*model.ContentRecord, error) {
	r, err := scanPGContent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	return r, nil
}

func scanPGContent(row pgx.Row) (*model.ContentRecord, error) {
	var r model.ContentRecord
	var kind string
	err := row.Scan(&r.Key, &r.Hash, &kind, &r.Category, &r.Title, &r.Summary, &r.Body, &r.PublishedAt,
		&r.SourceURL, &r.ImageURL, &r.FetchedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Kind = model.ContentKind(kind)
	return &r, nil
}

// --- Mappings ---

const pgMappingCols = `canonical_name, source, source_identifier, manual_override,
	validation_status, confidence, reason, created_at, updated_at`

func (s *PostgresStore) GetMapping(ctx context.Context, canonical string, src model.SourceName) (*model.IdentityMapping, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgMappingCols+` FROM identity_mappings WHERE canonical_name = $1 AND source = $2`,
		canonical, string(src))
	m, err := scanPGMapping(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get mapping %s/%s", src, canonical)
	}
	return m, nil
}

func (s *PostgresStore) ListMappings(ctx context.Context, filter model.MappingFilter, src model.SourceName) ([]model.IdentityMapping, error) {
	query := `SELECT ` + pgMappingCols + ` FROM identity_mappings WHERE ($1 = '' OR source = $1)`
	switch filter {
	case model.MappingsMatched:
		query += ` AND source_identifier <> '' AND validation_status <> 'rejected'`
	case model.MappingsUnmatched:
		query += ` AND (source_identifier = '' OR validation_status = 'rejected')`
	case model.MappingsManual:
		query += ` AND manual_override`
	}
	query += ` ORDER BY canonical_name, source`

	rows, err := s.pool.Query(ctx, query, string(src))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list mappings")
	}
	defer rows.Close()

	var out []model.IdentityMapping
	for rows.Next() {
		m, err := scanPGMapping(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan mapping")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list mappings iterate")
}

func (s *PostgresStore) UpsertMapping(ctx context.Context, m *model.IdentityMapping) error {
	_, err := s.pool.Exec(ctx, mappingUpsert,
		m.CanonicalName, string(m.Source), m.SourceIdentifier, m.ManualOverride,
		string(m.ValidationStatus), m.Confidence, m.Reason, m.CreatedAt.UTC(), m.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert mapping %s/%s", m.Source, m.CanonicalName)
}

func (s *PostgresStore) DeleteMapping(ctx context.Context, canonical string, src model.SourceName) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM identity_mappings WHERE canonical_name = $1 AND source = $2`, canonical, string(src))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: delete mapping %s/%s", src, canonical)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteMappings(ctx context.Context, includeManual bool) (int64, error) {
	query := `DELETE FROM identity_mappings WHERE NOT manual_override`
	if includeManual {
		query = `DELETE FROM identity_mappings`
	}
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete mappings")
	}
	return tag.RowsAffected(), nil
}

func scanPGMapping(row pgx.Row) (*model.IdentityMapping, error) {
	var m model.IdentityMapping
	var src, status string
	err := row.Scan(&m.CanonicalName, &src, &m.SourceIdentifier, &m.ManualOverride,
		&status, &m.Confidence, &m.Reason, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Source = model.SourceName(src)
	m.ValidationStatus = model.ValidationStatus(status)
	return &m, nil
}

// --- Snapshots ---

func (s *PostgresStore) GetSnapshot(ctx context.Context, src model.SourceName) (*model.SourceSnapshot, error) {
	var snap model.SourceSnapshot
	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT source, data, fetched_at FROM source_snapshots WHERE source = $1`, string(src),
	).Scan(&name, &snap.Data, &snap.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get snapshot %s", src)
	}
	snap.Source = model.SourceName(name)
	return &snap, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.SourceSnapshot) error {
	_, err := s.pool.Exec(ctx, snapshotUpsert, string(snap.Source), snap.Data, snap.FetchedAt.UTC())
	return eris.Wrapf(err, "postgres: save snapshot %s", snap.Source)
}
