package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/catalogsync/internal/model"
)

// sqliteTime is a fixed-width UTC layout so timestamps compare correctly as
// text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection serializes writers; concurrent item workers would
	// otherwise race for the write lock and surface SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS job_locks (
	job_name     TEXT PRIMARY KEY,
	acquired_at  TEXT NOT NULL,
	expires_at   TEXT NOT NULL,
	holder_token TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_progress (
	run_id        TEXT PRIMARY KEY,
	job_name      TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'running',
	current_item  INTEGER NOT NULL DEFAULT 0,
	current_label TEXT NOT NULL DEFAULT '',
	total_items   INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failed_count  INTEGER NOT NULL DEFAULT 0,
	skipped_count INTEGER NOT NULL DEFAULT 0,
	issues        INTEGER NOT NULL DEFAULT 0,
	started_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	completed_at  TEXT,
	error_message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_progress_job ON sync_progress(job_name, started_at);
CREATE INDEX IF NOT EXISTS idx_sync_progress_status ON sync_progress(status, updated_at);

CREATE TABLE IF NOT EXISTS sync_failed_items (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id    TEXT NOT NULL REFERENCES sync_progress(run_id),
	item_key  TEXT NOT NULL,
	error     TEXT NOT NULL,
	failed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_failed_items_run ON sync_failed_items(run_id);

CREATE TABLE IF NOT EXISTS catalog_entities (
	slug            TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	catalog_payload TEXT,
	wiki_payload    TEXT,
	merged          TEXT NOT NULL DEFAULT '{}',
	provenance      TEXT NOT NULL DEFAULT '{}',
	manual_override INTEGER NOT NULL DEFAULT 0,
	manual_groups   TEXT NOT NULL DEFAULT '[]',
	preferences     TEXT NOT NULL DEFAULT '{}',
	content_hash    TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS content_records (
	key          TEXT PRIMARY KEY,
	hash         TEXT NOT NULL UNIQUE,
	kind         TEXT NOT NULL,
	category     TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL,
	summary      TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	published_at TEXT NOT NULL,
	source_url   TEXT NOT NULL DEFAULT '',
	image_url    TEXT NOT NULL DEFAULT '',
	fetched_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_content_records_kind ON content_records(kind, published_at);

CREATE TABLE IF NOT EXISTS identity_mappings (
	canonical_name    TEXT NOT NULL,
	source            TEXT NOT NULL,
	source_identifier TEXT NOT NULL DEFAULT '',
	manual_override   INTEGER NOT NULL DEFAULT 0,
	validation_status TEXT NOT NULL DEFAULT 'pending',
	confidence        REAL NOT NULL DEFAULT 0,
	reason            TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	PRIMARY KEY (canonical_name, source)
);

CREATE TABLE IF NOT EXISTS source_snapshots (
	source     TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	fetched_at TEXT NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Locks ---

func (s *SQLiteStore) TryLock(ctx context.Context, lock model.JobLock) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_locks (job_name, acquired_at, expires_at, holder_token) VALUES (?, ?, ?, ?)
		 ON CONFLICT (job_name) DO UPDATE SET
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at,
			holder_token = excluded.holder_token
		 WHERE job_locks.expires_at <= excluded.acquired_at`,
		lock.JobName, fmtTime(lock.AcquiredAt), fmtTime(lock.ExpiresAt), lock.HolderToken,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: try lock %s", lock.JobName)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: try lock rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) Unlock(ctx context.Context, jobName, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_locks WHERE job_name = ? AND holder_token = ?`, jobName, token)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: unlock %s", jobName)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: unlock rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetLock(ctx context.Context, jobName string) (*model.JobLock, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_name, acquired_at, expires_at, holder_token FROM job_locks WHERE job_name = ?`, jobName)
	l, err := scanSQLiteLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lock %s", jobName)
	}
	return l, nil
}

func (s *SQLiteStore) ListLocks(ctx context.Context) ([]model.JobLock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_name, acquired_at, expires_at, holder_token FROM job_locks ORDER BY job_name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list locks")
	}
	defer rows.Close()

	var locks []model.JobLock
	for rows.Next() {
		l, err := scanSQLiteLock(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lock")
		}
		locks = append(locks, *l)
	}
	return locks, eris.Wrap(rows.Err(), "sqlite: list locks iterate")
}

func (s *SQLiteStore) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_locks WHERE expires_at <= ?`, fmtTime(now))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired locks")
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) DeleteAllLocks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_locks`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete all locks")
	}
	return res.RowsAffected()
}

func scanSQLiteLock(row scannable) (*model.JobLock, error) {
	var l model.JobLock
	var acquired, expires string
	if err := row.Scan(&l.JobName, &acquired, &expires, &l.HolderToken); err != nil {
		return nil, err
	}
	l.AcquiredAt = parseTime(acquired)
	l.ExpiresAt = parseTime(expires)
	return &l, nil
}

// --- Progress ---

const sqliteProgressCols = `run_id, job_name, status, current_item, current_label, total_items,
	success_count, failed_count, skipped_count, issues, started_at, updated_at, completed_at, error_message`

func (s *SQLiteStore) CreateProgress(ctx context.Context, p *model.SyncProgress) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_progress (run_id, job_name, status, started_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.RunID, p.JobName, string(p.Status), fmtTime(p.StartedAt), fmtTime(p.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: create progress %s", p.RunID)
}

func (s *SQLiteStore) SetProgressTotal(ctx context.Context, runID string, total, issues int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_progress SET total_items = MAX(total_items, ?), issues = issues + ?, updated_at = ?
		 WHERE run_id = ? AND status = 'running'`,
		total, issues, fmtTime(now), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set progress total %s", runID)
	}
	return requireRunning(res, runID)
}

func (s *SQLiteStore) ApplyProgress(ctx context.Context, runID string, d model.ProgressDelta, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_progress SET
			current_item = current_item + ?,
			success_count = success_count + ?,
			failed_count = failed_count + ?,
			skipped_count = skipped_count + ?,
			issues = issues + ?,
			current_label = CASE WHEN ? = '' THEN current_label ELSE ? END,
			updated_at = ?
		 WHERE run_id = ? AND status = 'running'`,
		d.Processed, d.Success, d.Failed, d.Skipped, d.Issues, d.Label, d.Label, fmtTime(now), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: apply progress %s", runID)
	}
	if err := requireRunning(res, runID); err != nil {
		return err
	}
	if d.FailedItem != nil {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO sync_failed_items (run_id, item_key, error, failed_at) VALUES (?, ?, ?, ?)`,
			runID, d.FailedItem.Key, d.FailedItem.Error, fmtTime(d.FailedItem.FailedAt),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: append failed item %s", runID)
		}
	}
	return nil
}

func (s *SQLiteStore) FinishProgress(ctx context.Context, runID string, status model.SyncStatus, errMsg string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_progress SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		 WHERE run_id = ? AND status = 'running'`,
		string(status), errMsg, fmtTime(now), fmtTime(now), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish progress %s", runID)
	}
	return requireRunning(res, runID)
}

func (s *SQLiteStore) GetProgress(ctx context.Context, runID string) (*model.SyncProgress, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProgressCols+` FROM sync_progress WHERE run_id = ?`, runID)
	return s.progressWithItems(ctx, row, "get progress "+runID)
}

func (s *SQLiteStore) LatestProgress(ctx context.Context, jobName string) (*model.SyncProgress, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProgressCols+` FROM sync_progress WHERE job_name = ?
		 ORDER BY started_at DESC, rowid DESC LIMIT 1`, jobName)
	return s.progressWithItems(ctx, row, "latest progress "+jobName)
}

func (s *SQLiteStore) progressWithItems(ctx context.Context, row *sql.Row, op string) (*model.SyncProgress, error) {
	p, err := scanSQLiteProgress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	items, err := s.failedItems(ctx, p.RunID)
	if err != nil {
		return nil, err
	}
	p.FailedItems = items
	return p, nil
}

func (s *SQLiteStore) failedItems(ctx context.Context, runID string) ([]model.FailedItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_key, error, failed_at FROM sync_failed_items WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: failed items %s", runID)
	}
	defer rows.Close()

	var items []model.FailedItem
	for rows.Next() {
		var it model.FailedItem
		var at string
		if err := rows.Scan(&it.Key, &it.Error, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failed item")
		}
		it.FailedAt = parseTime(at)
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: failed items iterate")
}

func (s *SQLiteStore) LastCompleted(ctx context.Context, jobName string) (*time.Time, error) {
	var started string
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM sync_progress WHERE job_name = ? AND status = 'completed'
		 ORDER BY started_at DESC LIMIT 1`, jobName).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last completed %s", jobName)
	}
	t := parseTime(started)
	return &t, nil
}

func (s *SQLiteStore) ListStaleRuns(ctx context.Context, jobName string, before time.Time) ([]model.SyncProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteProgressCols+` FROM sync_progress
		 WHERE status = 'running' AND updated_at < ? AND (? = '' OR job_name = ?)
		 ORDER BY started_at`,
		fmtTime(before), jobName, jobName,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale runs")
	}
	defer rows.Close()

	var runs []model.SyncProgress
	for rows.Next() {
		p, err := scanSQLiteProgress(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stale run")
		}
		runs = append(runs, *p)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list stale runs iterate")
}

func (s *SQLiteStore) CancelRunning(ctx context.Context, errMsg string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_progress SET status = 'cancelled', error_message = ?, completed_at = ?, updated_at = ?
		 WHERE status = 'running'`,
		errMsg, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: cancel running")
	}
	return res.RowsAffected()
}

func scanSQLiteProgress(row scannable) (*model.SyncProgress, error) {
	var p model.SyncProgress
	var status, started, updated string
	var completed sql.NullString
	err := row.Scan(&p.RunID, &p.JobName, &status, &p.CurrentItem, &p.CurrentLabel, &p.TotalItems,
		&p.SuccessCount, &p.FailedCount, &p.SkippedCount, &p.Issues, &started, &updated, &completed, &p.ErrorMessage)
	if err != nil {
		return nil, err
	}
	p.Status = model.SyncStatus(status)
	p.StartedAt = parseTime(started)
	p.UpdatedAt = parseTime(updated)
	if completed.Valid {
		t := parseTime(completed.String)
		p.CompletedAt = &t
	}
	return &p, nil
}

// --- Catalog ---

const sqliteEntityCols = `slug, name, catalog_payload, wiki_payload, merged, provenance,
	manual_override, manual_groups, preferences, content_hash, created_at, updated_at`

func (s *SQLiteStore) GetEntity(ctx context.Context, slug string) (*model.CatalogEntity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteEntityCols+` FROM catalog_entities WHERE slug = ?`, slug)
	e, err := scanSQLiteEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %s", slug)
	}
	return e, nil
}

func (s *SQLiteStore) ListEntities(ctx context.Context) ([]model.CatalogEntity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteEntityCols+` FROM catalog_entities ORDER BY slug`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities")
	}
	defer rows.Close()

	var out []model.CatalogEntity
	for rows.Next() {
		e, err := scanSQLiteEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list entities iterate")
}

func (s *SQLiteStore) UpsertEntity(ctx context.Context, e *model.CatalogEntity) error {
	cols, err := encodeEntity(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO catalog_entities (`+sqliteEntityCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (slug) DO UPDATE SET
			name = excluded.name,
			catalog_payload = excluded.catalog_payload,
			wiki_payload = excluded.wiki_payload,
			merged = excluded.merged,
			provenance = excluded.provenance,
			manual_override = excluded.manual_override,
			manual_groups = excluded.manual_groups,
			preferences = excluded.preferences,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at`,
		e.Slug, e.Name, nullString(cols.catalog), nullString(cols.wiki), cols.merged, cols.provenance,
		e.ManualOverride, cols.groups, cols.preferences, e.ContentHash, fmtTime(e.CreatedAt), fmtTime(e.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert entity %s", e.Slug)
}

func (s *SQLiteStore) ClearSourcePayload(ctx context.Context, slug string, src model.SourceName) (int64, error) {
	col, ok := payloadColumn(src)
	if !ok {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE catalog_entities SET `+col+` = NULL, updated_at = ?
		 WHERE `+col+` IS NOT NULL AND (? = '' OR slug = ?)`,
		fmtTime(time.Now()), slug, slug,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: clear %s payload", src)
	}
	return res.RowsAffected()
}

func scanSQLiteEntity(row scannable) (*model.CatalogEntity, error) {
	var e model.CatalogEntity
	var catalog, wiki sql.NullString
	var cols encodedEntity
	var created, updated string
	err := row.Scan(&e.Slug, &e.Name, &catalog, &wiki, &cols.merged, &cols.provenance,
		&e.ManualOverride, &cols.groups, &cols.preferences, &e.ContentHash, &created, &updated)
	if err != nil {
		return nil, err
	}
	if catalog.Valid {
		cols.catalog = []byte(catalog.String)
	}
	if wiki.Valid {
		cols.wiki = []byte(wiki.String)
	}
	if err := decodeEntity(&e, cols); err != nil {
		return nil, err
	}
	e.CreatedAt = parseTime(created)
	e.UpdatedAt = parseTime(updated)
	return &e, nil
}

// --- Content ---

const sqliteContentCols = `key, hash, kind, category, title, summary, body, published_at,
	source_url, image_url, fetched_at, updated_at`

func (s *SQLiteStore) GetContent(ctx context.Context, key string) (*model.ContentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteContentCols+` FROM content_records WHERE key = ?`, key)
	return scanSQLiteContentRow(row, "get content "+key)
}

func (s *SQLiteStore) GetContentByHash(ctx context.Context, hash string) (*model.ContentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteContentCols+` FROM content_records WHERE hash = ?`, hash)
	return scanSQLiteContentRow(row, "get content by hash")
}

func (s *SQLiteStore) UpsertContent(ctx context.Context, r *model.ContentRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_records (`+sqliteContentCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
			hash = excluded.hash,
			kind = excluded.kind,
			category = excluded.category,
			title = excluded.title,
			summary = excluded.summary,
			body = excluded.body,
			published_at = excluded.published_at,
			source_url = excluded.source_url,
			image_url = excluded.image_url,
			fetched_at = excluded.fetched_at,
			updated_at = excluded.updated_at`,
		r.Key, r.Hash, string(r.Kind), r.Category, r.Title, r.Summary, r.Body, fmtTime(r.PublishedAt),
		r.SourceURL, r.ImageURL, fmtTime(r.FetchedAt), fmtTime(r.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert content %s", r.Key)
}

func (s *SQLiteStore) ListContent(ctx context.Context, kind model.ContentKind, limit int) ([]model.ContentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteContentCols+` FROM content_records WHERE (? = '' OR kind = ?)
		 ORDER BY published_at DESC LIMIT ?`, string(kind), string(kind), limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list content")
	}
	defer rows.Close()

	var out []model.ContentRecord
	for rows.Next() {
		r, err := scanSQLiteContent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan content")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list content iterate")
}

func scanSQLiteContentRow(row *sql.Row, op string) (*model.ContentRecord, error) {
	r, err := scanSQLiteContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	return r, nil
}

func scanSQLiteContent(row scannable) (*model.ContentRecord, error) {
	var r model.ContentRecord
	var kind, published, fetched, updated string
	err := row.Scan(&r.Key, &r.Hash, &kind, &r.Category, &r.Title, &r.Summary, &r.Body, &published,
		&r.SourceURL, &r.ImageURL, &fetched, &updated)
	if err != nil {
		return nil, err
	}
	r.Kind = model.ContentKind(kind)
	r.PublishedAt = parseTime(published)
	r.FetchedAt = parseTime(fetched)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

// --- Mappings ---

const sqliteMappingCols = `canonical_name, source, source_identifier, manual_override,
	validation_status, confidence, reason, created_at, updated_at`

func (s *SQLiteStore) GetMapping(ctx context.Context, canonical string, src model.SourceName) (*model.IdentityMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMappingCols+` FROM identity_mappings WHERE canonical_name = ? AND source = ?`,
		canonical, string(src))
	m, err := scanSQLiteMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get mapping %s/%s", src, canonical)
	}
	return m, nil
}

func (s *SQLiteStore) ListMappings(ctx context.Context, filter model.MappingFilter, src model.SourceName) ([]model.IdentityMapping, error) {
	query := `SELECT ` + sqliteMappingCols + ` FROM identity_mappings WHERE 1=1`
	var args []any

	switch filter {
	case model.MappingsMatched:
		query += ` AND source_identifier <> '' AND validation_status <> 'rejected'`
	case model.MappingsUnmatched:
		query += ` AND (source_identifier = '' OR validation_status = 'rejected')`
	case model.MappingsManual:
		query += ` AND manual_override = 1`
	}
	if src != "" {
		query += ` AND source = ?`
		args = append(args, string(src))
	}
	query += ` ORDER BY canonical_name, source`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list mappings")
	}
	defer rows.Close()

	var out []model.IdentityMapping
	for rows.Next() {
		m, err := scanSQLiteMapping(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan mapping")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list mappings iterate")
}

func (s *SQLiteStore) UpsertMapping(ctx context.Context, m *model.IdentityMapping) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identity_mappings (`+sqliteMappingCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (canonical_name, source) DO UPDATE SET
			source_identifier = excluded.source_identifier,
			manual_override = excluded.manual_override,
			validation_status = excluded.validation_status,
			confidence = excluded.confidence,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		m.CanonicalName, string(m.Source), m.SourceIdentifier, m.ManualOverride,
		string(m.ValidationStatus), m.Confidence, m.Reason, fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert mapping %s/%s", m.Source, m.CanonicalName)
}

func (s *SQLiteStore) DeleteMapping(ctx context.Context, canonical string, src model.SourceName) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM identity_mappings WHERE canonical_name = ? AND source = ?`, canonical, string(src))
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: delete mapping %s/%s", src, canonical)
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "sqlite: delete mapping rows affected")
}

func (s *SQLiteStore) DeleteMappings(ctx context.Context, includeManual bool) (int64, error) {
	query := `DELETE FROM identity_mappings WHERE manual_override = 0`
	if includeManual {
		query = `DELETE FROM identity_mappings`
	}
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete mappings")
	}
	return res.RowsAffected()
}

func scanSQLiteMapping(row scannable) (*model.IdentityMapping, error) {
	var m model.IdentityMapping
	var src, status, created, updated string
	err := row.Scan(&m.CanonicalName, &src, &m.SourceIdentifier, &m.ManualOverride,
		&status, &m.Confidence, &m.Reason, &created, &updated)
	if err != nil {
		return nil, err
	}
	m.Source = model.SourceName(src)
	m.ValidationStatus = model.ValidationStatus(status)
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}

// --- Snapshots ---

func (s *SQLiteStore) GetSnapshot(ctx context.Context, src model.SourceName) (*model.SourceSnapshot, error) {
	var snap model.SourceSnapshot
	var name, fetched string
	err := s.db.QueryRowContext(ctx,
		`SELECT source, data, fetched_at FROM source_snapshots WHERE source = ?`, string(src),
	).Scan(&name, &snap.Data, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get snapshot %s", src)
	}
	snap.Source = model.SourceName(name)
	snap.FetchedAt = parseTime(fetched)
	return &snap, nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *model.SourceSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_snapshots (source, data, fetched_at) VALUES (?, ?, ?)
		 ON CONFLICT (source) DO UPDATE SET data = excluded.data, fetched_at = excluded.fetched_at`,
		string(snap.Source), snap.Data, fmtTime(snap.FetchedAt),
	)
	return eris.Wrapf(err, "sqlite: save snapshot %s", snap.Source)
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func requireRunning(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotRunning, "run %s", runID)
	}
	return nil
}
