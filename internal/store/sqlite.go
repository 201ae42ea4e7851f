package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/intel-engine/internal/model"
	"github.com/sells-group/intel-engine/internal/resilience"
)

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
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	company_name TEXT NOT NULL,
	website      TEXT,
	outcome      TEXT NOT NULL DEFAULT 'running',
	record       TEXT,
	error        TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS link_cache (
	id         TEXT PRIMARY KEY,
	website    TEXT NOT NULL,
	links      TEXT NOT NULL,
	crawled_at DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS resume_cache (
	website    TEXT PRIMARY KEY,
	record     TEXT NOT NULL,
	cached_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	company_name   TEXT NOT NULL,
	website        TEXT,
	error          TEXT NOT NULL,
	error_kind     TEXT NOT NULL DEFAULT 'transient',
	failed_phase   TEXT,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	last_failed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_outcome ON runs(outcome);
CREATE INDEX IF NOT EXISTS idx_runs_website ON runs(website);
CREATE INDEX IF NOT EXISTS idx_link_cache_website ON link_cache(website);
CREATE INDEX IF NOT EXISTS idx_link_cache_expires_at ON link_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_resume_cache_expires_at ON resume_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_dlq_error_kind ON dead_letter_queue(error_kind);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, job model.Job) (*Run, error) {
	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, company_name, website, outcome, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, job.CompanyName, job.Website, string(model.PhaseRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &Run{
		ID:          id,
		CompanyName: job.CompanyName,
		Website:     job.Website,
		Outcome:     model.PhaseRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, outcome model.PhaseState, rec *model.CompanyRecord, runErr string) error {
	var recordJSON any
	if rec != nil {
		b, err := json.Marshal(rec)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal record")
		}
		recordJSON = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET outcome = ?, record = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(outcome), recordJSON, nullIfEmpty(runErr), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company_name, website, outcome, record, error, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, company_name, website, outcome, record, error, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(filter.Outcome))
	}
	if filter.Website != "" {
		query += ` AND website = ?`
		args = append(args, filter.Website)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) GetCachedLinks(ctx context.Context, website string) ([]model.Link, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT links FROM link_cache
		 WHERE website = ? AND expires_at > datetime('now')
		 ORDER BY crawled_at DESC LIMIT 1`,
		website,
	)

	var linksJSON string
	err := row.Scan(&linksJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cached links")
	}

	var links []model.Link
	if err := json.Unmarshal([]byte(linksJSON), &links); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal cached links")
	}
	return links, nil
}

func (s *SQLiteStore) SetCachedLinks(ctx context.Context, website string, links []model.Link, ttl time.Duration) error {
	now := time.Now().UTC()

	linksJSON, err := json.Marshal(links)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal links")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO link_cache (id, website, links, crawled_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), website, string(linksJSON), now, now.Add(ttl),
	)
	return eris.Wrap(err, "sqlite: set cached links")
}

func (s *SQLiteStore) DeleteExpiredLinks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM link_cache WHERE expires_at <= datetime('now')`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired links")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) GetResume(ctx context.Context, website string) (*model.CompanyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT record FROM resume_cache WHERE website = ? AND expires_at > datetime('now')`,
		website,
	)

	var recordJSON string
	err := row.Scan(&recordJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get resume")
	}

	var rec model.CompanyRecord
	if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal resume record")
	}
	return &rec, nil
}

func (s *SQLiteStore) SetResume(ctx context.Context, website string, rec *model.CompanyRecord, ttl time.Duration) error {
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal resume record")
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO resume_cache (website, record, cached_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(website) DO UPDATE SET record = excluded.record,
		   cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		website, string(recordJSON), now, now.Add(ttl),
	)
	return eris.Wrap(err, "sqlite: set resume")
}

func (s *SQLiteStore) AddDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, company_name, website, error, error_kind, failed_phase, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET error = excluded.error,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.CompanyName, entry.Website, entry.Error, string(entry.ErrorKind),
		entry.FailedPhase, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: add dlq entry")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, company_name, website, error, error_kind, failed_phase, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE 1=1`
	var args []any

	if filter.ErrorKind != "" {
		query += ` AND error_kind = ?`
		args = append(args, string(filter.ErrorKind))
	}
	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var website, failedPhase sql.NullString
		var kind string
		if err := rows.Scan(&e.ID, &e.CompanyName, &website, &e.Error, &kind,
			&failedPhase, &e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.Website = website.String
		e.FailedPhase = failedPhase.String
		e.ErrorKind = resilience.ErrorKind(kind)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) DeleteDLQ(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete dlq entry %s", id)
	}
	return checkRowsAffected(res, "dlq entry", id)
}

// helpers

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var r Run
	var website, recordJSON, runErr sql.NullString

	err := row.Scan(&r.ID, &r.CompanyName, &website, &r.Outcome, &recordJSON, &runErr, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	r.Website = website.String
	r.Error = runErr.String
	if recordJSON.Valid {
		r.Record = &model.CompanyRecord{}
		if err := json.Unmarshal([]byte(recordJSON.String), r.Record); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal record")
		}
	}
	return &r, nil
}
