package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite. Similarity is
// a full scan with cosine computed in process, which is fine for the
// tens of thousands of companies a single workspace holds.
type SQLiteStore struct {
	db  *sql.DB
	dim int
}

// NewSQLite opens a SQLite database at the given path and configures
// WAL mode.
func NewSQLite(dsn string, dim int) (*SQLiteStore, error) {
	if dim <= 0 {
		return nil, eris.New("vector: dimension must be positive")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "vector: sqlite open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "vector: sqlite exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, dim: dim}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS company_vectors (
	id         TEXT PRIMARY KEY,
	embedding  BLOB NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_company_vectors_industry
	ON company_vectors(json_extract(metadata, '$.industry'));
CREATE INDEX IF NOT EXISTS idx_company_vectors_stage
	ON company_vectors(json_extract(metadata, '$.company_stage'));
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "vector: sqlite migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Dimension() int { return s.dim }

func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	if len(rec.Values) != s.dim {
		return eris.Errorf("vector: dimension mismatch: expected %d, got %d", s.dim, len(rec.Values))
	}
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return eris.Wrap(err, "vector: marshal metadata")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO company_vectors (id, embedding, metadata, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET embedding = excluded.embedding,
		   metadata = excluded.metadata, updated_at = excluded.updated_at`,
		rec.ID, encodeVector(rec.Values), string(metaJSON), time.Now().UTC(),
	)
	return eris.Wrapf(err, "vector: upsert %s", rec.ID)
}

func (s *SQLiteStore) UpsertBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "vector: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO company_vectors (id, embedding, metadata, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET embedding = excluded.embedding,
		   metadata = excluded.metadata, updated_at = excluded.updated_at`,
	)
	if err != nil {
		return eris.Wrap(err, "vector: prepare upsert")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for _, rec := range recs {
		if len(rec.Values) != s.dim {
			return eris.Errorf("vector: dimension mismatch for %s: expected %d, got %d", rec.ID, s.dim, len(rec.Values))
		}
		metaJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			return eris.Wrap(err, "vector: marshal metadata")
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, encodeVector(rec.Values), string(metaJSON), now); err != nil {
			return eris.Wrapf(err, "vector: upsert %s", rec.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "vector: commit batch")
}

func (s *SQLiteStore) Query(ctx context.Context, values []float32, topK int, filter *Filter) ([]Match, error) {
	if len(values) != s.dim {
		return nil, eris.Errorf("vector: query dimension mismatch: expected %d, got %d", s.dim, len(values))
	}
	if topK <= 0 {
		topK = 10
	}

	// Push the cheap equality filters into SQL; cosine runs in Go.
	query := `SELECT id, embedding, metadata FROM company_vectors WHERE 1=1`
	var args []any
	if filter != nil {
		if filter.Industry != "" {
			query += ` AND json_extract(metadata, '$.industry') = ?`
			args = append(args, filter.Industry)
		}
		if filter.BusinessModel != "" {
			query += ` AND json_extract(metadata, '$.business_model') = ?`
			args = append(args, filter.BusinessModel)
		}
		if filter.CompanyStage != "" {
			query += ` AND json_extract(metadata, '$.company_stage') = ?`
			args = append(args, filter.CompanyStage)
		}
		if filter.IsSaaS != nil {
			query += ` AND json_extract(metadata, '$.is_saas') = ?`
			args = append(args, *filter.IsSaaS)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "vector: query")
	}
	defer rows.Close() //nolint:errcheck

	var matches []Match
	for rows.Next() {
		var id string
		var blob []byte
		var metaJSON string
		if err := rows.Scan(&id, &blob, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "vector: scan row")
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, eris.Wrap(err, "vector: unmarshal metadata")
		}
		matches = insertMatch(matches, Match{
			ID:       id,
			Score:    cosine(values, vec),
			Metadata: meta,
		}, topK)
	}
	return matches, eris.Wrap(rows.Err(), "vector: iterate rows")
}

func (s *SQLiteStore) Fetch(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, embedding, metadata FROM company_vectors WHERE id = ?`, id)

	var rec Record
	var blob []byte
	var metaJSON string
	err := row.Scan(&rec.ID, &blob, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "vector: fetch %s", id)
	}
	if rec.Values, err = decodeVector(blob); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
		return nil, eris.Wrap(err, "vector: unmarshal metadata")
	}
	return &rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding, metadata FROM company_vectors ORDER BY id LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, eris.Wrap(err, "vector: list")
	}
	defer rows.Close() //nolint:errcheck

	var recs []Record
	for rows.Next() {
		var rec Record
		var blob []byte
		var metaJSON string
		if err := rows.Scan(&rec.ID, &blob, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "vector: scan row")
		}
		if rec.Values, err = decodeVector(blob); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
			return nil, eris.Wrap(err, "vector: unmarshal metadata")
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "vector: iterate rows")
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM company_vectors WHERE id = ?`, id)
	return eris.Wrapf(err, "vector: delete %s", id)
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM company_vectors`).Scan(&n)
	return n, eris.Wrap(err, "vector: count")
}
