package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/intel-engine/internal/db"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	dim     int
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, dim int) (*PostgresStore, error) {
	if dim <= 0 {
		return nil, eris.New("vector: dimension must be positive")
	}
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "vector: postgres parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "vector: postgres create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "vector: postgres ping")
	}
	return &PostgresStore{pool: pool, dim: dim, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool (tests use pgxmock here).
func NewPostgresWithPool(pool db.Pool, dim int) *PostgresStore {
	return &PostgresStore{pool: pool, dim: dim}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS company_vectors (
	id         TEXT PRIMARY KEY,
	embedding  BYTEA NOT NULL,
	metadata   JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_company_vectors_industry
	ON company_vectors((metadata->>'industry'));
CREATE INDEX IF NOT EXISTS idx_company_vectors_stage
	ON company_vectors((metadata->>'company_stage'));
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "vector: postgres migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Dimension() int { return s.dim }

func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	if len(rec.Values) != s.dim {
		return eris.Errorf("vector: dimension mismatch: expected %d, got %d", s.dim, len(rec.Values))
	}
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return eris.Wrap(err, "vector: marshal metadata")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO company_vectors (id, embedding, metadata, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding,
		   metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at`,
		rec.ID, encodeVector(rec.Values), metaJSON, time.Now().UTC(),
	)
	return eris.Wrapf(err, "vector: upsert %s", rec.ID)
}

// UpsertBatch bulk-upserts via a temp table and COPY, which beats
// row-at-a-time inserts once batch runs push hundreds of vectors.
func (s *PostgresStore) UpsertBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		if len(rec.Values) != s.dim {
			return eris.Errorf("vector: dimension mismatch for %s: expected %d, got %d", rec.ID, s.dim, len(rec.Values))
		}
		metaJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			return eris.Wrap(err, "vector: marshal metadata")
		}
		rows = append(rows, []any{rec.ID, encodeVector(rec.Values), metaJSON, now})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "company_vectors",
		Columns:      []string{"id", "embedding", "metadata", "updated_at"},
		ConflictKeys: []string{"id"},
	}, rows)
	return eris.Wrap(err, "vector: batch upsert")
}

func (s *PostgresStore) Query(ctx context.Context, values []float32, topK int, filter *Filter) ([]Match, error) {
	if len(values) != s.dim {
		return nil, eris.Errorf("vector: query dimension mismatch: expected %d, got %d", s.dim, len(values))
	}
	if topK <= 0 {
		topK = 10
	}

	query := `SELECT id, embedding, metadata FROM company_vectors WHERE true`
	var args []any
	argIdx := 1
	if filter != nil {
		if filter.Industry != "" {
			query += fmt.Sprintf(` AND metadata->>'industry' = $%d`, argIdx)
			args = append(args, filter.Industry)
			argIdx++
		}
		if filter.BusinessModel != "" {
			query += fmt.Sprintf(` AND metadata->>'business_model' = $%d`, argIdx)
			args = append(args, filter.BusinessModel)
			argIdx++
		}
		if filter.CompanyStage != "" {
			query += fmt.Sprintf(` AND metadata->>'company_stage' = $%d`, argIdx)
			args = append(args, filter.CompanyStage)
			argIdx++
		}
		if filter.IsSaaS != nil {
			query += fmt.Sprintf(` AND (metadata->>'is_saas')::boolean = $%d`, argIdx)
			args = append(args, *filter.IsSaaS)
			argIdx++
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "vector: postgres query")
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var id string
		var blob []byte
		var metaJSON []byte
		if err := rows.Scan(&id, &blob, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "vector: scan row")
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		var meta map[string]any
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
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

func (s *PostgresStore) Fetch(ctx context.Context, id string) (*Record, error) {
	var rec Record
	var blob []byte
	var metaJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, embedding, metadata FROM company_vectors WHERE id = $1`, id,
	).Scan(&rec.ID, &blob, &metaJSON)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "vector: fetch %s", id)
	}
	if rec.Values, err = decodeVector(blob); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
		return nil, eris.Wrap(err, "vector: unmarshal metadata")
	}
	return &rec, nil
}

func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, embedding, metadata FROM company_vectors ORDER BY id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, eris.Wrap(err, "vector: postgres list")
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var blob []byte
		var metaJSON []byte
		if err := rows.Scan(&rec.ID, &blob, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "vector: scan row")
		}
		if rec.Values, err = decodeVector(blob); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return nil, eris.Wrap(err, "vector: unmarshal metadata")
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "vector: iterate rows")
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM company_vectors WHERE id = $1`, id)
	return eris.Wrapf(err, "vector: delete %s", id)
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM company_vectors`).Scan(&n)
	return n, eris.Wrap(err, "vector: count")
}
