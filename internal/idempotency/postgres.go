package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS processed_jobs (
  idempotency_key TEXT PRIMARY KEY,
  status          TEXT NOT NULL,
  attempts        INTEGER NOT NULL DEFAULT 1,
  result          BYTEA,
  last_error      TEXT,
  updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processed_jobs_status
  ON processed_jobs(status, updated_at);
`

type PostgresOption func(*PostgresRegistry)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(r *PostgresRegistry) {
		if now != nil {
			r.nowFn = now
		}
	}
}

type PostgresRegistry struct {
	db *sql.DB

	mu    sync.Mutex
	nowFn func() time.Time
}

var _ Registry = (*PostgresRegistry)(nil)

func NewPostgresRegistry(dsn string, opts ...PostgresOption) (*PostgresRegistry, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	r := &PostgresRegistry{db: db, nowFn: time.Now}
	for _, opt := range opts {
		opt(r)
	}

	if _, err := r.db.ExecContext(context.Background(), postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *PostgresRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *PostgresRegistry) Claim(key string) (ClaimResult, error) {
	if err := validateKey(key); err != nil {
		return ClaimResult{}, err
	}
	now := r.now().UTC()

	ctx := context.Background()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ClaimResult{}, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
INSERT INTO processed_jobs (idempotency_key, status, attempts, updated_at)
VALUES ($1, $2, 1, $3)
ON CONFLICT (idempotency_key) DO NOTHING
`, key, string(StatusProcessing), now)
	if err != nil {
		return ClaimResult{}, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return ClaimResult{}, err
	}

	out := ClaimResult{}
	if inserted > 0 {
		out.Claimed = true
		out.Existing = Record{Key: key, Status: StatusProcessing, Attempts: 1, UpdatedAt: now}
	} else {
		res, err := tx.ExecContext(ctx, `
UPDATE processed_jobs
SET status = $1, attempts = attempts + 1, updated_at = $2
WHERE idempotency_key = $3 AND status = $4
`, string(StatusProcessing), now, key, string(StatusFailed))
		if err != nil {
			return ClaimResult{}, err
		}
		reclaimed, err := res.RowsAffected()
		if err != nil {
			return ClaimResult{}, err
		}
		rec, err := r.getTx(ctx, tx, key)
		if err != nil {
			return ClaimResult{}, err
		}
		out.Claimed = reclaimed > 0
		out.Existing = rec
	}

	if err := tx.Commit(); err != nil {
		return ClaimResult{}, err
	}
	committed = true
	return out, nil
}

func (r *PostgresRegistry) Complete(key string, result []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	res, err := r.db.ExecContext(context.Background(), `
UPDATE processed_jobs
SET status = $1, result = $2, last_error = NULL, updated_at = $3
WHERE idempotency_key = $4
`, string(StatusCompleted), result, r.now().UTC(), key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRegistry) Fail(key string, errMsg string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	res, err := r.db.ExecContext(context.Background(), `
UPDATE processed_jobs
SET status = $1, last_error = $2, updated_at = $3
WHERE idempotency_key = $4
`, string(StatusFailed), errMsg, r.now().UTC(), key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRegistry) Get(key string) (Record, error) {
	if err := validateKey(key); err != nil {
		return Record{}, err
	}

	var rec Record
	var status string
	var lastError sql.NullString

	err := r.db.QueryRowContext(context.Background(), `
SELECT idempotency_key, status, attempts, result, last_error, updated_at
FROM processed_jobs
WHERE idempotency_key = $1
LIMIT 1
`, key).Scan(&rec.Key, &status, &rec.Attempts, &rec.Result, &lastError, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.Status = Status(status)
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (r *PostgresRegistry) getTx(ctx context.Context, tx *sql.Tx, key string) (Record, error) {
	var rec Record
	var status string
	var lastError sql.NullString

	err := tx.QueryRowContext(ctx, `
SELECT idempotency_key, status, attempts, result, last_error, updated_at
FROM processed_jobs
WHERE idempotency_key = $1
LIMIT 1
`, key).Scan(&rec.Key, &status, &rec.Attempts, &rec.Result, &lastError, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.Status = Status(status)
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (r *PostgresRegistry) now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nowFn()
}
