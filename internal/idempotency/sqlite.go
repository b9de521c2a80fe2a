package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS processed_jobs (
  idempotency_key TEXT PRIMARY KEY,
  status          TEXT NOT NULL,
  attempts        INTEGER NOT NULL DEFAULT 1,
  result          BLOB,
  last_error      TEXT,
  updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processed_jobs_status
  ON processed_jobs(status, updated_at);
`

type SQLiteOption func(*SQLiteRegistry)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(r *SQLiteRegistry) {
		if now != nil {
			r.nowFn = now
		}
	}
}

type SQLiteRegistry struct {
	db *sql.DB

	mu    sync.Mutex
	nowFn func() time.Time
}

var _ Registry = (*SQLiteRegistry)(nil)

func NewSQLiteRegistry(dbPath string, opts ...SQLiteOption) (*SQLiteRegistry, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &SQLiteRegistry{db: db, nowFn: time.Now}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

func (r *SQLiteRegistry) init() error {
	ctx := context.Background()

	var journalMode string
	if err := r.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := r.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, sqliteSchemaV1); err != nil {
		return err
	}
	return nil
}

// Claim is one write transaction: insert, or flip a failed record back to
// processing, or report the record that holds the key.
func (r *SQLiteRegistry) Claim(key string) (ClaimResult, error) {
	if err := validateKey(key); err != nil {
		return ClaimResult{}, err
	}
	now := r.now().UTC()

	ctx := context.Background()
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return ClaimResult{}, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return ClaimResult{}, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	res, err := conn.ExecContext(ctx, `
INSERT INTO processed_jobs (idempotency_key, status, attempts, updated_at)
VALUES (?, ?, 1, ?)
ON CONFLICT(idempotency_key) DO NOTHING;
`, key, string(StatusProcessing), now.UnixNano())
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
		res, err := conn.ExecContext(ctx, `
UPDATE processed_jobs
SET status = ?, attempts = attempts + 1, updated_at = ?
WHERE idempotency_key = ? AND status = ?;
`, string(StatusProcessing), now.UnixNano(), key, string(StatusFailed))
		if err != nil {
			return ClaimResult{}, err
		}
		reclaimed, err := res.RowsAffected()
		if err != nil {
			return ClaimResult{}, err
		}
		rec, err := getRecord(ctx, conn, key)
		if err != nil {
			return ClaimResult{}, err
		}
		out.Claimed = reclaimed > 0
		out.Existing = rec
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return ClaimResult{}, err
	}
	committed = true
	return out, nil
}

func (r *SQLiteRegistry) Complete(key string, result []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	res, err := r.db.ExecContext(context.Background(), `
UPDATE processed_jobs
SET status = ?, result = ?, last_error = NULL, updated_at = ?
WHERE idempotency_key = ?;
`, string(StatusCompleted), result, r.now().UnixNano(), key)
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

func (r *SQLiteRegistry) Fail(key string, errMsg string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	res, err := r.db.ExecContext(context.Background(), `
UPDATE processed_jobs
SET status = ?, last_error = ?, updated_at = ?
WHERE idempotency_key = ?;
`, string(StatusFailed), errMsg, r.now().UnixNano(), key)
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

func (r *SQLiteRegistry) Get(key string) (Record, error) {
	if err := validateKey(key); err != nil {
		return Record{}, err
	}
	ctx := context.Background()
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return Record{}, err
	}
	defer conn.Close()
	return getRecord(ctx, conn, key)
}

func getRecord(ctx context.Context, conn *sql.Conn, key string) (Record, error) {
	var rec Record
	var status string
	var result []byte
	var lastError sql.NullString
	var updatedAtNanos int64

	err := conn.QueryRowContext(ctx, `
SELECT idempotency_key, status, attempts, result, last_error, updated_at
FROM processed_jobs
WHERE idempotency_key = ?
LIMIT 1;
`, key).Scan(&rec.Key, &status, &rec.Attempts, &result, &lastError, &updatedAtNanos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.Result = result
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	rec.UpdatedAt = time.Unix(0, updatedAtNanos).UTC()
	return rec, nil
}

func (r *SQLiteRegistry) now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nowFn()
}
