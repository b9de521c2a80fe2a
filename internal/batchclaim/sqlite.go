package batchclaim

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

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS import_runs (
  id              TEXT PRIMARY KEY,
  source_system   TEXT NOT NULL,
  source_batch_id TEXT NOT NULL,
  file_hash       TEXT NOT NULL,
  filename        TEXT NOT NULL DEFAULT '',
  kind            TEXT NOT NULL DEFAULT '',
  worker_id       TEXT NOT NULL,
  status          TEXT NOT NULL,
  rows_fetched    INTEGER NOT NULL DEFAULT 0,
  rows_inserted   INTEGER NOT NULL DEFAULT 0,
  rows_updated    INTEGER NOT NULL DEFAULT 0,
  rows_skipped    INTEGER NOT NULL DEFAULT 0,
  rows_failed     INTEGER NOT NULL DEFAULT 0,
  error_details   TEXT NOT NULL DEFAULT '',
  claimed_at      INTEGER NOT NULL,
  heartbeat_at    INTEGER NOT NULL,
  finalized_at    INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_import_runs_active
  ON import_runs(source_system, source_batch_id, file_hash)
  WHERE status IN ('claimed', 'in_progress');
CREATE INDEX IF NOT EXISTS idx_import_runs_batch
  ON import_runs(source_system, source_batch_id, file_hash, claimed_at DESC);

CREATE TABLE IF NOT EXISTS import_rows (
  id         TEXT PRIMARY KEY,
  run_id     TEXT NOT NULL,
  dedupe_key TEXT NOT NULL UNIQUE,
  payload    BLOB NOT NULL,
  status     TEXT NOT NULL DEFAULT 'staged',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_import_rows_run
  ON import_rows(run_id, status);
`

const runColumns = `id, source_system, source_batch_id, file_hash, filename, kind, worker_id,
  status, rows_fetched, rows_inserted, rows_updated, rows_skipped, rows_failed,
  error_details, claimed_at, heartbeat_at, finalized_at`

type SQLiteOption func(*SQLiteCoordinator)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(c *SQLiteCoordinator) {
		if now != nil {
			c.nowFn = now
		}
	}
}

func WithSQLiteStaleAfter(d time.Duration) SQLiteOption {
	return func(c *SQLiteCoordinator) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

type SQLiteCoordinator struct {
	db *sql.DB

	mu         sync.Mutex
	nowFn      func() time.Time
	staleAfter time.Duration
}

var _ Coordinator = (*SQLiteCoordinator)(nil)

func NewSQLiteCoordinator(dbPath string, opts ...SQLiteOption) (*SQLiteCoordinator, error) {
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

	c := &SQLiteCoordinator{
		db:         db,
		nowFn:      time.Now,
		staleAfter: DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCoordinator) Close() error {
	return c.db.Close()
}

func (c *SQLiteCoordinator) init() error {
	ctx := context.Background()

	var journalMode string
	if err := c.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := c.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	return c.migrate(ctx)
}

func (c *SQLiteCoordinator) migrate(ctx context.Context) error {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS import_schema_migrations (
  version    INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return err
	}

	var current sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT MAX(version) FROM import_schema_migrations;`).Scan(&current); err != nil {
		return err
	}

	steps := []string{schemaV1}
	for v, stmt := range steps {
		version := v + 1
		if current.Valid && int64(version) <= current.Int64 {
			continue
		}
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate to v%d: %w", version, err)
		}
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO import_schema_migrations(version, applied_at) VALUES (?, ?);`,
			version, time.Now().UnixNano(),
		); err != nil {
			return err
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

// Claim resolves batch ownership inside one write transaction. SQLite's
// single-writer lock serializes concurrent claimants, so a plain
// select-then-insert is already race-free here.
func (c *SQLiteCoordinator) Claim(req ClaimRequest) (ClaimResult, error) {
	if err := req.validate(); err != nil {
		return ClaimResult{}, err
	}
	now := c.now().UTC()

	ctx := context.Background()
	conn, err := c.db.Conn(ctx)
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

	prior, err := scanRun(conn.QueryRowContext(ctx, `
SELECT `+runColumns+`
FROM import_runs
WHERE source_system = ? AND source_batch_id = ? AND file_hash = ?
ORDER BY claimed_at DESC, id DESC
LIMIT 1;
`, req.SourceSystem, req.SourceBatchID, req.FileHash))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ClaimResult{}, err
	}
	havePrior := err == nil

	if havePrior {
		switch {
		case prior.Status == StatusCompleted:
			if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
				return ClaimResult{}, err
			}
			committed = true
			return ClaimResult{Outcome: OutcomeDuplicate, Run: prior}, nil
		case prior.Status.Active() && now.Sub(prior.HeartbeatAt) < c.staleAfter:
			if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
				return ClaimResult{}, err
			}
			committed = true
			return ClaimResult{Outcome: OutcomeInProgress, Run: prior}, nil
		case prior.Status.Active():
			// Stale holder. Supersede it so the unique active index
			// admits the fresh run.
			if _, err := conn.ExecContext(ctx, `
UPDATE import_runs
SET status = ?, error_details = ?, finalized_at = ?
WHERE id = ?;
`, StatusFailed, "superseded: heartbeat stale, taken over by "+req.WorkerID, now.UnixNano(), prior.ID); err != nil {
				return ClaimResult{}, err
			}
		}
	}

	run := Run{
		ID:            uuid.NewString(),
		SourceSystem:  req.SourceSystem,
		SourceBatchID: req.SourceBatchID,
		FileHash:      req.FileHash,
		Filename:      req.Filename,
		Kind:          req.Kind,
		WorkerID:      req.WorkerID,
		Status:        StatusClaimed,
		ClaimedAt:     now,
		HeartbeatAt:   now,
	}
	if _, err := conn.ExecContext(ctx, `
INSERT INTO import_runs (id, source_system, source_batch_id, file_hash, filename, kind, worker_id, status, claimed_at, heartbeat_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, run.ID, run.SourceSystem, run.SourceBatchID, run.FileHash, run.Filename, run.Kind, run.WorkerID, run.Status, now.UnixNano(), now.UnixNano()); err != nil {
		return ClaimResult{}, err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return ClaimResult{}, err
	}
	committed = true
	return ClaimResult{Outcome: OutcomeClaimed, Run: run}, nil
}

func (c *SQLiteCoordinator) Heartbeat(runID string) error {
	now := c.now().UTC()
	res, err := c.db.ExecContext(context.Background(), `
UPDATE import_runs
SET heartbeat_at = ?, status = ?
WHERE id = ? AND status IN (?, ?);
`, now.UnixNano(), StatusInProgress, runID, StatusClaimed, StatusInProgress)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return c.activeErr(runID)
	}
	return nil
}

func (c *SQLiteCoordinator) Finalize(runID string, totals Totals, errDetails string, completed bool) error {
	status := StatusFailed
	if completed {
		status = StatusCompleted
	}
	now := c.now().UTC()

	res, err := c.db.ExecContext(context.Background(), `
UPDATE import_runs
SET status = ?, rows_fetched = ?, rows_inserted = ?, rows_updated = ?,
    rows_skipped = ?, rows_failed = ?, error_details = ?, finalized_at = ?
WHERE id = ? AND status IN (?, ?);
`, status, totals.RowsFetched, totals.RowsInserted, totals.RowsUpdated,
		totals.RowsSkipped, totals.RowsFailed, errDetails, now.UnixNano(),
		runID, StatusClaimed, StatusInProgress)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return c.activeErr(runID)
	}
	return nil
}

// Reconcile runs in one write transaction so a concurrent Finalize cannot
// land between the row count and the failure write.
func (c *SQLiteCoordinator) Reconcile(runID string, expected int) (ReconcileResult, error) {
	ctx := context.Background()
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return ReconcileResult{}, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return ReconcileResult{}, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	run, err := scanRun(conn.QueryRowContext(ctx, `
SELECT `+runColumns+` FROM import_runs WHERE id = ?;`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return ReconcileResult{}, ErrRunNotFound
	}
	if err != nil {
		return ReconcileResult{}, err
	}
	if expected <= 0 {
		expected = run.Totals.RowsFetched
	}
	var actual int
	if err := conn.QueryRowContext(ctx, `
SELECT COUNT(*) FROM import_rows WHERE run_id = ? AND status != ?;
`, runID, StatusRolledBack).Scan(&actual); err != nil {
		return ReconcileResult{}, err
	}

	res := ReconcileResult{
		Expected: expected,
		Actual:   actual,
		Delta:    expected - actual,
	}
	res.IsValid = res.Delta == 0
	if !res.IsValid {
		now := c.now().UTC()
		details := fmt.Sprintf("reconcile mismatch: expected %d rows, found %d", expected, actual)
		if _, err := conn.ExecContext(ctx, `
UPDATE import_runs
SET status = ?, error_details = ?, finalized_at = ?
WHERE id = ?;
`, StatusFailed, details, now.UnixNano(), runID); err != nil {
			return ReconcileResult{}, err
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return ReconcileResult{}, err
	}
	committed = true
	return res, nil
}

// Rollback is soft only. Run and rows flip to rolled_back; nothing is
// deleted and the recorded totals stay as they were.
func (c *SQLiteCoordinator) Rollback(runID string, reason string) (RollbackResult, error) {
	ctx := context.Background()
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return RollbackResult{}, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return RollbackResult{}, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	now := c.now().UTC()
	res, err := conn.ExecContext(ctx, `
UPDATE import_runs
SET status = ?, error_details = ?, finalized_at = ?
WHERE id = ?;
`, StatusRolledBack, reason, now.UnixNano(), runID)
	if err != nil {
		return RollbackResult{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return RollbackResult{}, err
	}
	if n == 0 {
		return RollbackResult{}, ErrRunNotFound
	}

	rowRes, err := conn.ExecContext(ctx, `
UPDATE import_rows
SET status = ?
WHERE run_id = ? AND status != ?;
`, StatusRolledBack, runID, StatusRolledBack)
	if err != nil {
		return RollbackResult{}, err
	}
	rows, err := rowRes.RowsAffected()
	if err != nil {
		return RollbackResult{}, err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return RollbackResult{}, err
	}
	committed = true
	return RollbackResult{RunID: runID, RowsAffected: int(rows)}, nil
}

func (c *SQLiteCoordinator) InsertRow(runID, dedupeKey string, payload []byte) (bool, error) {
	if runID == "" || strings.TrimSpace(dedupeKey) == "" {
		return false, ErrInvalidClaim
	}
	res, err := c.db.ExecContext(context.Background(), `
INSERT INTO import_rows (id, run_id, dedupe_key, payload, status, created_at)
VALUES (?, ?, ?, ?, 'staged', ?)
ON CONFLICT(dedupe_key) DO NOTHING;
`, uuid.NewString(), runID, dedupeKey, payload, c.now().UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *SQLiteCoordinator) CountRows(runID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(context.Background(), `
SELECT COUNT(*) FROM import_rows WHERE run_id = ? AND status != ?;
`, runID, StatusRolledBack).Scan(&n)
	return n, err
}

func (c *SQLiteCoordinator) Run(runID string) (Run, error) {
	run, err := scanRun(c.db.QueryRowContext(context.Background(), `
SELECT `+runColumns+` FROM import_runs WHERE id = ?;`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return run, err
}

func (c *SQLiteCoordinator) ListRuns(limit int) ([]Run, error) {
	limit = normalizeLimit(limit)
	rows, err := c.db.QueryContext(context.Background(), `
SELECT `+runColumns+`
FROM import_runs
ORDER BY claimed_at DESC, id DESC
LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (c *SQLiteCoordinator) StaleRuns(olderThan time.Duration) ([]Run, error) {
	if olderThan <= 0 {
		olderThan = c.staleAfter
	}
	cutoff := c.now().UTC().Add(-olderThan)

	rows, err := c.db.QueryContext(context.Background(), `
SELECT `+runColumns+`
FROM import_runs
WHERE status IN (?, ?) AND heartbeat_at < ?
ORDER BY heartbeat_at ASC;
`, StatusClaimed, StatusInProgress, cutoff.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// activeErr distinguishes a missing run from a finalized one.
func (c *SQLiteCoordinator) activeErr(runID string) error {
	if _, err := c.Run(runID); err != nil {
		return err
	}
	return ErrRunNotActive
}

func (c *SQLiteCoordinator) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowFn()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var status string
	var claimedAt, heartbeatAt int64
	var finalizedAt sql.NullInt64
	err := row.Scan(&run.ID, &run.SourceSystem, &run.SourceBatchID, &run.FileHash,
		&run.Filename, &run.Kind, &run.WorkerID, &status,
		&run.Totals.RowsFetched, &run.Totals.RowsInserted, &run.Totals.RowsUpdated,
		&run.Totals.RowsSkipped, &run.Totals.RowsFailed,
		&run.ErrorDetails, &claimedAt, &heartbeatAt, &finalizedAt)
	if err != nil {
		return Run{}, err
	}
	run.Status = RunStatus(status)
	run.ClaimedAt = time.Unix(0, claimedAt).UTC()
	run.HeartbeatAt = time.Unix(0, heartbeatAt).UTC()
	if finalizedAt.Valid {
		run.FinalizedAt = time.Unix(0, finalizedAt.Int64).UTC()
	}
	return run, nil
}

func collectRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
