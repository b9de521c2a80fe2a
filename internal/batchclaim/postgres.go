package batchclaim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchemaV1 = `
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
  claimed_at      TIMESTAMPTZ NOT NULL,
  heartbeat_at    TIMESTAMPTZ NOT NULL,
  finalized_at    TIMESTAMPTZ
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
  payload    BYTEA NOT NULL,
  status     TEXT NOT NULL DEFAULT 'staged',
  created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_import_rows_run
  ON import_rows(run_id, status);
`

type PostgresOption func(*PostgresCoordinator)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(c *PostgresCoordinator) {
		if now != nil {
			c.nowFn = now
		}
	}
}

func WithPostgresStaleAfter(d time.Duration) PostgresOption {
	return func(c *PostgresCoordinator) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// PostgresCoordinator serves fleets of workers on separate machines. The
// partial unique index over active runs is what makes Claim race-free:
// two simultaneous claimants both try to insert, the loser hits the
// constraint and re-reads the winner's row.
type PostgresCoordinator struct {
	db *sql.DB

	mu         sync.Mutex
	nowFn      func() time.Time
	staleAfter time.Duration
}

var _ Coordinator = (*PostgresCoordinator)(nil)

func NewPostgresCoordinator(dsn string, opts ...PostgresOption) (*PostgresCoordinator, error) {
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

	c := &PostgresCoordinator{
		db:         db,
		nowFn:      time.Now,
		staleAfter: DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(c)
	}

	if _, err := c.db.ExecContext(context.Background(), postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *PostgresCoordinator) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *PostgresCoordinator) Claim(req ClaimRequest) (ClaimResult, error) {
	if err := req.validate(); err != nil {
		return ClaimResult{}, err
	}

	res, err := c.claimOnce(req)
	if err == nil {
		return res, nil
	}
	// Lost an insert race on the active-run index. The winner's row now
	// exists, so a second pass resolves to in_progress (or duplicate).
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return c.claimOnce(req)
	}
	return ClaimResult{}, err
}

func (c *PostgresCoordinator) claimOnce(req ClaimRequest) (ClaimResult, error) {
	now := c.now().UTC()

	ctx := context.Background()
	tx, err := c.db.BeginTx(ctx, nil)
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

	prior, err := scanRunTimes(tx.QueryRowContext(ctx, `
SELECT `+runColumns+`
FROM import_runs
WHERE source_system = $1 AND source_batch_id = $2 AND file_hash = $3
ORDER BY claimed_at DESC, id DESC
LIMIT 1
FOR UPDATE
`, req.SourceSystem, req.SourceBatchID, req.FileHash))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ClaimResult{}, err
	}
	havePrior := err == nil

	if havePrior {
		switch {
		case prior.Status == StatusCompleted:
			if err := tx.Commit(); err != nil {
				return ClaimResult{}, err
			}
			committed = true
			return ClaimResult{Outcome: OutcomeDuplicate, Run: prior}, nil
		case prior.Status.Active() && now.Sub(prior.HeartbeatAt) < c.staleAfter:
			if err := tx.Commit(); err != nil {
				return ClaimResult{}, err
			}
			committed = true
			return ClaimResult{Outcome: OutcomeInProgress, Run: prior}, nil
		case prior.Status.Active():
			if _, err := tx.ExecContext(ctx, `
UPDATE import_runs
SET status = $1, error_details = $2, finalized_at = $3
WHERE id = $4
`, StatusFailed, "superseded: heartbeat stale, taken over by "+req.WorkerID, now, prior.ID); err != nil {
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
	if _, err := tx.ExecContext(ctx, `
INSERT INTO import_runs (id, source_system, source_batch_id, file_hash, filename, kind, worker_id, status, claimed_at, heartbeat_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, run.ID, run.SourceSystem, run.SourceBatchID, run.FileHash, run.Filename, run.Kind, run.WorkerID, run.Status, now, now); err != nil {
		return ClaimResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return ClaimResult{}, err
	}
	committed = true
	return ClaimResult{Outcome: OutcomeClaimed, Run: run}, nil
}

func (c *PostgresCoordinator) Heartbeat(runID string) error {
	now := c.now().UTC()
	res, err := c.db.ExecContext(context.Background(), `
UPDATE import_runs
SET heartbeat_at = $1, status = $2
WHERE id = $3 AND status IN ($4, $5)
`, now, StatusInProgress, runID, StatusClaimed, StatusInProgress)
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

func (c *PostgresCoordinator) Finalize(runID string, totals Totals, errDetails string, completed bool) error {
	status := StatusFailed
	if completed {
		status = StatusCompleted
	}
	now := c.now().UTC()

	res, err := c.db.ExecContext(context.Background(), `
UPDATE import_runs
SET status = $1, rows_fetched = $2, rows_inserted = $3, rows_updated = $4,
    rows_skipped = $5, rows_failed = $6, error_details = $7, finalized_at = $8
WHERE id = $9 AND status IN ($10, $11)
`, status, totals.RowsFetched, totals.RowsInserted, totals.RowsUpdated,
		totals.RowsSkipped, totals.RowsFailed, errDetails, now,
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

// Reconcile locks the run row for the duration of the check so a concurrent
// Finalize cannot land between the row count and the failure write.
func (c *PostgresCoordinator) Reconcile(runID string, expected int) (ReconcileResult, error) {
	ctx := context.Background()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return ReconcileResult{}, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	run, err := scanRunTimes(tx.QueryRowContext(ctx, `
SELECT `+runColumns+` FROM import_runs WHERE id = $1 FOR UPDATE`, runID))
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
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM import_rows WHERE run_id = $1 AND status != $2
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
		if _, err := tx.ExecContext(ctx, `
UPDATE import_runs
SET status = $1, error_details = $2, finalized_at = $3
WHERE id = $4
`, StatusFailed, details, now, runID); err != nil {
			return ReconcileResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return ReconcileResult{}, err
	}
	committed = true
	return res, nil
}

func (c *PostgresCoordinator) Rollback(runID string, reason string) (RollbackResult, error) {
	ctx := context.Background()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return RollbackResult{}, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	now := c.now().UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE import_runs
SET status = $1, error_details = $2, finalized_at = $3
WHERE id = $4
`, StatusRolledBack, reason, now, runID)
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

	rowRes, err := tx.ExecContext(ctx, `
UPDATE import_rows
SET status = $1
WHERE run_id = $2 AND status != $1
`, StatusRolledBack, runID)
	if err != nil {
		return RollbackResult{}, err
	}
	rows, err := rowRes.RowsAffected()
	if err != nil {
		return RollbackResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return RollbackResult{}, err
	}
	committed = true
	return RollbackResult{RunID: runID, RowsAffected: int(rows)}, nil
}

func (c *PostgresCoordinator) InsertRow(runID, dedupeKey string, payload []byte) (bool, error) {
	if runID == "" || strings.TrimSpace(dedupeKey) == "" {
		return false, ErrInvalidClaim
	}
	res, err := c.db.ExecContext(context.Background(), `
INSERT INTO import_rows (id, run_id, dedupe_key, payload, status, created_at)
VALUES ($1, $2, $3, $4, 'staged', $5)
ON CONFLICT (dedupe_key) DO NOTHING
`, uuid.NewString(), runID, dedupeKey, payload, c.now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *PostgresCoordinator) CountRows(runID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(context.Background(), `
SELECT COUNT(*) FROM import_rows WHERE run_id = $1 AND status != $2
`, runID, StatusRolledBack).Scan(&n)
	return n, err
}

func (c *PostgresCoordinator) Run(runID string) (Run, error) {
	run, err := scanRunTimes(c.db.QueryRowContext(context.Background(), `
SELECT `+runColumns+` FROM import_runs WHERE id = $1`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return run, err
}

func (c *PostgresCoordinator) ListRuns(limit int) ([]Run, error) {
	limit = normalizeLimit(limit)
	rows, err := c.db.QueryContext(context.Background(), `
SELECT `+runColumns+`
FROM import_runs
ORDER BY claimed_at DESC, id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRunsTimes(rows)
}

func (c *PostgresCoordinator) StaleRuns(olderThan time.Duration) ([]Run, error) {
	if olderThan <= 0 {
		olderThan = c.staleAfter
	}
	cutoff := c.now().UTC().Add(-olderThan)

	rows, err := c.db.QueryContext(context.Background(), `
SELECT `+runColumns+`
FROM import_runs
WHERE status IN ($1, $2) AND heartbeat_at < $3
ORDER BY heartbeat_at ASC
`, StatusClaimed, StatusInProgress, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRunsTimes(rows)
}

func (c *PostgresCoordinator) activeErr(runID string) error {
	if _, err := c.Run(runID); err != nil {
		return err
	}
	return ErrRunNotActive
}

func (c *PostgresCoordinator) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowFn()
}

// scanRunTimes is the TIMESTAMPTZ counterpart of scanRun.
func scanRunTimes(row rowScanner) (Run, error) {
	var run Run
	var status string
	var finalizedAt sql.NullTime
	err := row.Scan(&run.ID, &run.SourceSystem, &run.SourceBatchID, &run.FileHash,
		&run.Filename, &run.Kind, &run.WorkerID, &status,
		&run.Totals.RowsFetched, &run.Totals.RowsInserted, &run.Totals.RowsUpdated,
		&run.Totals.RowsSkipped, &run.Totals.RowsFailed,
		&run.ErrorDetails, &run.ClaimedAt, &run.HeartbeatAt, &finalizedAt)
	if err != nil {
		return Run{}, err
	}
	run.Status = RunStatus(status)
	run.ClaimedAt = run.ClaimedAt.UTC()
	run.HeartbeatAt = run.HeartbeatAt.UTC()
	if finalizedAt.Valid {
		run.FinalizedAt = finalizedAt.Time.UTC()
	}
	return run, nil
}

func collectRunsTimes(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		run, err := scanRunTimes(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
