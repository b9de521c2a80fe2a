package queue

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

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS messages (
  id                  TEXT PRIMARY KEY,
  queue               TEXT NOT NULL,
  payload             BLOB NOT NULL,
  enqueued_at         INTEGER NOT NULL,
  read_count          INTEGER NOT NULL DEFAULT 0,
  visibility_deadline INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_ready
  ON messages(queue, visibility_deadline, enqueued_at);
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS dead_letters (
  id             TEXT PRIMARY KEY,
  original_queue TEXT NOT NULL,
  original_msg_id TEXT,
  payload        BLOB NOT NULL,
  error_message  TEXT NOT NULL,
  attempt_count  INTEGER NOT NULL,
  moved_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_queue
  ON dead_letters(original_queue, moved_at DESC);
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithSQLitePollInterval(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

type SQLiteStore struct {
	db *sql.DB

	mu           sync.Mutex
	nowFn        func() time.Time
	notify       chan struct{}
	pollInterval time.Duration
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
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

	s := &SQLiteStore{
		db:           db,
		nowFn:        time.Now,
		notify:       make(chan struct{}),
		pollInterval: 25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
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
CREATE TABLE IF NOT EXISTS schema_migrations (
  version    INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return err
	}

	var current sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&current); err != nil {
		return err
	}

	steps := []string{schemaV1, schemaV2}
	for v, stmt := range steps {
		version := v + 1
		if current.Valid && int64(version) <= current.Int64 {
			continue
		}
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate to v%d: %w", version, err)
		}
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?);`,
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

func (s *SQLiteStore) Enqueue(queue string, payload []byte) (string, error) {
	if queue == "" {
		return "", ErrEmptyQueueName
	}
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}

	id := newHexID("msg_")
	_, err := s.db.ExecContext(context.Background(), `
INSERT INTO messages (id, queue, payload, enqueued_at, read_count, visibility_deadline)
VALUES (?, ?, ?, ?, 0, NULL);
`, id, queue, payload, s.now().UnixNano())
	if err != nil {
		return "", err
	}
	s.signal()
	return id, nil
}

func (s *SQLiteStore) Read(req ReadRequest) ([]Message, error) {
	if req.Queue == "" {
		return nil, ErrEmptyQueueName
	}
	batch := req.Batch
	if batch <= 0 {
		batch = 1
	}
	timeout := req.VisibilityTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxWait := req.MaxWait
	if maxWait < 0 {
		maxWait = 0
	}

	deadline := time.Now().Add(maxWait)
	for {
		out, err := s.readOnce(req, batch, timeout)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 || maxWait == 0 {
			return out, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		waitCh := s.waitCh()
		sleep := remaining
		if s.pollInterval > 0 && sleep > s.pollInterval {
			sleep = s.pollInterval
		}
		timer := time.NewTimer(sleep)
		select {
		case <-waitCh:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

// readOnce claims a batch inside a single write transaction so concurrent
// readers never lease the same message twice.
func (s *SQLiteStore) readOnce(req ReadRequest, batch int, timeout time.Duration) ([]Message, error) {
	now := req.Now
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()
	visibleUntil := now.Add(timeout)

	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	rows, err := conn.QueryContext(ctx, `
SELECT id, payload, enqueued_at, read_count
FROM messages
WHERE queue = ?
  AND (visibility_deadline IS NULL OR visibility_deadline <= ?)
ORDER BY enqueued_at ASC, id ASC
LIMIT ?;
`, req.Queue, now.UnixNano(), batch)
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, batch)
	for rows.Next() {
		var msg Message
		var enqueuedAtNanos int64
		if err := rows.Scan(&msg.ID, &msg.Payload, &enqueuedAtNanos, &msg.ReadCount); err != nil {
			rows.Close()
			return nil, err
		}
		msg.Queue = req.Queue
		msg.EnqueuedAt = time.Unix(0, enqueuedAtNanos).UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		if _, err := conn.ExecContext(ctx, `
UPDATE messages
SET read_count = read_count + 1, visibility_deadline = ?
WHERE id = ?;
`, visibleUntil.UnixNano(), out[i].ID); err != nil {
			return nil, err
		}
		out[i].ReadCount++
		out[i].VisibilityDeadline = visibleUntil
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return nil, err
	}
	committed = true
	return out, nil
}

func (s *SQLiteStore) Archive(queue, msgID string) error {
	res, err := s.db.ExecContext(context.Background(),
		`DELETE FROM messages WHERE id = ? AND queue = ?;`, msgID, queue)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *SQLiteStore) Release(queue, msgID string) error {
	res, err := s.db.ExecContext(context.Background(),
		`UPDATE messages SET visibility_deadline = NULL WHERE id = ? AND queue = ?;`, msgID, queue)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	s.signal()
	return nil
}

func (s *SQLiteStore) Metrics(queue string) (Metrics, error) {
	if queue == "" {
		return Metrics{}, ErrEmptyQueueName
	}
	now := s.now().UTC()

	m := Metrics{Queue: queue}
	var oldest sql.NullInt64
	err := s.db.QueryRowContext(context.Background(), `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN visibility_deadline IS NULL OR visibility_deadline <= ? THEN 1 ELSE 0 END), 0),
       MIN(enqueued_at)
FROM messages
WHERE queue = ?;
`, now.UnixNano(), queue).Scan(&m.Total, &m.Readable, &oldest)
	if err != nil {
		return Metrics{}, err
	}
	m.InFlight = m.Total - m.Readable
	if oldest.Valid {
		at := time.Unix(0, oldest.Int64).UTC()
		if now.After(at) {
			m.OldestAge = now.Sub(at)
		}
	}
	return m, nil
}

func (s *SQLiteStore) Queues() ([]string, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT DISTINCT queue FROM messages ORDER BY queue ASC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeadLetter(queue, msgID, errMsg string, attempts int) (string, error) {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	var payload []byte
	err = conn.QueryRowContext(ctx,
		`SELECT payload FROM messages WHERE id = ? AND queue = ?;`, msgID, queue).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrMessageNotFound
		}
		return "", err
	}

	entryID := newHexID("dl_")
	if _, err := conn.ExecContext(ctx, `
INSERT INTO dead_letters (id, original_queue, original_msg_id, payload, error_message, attempt_count, moved_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`, entryID, queue, msgID, payload, errMsg, attempts, s.now().UnixNano()); err != nil {
		return "", err
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, msgID); err != nil {
		return "", err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return "", err
	}
	committed = true
	return entryID, nil
}

func (s *SQLiteStore) AddDead(entry DeadLetterEntry) (string, error) {
	if entry.OriginalQueue == "" {
		return "", ErrEmptyQueueName
	}
	if entry.ID == "" {
		entry.ID = newHexID("dl_")
	}
	movedAt := entry.MovedAt
	if movedAt.IsZero() {
		movedAt = s.now()
	}

	_, err := s.db.ExecContext(context.Background(), `
INSERT INTO dead_letters (id, original_queue, original_msg_id, payload, error_message, attempt_count, moved_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`, entry.ID, entry.OriginalQueue, entry.OriginalMsgID, entry.Payload, entry.ErrorMessage, entry.AttemptCount, movedAt.UnixNano())
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

func (s *SQLiteStore) ListDead(req DeadListRequest) ([]DeadLetterEntry, error) {
	limit := normalizeListLimit(req.Limit)

	query := `
SELECT id, original_queue, original_msg_id, payload, error_message, attempt_count, moved_at
FROM dead_letters`
	args := []any{}
	if req.Queue != "" {
		query += " WHERE original_queue = ?"
		args = append(args, req.Queue)
	}
	query += " ORDER BY moved_at DESC, id DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]DeadLetterEntry, 0, limit)
	for rows.Next() {
		var entry DeadLetterEntry
		var origMsgID sql.NullString
		var movedAtNanos int64
		if err := rows.Scan(&entry.ID, &entry.OriginalQueue, &origMsgID, &entry.Payload,
			&entry.ErrorMessage, &entry.AttemptCount, &movedAtNanos); err != nil {
			return nil, err
		}
		if origMsgID.Valid {
			entry.OriginalMsgID = origMsgID.String
		}
		entry.MovedAt = time.Unix(0, movedAtNanos).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ReplayDead(entryID string) (string, error) {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	var queue string
	var payload []byte
	err = conn.QueryRowContext(ctx,
		`SELECT original_queue, payload FROM dead_letters WHERE id = ?;`, entryID).Scan(&queue, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrDeadLetterNotFound
		}
		return "", err
	}

	msgID := newHexID("msg_")
	if _, err := conn.ExecContext(ctx, `
INSERT INTO messages (id, queue, payload, enqueued_at, read_count, visibility_deadline)
VALUES (?, ?, ?, ?, 0, NULL);
`, msgID, queue, payload, s.now().UnixNano()); err != nil {
		return "", err
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?;`, entryID); err != nil {
		return "", err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return "", err
	}
	committed = true
	s.signal()
	return msgID, nil
}

func (s *SQLiteStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn()
}

func (s *SQLiteStore) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *SQLiteStore) waitCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}
