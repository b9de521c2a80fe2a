package queue

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS messages (
  id                  TEXT PRIMARY KEY,
  queue               TEXT NOT NULL,
  payload             BYTEA NOT NULL,
  enqueued_at         TIMESTAMPTZ NOT NULL,
  read_count          INTEGER NOT NULL DEFAULT 0,
  visibility_deadline TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_messages_ready
  ON messages(queue, visibility_deadline, enqueued_at);

CREATE TABLE IF NOT EXISTS dead_letters (
  id              TEXT PRIMARY KEY,
  original_queue  TEXT NOT NULL,
  original_msg_id TEXT,
  payload         BYTEA NOT NULL,
  error_message   TEXT NOT NULL,
  attempt_count   INTEGER NOT NULL,
  moved_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_queue
  ON dead_letters(original_queue, moved_at DESC);
`

type PostgresOption func(*PostgresStore)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithPostgresPollInterval(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// PostgresStore is the multi-host backend: workers on separate machines
// coordinate purely through row locks, never through in-process state.
type PostgresStore struct {
	db *sql.DB

	mu           sync.Mutex
	nowFn        func() time.Time
	pollInterval time.Duration
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
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

	s := &PostgresStore{
		db:           db,
		nowFn:        time.Now,
		pollInterval: 25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.db.ExecContext(context.Background(), postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Enqueue(queue string, payload []byte) (string, error) {
	if queue == "" {
		return "", ErrEmptyQueueName
	}
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}

	id := newHexID("msg_")
	_, err := s.db.ExecContext(context.Background(), `
INSERT INTO messages (id, queue, payload, enqueued_at, read_count, visibility_deadline)
VALUES ($1, $2, $3, $4, 0, NULL)
`, id, queue, payload, s.now().UTC())
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) Read(req ReadRequest) ([]Message, error) {
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
		sleep := remaining
		if s.pollInterval > 0 && sleep > s.pollInterval {
			sleep = s.pollInterval
		}
		time.Sleep(sleep)
	}
}

// readOnce locks candidate rows with SKIP LOCKED so concurrent readers pass
// over each other's claims instead of blocking or double-delivering.
func (s *PostgresStore) readOnce(req ReadRequest, batch int, timeout time.Duration) ([]Message, error) {
	now := req.Now
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()
	visibleUntil := now.Add(timeout)

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT id, payload, enqueued_at, read_count
FROM messages
WHERE queue = $1
  AND (visibility_deadline IS NULL OR visibility_deadline <= $2)
ORDER BY enqueued_at ASC, id ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, req.Queue, now, batch)
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, batch)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Payload, &msg.EnqueuedAt, &msg.ReadCount); err != nil {
			rows.Close()
			return nil, err
		}
		msg.Queue = req.Queue
		msg.EnqueuedAt = msg.EnqueuedAt.UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		if _, err := tx.ExecContext(ctx, `
UPDATE messages
SET read_count = read_count + 1, visibility_deadline = $1
WHERE id = $2
`, visibleUntil, out[i].ID); err != nil {
			return nil, err
		}
		out[i].ReadCount++
		out[i].VisibilityDeadline = visibleUntil
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return out, nil
}

func (s *PostgresStore) Archive(queue, msgID string) error {
	res, err := s.db.ExecContext(context.Background(),
		`DELETE FROM messages WHERE id = $1 AND queue = $2`, msgID, queue)
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

func (s *PostgresStore) Release(queue, msgID string) error {
	res, err := s.db.ExecContext(context.Background(),
		`UPDATE messages SET visibility_deadline = NULL WHERE id = $1 AND queue = $2`, msgID, queue)
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

func (s *PostgresStore) Metrics(queue string) (Metrics, error) {
	if queue == "" {
		return Metrics{}, ErrEmptyQueueName
	}
	now := s.now().UTC()

	m := Metrics{Queue: queue}
	var oldest sql.NullTime
	err := s.db.QueryRowContext(context.Background(), `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN visibility_deadline IS NULL OR visibility_deadline <= $1 THEN 1 ELSE 0 END), 0),
       MIN(enqueued_at)
FROM messages
WHERE queue = $2
`, now, queue).Scan(&m.Total, &m.Readable, &oldest)
	if err != nil {
		return Metrics{}, err
	}
	m.InFlight = m.Total - m.Readable
	if oldest.Valid && now.After(oldest.Time) {
		m.OldestAge = now.Sub(oldest.Time)
	}
	return m, nil
}

func (s *PostgresStore) Queues() ([]string, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT DISTINCT queue FROM messages ORDER BY queue ASC`)
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

func (s *PostgresStore) DeadLetter(queue, msgID, errMsg string, attempts int) (string, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	var payload []byte
	err = tx.QueryRowContext(ctx,
		`SELECT payload FROM messages WHERE id = $1 AND queue = $2 FOR UPDATE`, msgID, queue).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrMessageNotFound
		}
		return "", err
	}

	entryID := newHexID("dl_")
	if _, err := tx.ExecContext(ctx, `
INSERT INTO dead_letters (id, original_queue, original_msg_id, payload, error_message, attempt_count, moved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, entryID, queue, msgID, payload, errMsg, attempts, s.now().UTC()); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, msgID); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	committed = true
	return entryID, nil
}

func (s *PostgresStore) AddDead(entry DeadLetterEntry) (string, error) {
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
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, entry.ID, entry.OriginalQueue, entry.OriginalMsgID, entry.Payload, entry.ErrorMessage, entry.AttemptCount, movedAt.UTC())
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

func (s *PostgresStore) ListDead(req DeadListRequest) ([]DeadLetterEntry, error) {
	limit := normalizeListLimit(req.Limit)

	query := `
SELECT id, original_queue, original_msg_id, payload, error_message, attempt_count, moved_at
FROM dead_letters`
	args := []any{}
	if req.Queue != "" {
		query += " WHERE original_queue = $1"
		args = append(args, req.Queue)
	}
	query += " ORDER BY moved_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args)+1)
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
		if err := rows.Scan(&entry.ID, &entry.OriginalQueue, &origMsgID, &entry.Payload,
			&entry.ErrorMessage, &entry.AttemptCount, &entry.MovedAt); err != nil {
			return nil, err
		}
		if origMsgID.Valid {
			entry.OriginalMsgID = origMsgID.String
		}
		entry.MovedAt = entry.MovedAt.UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReplayDead(entryID string) (string, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	var queue string
	var payload []byte
	err = tx.QueryRowContext(ctx,
		`SELECT original_queue, payload FROM dead_letters WHERE id = $1 FOR UPDATE`, entryID).Scan(&queue, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrDeadLetterNotFound
		}
		return "", err
	}

	msgID := newHexID("msg_")
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, queue, payload, enqueued_at, read_count, visibility_deadline)
VALUES ($1, $2, $3, $4, 0, NULL)
`, msgID, queue, payload, s.now().UTC()); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = $1`, entryID); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	committed = true
	return msgID, nil
}

func (s *PostgresStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn()
}
