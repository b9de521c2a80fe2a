package queue

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type storeFactory struct {
	name string
	new  func(t *testing.T, now *time.Time) Store
}

func contractStoreFactories() []storeFactory {
	out := []storeFactory{
		{
			name: "memory",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				return NewMemoryStore(
					WithNowFunc(func() time.Time { return now.UTC() }),
					WithPollInterval(5*time.Millisecond),
				)
			},
		},
		{
			name: "sqlite",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				dbPath := filepath.Join(t.TempDir(), "docket.db")
				s, err := NewSQLiteStore(
					dbPath,
					WithSQLiteNowFunc(func() time.Time { return now.UTC() }),
					WithSQLitePollInterval(5*time.Millisecond),
				)
				if err != nil {
					t.Fatalf("new sqlite store: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}

	dsn := strings.TrimSpace(os.Getenv("DOCKET_TEST_POSTGRES_DSN"))
	if dsn != "" {
		out = append(out, storeFactory{
			name: "postgres",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				s, err := NewPostgresStore(
					dsn,
					WithPostgresNowFunc(func() time.Time { return now.UTC() }),
					WithPostgresPollInterval(5*time.Millisecond),
				)
				if err != nil {
					t.Fatalf("new postgres store: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		})
	}
	return out
}

func TestStoreContract_ReadLeasesAndCounts(t *testing.T) {
	for _, f := range contractStoreFactories() {
		t.Run(f.name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			s := f.new(t, &now)

			id, err := s.Enqueue("imports.judgments", []byte(`{"n":1}`))
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}

			msgs, err := s.Read(ReadRequest{Queue: "imports.judgments", Batch: 5, VisibilityTimeout: time.Minute, Now: now})
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if len(msgs) != 1 {
				t.Fatalf("expected 1 message, got %d", len(msgs))
			}
			if msgs[0].ID != id {
				t.Fatalf("id: got %q want %q", msgs[0].ID, id)
			}
			if msgs[0].ReadCount != 1 {
				t.Fatalf("read_count: got %d want 1", msgs[0].ReadCount)
			}
			if got, want := msgs[0].VisibilityDeadline, now.Add(time.Minute); !got.Equal(want) {
				t.Fatalf("visibility_deadline: got %s want %s", got, want)
			}

			// Leased message is invisible to a second reader.
			again, err := s.Read(ReadRequest{Queue: "imports.judgments", Batch: 5, VisibilityTimeout: time.Minute, Now: now})
			if err != nil {
				t.Fatalf("second read: %v", err)
			}
			if len(again) != 0 {
				t.Fatalf("expected leased message hidden, got %d messages", len(again))
			}

			// The lease expires on its own; redelivery bumps read_count.
			now = now.Add(2 * time.Minute)
			redelivered, err := s.Read(ReadRequest{Queue: "imports.judgments", Batch: 5, VisibilityTimeout: time.Minute, Now: now})
			if err != nil {
				t.Fatalf("read after expiry: %v", err)
			}
			if len(redelivered) != 1 {
				t.Fatalf("expected redelivery, got %d messages", len(redelivered))
			}
			if redelivered[0].ReadCount != 2 {
				t.Fatalf("read_count after redelivery: got %d want 2", redelivered[0].ReadCount)
			}
		})
	}
}

func TestStoreContract_ArchiveRemoves(t *testing.T) {
	for _, f := range contractStoreFactories() {
		t.Run(f.name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			s := f.new(t, &now)

			id, err := s.Enqueue("q1", []byte("payload"))
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if err := s.Archive("q1", id); err != nil {
				t.Fatalf("archive: %v", err)
			}
			if err := s.Archive("q1", id); err != ErrMessageNotFound {
				t.Fatalf("second archive: got %v want ErrMessageNotFound", err)
			}
			m, err := s.Metrics("q1")
			if err != nil {
				t.Fatalf("metrics: %v", err)
			}
			if m.Total != 0 {
				t.Fatalf("total after archive: got %d want 0", m.Total)
			}
		})
	}
}

func TestStoreContract_ReleaseResetsVisibility(t *testing.T) {
	for _, f := range contractStoreFactories() {
		t.Run(f.name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			s := f.new(t, &now)

			id, err := s.Enqueue("q1", []byte("payload"))
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if _, err := s.Read(ReadRequest{Queue: "q1", VisibilityTimeout: time.Hour, Now: now}); err != nil {
				t.Fatalf("read: %v", err)
			}
			if err := s.Release("q1", id); err != nil {
				t.Fatalf("release: %v", err)
			}

			msgs, err := s.Read(ReadRequest{Queue: "q1", VisibilityTimeout: time.Hour, Now: now})
			if err != nil {
				t.Fatalf("read after release: %v", err)
			}
			if len(msgs) != 1 {
				t.Fatalf("expected released message readable, got %d", len(msgs))
			}
			if msgs[0].ReadCount != 2 {
				t.Fatalf("read_count: got %d want 2", msgs[0].ReadCount)
			}
		})
	}
}

func TestStoreContract_Metrics(t *testing.T) {
	for _, f := range contractStoreFactories() {
		t.Run(f.name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			s := f.new(t, &now)

			if _, err := s.Enqueue("q1", []byte("a")); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			now = now.Add(30 * time.Second)
			if _, err := s.Enqueue("q1", []byte("b")); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if _, err := s.Read(ReadRequest{Queue: "q1", Batch: 1, VisibilityTimeout: time.Minute, Now: now}); err != nil {
				t.Fatalf("read: %v", err)
			}

			m, err := s.Metrics("q1")
			if err != nil {
				t.Fatalf("metrics: %v", err)
			}
			if m.Total != 2 || m.InFlight != 1 || m.Readable != 1 {
				t.Fatalf("metrics: got total=%d in_flight=%d readable=%d", m.Total, m.InFlight, m.Readable)
			}
			if m.OldestAge != 30*time.Second {
				t.Fatalf("oldest_age: got %s want 30s", m.OldestAge)
			}

			queues, err := s.Queues()
			if err != nil {
				t.Fatalf("queues: %v", err)
			}
			if len(queues) != 1 || queues[0] != "q1" {
				t.Fatalf("queues: got %v", queues)
			}
		})
	}
}

func TestStoreContract_DeadLetterAndReplay(t *testing.T) {
	for _, f := range contractStoreFactories() {
		t.Run(f.name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			s := f.new(t, &now)

			id, err := s.Enqueue("q1", []byte("poison"))
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			entryID, err := s.DeadLetter("q1", id, "handler exploded", 3)
			if err != nil {
				t.Fatalf("dead letter: %v", err)
			}

			// The message is gone from the source queue.
			m, err := s.Metrics("q1")
			if err != nil {
				t.Fatalf("metrics: %v", err)
			}
			if m.Total != 0 {
				t.Fatalf("source queue total: got %d want 0", m.Total)
			}

			entries, err := s.ListDead(DeadListRequest{Queue: "q1"})
			if err != nil {
				t.Fatalf("list dead: %v", err)
			}
			if len(entries) != 1 {
				t.Fatalf("expected 1 dead letter, got %d", len(entries))
			}
			e := entries[0]
			if e.ID != entryID || e.OriginalQueue != "q1" || e.OriginalMsgID != id {
				t.Fatalf("entry identity: %+v", e)
			}
			if string(e.Payload) != "poison" || e.ErrorMessage != "handler exploded" || e.AttemptCount != 3 {
				t.Fatalf("entry contents: %+v", e)
			}

			newID, err := s.ReplayDead(entryID)
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			if newID == "" || newID == id {
				t.Fatalf("replay msg id: %q", newID)
			}
			entries, err = s.ListDead(DeadListRequest{Queue: "q1"})
			if err != nil {
				t.Fatalf("list dead after replay: %v", err)
			}
			if len(entries) != 0 {
				t.Fatalf("expected entry removed after replay, got %d", len(entries))
			}
			msgs, err := s.Read(ReadRequest{Queue: "q1", VisibilityTimeout: time.Minute, Now: now})
			if err != nil {
				t.Fatalf("read replayed: %v", err)
			}
			if len(msgs) != 1 || string(msgs[0].Payload) != "poison" {
				t.Fatalf("replayed message: %+v", msgs)
			}

			if _, err := s.ReplayDead(entryID); err != ErrDeadLetterNotFound {
				t.Fatalf("second replay: got %v want ErrDeadLetterNotFound", err)
			}
		})
	}
}

func TestStoreContract_AddDeadWithoutMessage(t *testing.T) {
	for _, f := range contractStoreFactories() {
		t.Run(f.name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			s := f.new(t, &now)

			id, err := s.AddDead(DeadLetterEntry{
				OriginalQueue: "q1",
				Payload:       []byte(`{"bad":"envelope"}`),
				ErrorMessage:  "invalid envelope: missing org_id",
			})
			if err != nil {
				t.Fatalf("add dead: %v", err)
			}
			if id == "" {
				t.Fatalf("expected entry id")
			}
			entries, err := s.ListDead(DeadListRequest{Queue: "q1"})
			if err != nil {
				t.Fatalf("list dead: %v", err)
			}
			if len(entries) != 1 || entries[0].AttemptCount != 0 || entries[0].OriginalMsgID != "" {
				t.Fatalf("entries: %+v", entries)
			}
		})
	}
}

func TestStoreContract_ValidatesInput(t *testing.T) {
	for _, f := range contractStoreFactories() {
		t.Run(f.name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			s := f.new(t, &now)

			if _, err := s.Enqueue("", []byte("x")); err != ErrEmptyQueueName {
				t.Fatalf("empty queue: got %v", err)
			}
			if _, err := s.Enqueue("q1", nil); err != ErrEmptyPayload {
				t.Fatalf("empty payload: got %v", err)
			}
			if _, err := s.Read(ReadRequest{}); err != ErrEmptyQueueName {
				t.Fatalf("read empty queue: got %v", err)
			}
			if err := s.Release("q1", "msg_missing"); err != ErrMessageNotFound {
				t.Fatalf("release missing: got %v", err)
			}
		})
	}
}
