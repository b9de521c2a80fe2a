package queue

import (
	"errors"
	"time"
)

var (
	ErrEmptyQueueName     = errors.New("empty queue name")
	ErrEmptyPayload       = errors.New("empty payload")
	ErrMessageNotFound    = errors.New("message not found")
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// Message is a durable queue entry under the store's exclusive ownership.
// A message with a future VisibilityDeadline is leased: it stays invisible
// to other readers until the deadline passes.
type Message struct {
	ID                 string
	Queue              string
	Payload            []byte
	EnqueuedAt         time.Time
	ReadCount          int
	VisibilityDeadline time.Time
}

// Leased reports whether the message is currently invisible to readers.
func (m Message) Leased(now time.Time) bool {
	return !m.VisibilityDeadline.IsZero() && now.Before(m.VisibilityDeadline)
}

// DeadLetterEntry is a quarantined message. Entries carry the full original
// payload so an operator can replay them onto the original queue unchanged.
type DeadLetterEntry struct {
	ID            string
	OriginalQueue string
	OriginalMsgID string
	Payload       []byte
	ErrorMessage  string
	AttemptCount  int
	MovedAt       time.Time
}

type ReadRequest struct {
	Queue             string
	Batch             int
	VisibilityTimeout time.Duration
	MaxWait           time.Duration
	Now               time.Time
}

type DeadListRequest struct {
	Queue string
	Limit int
}

// Metrics is a point-in-time snapshot of one queue.
type Metrics struct {
	Queue     string
	Total     int
	Readable  int
	InFlight  int
	OldestAge time.Duration
}

type Store interface {
	// Enqueue appends a message and returns its id.
	Enqueue(queue string, payload []byte) (string, error)

	// Read atomically leases up to Batch readable messages: each returned
	// message has its visibility deadline set to now+VisibilityTimeout and
	// its read count incremented. No two concurrent readers receive the
	// same message while its lease holds. A positive MaxWait long-polls.
	Read(req ReadRequest) ([]Message, error)

	// Archive permanently removes a message after terminal handling.
	Archive(queue, msgID string) error

	// Release clears a lease early, making the message readable again.
	Release(queue, msgID string) error

	Metrics(queue string) (Metrics, error)
	Queues() ([]string, error)

	// DeadLetter atomically moves a stored message into quarantine and
	// returns the entry id.
	DeadLetter(queue, msgID, errMsg string, attempts int) (string, error)

	// AddDead records a dead letter that never had a stored message, such
	// as a malformed envelope rejected at enqueue time.
	AddDead(entry DeadLetterEntry) (string, error)

	ListDead(req DeadListRequest) ([]DeadLetterEntry, error)

	// ReplayDead re-enqueues the original payload onto the original queue
	// and removes the entry, returning the new message id. Replays are
	// operator-driven; the store never replays on its own.
	ReplayDead(entryID string) (string, error)

	Close() error
}
