package queue

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithPollInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// MemoryStore is the in-process backend. It is the default for development
// and the workhorse for tests; durability comes from the sqlite and
// postgres backends.
type MemoryStore struct {
	mu           sync.Mutex
	nowFn        func() time.Time
	pollInterval time.Duration
	messages     map[string]*Message // msg id -> message
	order        []string            // enqueue order
	dead         []DeadLetterEntry
	notify       chan struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:        time.Now,
		pollInterval: 25 * time.Millisecond,
		messages:     make(map[string]*Message),
		notify:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Enqueue(queue string, payload []byte) (string, error) {
	if queue == "" {
		return "", ErrEmptyQueueName
	}
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &Message{
		ID:         newHexID("msg_"),
		Queue:      queue,
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: s.nowFn().UTC(),
	}
	s.messages[msg.ID] = msg
	s.order = append(s.order, msg.ID)
	s.signalLocked()
	return msg.ID, nil
}

func (s *MemoryStore) Read(req ReadRequest) ([]Message, error) {
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
		out, waitCh := s.readOnce(req, batch, timeout)
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

func (s *MemoryStore) readOnce(req ReadRequest, batch int, timeout time.Duration) ([]Message, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := req.Now
	if now.IsZero() {
		now = s.nowFn()
	}
	now = now.UTC()

	out := make([]Message, 0, batch)
	for _, id := range s.order {
		if len(out) >= batch {
			break
		}
		msg, ok := s.messages[id]
		if !ok || msg.Queue != req.Queue {
			continue
		}
		if msg.Leased(now) {
			continue
		}
		msg.ReadCount++
		msg.VisibilityDeadline = now.Add(timeout)
		out = append(out, *msg)
	}
	if len(out) == 0 {
		return nil, s.notify
	}
	return out, nil
}

func (s *MemoryStore) Archive(queue, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[msgID]
	if !ok || msg.Queue != queue {
		return ErrMessageNotFound
	}
	s.deleteLocked(msgID)
	return nil
}

func (s *MemoryStore) Release(queue, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[msgID]
	if !ok || msg.Queue != queue {
		return ErrMessageNotFound
	}
	msg.VisibilityDeadline = time.Time{}
	s.signalLocked()
	return nil
}

func (s *MemoryStore) Metrics(queue string) (Metrics, error) {
	if queue == "" {
		return Metrics{}, ErrEmptyQueueName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn().UTC()
	m := Metrics{Queue: queue}
	var oldest time.Time
	for _, id := range s.order {
		msg, ok := s.messages[id]
		if !ok || msg.Queue != queue {
			continue
		}
		m.Total++
		if msg.Leased(now) {
			m.InFlight++
		} else {
			m.Readable++
		}
		if oldest.IsZero() || msg.EnqueuedAt.Before(oldest) {
			oldest = msg.EnqueuedAt
		}
	}
	if !oldest.IsZero() && now.After(oldest) {
		m.OldestAge = now.Sub(oldest)
	}
	return m, nil
}

func (s *MemoryStore) Queues() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, msg := range s.messages {
		seen[msg.Queue] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for q := range seen {
		out = append(out, q)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) DeadLetter(queue, msgID, errMsg string, attempts int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[msgID]
	if !ok || msg.Queue != queue {
		return "", ErrMessageNotFound
	}
	entry := DeadLetterEntry{
		ID:            newHexID("dl_"),
		OriginalQueue: queue,
		OriginalMsgID: msgID,
		Payload:       append([]byte(nil), msg.Payload...),
		ErrorMessage:  errMsg,
		AttemptCount:  attempts,
		MovedAt:       s.nowFn().UTC(),
	}
	s.dead = append(s.dead, entry)
	s.deleteLocked(msgID)
	return entry.ID, nil
}

func (s *MemoryStore) AddDead(entry DeadLetterEntry) (string, error) {
	if entry.OriginalQueue == "" {
		return "", ErrEmptyQueueName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = newHexID("dl_")
	}
	if entry.MovedAt.IsZero() {
		entry.MovedAt = s.nowFn().UTC()
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	s.dead = append(s.dead, entry)
	return entry.ID, nil
}

func (s *MemoryStore) ListDead(req DeadListRequest) ([]DeadLetterEntry, error) {
	limit := normalizeListLimit(req.Limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DeadLetterEntry, 0, limit)
	for i := len(s.dead) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.dead[i]
		if req.Queue != "" && entry.OriginalQueue != req.Queue {
			continue
		}
		entry.Payload = append([]byte(nil), entry.Payload...)
		out = append(out, entry)
	}
	return out, nil
}

func (s *MemoryStore) ReplayDead(entryID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.dead {
		if s.dead[i].ID == entryID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", ErrDeadLetterNotFound
	}
	entry := s.dead[idx]

	msg := &Message{
		ID:         newHexID("msg_"),
		Queue:      entry.OriginalQueue,
		Payload:    append([]byte(nil), entry.Payload...),
		EnqueuedAt: s.nowFn().UTC(),
	}
	s.messages[msg.ID] = msg
	s.order = append(s.order, msg.ID)
	s.dead = append(s.dead[:idx], s.dead[idx+1:]...)
	s.signalLocked()
	return msg.ID, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) deleteLocked(msgID string) {
	delete(s.messages, msgID)
	for i, id := range s.order {
		if id == msgID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *MemoryStore) signalLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func normalizeListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func newHexID(prefix string) string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return prefix + hex.EncodeToString(b[:])
}
