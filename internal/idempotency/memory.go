package idempotency

import (
	"sync"
	"time"
)

type MemoryOption func(*MemoryRegistry)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(r *MemoryRegistry) {
		if now != nil {
			r.nowFn = now
		}
	}
}

type MemoryRegistry struct {
	mu      sync.Mutex
	nowFn   func() time.Time
	records map[string]Record
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry(opts ...MemoryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		nowFn:   time.Now,
		records: make(map[string]Record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRegistry) Claim(key string) (ClaimResult, error) {
	if err := validateKey(key); err != nil {
		return ClaimResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		rec = Record{
			Key:       key,
			Status:    StatusProcessing,
			Attempts:  1,
			UpdatedAt: r.nowFn().UTC(),
		}
		r.records[key] = rec
		return ClaimResult{Claimed: true, Existing: rec}, nil
	}
	if rec.Status == StatusFailed {
		rec.Status = StatusProcessing
		rec.Attempts++
		rec.UpdatedAt = r.nowFn().UTC()
		r.records[key] = rec
		return ClaimResult{Claimed: true, Existing: rec}, nil
	}
	return ClaimResult{Claimed: false, Existing: rec}, nil
}

func (r *MemoryRegistry) Complete(key string, result []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusCompleted
	rec.Result = append([]byte(nil), result...)
	rec.LastError = ""
	rec.UpdatedAt = r.nowFn().UTC()
	r.records[key] = rec
	return nil
}

func (r *MemoryRegistry) Fail(key string, errMsg string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusFailed
	rec.LastError = errMsg
	rec.UpdatedAt = r.nowFn().UTC()
	r.records[key] = rec
	return nil
}

func (r *MemoryRegistry) Get(key string) (Record, error) {
	if err := validateKey(key); err != nil {
		return Record{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Result = append([]byte(nil), rec.Result...)
	return rec, nil
}

func (r *MemoryRegistry) Close() error { return nil }
