// Package idempotency tracks job execution state by key. The exactly-once
// guarantee comes from a unique constraint on the key column plus the
// claim/complete/fail lifecycle; no other locking is involved.
package idempotency

import (
	"errors"
	"time"
)

const MaxKeyLen = 512

var (
	ErrEmptyKey   = errors.New("empty idempotency key")
	ErrKeyTooLong = errors.New("idempotency key exceeds 512 bytes")
	ErrNotFound   = errors.New("idempotency record not found")
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record is the durable execution state for one idempotency key. Failed
// records are retried by incrementing Attempts, never by deleting the row.
type Record struct {
	Key       string
	Status    Status
	Attempts  int
	Result    []byte
	LastError string
	UpdatedAt time.Time
}

// ClaimResult reports the outcome of a single atomic insert-or-detect.
// Claimed is true when the caller now owns the key: either the record was
// freshly inserted, or a failed record was flipped back to processing with
// its attempt counter bumped. When Claimed is false another execution owns
// or already finished the key and Existing holds its record.
type ClaimResult struct {
	Claimed  bool
	Existing Record
}

type Registry interface {
	Claim(key string) (ClaimResult, error)
	Complete(key string, result []byte) error
	Fail(key string, errMsg string) error
	Get(key string) (Record, error)
	Close() error
}

func validateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(key) > MaxKeyLen {
		return ErrKeyTooLong
	}
	return nil
}
