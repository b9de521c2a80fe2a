package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nuetzliches/docket/internal/idempotency"
	"github.com/nuetzliches/docket/internal/queue"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the wire format for a job. It is immutable once enqueued;
// redelivery is tracked by the store's read count, never by mutating the
// envelope in place.
type Envelope struct {
	JobID          string          `json:"job_id"`
	TraceID        string          `json:"trace_id,omitempty"`
	OrgID          string          `json:"org_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Attempt        int             `json:"attempt,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Validate rejects structurally malformed envelopes. These are defects,
// not transient failures: they go straight to the dead-letter path.
func (e Envelope) Validate() error {
	var missing []string
	if e.OrgID == "" {
		missing = append(missing, "org_id")
	}
	if e.IdempotencyKey == "" {
		missing = append(missing, "idempotency_key")
	}
	if e.EntityType == "" {
		missing = append(missing, "entity_type")
	}
	if e.EntityID == "" {
		missing = append(missing, "entity_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrInvalidEnvelope, missing)
	}
	if len(e.IdempotencyKey) > idempotency.MaxKeyLen {
		return fmt.Errorf("%w: idempotency_key exceeds %d bytes", ErrInvalidEnvelope, idempotency.MaxKeyLen)
	}
	return nil
}

// DefaultKey derives an idempotency key from the queue name and a hash of
// the raw payload. Workers whose payloads carry volatile fields (a fresh
// trace id on every retry, say) must override this with a stable business
// key.
func DefaultKey(queueName string, payload []byte) string {
	sum := sha256.Sum256(payload)
	return queueName + ":" + hex.EncodeToString(sum[:])
}

// Producer validates and enqueues envelopes. Malformed envelopes are
// recorded as dead letters with zero retries and the validation error is
// returned to the caller.
type Producer struct {
	Store  queue.Store
	Logger *slog.Logger
}

func (p *Producer) Enqueue(queueName string, env Envelope) (string, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if env.JobID == "" {
		env.JobID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}

	if err := env.Validate(); err != nil {
		if _, dlErr := p.Store.AddDead(queue.DeadLetterEntry{
			OriginalQueue: queueName,
			Payload:       raw,
			ErrorMessage:  err.Error(),
		}); dlErr != nil {
			logger.Warn("producer_dead_letter_failed",
				slog.String("queue", queueName),
				slog.String("job_id", env.JobID),
				slog.Any("err", dlErr),
			)
			return "", dlErr
		}
		logger.Warn("producer_envelope_rejected",
			slog.String("queue", queueName),
			slog.String("job_id", env.JobID),
			slog.Any("err", err),
		)
		return "", err
	}

	return p.Store.Enqueue(queueName, raw)
}
