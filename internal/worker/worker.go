package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/docket/internal/idempotency"
	"github.com/nuetzliches/docket/internal/queue"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRetry     Outcome = "retry"
	OutcomeDead      Outcome = "dead"
	OutcomeMalformed Outcome = "malformed"
)

// SendFunc chains follow-up work onto downstream queues.
type SendFunc func(queueName string, env Envelope) error

// Handler is the sole integration point business logic implements.
type Handler interface {
	Process(ctx context.Context, env Envelope, send SendFunc) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, env Envelope, send SendFunc) ([]byte, error)

func (f HandlerFunc) Process(ctx context.Context, env Envelope, send SendFunc) ([]byte, error) {
	return f(ctx, env, send)
}

// KeyFunc overrides idempotency-key derivation for one worker type.
type KeyFunc func(queueName string, env Envelope, payload []byte) string

// Worker runs the generic poll, check, claim, process, settle loop.
// Retry-count enforcement and dead-lettering live here so every handler
// gets quarantine behavior without reimplementing it.
type Worker struct {
	Store    queue.Store
	Registry idempotency.Registry
	Queue    string
	Handler  Handler

	Key               KeyFunc
	Concurrency       int
	Batch             int
	VisibilityTimeout time.Duration
	ProcessTimeout    time.Duration
	MaxRetries        int
	MaxWait           time.Duration
	Logger            *slog.Logger
	ObserveOutcome    func(outcome Outcome)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Start spawns the poll goroutines. Call Drain to stop them gracefully.
func (w *Worker) Start() {
	if w.Store == nil || w.Registry == nil || w.Handler == nil || w.Queue == "" {
		return
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	w.stopCh = make(chan struct{})
	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go w.runLoop(logger)
	}
}

// Drain signals the poll goroutines to stop picking up work and waits for
// in-flight messages to settle. Returns true if all goroutines finished
// before the timeout.
func (w *Worker) Drain(timeout time.Duration) bool {
	if w.stopCh == nil {
		return true
	}
	w.stopOnce.Do(func() { close(w.stopCh) })
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (w *Worker) runLoop(logger *slog.Logger) {
	defer w.wg.Done()

	batch := w.Batch
	if batch <= 0 {
		batch = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	maxWait := w.MaxWait
	if maxWait <= 0 {
		maxWait = 2 * time.Second
	}

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		msgs, err := w.Store.Read(queue.ReadRequest{
			Queue:             w.Queue,
			Batch:             batch,
			VisibilityTimeout: visibility,
			MaxWait:           maxWait,
		})
		if err != nil {
			logger.Warn("worker_read_failed",
				slog.String("queue", w.Queue),
				slog.Any("err", err),
			)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for _, msg := range msgs {
			w.handle(logger, msg)
		}
	}
}

func (w *Worker) handle(logger *slog.Logger, msg queue.Message) {
	var env Envelope
	decodeErr := json.Unmarshal(msg.Payload, &env)
	if decodeErr == nil {
		decodeErr = env.Validate()
	}
	if decodeErr != nil {
		// Structural defect, never transient: quarantine with zero retries.
		if _, err := w.Store.DeadLetter(w.Queue, msg.ID, decodeErr.Error(), msg.ReadCount); err != nil {
			logger.Warn("worker_dead_letter_failed",
				slog.String("queue", w.Queue),
				slog.String("msg_id", msg.ID),
				slog.Any("err", err),
			)
			return
		}
		logger.Warn("worker_envelope_malformed",
			slog.String("queue", w.Queue),
			slog.String("msg_id", msg.ID),
			slog.Any("err", decodeErr),
		)
		w.observe(OutcomeMalformed)
		return
	}

	key := w.deriveKey(env, msg.Payload)

	if rec, err := w.Registry.Get(key); err == nil && rec.Status == idempotency.StatusCompleted {
		w.archiveDuplicate(logger, msg, key)
		return
	}

	claim, err := w.Registry.Claim(key)
	if err != nil {
		logger.Warn("worker_claim_failed",
			slog.String("queue", w.Queue),
			slog.String("msg_id", msg.ID),
			slog.String("idempotency_key", key),
			slog.Any("err", err),
		)
		return
	}
	if !claim.Claimed {
		// Completed earlier or owned by a concurrent execution; this
		// delivery is a duplicate either way.
		w.archiveDuplicate(logger, msg, key)
		return
	}

	result, procErr := w.process(env)

	if procErr == nil {
		if err := w.Registry.Complete(key, result); err != nil {
			logger.Warn("worker_complete_failed",
				slog.String("queue", w.Queue),
				slog.String("idempotency_key", key),
				slog.Any("err", err),
			)
		}
		if err := w.Store.Archive(w.Queue, msg.ID); err != nil {
			logger.Warn("worker_archive_failed",
				slog.String("queue", w.Queue),
				slog.String("msg_id", msg.ID),
				slog.Any("err", err),
			)
		}
		w.observe(OutcomeCompleted)
		return
	}

	if err := w.Registry.Fail(key, procErr.Error()); err != nil {
		logger.Warn("worker_fail_mark_failed",
			slog.String("queue", w.Queue),
			slog.String("idempotency_key", key),
			slog.Any("err", err),
		)
	}

	maxRetries := w.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if msg.ReadCount >= maxRetries {
		if _, err := w.Store.DeadLetter(w.Queue, msg.ID, procErr.Error(), msg.ReadCount); err != nil {
			logger.Warn("worker_dead_letter_failed",
				slog.String("queue", w.Queue),
				slog.String("msg_id", msg.ID),
				slog.Any("err", err),
			)
			return
		}
		logger.Warn("worker_message_dead",
			slog.String("queue", w.Queue),
			slog.String("msg_id", msg.ID),
			slog.String("job_id", env.JobID),
			slog.Int("attempts", msg.ReadCount),
			slog.Any("err", procErr),
		)
		w.observe(OutcomeDead)
		return
	}

	// Leave the message unarchived; the lease expires on its own and the
	// store redelivers. Transient and persistent failures share this path.
	logger.Warn("worker_process_failed",
		slog.String("queue", w.Queue),
		slog.String("msg_id", msg.ID),
		slog.String("job_id", env.JobID),
		slog.Int("attempt", msg.ReadCount),
		slog.Any("err", procErr),
	)
	w.observe(OutcomeRetry)
}

func (w *Worker) process(env Envelope) ([]byte, error) {
	timeout := w.ProcessTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	tracer := otel.Tracer("docket/worker")
	ctx, span := tracer.Start(ctx, "worker.process",
		trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("docket.queue", w.Queue),
		attribute.String("docket.job_id", env.JobID),
		attribute.String("docket.entity_type", env.EntityType),
	)
	defer span.End()

	send := func(queueName string, chained Envelope) error {
		p := &Producer{Store: w.Store, Logger: w.Logger}
		_, err := p.Enqueue(queueName, chained)
		return err
	}

	result, err := w.Handler.Process(ctx, env, send)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (w *Worker) deriveKey(env Envelope, payload []byte) string {
	if w.Key != nil {
		return w.Key(w.Queue, env, payload)
	}
	if env.IdempotencyKey != "" {
		return env.IdempotencyKey
	}
	return DefaultKey(w.Queue, payload)
}

func (w *Worker) archiveDuplicate(logger *slog.Logger, msg queue.Message, key string) {
	if err := w.Store.Archive(w.Queue, msg.ID); err != nil {
		logger.Warn("worker_archive_failed",
			slog.String("queue", w.Queue),
			slog.String("msg_id", msg.ID),
			slog.Any("err", err),
		)
		return
	}
	logger.Debug("worker_duplicate_skipped",
		slog.String("queue", w.Queue),
		slog.String("msg_id", msg.ID),
		slog.String("idempotency_key", key),
	)
	w.observe(OutcomeDuplicate)
}

func (w *Worker) observe(outcome Outcome) {
	if w.ObserveOutcome != nil {
		w.ObserveOutcome(outcome)
	}
}
