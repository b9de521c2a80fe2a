package app

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nuetzliches/docket/internal/idempotency"
	"github.com/nuetzliches/docket/internal/queue"
	"github.com/nuetzliches/docket/internal/worker"
)

// WorkerRegistration binds a queue to the handler that processes its jobs.
// Zero values for the tuning fields fall back to the worker defaults.
type WorkerRegistration struct {
	Queue       string
	Handler     worker.Handler
	Concurrency int
	Batch       int
	MaxRetries  int
}

var (
	workersMu           sync.Mutex
	workerRegistrations []WorkerRegistration
)

// RegisterHandler makes docket run start a worker pool for queue. Call it
// before Main, typically from the embedding binary's init.
func RegisterHandler(queue string, h worker.Handler) {
	RegisterWorker(WorkerRegistration{Queue: queue, Handler: h})
}

// RegisterWorker is RegisterHandler with the pool tuning exposed. An empty
// queue, a nil handler, or a second registration for the same queue panics,
// in the manner of http.Handle.
func RegisterWorker(reg WorkerRegistration) {
	if strings.TrimSpace(reg.Queue) == "" {
		panic("app: RegisterWorker with empty queue")
	}
	if reg.Handler == nil {
		panic("app: RegisterWorker with nil handler for queue " + reg.Queue)
	}
	workersMu.Lock()
	defer workersMu.Unlock()
	for _, existing := range workerRegistrations {
		if existing.Queue == reg.Queue {
			panic("app: duplicate worker registration for queue " + reg.Queue)
		}
	}
	workerRegistrations = append(workerRegistrations, reg)
}

func registeredWorkers() []WorkerRegistration {
	workersMu.Lock()
	defer workersMu.Unlock()
	out := make([]WorkerRegistration, len(workerRegistrations))
	copy(out, workerRegistrations)
	return out
}

// startWorkers starts one worker pool per registration against the shared
// backends. Every pool reports its outcomes to the runtime counters.
func startWorkers(regs []WorkerRegistration, store queue.Store, registry idempotency.Registry, metrics *runtimeMetrics, logger *slog.Logger) []*worker.Worker {
	out := make([]*worker.Worker, 0, len(regs))
	for _, reg := range regs {
		w := &worker.Worker{
			Store:          store,
			Registry:       registry,
			Queue:          reg.Queue,
			Handler:        reg.Handler,
			Concurrency:    reg.Concurrency,
			Batch:          reg.Batch,
			MaxRetries:     reg.MaxRetries,
			Logger:         logger,
			ObserveOutcome: metrics.observeOutcome,
		}
		w.Start()
		logger.Info("worker_pool_started",
			slog.String("queue", reg.Queue),
			slog.Int("concurrency", reg.Concurrency),
		)
		out = append(out, w)
	}
	return out
}

func drainWorkers(workers []*worker.Worker, timeout time.Duration, logger *slog.Logger) {
	for _, w := range workers {
		if !w.Drain(timeout) {
			logger.Warn("worker_drain_timeout", slog.String("queue", w.Queue))
		}
	}
}
