package batchclaim

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// HeartbeatRunner keeps one claimed run alive in the background while the
// caller processes the batch. Stop it before finalizing; a heartbeat against
// a finalized run is harmless but logs a warning.
type HeartbeatRunner struct {
	coord    Coordinator
	runID    string
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewHeartbeatRunner(coord Coordinator, runID string, interval time.Duration, logger *slog.Logger) *HeartbeatRunner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatRunner{
		coord:    coord,
		runID:    runID,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (r *HeartbeatRunner) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop halts the heartbeat loop and waits for it to exit.
func (r *HeartbeatRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *HeartbeatRunner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		}

		err := r.coord.Heartbeat(r.runID)
		switch {
		case err == nil:
		case errors.Is(err, ErrRunNotActive), errors.Is(err, ErrRunNotFound):
			r.logger.Warn("heartbeat_run_inactive",
				slog.String("run_id", r.runID),
				slog.Any("err", err),
			)
			return
		default:
			// Transient storage failure; the next tick retries.
			r.logger.Warn("heartbeat_failed",
				slog.String("run_id", r.runID),
				slog.Any("err", err),
			)
		}
	}
}
