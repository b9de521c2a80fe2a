package batchclaim

import (
	"log/slog"
	"sync"
	"time"
)

// StaleMonitor periodically reports active runs whose heartbeat has gone
// quiet. It only observes: takeover of a stale run happens inside Claim,
// never here, so the monitor can run on any number of hosts without racing.
type StaleMonitor struct {
	coord      Coordinator
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger

	// OnStale is invoked once per sweep with the stale runs found, after
	// they are logged. Optional.
	OnStale func(runs []Run)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewStaleMonitor(coord Coordinator, interval, staleAfter time.Duration, logger *slog.Logger) *StaleMonitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StaleMonitor{
		coord:      coord,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

func (m *StaleMonitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

func (m *StaleMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *StaleMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
		m.Sweep()
	}
}

// Sweep runs one detection pass. Exposed so operators and tests can trigger
// it without waiting for the ticker.
func (m *StaleMonitor) Sweep() {
	runs, err := m.coord.StaleRuns(m.staleAfter)
	if err != nil {
		m.logger.Warn("stale_sweep_failed", slog.Any("err", err))
		return
	}
	if len(runs) == 0 {
		return
	}

	for _, run := range runs {
		m.logger.Warn("stale_run_detected",
			slog.String("run_id", run.ID),
			slog.String("source_system", run.SourceSystem),
			slog.String("source_batch_id", run.SourceBatchID),
			slog.String("worker_id", run.WorkerID),
			slog.Time("heartbeat_at", run.HeartbeatAt),
		)
	}
	if m.OnStale != nil {
		m.OnStale(runs)
	}
}
