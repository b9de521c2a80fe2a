// Package batchclaim coordinates exclusive ownership of batch import work.
//
// Several workers may observe the same upstream batch at the same time. The
// coordinator guarantees that exactly one of them processes it: a claim is a
// single atomic insert guarded by a uniqueness constraint over the batch
// identity, and only the winner receives a fresh run. Runs prove liveness via
// heartbeats; a run whose heartbeat goes stale is superseded by the next
// claimant rather than resumed.
package batchclaim

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrRunNotFound  = errors.New("import run not found")
	ErrRunNotActive = errors.New("import run is not active")
	ErrInvalidClaim = errors.New("invalid claim request")
)

// DefaultStaleAfter is the heartbeat age beyond which an active run is
// considered abandoned and eligible for takeover.
const DefaultStaleAfter = 30 * time.Minute

// RunStatus is the lifecycle state of an import run.
type RunStatus string

const (
	StatusClaimed    RunStatus = "claimed"
	StatusInProgress RunStatus = "in_progress"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusRolledBack RunStatus = "rolled_back"
)

// Active reports whether the run still owns its batch.
func (s RunStatus) Active() bool {
	return s == StatusClaimed || s == StatusInProgress
}

// ClaimOutcome tells the caller what to do after a claim attempt.
type ClaimOutcome string

const (
	// OutcomeClaimed means the caller owns a fresh run and must process it.
	OutcomeClaimed ClaimOutcome = "claimed"
	// OutcomeDuplicate means an identical batch already completed; skip.
	OutcomeDuplicate ClaimOutcome = "duplicate"
	// OutcomeInProgress means another live worker holds the batch; back off.
	OutcomeInProgress ClaimOutcome = "in_progress"
)

// Totals are the row-level counters a run accumulates while processing.
type Totals struct {
	RowsFetched  int `json:"rows_fetched"`
	RowsInserted int `json:"rows_inserted"`
	RowsUpdated  int `json:"rows_updated"`
	RowsSkipped  int `json:"rows_skipped"`
	RowsFailed   int `json:"rows_failed"`
}

// Run is one attempt at importing one batch.
type Run struct {
	ID            string    `json:"id"`
	SourceSystem  string    `json:"source_system"`
	SourceBatchID string    `json:"source_batch_id"`
	FileHash      string    `json:"file_hash"`
	Filename      string    `json:"filename,omitempty"`
	Kind          string    `json:"kind,omitempty"`
	WorkerID      string    `json:"worker_id"`
	Status        RunStatus `json:"status"`
	Totals        Totals    `json:"totals"`
	ErrorDetails  string    `json:"error_details,omitempty"`
	ClaimedAt     time.Time `json:"claimed_at"`
	HeartbeatAt   time.Time `json:"heartbeat_at"`
	FinalizedAt   time.Time `json:"finalized_at"`
}

// ClaimRequest identifies one batch. SourceSystem, SourceBatchID and FileHash
// together form the batch identity; Filename and Kind are descriptive only.
type ClaimRequest struct {
	SourceSystem  string
	SourceBatchID string
	FileHash      string
	Filename      string
	Kind          string
	WorkerID      string
}

func (r ClaimRequest) validate() error {
	if strings.TrimSpace(r.SourceSystem) == "" ||
		strings.TrimSpace(r.SourceBatchID) == "" ||
		strings.TrimSpace(r.FileHash) == "" ||
		strings.TrimSpace(r.WorkerID) == "" {
		return ErrInvalidClaim
	}
	return nil
}

// ClaimResult carries the outcome plus the run it refers to. For
// OutcomeClaimed the run belongs to the caller; for the other outcomes it is
// the pre-existing run that blocked the claim.
type ClaimResult struct {
	Outcome ClaimOutcome
	Run     Run
}

// ReconcileResult compares the rows a run promised against the rows it staged.
type ReconcileResult struct {
	IsValid  bool `json:"is_valid"`
	Expected int  `json:"expected"`
	Actual   int  `json:"actual"`
	Delta    int  `json:"delta"`
}

// RollbackResult reports how much a rollback touched. Nothing is deleted;
// the run and its staged rows are flipped to rolled_back in place.
type RollbackResult struct {
	RunID        string `json:"run_id"`
	RowsAffected int    `json:"rows_affected"`
}

// Coordinator is the storage contract for batch claim bookkeeping.
type Coordinator interface {
	// Claim atomically resolves ownership of the batch named by req.
	// Completed prior runs yield OutcomeDuplicate, live prior runs yield
	// OutcomeInProgress, and stale/failed/rolled_back prior runs are
	// superseded by a fresh run.
	Claim(req ClaimRequest) (ClaimResult, error)

	// Heartbeat refreshes the run's liveness and moves claimed runs to
	// in_progress. ErrRunNotActive once the run is finalized.
	Heartbeat(runID string) error

	// Finalize records the totals and flips the run to completed or failed.
	Finalize(runID string, totals Totals, errDetails string, completed bool) error

	// Reconcile checks the staged row count against expected. When expected
	// is zero or negative the run's RowsFetched total is used instead. A
	// nonzero delta marks the run failed.
	Reconcile(runID string, expected int) (ReconcileResult, error)

	// Rollback flips the run and all of its staged rows to rolled_back.
	// Row data and totals stay untouched for audit.
	Rollback(runID string, reason string) (RollbackResult, error)

	// InsertRow stages one row under the run, keyed by dedupeKey. Returns
	// false when the key was already staged.
	InsertRow(runID, dedupeKey string, payload []byte) (bool, error)

	// CountRows counts the staged (non rolled_back) rows of the run.
	CountRows(runID string) (int, error)

	Run(runID string) (Run, error)
	ListRuns(limit int) ([]Run, error)

	// StaleRuns lists active runs whose heartbeat is older than olderThan.
	StaleRuns(olderThan time.Duration) ([]Run, error)

	Close() error
}
