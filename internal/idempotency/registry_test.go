package idempotency

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type registryFactory struct {
	name string
	new  func(t *testing.T, now *time.Time) Registry
}

func contractRegistryFactories() []registryFactory {
	out := []registryFactory{
		{
			name: "memory",
			new: func(t *testing.T, now *time.Time) Registry {
				t.Helper()
				return NewMemoryRegistry(WithNowFunc(func() time.Time { return now.UTC() }))
			},
		},
		{
			name: "sqlite",
			new: func(t *testing.T, now *time.Time) Registry {
				t.Helper()
				dbPath := filepath.Join(t.TempDir(), "docket.db")
				r, err := NewSQLiteRegistry(dbPath, WithSQLiteNowFunc(func() time.Time { return now.UTC() }))
				if err != nil {
					t.Fatalf("new sqlite registry: %v", err)
				}
				t.Cleanup(func() { _ = r.Close() })
				return r
			},
		},
	}

	dsn := strings.TrimSpace(os.Getenv("DOCKET_TEST_POSTGRES_DSN"))
	if dsn != "" {
		out = append(out, registryFactory{
			name: "postgres",
			new: func(t *testing.T, now *time.Time) Registry {
				t.Helper()
				r, err := NewPostgresRegistry(dsn, WithPostgresNowFunc(func() time.Time { return now.UTC() }))
				if err != nil {
					t.Fatalf("new postgres registry: %v", err)
				}
				t.Cleanup(func() { _ = r.Close() })
				// Tests claim fixed keys, so each one starts from an
				// empty table.
				if _, err := r.db.ExecContext(context.Background(), `DELETE FROM processed_jobs`); err != nil {
					t.Fatalf("reset postgres: %v", err)
				}
				return r
			},
		})
	}
	return out
}

func TestRegistry_ClaimInsertsProcessing(t *testing.T) {
	for _, f := range contractRegistryFactories() {
		t.Run(f.name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			r := f.new(t, &now)

			res, err := r.Claim("jobs:abc")
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if !res.Claimed {
				t.Fatalf("first claim not granted: %+v", res)
			}
			if res.Existing.Status != StatusProcessing || res.Existing.Attempts != 1 {
				t.Fatalf("record after claim: %+v", res.Existing)
			}
		})
	}
}

func TestRegistry_SecondClaimObservesExisting(t *testing.T) {
	for _, f := range contractRegistryFactories() {
		t.Run(f.name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			r := f.new(t, &now)

			if _, err := r.Claim("jobs:abc"); err != nil {
				t.Fatalf("claim: %v", err)
			}

			res, err := r.Claim("jobs:abc")
			if err != nil {
				t.Fatalf("second claim: %v", err)
			}
			if res.Claimed {
				t.Fatalf("second claim should observe the existing record")
			}
			if res.Existing.Status != StatusProcessing {
				t.Fatalf("existing status: %q", res.Existing.Status)
			}
		})
	}
}

func TestRegistry_CompleteIsTerminal(t *testing.T) {
	for _, f := range contractRegistryFactories() {
		t.Run(f.name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			r := f.new(t, &now)

			if _, err := r.Claim("jobs:abc"); err != nil {
				t.Fatalf("claim: %v", err)
			}
			if err := r.Complete("jobs:abc", []byte(`{"ok":true}`)); err != nil {
				t.Fatalf("complete: %v", err)
			}

			res, err := r.Claim("jobs:abc")
			if err != nil {
				t.Fatalf("claim after complete: %v", err)
			}
			if res.Claimed {
				t.Fatalf("completed key must not be re-claimable")
			}
			if res.Existing.Status != StatusCompleted {
				t.Fatalf("status: %q", res.Existing.Status)
			}
			if string(res.Existing.Result) != `{"ok":true}` {
				t.Fatalf("result: %q", res.Existing.Result)
			}
		})
	}
}

func TestRegistry_FailedKeyIsReclaimedWithBumpedAttempts(t *testing.T) {
	for _, f := range contractRegistryFactories() {
		t.Run(f.name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			r := f.new(t, &now)

			if _, err := r.Claim("jobs:abc"); err != nil {
				t.Fatalf("claim: %v", err)
			}
			if err := r.Fail("jobs:abc", "timeout talking to vendor"); err != nil {
				t.Fatalf("fail: %v", err)
			}

			rec, err := r.Get("jobs:abc")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if rec.Status != StatusFailed || rec.LastError != "timeout talking to vendor" {
				t.Fatalf("record after fail: %+v", rec)
			}

			res, err := r.Claim("jobs:abc")
			if err != nil {
				t.Fatalf("reclaim: %v", err)
			}
			if !res.Claimed {
				t.Fatalf("failed key must be re-claimable")
			}
			if res.Existing.Attempts != 2 {
				t.Fatalf("attempts after reclaim: got %d want 2", res.Existing.Attempts)
			}
			if res.Existing.Status != StatusProcessing {
				t.Fatalf("status after reclaim: %q", res.Existing.Status)
			}
		})
	}
}

func TestRegistry_KeyValidation(t *testing.T) {
	for _, f := range contractRegistryFactories() {
		t.Run(f.name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			r := f.new(t, &now)

			if _, err := r.Claim(""); err != ErrEmptyKey {
				t.Fatalf("empty key: got %v", err)
			}
			long := strings.Repeat("k", MaxKeyLen+1)
			if _, err := r.Claim(long); err != ErrKeyTooLong {
				t.Fatalf("long key: got %v", err)
			}
			if _, err := r.Get("jobs:nope"); err != ErrNotFound {
				t.Fatalf("missing key: got %v", err)
			}
		})
	}
}

func TestRegistry_ConcurrentClaimsGrantExactlyOne(t *testing.T) {
	for _, f := range contractRegistryFactories() {
		t.Run(f.name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			r := f.new(t, &now)

			const workers = 16
			var granted atomic.Int64
			var wg sync.WaitGroup
			start := make(chan struct{})

			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					res, err := r.Claim("jobs:contested")
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if res.Claimed {
						granted.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			if granted.Load() != 1 {
				t.Fatalf("granted claims: got %d want 1", granted.Load())
			}
		})
	}
}
