package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/nuetzliches/docket/internal/batchclaim"
	"github.com/nuetzliches/docket/internal/queue"
)

func newTestServer(t *testing.T) (*Server, *queue.MemoryStore) {
	t.Helper()
	store := queue.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return NewServer(store), store
}

func doRequest(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func TestBearerTokenAuthorizer(t *testing.T) {
	s, _ := newTestServer(t)
	s.Authorize = BearerTokenAuthorizer([][]byte{[]byte("sekrit")})
	h := s.Handler()

	rec := doRequest(t, h, http.MethodGet, "/v1/queues")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var errBody struct {
		Code string `json:"code"`
	}
	decodeBody(t, rec, &errBody)
	if errBody.Code != "unauthorized" {
		t.Fatalf("code = %q", errBody.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/queues", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/queues", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token status = %d, want 200", rec.Code)
	}
}

func TestEmptyTokenSetAdmitsAll(t *testing.T) {
	auth := BearerTokenAuthorizer(nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/queues", nil)
	if !auth(req) {
		t.Fatalf("empty token set rejected a request")
	}
}

func TestQueuesAndMetrics(t *testing.T) {
	s, store := newTestServer(t)
	h := s.Handler()

	if _, err := store.Enqueue("notices", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Enqueue("payments", []byte(`{"b":2}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := doRequest(t, h, http.MethodGet, "/v1/queues")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var queuesBody struct {
		Queues []string `json:"queues"`
	}
	decodeBody(t, rec, &queuesBody)
	if len(queuesBody.Queues) != 2 {
		t.Fatalf("queues = %v", queuesBody.Queues)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/queues/notices/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	var metricsBody struct {
		Queue    string `json:"queue"`
		Total    int    `json:"total"`
		Readable int    `json:"readable"`
		InFlight int    `json:"in_flight"`
	}
	decodeBody(t, rec, &metricsBody)
	if metricsBody.Queue != "notices" || metricsBody.Total != 1 || metricsBody.Readable != 1 {
		t.Fatalf("metrics = %+v", metricsBody)
	}
}

func TestDeadLettersListAndReplay(t *testing.T) {
	s, store := newTestServer(t)
	h := s.Handler()

	entryID, err := store.AddDead(queue.DeadLetterEntry{
		OriginalQueue: "lookups",
		Payload:       []byte(`{"job":"x"}`),
		ErrorMessage:  "registry unavailable",
		AttemptCount:  3,
	})
	if err != nil {
		t.Fatalf("add dead: %v", err)
	}

	rec := doRequest(t, h, http.MethodGet, "/v1/dead-letters?queue=lookups")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listBody struct {
		DeadLetters []struct {
			ID           string `json:"id"`
			ErrorMessage string `json:"error_message"`
			AttemptCount int    `json:"attempt_count"`
		} `json:"dead_letters"`
	}
	decodeBody(t, rec, &listBody)
	if len(listBody.DeadLetters) != 1 || listBody.DeadLetters[0].ID != entryID {
		t.Fatalf("dead letters = %+v", listBody.DeadLetters)
	}
	if listBody.DeadLetters[0].AttemptCount != 3 {
		t.Fatalf("attempt count = %d", listBody.DeadLetters[0].AttemptCount)
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/dead-letters/"+entryID+"/replay")
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d body=%s", rec.Code, rec.Body.String())
	}
	var replayBody struct {
		MsgID string `json:"msg_id"`
	}
	decodeBody(t, rec, &replayBody)
	if replayBody.MsgID == "" {
		t.Fatalf("replay returned no msg id")
	}

	m, err := store.Metrics("lookups")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Readable != 1 {
		t.Fatalf("replayed message not readable: %+v", m)
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/dead-letters/"+entryID+"/replay")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second replay status = %d, want 404", rec.Code)
	}
}

func TestDeadLettersLimitValidation(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doRequest(t, h, http.MethodGet, "/v1/dead-letters?limit=nope")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/v1/dead-letters?limit=-1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/v1/dead-letters?limit=99999")
	if rec.Code != http.StatusOK {
		t.Fatalf("oversized limit status = %d, want clamped 200", rec.Code)
	}
}

func TestImportRuns(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	// Without a coordinator the endpoint degrades, not panics.
	rec := doRequest(t, h, http.MethodGet, "/v1/import-runs")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 without coordinator", rec.Code)
	}

	coord, err := batchclaim.NewSQLiteCoordinator(filepath.Join(t.TempDir(), "claims.db"))
	if err != nil {
		t.Fatalf("open coordinator: %v", err)
	}
	defer coord.Close()
	s.Coordinator = coord

	if _, err := coord.Claim(batchclaim.ClaimRequest{
		SourceSystem:  "courtreg",
		SourceBatchID: "2026-03-15",
		FileHash:      "abc",
		WorkerID:      "worker-a",
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/import-runs")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var runsBody struct {
		ImportRuns []batchclaim.Run `json:"import_runs"`
	}
	decodeBody(t, rec, &runsBody)
	if len(runsBody.ImportRuns) != 1 || runsBody.ImportRuns[0].SourceSystem != "courtreg" {
		t.Fatalf("runs = %+v", runsBody.ImportRuns)
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t)
	s.RuntimeStats = func() map[string]any {
		return map[string]any{"jobs_completed": 7}
	}
	h := s.Handler()

	rec := doRequest(t, h, http.MethodGet, "/v1/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats map[string]any
	decodeBody(t, rec, &stats)
	if stats["jobs_completed"] != float64(7) {
		t.Fatalf("stats = %v", stats)
	}
}
