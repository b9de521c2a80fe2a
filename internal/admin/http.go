// Package admin serves the read-mostly operator API: queue metrics, dead
// letter inspection and replay, and import run history. Replay is the only
// mutating endpoint; everything that changes job state goes through the
// workers, not through here.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nuetzliches/docket/internal/batchclaim"
	"github.com/nuetzliches/docket/internal/queue"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000

	codeUnauthorized = "unauthorized"
	codeInvalidQuery = "invalid_query"
	codeNotFound     = "not_found"
	codeUnavailable  = "store_unavailable"
)

type Authorizer func(r *http.Request) bool

// BearerTokenAuthorizer accepts requests carrying any of the given tokens.
// An empty token set admits everything, which is the dev default.
func BearerTokenAuthorizer(tokens [][]byte) Authorizer {
	allowed := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if len(t) == 0 {
			continue
		}
		cp := make([]byte, len(t))
		copy(cp, t)
		allowed = append(allowed, cp)
	}

	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}

		h := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return false
		}
		got := strings.TrimSpace(strings.TrimPrefix(h, prefix))
		if got == "" {
			return false
		}
		gb := []byte(got)
		for _, want := range allowed {
			if subtle.ConstantTimeCompare(gb, want) == 1 {
				return true
			}
		}
		return false
	}
}

type Server struct {
	Store       queue.Store
	Coordinator batchclaim.Coordinator
	Authorize   Authorizer
	Logger      *slog.Logger

	// RuntimeStats supplies process-level counters for /v1/stats. Optional.
	RuntimeStats func() map[string]any
}

func NewServer(store queue.Store) *Server {
	return &Server{Store: store}
}

// Handler builds the route tree. Mount it on whatever listener the caller
// owns; the server itself never binds a port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.authMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/queues", s.handleQueues)
		r.Get("/queues/{queue}/metrics", s.handleQueueMetrics)
		r.Get("/dead-letters", s.handleDeadLetters)
		r.Post("/dead-letters/{id}/replay", s.handleReplay)
		r.Get("/import-runs", s.handleImportRuns)
		r.Get("/stats", s.handleStats)
	})
	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authorize != nil && !s.Authorize(r) {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "request is not authorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.Store.Queues()
	if err != nil {
		s.logError(r, "admin_list_queues_failed", err)
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "queue listing failed")
		return
	}
	if queues == nil {
		queues = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": queues})
}

func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	m, err := s.Store.Metrics(queueName)
	if err != nil {
		if errors.Is(err, queue.ErrEmptyQueueName) {
			writeError(w, http.StatusBadRequest, codeInvalidQuery, "queue name is required")
			return
		}
		s.logError(r, "admin_queue_metrics_failed", err)
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "metrics lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":             m.Queue,
		"total":             m.Total,
		"readable":          m.Readable,
		"in_flight":         m.InFlight,
		"oldest_age_millis": m.OldestAge.Milliseconds(),
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.Store.ListDead(queue.DeadListRequest{
		Queue: strings.TrimSpace(r.URL.Query().Get("queue")),
		Limit: limit,
	})
	if err != nil {
		s.logError(r, "admin_list_dead_failed", err)
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "dead letter listing failed")
		return
	}

	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":             e.ID,
			"original_queue": e.OriginalQueue,
			"original_msg":   e.OriginalMsgID,
			"payload":        e.Payload,
			"error_message":  e.ErrorMessage,
			"attempt_count":  e.AttemptCount,
			"moved_at":       e.MovedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "id")
	msgID, err := s.Store.ReplayDead(entryID)
	if err != nil {
		if errors.Is(err, queue.ErrDeadLetterNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "dead letter entry not found")
			return
		}
		s.logError(r, "admin_replay_failed", err)
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "replay failed")
		return
	}

	if s.Logger != nil {
		s.Logger.Info("admin_dead_letter_replayed",
			slog.String("entry_id", entryID),
			slog.String("msg_id", msgID),
		)
	}
	writeJSON(w, http.StatusOK, map[string]string{"msg_id": msgID})
}

func (s *Server) handleImportRuns(w http.ResponseWriter, r *http.Request) {
	if s.Coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "batch claims are not configured")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	runs, err := s.Coordinator.ListRuns(limit)
	if err != nil {
		s.logError(r, "admin_list_runs_failed", err)
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "import run listing failed")
		return
	}
	if runs == nil {
		runs = []batchclaim.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"import_runs": runs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{}
	if s.RuntimeStats != nil {
		stats = s.RuntimeStats()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) logError(r *http.Request, event string, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.Warn(event,
		slog.String("path", r.URL.Path),
		slog.Any("err", err),
	)
}

// parseLimit reads the limit query parameter. Zero means default; values
// above the cap are clamped by the stores.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, codeInvalidQuery, "limit must be a non-negative integer")
		return 0, false
	}
	if limit == 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	if detail == "" {
		detail = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Code: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
