// Package api exposes the task queue over HTTP: chi routing and
// middleware in front of hand-written JSON handlers.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/errs"
	"github.com/taskforge/taskforge/internal/pool"
	"github.com/taskforge/taskforge/internal/queue"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/workflow"
)

// Server holds the dependencies HTTP handlers need. It is constructed
// explicitly by cmd/taskforged and carries no package-level state.
type Server struct {
	store *store.Store
	queue *queue.TaskQueue
	pool  *pool.Pool
	hub   *EventHub
}

func NewServer(s *store.Store, q *queue.TaskQueue, p *pool.Pool) *Server {
	return &Server{store: s, queue: q, pool: p, hub: NewEventHub()}
}

// Hub exposes the server's websocket event hub so the executor can be
// wired to publish phase-transition events into it.
func (s *Server) Hub() *EventHub { return s.hub }

// Router builds the chi mux exposing this daemon's HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/api/metrics", s.handleMetrics)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Post("/{id}/cancel", s.handleCancelTask)
		r.Get("/{id}/events", s.handleTaskEvents)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// metricsBody is the GET /api/metrics response: the pool's in-memory
// snapshot plus the durable worker-registration rows.
type metricsBody struct {
	pool.Metrics
	Workers []store.WorkerInfo `json:"workers"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var body metricsBody
	if s.pool != nil {
		body.Metrics = s.pool.Metrics()
	}
	workers, err := s.store.ActiveWorkers(r.Context())
	if err != nil {
		log.Printf("metrics: list workers: %v", err)
	}
	body.Workers = workers
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var spec task.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(errs.InvalidInput("malformed request body: %v", err)))
		return
	}

	t, err := s.queue.Enqueue(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": t.ID, "status": t.Status})
}

// taskBody is the GET /api/tasks/{id} response record: the workflow
// fields are flattened to the top level per the wire contract rather
// than nested under the embedded workflow-state object.
type taskBody struct {
	ID           uuid.UUID                               `json:"id"`
	Kind         string                                  `json:"kind"`
	Status       task.Status                             `json:"status"`
	Priority     int                                     `json:"priority"`
	Phase        workflow.Phase                          `json:"phase"`
	PhaseResults map[workflow.Phase]workflow.PhaseResult `json:"phase_results"`
	RetryCounts  map[workflow.Phase]int                  `json:"retry_counts"`
	Result       *task.Result                            `json:"result,omitempty"`
	Error        string                                  `json:"error,omitempty"`
	CreatedAt    time.Time                               `json:"created_at"`
	ClaimedAt    *time.Time                              `json:"claimed_at,omitempty"`
	CompletedAt  *time.Time                              `json:"completed_at,omitempty"`
	Attempts     int                                     `json:"attempts"`
}

func toTaskBody(t *task.Task) taskBody {
	return taskBody{
		ID:           t.ID,
		Kind:         t.Kind,
		Status:       t.Status,
		Priority:     t.Priority,
		Phase:        t.Workflow.CurrentPhase,
		PhaseResults: t.Workflow.PhaseResults,
		RetryCounts:  t.Workflow.RetryCounts,
		Result:       t.Result,
		Error:        t.Error,
		CreatedAt:    t.CreatedAt,
		ClaimedAt:    t.ClaimedAt,
		CompletedAt:  t.CompletedAt,
		Attempts:     t.Attempts,
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}

	t, err := s.queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskBody(t))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var status *task.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := task.Status(raw)
		status = &st
	}

	tasks, err := s.queue.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]taskBody, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskBody(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}

	outcome, err := s.queue.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(outcome)})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	if _, err := s.queue.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.addClient(id, conn)
	go s.hub.readPump(id, conn)
}

func parseID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errs.InvalidInput("invalid task id: %s", raw)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": "invalid_payload", "detail": err.Error()}
}

// writeError maps the error taxonomy onto the wire contract: a short
// error code plus a detail string for 4xx, and an opaque body for
// everything else (the diagnostics go to the log, not the client).
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errs.Is(err, errs.KindInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload", "detail": err.Error()})
	case errs.Is(err, errs.KindNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errs.Is(err, errs.KindConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "conflict", "detail": err.Error()})
	case errs.Is(err, errs.KindTransient):
		log.Printf("api: transient error: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
	default:
		log.Printf("api: internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	}
}

// NewHTTPServer wraps the router with conservative read/write/idle
// timeouts.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
