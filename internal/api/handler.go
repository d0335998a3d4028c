// Package api exposes the HTTP boundary: task lifecycle, inbox decisions,
// flow runs, documents and memory queries.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/foreman/internal/graph"
	"github.com/nidhogg/foreman/internal/inbox"
	"github.com/nidhogg/foreman/internal/memory"
	"github.com/nidhogg/foreman/internal/store"
	"github.com/nidhogg/foreman/internal/task"
	"go.uber.org/zap"
)

// HealthChecker reports one dependency's reachability.
type HealthChecker func(r *http.Request) error

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine *task.Engine
	inbox  *inbox.Inbox
	memory *memory.Store
	flows  *graph.Executor
	store  *store.Store
	checks map[string]HealthChecker
	logger *zap.Logger
}

// NewHandler creates a new API handler. checks maps dependency names to
// their health probes.
func NewHandler(
	engine *task.Engine,
	ibx *inbox.Inbox,
	mem *memory.Store,
	flows *graph.Executor,
	st *store.Store,
	checks map[string]HealthChecker,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		engine: engine,
		inbox:  ibx,
		memory: mem,
		flows:  flows,
		store:  st,
		checks: checks,
		logger: logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Task lifecycle
		r.Post("/tasks", h.submitTask)
		r.Get("/tasks", h.listTasks)
		r.Get("/tasks/{id}", h.getTask)
		r.Post("/tasks/{id}/approve", h.approveTask)
		r.Post("/tasks/{id}/reject", h.rejectTask)
		r.Post("/tasks/{id}/delay", h.delayTask)
		r.Post("/tasks/{id}/cancel", h.cancelTask)
		r.Post("/tasks/{id}/resolve", h.resolveTask)
		r.Post("/tasks/{id}/archive", h.archiveTask)

		// Inbox
		r.Get("/inbox", h.listInbox)

		// Flows
		r.Post("/flows/{name}/run", h.runFlow)

		// Memory
		r.Post("/documents", h.createDocument)
		r.Put("/documents/{id}", h.updateDocument)
		r.Post("/memory/query", h.queryMemory)

		// Schedules
		r.Post("/schedules", h.createSchedule)
		r.Post("/schedules/{id}/enable", h.enableSchedule)
		r.Post("/schedules/{id}/disable", h.disableSchedule)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(r); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	writeJSON(w, status, map[string]any{
		"status":       httpStatusWord(status),
		"dependencies": deps,
	})
}

func httpStatusWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

type submitTaskRequest struct {
	Type             string         `json:"type"`
	Input            map[string]any `json:"input"`
	Tags             []string       `json:"tags,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	Summary          string         `json:"summary,omitempty"`
	Deadline         *time.Time     `json:"deadline,omitempty"`
	Fallback         string         `json:"fallback,omitempty"`
	Origin           string         `json:"origin,omitempty"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}
	origin := task.OriginUser
	if req.Origin == string(task.OriginWebhook) {
		origin = task.OriginWebhook
	}

	t, err := h.engine.Submit(r.Context(), req.Type, req.Input, origin, task.SubmitOptions{
		Tags:             req.Tags,
		RequiresApproval: req.RequiresApproval,
		Summary:          req.Summary,
		Deadline:         req.Deadline,
		Fallback:         task.Fallback(req.Fallback),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = string(task.StatusQueued)
	}
	tasks, err := h.store.ListTasksByStatus(r.Context(), task.Status(status), 100)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) approveTask(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Approve(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

type rejectTaskRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) rejectTask(w http.ResponseWriter, r *http.Request) {
	var req rejectTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "rejected by operator"
	}
	if err := h.engine.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

type delayTaskRequest struct {
	Until    time.Time `json:"until"`
	Fallback string    `json:"fallback,omitempty"`
}

func (h *Handler) delayTask(w http.ResponseWriter, r *http.Request) {
	var req delayTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Until.IsZero() || !req.Until.After(time.Now()) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "until must be in the future"})
		return
	}
	if err := h.engine.Delay(r.Context(), chi.URLParam(r, "id"), req.Until, task.Fallback(req.Fallback)); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delayed"})
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})
}

type resolveTaskRequest struct {
	Result map[string]any `json:"result"`
}

func (h *Handler) resolveTask(w http.ResponseWriter, r *http.Request) {
	var req resolveTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.engine.Resolve(r.Context(), chi.URLParam(r, "id"), req.Result); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (h *Handler) archiveTask(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ArchiveTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (h *Handler) listInbox(w http.ResponseWriter, r *http.Request) {
	entries, err := h.inbox.ListPending(r.Context(), 50)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []task.InboxEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) runFlow(w http.ResponseWriter, r *http.Request) {
	var inputs map[string]any
	if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	out, err := h.flows.RunFlow(r.Context(), chi.URLParam(r, "name"), inputs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type documentRequest struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Project string   `json:"project,omitempty"`
	Author  string   `json:"author,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

func (h *Handler) createDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Title == "" || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title and content are required"})
		return
	}
	docID, err := h.memory.WriteDocument(r.Context(), req.Title, req.Content, req.Project, req.Author, req.Tags)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": docID})
}

func (h *Handler) updateDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}
	if err := h.memory.UpdateDocument(r.Context(), chi.URLParam(r, "id"), req.Content); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type memoryQueryRequest struct {
	Query   string         `json:"query"`
	K       int            `json:"k,omitempty"`
	Filters memory.Filters `json:"filters,omitempty"`
}

func (h *Handler) queryMemory(w http.ResponseWriter, r *http.Request) {
	var req memoryQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}
	hits, err := h.memory.Query(r.Context(), req.Query, req.Filters, req.K)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if hits == nil {
		hits = []memory.Hit{}
	}
	writeJSON(w, http.StatusOK, hits)
}

type scheduleRequest struct {
	TaskType        string         `json:"task_type"`
	Input           map[string]any `json:"input"`
	IntervalSeconds int64          `json:"interval_seconds"`
	Enabled         *bool          `json:"enabled,omitempty"`
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.TaskType == "" || req.IntervalSeconds <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task_type and a positive interval_seconds are required"})
		return
	}
	sc := &task.Schedule{
		TaskType: req.TaskType,
		Input:    req.Input,
		Interval: time.Duration(req.IntervalSeconds) * time.Second,
		Enabled:  true,
	}
	if req.Enabled != nil {
		sc.Enabled = *req.Enabled
	}
	if err := h.store.InsertSchedule(r.Context(), sc); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (h *Handler) enableSchedule(w http.ResponseWriter, r *http.Request) {
	h.setScheduleEnabled(w, r, true)
}

func (h *Handler) disableSchedule(w http.ResponseWriter, r *http.Request) {
	h.setScheduleEnabled(w, r, false)
}

func (h *Handler) setScheduleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if err := h.store.SetScheduleEnabled(r.Context(), chi.URLParam(r, "id"), enabled); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

// writeError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, graph.ErrUnknownFlow):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, task.ErrUnknownTaskType), errors.Is(err, graph.ErrMissingInput):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
