package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/foreman/internal/engine"
	"github.com/nidhogg/foreman/internal/task"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(eng *engine.Engine, logger *zap.Logger) *Handler {
	return &Handler{engine: eng, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/tasks", h.submitTask)
		r.Get("/tasks", h.listTasks)
		r.Get("/tasks/{id}", h.getTask)
		r.Get("/tasks/{id}/result", h.getResult)
		r.Delete("/tasks/{id}", h.cancelTask)
		r.Get("/tasks/{id}/events", h.streamEvents)
		r.Get("/tasks/{id}/ws", h.streamWebSocket)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "foreman"})
}

type submitRequest struct {
	Query         string `json:"query"`
	TaskType      string `json:"task_type"`
	Priority      int    `json:"priority"`
	MaxIterations int    `json:"max_iterations"`
}

type submitResponse struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	EventsURL    string `json:"events_url"`
	WebsocketURL string `json:"websocket_url"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	t, err := h.engine.Submit(r.Context(), engine.Submission{
		Query:         req.Query,
		TaskType:      req.TaskType,
		Priority:      req.Priority,
		MaxIterations: req.MaxIterations,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrEmptyQuery) {
			status = http.StatusBadRequest
		}
		if errors.Is(err, engine.ErrShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		TaskID:       t.ID,
		Status:       string(t.Status),
		EventsURL:    fmt.Sprintf("/api/tasks/%s/events", t.ID),
		WebsocketURL: fmt.Sprintf("/api/tasks/%s/ws", t.ID),
	})
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	var f task.Filter
	if s := r.URL.Query().Get("status"); s != "" {
		status := task.Status(s)
		switch status {
		case task.StatusPending, task.StatusRunning, task.StatusCompleted,
			task.StatusFailed, task.StatusCancelled:
			f.Status = status
		default:
			writeJSON(w, http.StatusBadRequest,
				map[string]string{"error": "unknown status: " + s})
			return
		}
	}

	summaries, err := h.engine.List(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) getResult(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	if t.Status != task.StatusCompleted {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "task has no result yet",
			"status": string(t.Status),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": t.ID,
		"result":  t.Result,
	})
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, engine.ErrTaskTerminal) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t.Summarize())
}

// streamEvents serves task progress as server-sent events. The current
// snapshot is sent first, then every subsequent change; the stream ends when
// the task reaches a terminal state or the client disconnects.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError,
			map[string]string{"error": "streaming unsupported"})
		return
	}

	// Subscribe before the initial read so no change between the two is
	// lost.
	sub := h.engine.Subscribe(id)
	defer sub.Close()

	current, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeTaskError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, current.Summarize())
	flusher.Flush()
	if current.Status.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, open := <-sub.Events():
			if !open {
				return
			}
			writeEvent(w, snap.Summarize())
			flusher.Flush()
			if snap.Status.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeTaskError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, task.ErrTaskNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
