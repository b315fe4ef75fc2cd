package writeq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	defaultListLimit    = 50
	defaultProcessLimit = 20
	// Bounds how long a manual run holds the state lock.
	maxProcessLimit     = 50
)

// QueueReader is the read side of the retry queue; *RetryQueue implements
// it.
type QueueReader interface {
	List(ctx context.Context, limit int) ([]Operation, error)
	DeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error)
	GetDeadLetter(ctx context.Context, id string) (*DeadLetterEntry, error)
}

// Handler provides the admin HTTP endpoints for the write pipeline.
type Handler struct {
	proc    BacklogProcessor
	queue   QueueReader
	metrics *Metrics
}

// NewHandler creates an admin handler. metrics may be nil.
func NewHandler(proc BacklogProcessor, queue QueueReader, metrics *Metrics) *Handler {
	return &Handler{proc: proc, queue: queue, metrics: metrics}
}

// Routes returns a chi.Router with all admin endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/stats", h.handleStats)
	r.Get("/queue", h.handleQueue)
	r.Get("/dlq", h.handleDeadLetters)
	r.Get("/dlq/{opID}", h.handleDeadLetter)
	r.Post("/process", h.handleProcess)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}
	return r
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.proc.Stats(r.Context())
	if err != nil {
		slog.Error("writeq admin: stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	ops, err := h.queue.List(r.Context(), queryLimit(r, defaultListLimit))
	if err != nil {
		slog.Error("writeq admin: list queue failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if ops == nil {
		ops = []Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := h.queue.DeadLetters(r.Context(), queryLimit(r, defaultListLimit))
	if err != nil {
		slog.Error("writeq admin: list dlq failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if entries == nil {
		entries = []DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	opID := chi.URLParam(r, "opID")
	entry, err := h.queue.GetDeadLetter(r.Context(), opID)
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "dlq entry not found"})
		return
	}
	if err != nil {
		slog.Error("writeq admin: get dlq entry failed", "op_id", opID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultProcessLimit)
	if limit > maxProcessLimit {
		limit = maxProcessLimit
	}
	res, err := h.proc.Process(r.Context(), limit)
	if err != nil {
		slog.Error("writeq admin: process failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
