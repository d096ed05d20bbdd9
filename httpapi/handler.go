// Package httpapi exposes the verification review API over HTTP.
// It provides REST endpoints for listing pending verification tasks,
// approving or rejecting them, and looking up stored links.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/c360studio/semgate/governor"
	"github.com/c360studio/semgate/reconcile"
)

// maxRequestBodySize limits the size of request bodies to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler provides HTTP endpoints for verification task review.
type Handler struct {
	engine *reconcile.Engine
	gov    *governor.Governor
	logger *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used by the handler.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithGovernor exposes a governor snapshot at GET /governor.
func WithGovernor(gov *governor.Governor) Option {
	return func(h *Handler) {
		h.gov = gov
	}
}

// NewHandler creates an HTTP handler backed by the given engine.
func NewHandler(engine *reconcile.Engine, opts ...Option) *Handler {
	h := &Handler{
		engine: engine,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) log() *slog.Logger {
	if h.logger == nil {
		return slog.Default()
	}
	return h.logger
}

// RegisterRoutes registers the review API endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /tasks", h.handleListTasks)
	mux.HandleFunc("POST /tasks/{id}/approve", h.handleApprove)
	mux.HandleFunc("POST /tasks/{id}/reject", h.handleReject)
	mux.HandleFunc("GET /links", h.handleGetLink)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	if h.gov != nil {
		mux.HandleFunc("GET /governor", h.handleGovernor)
	}
}

// ListTasksResponse is the response for GET /tasks.
type ListTasksResponse struct {
	Tasks []*reconcile.VerificationTask `json:"tasks"`
	Total int                           `json:"total"`
}

// ApproveRequest is the request body for POST /tasks/{id}/approve.
type ApproveRequest struct {
	CandidateID string `json:"candidate_id"`
}

// TaskStatusResponse reports the outcome of an approve or reject call.
type TaskStatusResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// handleListTasks handles GET /tasks.
// Query parameters:
//   - limit: max results (default: 50)
func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 50
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed < 1 || parsed > 1000 {
			h.writeError(w, http.StatusBadRequest, "invalid limit: must be 1-1000")
			return
		}
		limit = parsed
	}

	tasks, err := h.engine.PendingTasks(ctx)
	if err != nil {
		h.log().Error("Failed to list tasks", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	total := len(tasks)
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}

	h.writeJSON(w, http.StatusOK, ListTasksResponse{
		Tasks: tasks,
		Total: total,
	})
}

// handleApprove handles POST /tasks/{id}/approve.
func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "task ID required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CandidateID == "" {
		h.writeError(w, http.StatusBadRequest, "candidate_id is required")
		return
	}

	if err := h.engine.ApproveTask(ctx, id, req.CandidateID); err != nil {
		h.writeTaskError(w, id, err, "approve")
		return
	}

	h.log().Info("Task approved via HTTP", "task_id", id, "candidate_id", req.CandidateID)
	h.writeJSON(w, http.StatusOK, TaskStatusResponse{TaskID: id, Status: string(reconcile.TaskApproved)})
}

// handleReject handles POST /tasks/{id}/reject.
func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "task ID required")
		return
	}

	if err := h.engine.RejectTask(ctx, id); err != nil {
		h.writeTaskError(w, id, err, "reject")
		return
	}

	h.log().Info("Task rejected via HTTP", "task_id", id)
	h.writeJSON(w, http.StatusOK, TaskStatusResponse{TaskID: id, Status: string(reconcile.TaskRejected)})
}

// handleGetLink handles GET /links?iri=<entity-iri>.
func (h *Handler) handleGetLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	iri := r.URL.Query().Get("iri")
	if iri == "" {
		h.writeError(w, http.StatusBadRequest, "iri query parameter required")
		return
	}

	link, err := h.engine.GetLink(ctx, iri)
	if err != nil {
		h.log().Error("Failed to get link", "entity_iri", iri, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get link")
		return
	}
	if link == nil {
		h.writeError(w, http.StatusNotFound, "no link for entity")
		return
	}

	h.writeJSON(w, http.StatusOK, link)
}

// handleHealth handles GET /healthz.
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GovernorStatus is the response for GET /governor.
type GovernorStatus struct {
	governor.Snapshot
	WindowResetSeconds float64 `json:"window_reset_seconds"`
}

// handleGovernor handles GET /governor.
func (h *Handler) handleGovernor(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, GovernorStatus{
		Snapshot:           h.gov.Metrics(),
		WindowResetSeconds: h.gov.ResetTime().Seconds(),
	})
}

// writeTaskError maps task lifecycle errors to HTTP status codes.
func (h *Handler) writeTaskError(w http.ResponseWriter, id string, err error, op string) {
	switch {
	case errors.Is(err, reconcile.ErrTaskNotFound):
		h.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, reconcile.ErrTaskNotPending):
		h.writeError(w, http.StatusConflict, "task is not pending")
	default:
		h.log().Error("Task operation failed", "op", op, "task_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to "+op+" task")
	}
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log().Warn("Failed to write JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
