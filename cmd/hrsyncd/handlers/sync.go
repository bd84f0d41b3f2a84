// Package handlers provides the daemon's REST control API over the operation queue.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/kimhsiao/hrdesk/internal/errors"
	"github.com/kimhsiao/hrdesk/internal/logging"
	"github.com/kimhsiao/hrdesk/internal/models"
	"github.com/kimhsiao/hrdesk/internal/sync/manager"
	"github.com/kimhsiao/hrdesk/internal/uuid"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// SyncHandler serves queue, sync, config, conflict and signal endpoints.
type SyncHandler struct {
	mgr *manager.Manager
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(mgr *manager.Manager) *SyncHandler {
	return &SyncHandler{mgr: mgr}
}

// Register mounts the routes on mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/v1/stats", h.GetStats)
	mux.HandleFunc("GET /api/v1/operations", h.ListOperations)
	mux.HandleFunc("POST /api/v1/operations", h.Enqueue)
	mux.HandleFunc("DELETE /api/v1/operations", h.ClearOperations)
	mux.HandleFunc("GET /api/v1/operations/{id}", h.GetOperation)
	mux.HandleFunc("DELETE /api/v1/operations/{id}", h.RemoveOperation)
	mux.HandleFunc("POST /api/v1/sync", h.TriggerSync)
	mux.HandleFunc("GET /api/v1/config", h.GetConfig)
	mux.HandleFunc("PUT /api/v1/config", h.UpdateConfig)
	mux.HandleFunc("GET /api/v1/conflicts", h.ListConflicts)
	mux.HandleFunc("POST /api/v1/conflicts/{id}/resolve", h.ResolveConflict)
	mux.HandleFunc("POST /api/v1/signals/{signal}", h.Signal)
}

// Health handles GET /api/health.
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "hrsyncd",
	})
}

// GetStats handles GET /api/v1/stats.
func (h *SyncHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	status := h.mgr.SchedulerStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":            h.mgr.Stats(),
		"debounce_pending": status.DebouncePending,
		"last_pass_at":     status.LastSyncTime,
	})
}

// ListOperations handles GET /api/v1/operations[?owner=].
func (h *SyncHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	var ops []*models.Operation
	if owner := strings.TrimSpace(r.URL.Query().Get("owner")); owner != "" {
		ops = h.mgr.ListPendingByOwner(owner)
	} else {
		ops = h.mgr.ListPending()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operations": ops,
		"count":      len(ops),
	})
}

// Enqueue handles POST /api/v1/operations.
func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req manager.EnqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := h.mgr.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

// GetOperation handles GET /api/v1/operations/{id}.
func (h *SyncHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	op, ok := h.mgr.Get(id)
	if !ok {
		writeError(w, apperrors.New(apperrors.ErrNotFound, "operation not found"))
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// RemoveOperation handles DELETE /api/v1/operations/{id}.
func (h *SyncHandler) RemoveOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if !h.mgr.Remove(r.Context(), id) {
		writeError(w, apperrors.New(apperrors.ErrNotFound, "operation not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearOperations handles DELETE /api/v1/operations[?owner=].
func (h *SyncHandler) ClearOperations(w http.ResponseWriter, r *http.Request) {
	var removed int
	if owner := strings.TrimSpace(r.URL.Query().Get("owner")); owner != "" {
		removed = h.mgr.ClearOwner(r.Context(), owner)
	} else {
		removed = h.mgr.Clear(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// TriggerSync handles POST /api/v1/sync.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.mgr.ForceSync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   result.Success,
		"failure":   result.Failure,
		"dropped":   result.Dropped,
		"conflicts": result.Conflicts,
		"deferred":  result.Deferred,
		"duration":  result.Elapsed.Milliseconds(),
	})
}

// GetConfig handles GET /api/v1/config.
func (h *SyncHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.Config())
}

// UpdateConfig handles PUT /api/v1/config. Omitted fields keep their values.
func (h *SyncHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.mgr.Config()
	if !decodeBody(w, r, &cfg) {
		return
	}
	if err := h.mgr.Reconfigure(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.mgr.Config())
}

// ListConflicts handles GET /api/v1/conflicts.
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	logs := h.mgr.Conflicts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": logs,
		"count":     len(logs),
	})
}

// ResolveConflict handles POST /api/v1/conflicts/{id}/resolve.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeepClient bool `json:"keep_client"`
	}
	id, ok := pathID(w, r)
	if !ok || !decodeBody(w, r, &req) {
		return
	}
	if err := h.mgr.ResolveConflict(r.Context(), id, req.KeepClient); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "resolved",
		"keep_client": req.KeepClient,
	})
}

// Signal handles POST /api/v1/signals/{signal} for hosts that own
// connectivity or visibility detection.
func (h *SyncHandler) Signal(w http.ResponseWriter, r *http.Request) {
	signals := h.mgr.Signals()
	switch r.PathValue("signal") {
	case "online":
		signals.BecameOnline()
	case "offline":
		signals.BecameOffline()
	case "visible":
		signals.BecameVisible()
	case "sync-complete":
		signals.ExternalSyncNotice()
	default:
		writeError(w, apperrors.New(apperrors.ErrInvalid, "unknown signal "+r.PathValue("signal")))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// pathID extracts and validates the {id} path segment.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := uuid.Validate(id); err != nil {
		writeError(w, err)
		return "", false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

// statusFor maps error codes to HTTP statuses.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrConfigInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrSyncOffline, apperrors.ErrSyncDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
		if appErr.Err != nil {
			message += ": " + appErr.Err.Error()
		}
	}
	writeJSON(w, statusFor(code), map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}
