package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BuzzLyutic/task-store/internal/conflict"
	"github.com/BuzzLyutic/task-store/pkg/respond"
)

func (h *TaskHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, r, http.StatusOK, h.resolver.Pending(chi.URLParam(r, "id")))
}

// DetectConflicts принимает отчёт об удалённых изменениях - единственный
// входной интерфейс будущего слоя синхронизации
func (h *TaskHandler) DetectConflicts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Changes         []conflict.RemoteChange `json:"changes"`
		RemoteTimestamp time.Time               `json:"remote_timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Changes) == 0 {
		respond.Error(w, r, http.StatusBadRequest, "no changes reported")
		return
	}

	detected, err := h.resolver.Detect(r.Context(), chi.URLParam(r, "id"), req.Changes, req.RemoteTimestamp)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, map[string]any{
		"detected": detected,
		"count":    len(detected),
	})
}

func (h *TaskHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy conflict.Strategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	err := h.resolver.Resolve(chi.URLParam(r, "id"), chi.URLParam(r, "conflictID"), req.Strategy)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) ApplyConflicts(w http.ResponseWriter, r *http.Request) {
	rec, err := h.resolver.Apply(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, rec)
}
