package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BuzzLyutic/task-store/pkg/respond"
)

func (h *TaskHandler) History(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	respond.JSON(w, r, http.StatusOK, map[string]any{
		"log":      h.history.Log(taskID),
		"can_undo": h.history.CanUndo(taskID),
		"can_redo": h.history.CanRedo(taskID),
		"state":    h.history.State(taskID),
	})
}

func (h *TaskHandler) Undo(w http.ResponseWriter, r *http.Request) {
	rec, err := h.history.Undo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, rec)
}

func (h *TaskHandler) Redo(w http.ResponseWriter, r *http.Request) {
	rec, err := h.history.Redo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, rec)
}

// PurgeHistory окончательно выбрасывает журнал задачи; сама запись не трогается
func (h *TaskHandler) PurgeHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.history.Purge(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.handleErrors(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version int `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	rec, err := h.history.RestoreToVersion(r.Context(), chi.URLParam(r, "id"), req.Version)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, rec)
}
