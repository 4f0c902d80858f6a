package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-store/internal/conflict"
	"github.com/BuzzLyutic/task-store/internal/history"
	"github.com/BuzzLyutic/task-store/internal/model"
	"github.com/BuzzLyutic/task-store/internal/persistence"
	"github.com/BuzzLyutic/task-store/internal/store"
	"github.com/BuzzLyutic/task-store/pkg/respond"
)

type TaskHandler struct {
	store    *store.Store
	history  *history.Manager
	resolver *conflict.Resolver
	logger   *zap.Logger
}

func NewTaskHandler(s *store.Store, h *history.Manager, r *conflict.Resolver, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		store:    s,
		history:  h,
		resolver: r,
		logger:   logger,
	}
}

// Routes монтирует все операции ядра; один и тот же роутер используют
// приложение и e2e-тесты
func (h *TaskHandler) Routes(r chi.Router) {
	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/stats", h.Stats)
		r.Delete("/", h.DeleteAll)
		r.Delete("/completed", h.DeleteCompleted)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Patch("/", h.Update)
			r.Delete("/", h.Delete)
			r.Post("/toggle", h.Toggle)

			r.Get("/history", h.History)
			r.Delete("/history", h.PurgeHistory)
			r.Post("/undo", h.Undo)
			r.Post("/redo", h.Redo)
			r.Post("/restore", h.Restore)

			r.Route("/conflicts", func(r chi.Router) {
				r.Get("/", h.Conflicts)
				r.Post("/detect", h.DetectConflicts)
				r.Post("/{conflictID}/resolve", h.ResolveConflict)
				r.Post("/apply", h.ApplyConflicts)
			})
		})
	})

	r.Get("/api/export", h.Export)
	r.Post("/api/import", h.Import)
	r.Post("/api/restore-backup", h.RestoreBackup)
}

func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength == 0 {
		respond.Error(w, r, http.StatusBadRequest, "empty request body")
		return
	}

	var in model.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.logger.Error("failed to decode json", zap.Error(err))
		respond.Error(w, r, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return
	}

	rec, err := h.store.Create(r.Context(), in)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/tasks/"+rec.ID)
	respond.JSON(w, r, http.StatusCreated, rec)
}

func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, rec)
}

func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := parseFilter(r)

	tasks, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, tasks)
}

func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch model.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respond.Error(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	rec, _, err := h.store.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, rec)
}

func (h *TaskHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	rec, _, err := h.store.ToggleComplete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, rec)
}

func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.handleErrors(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) DeleteCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.DeleteCompleted(r.Context())
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, map[string]int{"deleted": n})
}

func (h *TaskHandler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteAll(r.Context()); err != nil {
		h.handleErrors(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, stats)
}

func (h *TaskHandler) Export(w http.ResponseWriter, r *http.Request) {
	payload, err := h.store.Export(r.Context())
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, payload)
}

func (h *TaskHandler) Import(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil || len(raw) == 0 {
		respond.Error(w, r, http.StatusBadRequest, "empty request body")
		return
	}

	opts := store.ImportOptions{
		ReplaceExisting: r.URL.Query().Get("replace") == "true",
	}
	result, err := h.store.Import(r.Context(), raw, opts)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, result)
}

// RestoreBackup возвращает последний бэкап удалённых записей в коллекцию
func (h *TaskHandler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	result, err := h.store.RestoreBackup(r.Context())
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, result)
}

func parseFilter(r *http.Request) model.TaskFilter {
	q := r.URL.Query()
	var filter model.TaskFilter

	if v := q.Get("completed"); v != "" {
		completed := v == "true"
		filter.Completed = &completed
	}
	if v := q.Get("priority"); v != "" {
		p := model.Priority(v)
		filter.Priority = &p
	}
	if v := q.Get("category"); v != "" {
		filter.Category = &v
	}
	if v := q.Get("tag"); v != "" {
		filter.Tag = &v
	}
	if v := q.Get("search"); v != "" {
		filter.Search = &v
	}
	filter.IncludeDeleted = q.Get("include_deleted") == "true"
	filter.Sort = model.SortKey(q.Get("sort"))
	filter.Desc = q.Get("desc") == "true"
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	return filter
}

func (h *TaskHandler) handleErrors(w http.ResponseWriter, r *http.Request, err error) {
	var verr *store.ValidationError
	switch {
	case errors.As(err, &verr):
		respond.ErrorDetails(w, r, http.StatusBadRequest, "validation error", verr.Fields)
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, conflict.ErrNoConflict),
		errors.Is(err, history.ErrVersionNotFound):
		respond.Error(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, conflict.ErrBadStrategy):
		respond.Error(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrBusy), errors.Is(err, history.ErrBusy):
		respond.Error(w, r, http.StatusConflict, "busy")
	case errors.Is(err, conflict.ErrUnresolved):
		respond.Error(w, r, http.StatusConflict, "conflict resolutions missing")
	case errors.Is(err, history.ErrNothingToUndo), errors.Is(err, history.ErrNothingToRedo):
		respond.Error(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, persistence.ErrStorage):
		h.logger.Error("storage error", zap.Error(err))
		respond.Error(w, r, http.StatusInternalServerError, "storage error")
	default:
		h.logger.Error("internal error", zap.Error(err))
		respond.Error(w, r, http.StatusInternalServerError, "internal error")
	}
}
