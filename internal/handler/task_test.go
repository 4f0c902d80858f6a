package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-store/internal/conflict"
	"github.com/BuzzLyutic/task-store/internal/events"
	"github.com/BuzzLyutic/task-store/internal/history"
	"github.com/BuzzLyutic/task-store/internal/model"
	"github.com/BuzzLyutic/task-store/internal/persistence"
	"github.com/BuzzLyutic/task-store/internal/store"
)

func setupRouter(t *testing.T) chi.Router {
	t.Helper()

	backend := persistence.NewMemory()
	bus := events.NewBus()
	logger := zap.NewNop()

	s := store.New(backend, bus, logger, 0)
	hm := history.NewManager(s, backend, bus, logger, 100)
	res := conflict.NewResolver(s, backend, bus, logger)

	h := NewTaskHandler(s, hm, res, logger)

	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestTaskHandler_Create(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		wantCode int
		check    func(*testing.T, *httptest.ResponseRecorder)
	}{
		{
			name:     "successful creation",
			body:     model.Input{Title: "Test Task", Priority: model.PriorityHigh},
			wantCode: http.StatusCreated,
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				var rec model.TaskRecord
				require.NoError(t, json.NewDecoder(w.Body).Decode(&rec))
				assert.NotEmpty(t, rec.ID)
				assert.Equal(t, 1, rec.Version)
				assert.Contains(t, w.Header().Get("Location"), "/api/tasks/")
			},
		},
		{
			name:     "empty body",
			body:     nil,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "validation error with details",
			body:     model.Input{Title: ""},
			wantCode: http.StatusBadRequest,
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				var body map[string]any
				require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
				assert.Equal(t, "validation error", body["error"])
				assert.NotEmpty(t, body["details"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupRouter(t)
			w := doJSON(t, router, http.MethodPost, "/api/tasks", tt.body)

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.check != nil {
				tt.check(t, w)
			}
		})
	}
}

func TestTaskHandler_GetUpdateDelete(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/tasks", model.Input{Title: "Lifecycle"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created model.TaskRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))

	t.Run("get", func(t *testing.T) {
		w := doJSON(t, router, http.MethodGet, "/api/tasks/"+created.ID, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("get missing is 404", func(t *testing.T) {
		w := doJSON(t, router, http.MethodGet, "/api/tasks/ghost", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("patch", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPatch, "/api/tasks/"+created.ID, map[string]string{"title": "Renamed"})
		require.Equal(t, http.StatusOK, w.Code)

		var rec model.TaskRecord
		require.NoError(t, json.NewDecoder(w.Body).Decode(&rec))
		assert.Equal(t, "Renamed", rec.Title)
		assert.Equal(t, 2, rec.Version)
	})

	t.Run("toggle", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/api/tasks/"+created.ID+"/toggle", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var rec model.TaskRecord
		require.NoError(t, json.NewDecoder(w.Body).Decode(&rec))
		assert.True(t, rec.Completed)
		assert.NotNil(t, rec.CompletedAt)
	})

	t.Run("delete", func(t *testing.T) {
		w := doJSON(t, router, http.MethodDelete, "/api/tasks/"+created.ID, nil)
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = doJSON(t, router, http.MethodGet, "/api/tasks/"+created.ID, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestTaskHandler_ListFilters(t *testing.T) {
	router := setupRouter(t)

	for i, in := range []model.Input{
		{Title: "Alpha", Priority: model.PriorityHigh, Tags: []string{"work"}},
		{Title: "Beta", Category: "home"},
		{Title: "Gamma", Tags: []string{"work"}},
	} {
		w := doJSON(t, router, http.MethodPost, "/api/tasks", in)
		require.Equal(t, http.StatusCreated, w.Code, "create %d", i)
	}

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 3},
		{"by tag", "?tag=work", 2},
		{"by priority", "?priority=high", 1},
		{"by category", "?category=home", 1},
		{"search", "?search=gam", 1},
		{"paginated", "?offset=1&limit=1", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodGet, "/api/tasks"+tt.query, nil)
			require.Equal(t, http.StatusOK, w.Code)

			var tasks []model.TaskRecord
			require.NoError(t, json.NewDecoder(w.Body).Decode(&tasks))
			assert.Len(t, tasks, tt.want)
		})
	}
}

func TestTaskHandler_UndoRedo(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/tasks", model.Input{Title: "T1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created model.TaskRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))

	w = doJSON(t, router, http.MethodPatch, "/api/tasks/"+created.ID, map[string]string{"title": "T2"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+created.ID+"/undo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec model.TaskRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rec))
	assert.Equal(t, "T1", rec.Title)
	assert.Equal(t, 1, rec.Version)

	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+created.ID+"/redo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rec))
	assert.Equal(t, "T2", rec.Title)
	assert.Equal(t, 2, rec.Version)

	// Стек undo пуст - конфликт состояния, а не 500
	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+created.ID+"/undo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+created.ID+"/undo", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTaskHandler_HistoryEndpoint(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/tasks", model.Input{Title: "T1"})
	var created model.TaskRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))

	doJSON(t, router, http.MethodPatch, "/api/tasks/"+created.ID, map[string]string{"title": "T2"})

	w = doJSON(t, router, http.MethodGet, "/api/tasks/"+created.ID+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Log     []history.Entry `json:"log"`
		CanUndo int             `json:"can_undo"`
		CanRedo int             `json:"can_redo"`
		State   string          `json:"state"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Len(t, body.Log, 1)
	assert.Equal(t, 1, body.CanUndo)
	assert.Equal(t, "idle", body.State)
}

func TestTaskHandler_ConflictFlow(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/tasks", model.Input{Title: "Alpha"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created model.TaskRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))

	remoteTS := created.UpdatedAt.Add(time.Second)
	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+created.ID+"/conflicts/detect", map[string]any{
		"changes": []map[string]any{
			{"field": "title", "new_value": "Beta", "timestamp": remoteTS},
		},
		"remote_timestamp": remoteTS,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var detectBody struct {
		Detected []conflict.Record `json:"detected"`
		Count    int               `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&detectBody))
	require.Equal(t, 1, detectBody.Count)
	assert.Equal(t, conflict.SeverityHigh, detectBody.Detected[0].Severity)

	conflictID := detectBody.Detected[0].ID

	// Применение до выбора резолюции отклоняется
	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+created.ID+"/conflicts/apply", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/tasks/%s/conflicts/%s/resolve", created.ID, conflictID),
		map[string]string{"strategy": "remote"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+created.ID+"/conflicts/apply", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rec model.TaskRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rec))
	assert.Equal(t, "Beta", rec.Title)

	// Pending-список пуст
	w = doJSON(t, router, http.MethodGet, "/api/tasks/"+created.ID+"/conflicts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pending []conflict.Record
	require.NoError(t, json.NewDecoder(w.Body).Decode(&pending))
	assert.Empty(t, pending)
}

func TestTaskHandler_ConflictBadStrategy(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/tasks", model.Input{Title: "Alpha"})
	var created model.TaskRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))

	w = doJSON(t, router, http.MethodPost,
		"/api/tasks/"+created.ID+"/conflicts/whatever/resolve",
		map[string]string{"strategy": "coin-flip"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskHandler_ExportImport(t *testing.T) {
	router := setupRouter(t)

	for _, title := range []string{"One", "Two"} {
		w := doJSON(t, router, http.MethodPost, "/api/tasks", model.Input{Title: title})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(t, router, http.MethodGet, "/api/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	exported := w.Body.Bytes()

	w = doJSON(t, router, http.MethodDelete, "/api/tasks", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/import", bytes.NewReader(exported))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result model.ImportResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Imported)

	w = doJSON(t, router, http.MethodGet, "/api/tasks", nil)
	var tasks []model.TaskRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tasks))
	assert.Len(t, tasks, 2)
}

func TestTaskHandler_StatsEndpoint(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/tasks", model.Input{Title: "A", Completed: true})
	require.Equal(t, http.StatusCreated, w.Code)
	w = doJSON(t, router, http.MethodPost, "/api/tasks", model.Input{Title: "B"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/tasks/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats model.Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Pending)
}

func TestTaskHandler_PurgeHistory(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/tasks", model.Input{Title: "T1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created model.TaskRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))

	w = doJSON(t, router, http.MethodPatch, "/api/tasks/"+created.ID, map[string]string{"title": "T2"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/tasks/"+created.ID+"/history", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Журнал пуст, отменять больше нечего
	w = doJSON(t, router, http.MethodGet, "/api/tasks/"+created.ID+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Log     []history.Entry `json:"log"`
		CanUndo int             `json:"can_undo"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Empty(t, body.Log)
	assert.Zero(t, body.CanUndo)

	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+created.ID+"/undo", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTaskHandler_RestoreBackup(t *testing.T) {
	router := setupRouter(t)

	// Без единого удаления восстанавливать нечего
	w := doJSON(t, router, http.MethodPost, "/api/restore-backup", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/tasks", model.Input{Title: "Precious"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created model.TaskRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))

	w = doJSON(t, router, http.MethodDelete, "/api/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/restore-backup", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result model.ImportResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Imported)

	w = doJSON(t, router, http.MethodGet, "/api/tasks", nil)
	var tasks []model.TaskRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "Precious", tasks[0].Title)
}
