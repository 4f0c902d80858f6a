package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-store/internal/events"
	"github.com/BuzzLyutic/task-store/internal/model"
	"github.com/BuzzLyutic/task-store/internal/persistence"
)

const logKeyPrefix = "history:"

var (
	ErrBusy            = errors.New("task edit already in progress")
	ErrNothingToUndo   = errors.New("nothing to undo")
	ErrNothingToRedo   = errors.New("nothing to redo")
	ErrVersionNotFound = errors.New("version not found in history")
)

// Entry - одна зафиксированная правка: одно поле или батч полей одного
// логического действия. Журнал append-only с кольцевым вытеснением старейших.
type Entry struct {
	ID        string              `json:"id"`
	TaskID    string              `json:"task_id"`
	Changes   []model.FieldChange `json:"changes"`
	Timestamp time.Time           `json:"timestamp"`
	Version   int                 `json:"version"`
}

// stackItem несёт запись журнала вместе с предвычисленными диффами:
// inverse для undo за O(1), forward для redo
type stackItem struct {
	entry   Entry
	inverse map[string]any
	forward map[string]any
}

// Storer - то, что менеджеру нужно от Store для replay-мутаций
type Storer interface {
	Update(ctx context.Context, id string, patch model.Patch) (model.TaskRecord, []model.FieldChange, error)
}

// Manager подписан на мутации Store и ведёт пожурнальную историю правок
// с производными стеками undo/redo. Сами стеки - представления над журналом,
// не второй источник истины для данных.
type Manager struct {
	store   Storer
	backend persistence.Backend
	bus     *events.Bus
	logger  *zap.Logger
	limit   int

	mu     sync.Mutex
	logs   map[string][]Entry
	undo   map[string][]stackItem
	redo   map[string][]stackItem
	states map[string]State
	dirty  map[string]struct{}

	now   func() time.Time
	newID func() string
}

func NewManager(store Storer, backend persistence.Backend, bus *events.Bus, logger *zap.Logger, limit int) *Manager {
	if limit <= 0 {
		limit = 100
	}
	m := &Manager{
		store:   store,
		backend: backend,
		bus:     bus,
		logger:  logger,
		limit:   limit,
		logs:    make(map[string][]Entry),
		undo:    make(map[string][]stackItem),
		redo:    make(map[string][]stackItem),
		states:  make(map[string]State),
		dirty:   make(map[string]struct{}),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	bus.Subscribe(m.onEvent)
	return m
}

// Load гидрирует журналы из бэкенда и перестраивает undo-стеки.
// Redo-стеки после рестарта пусты.
func (m *Manager) Load(ctx context.Context) error {
	pairs, err := m.backend.Scan(ctx, logKeyPrefix)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, raw := range pairs {
		var log []Entry
		if err := json.Unmarshal(raw, &log); err != nil {
			m.logger.Warn("skipping corrupt history log", zap.String("key", key), zap.Error(err))
			continue
		}
		if len(log) == 0 {
			continue
		}
		taskID := log[0].TaskID
		m.logs[taskID] = log
		stack := make([]stackItem, 0, len(log))
		for _, e := range log {
			stack = append(stack, newStackItem(e))
		}
		m.undo[taskID] = stack
	}
	m.logger.Info("history loaded", zap.Int("tasks", len(m.logs)))
	return nil
}

// onEvent фиксирует каждую мутацию Store, не помеченную как внутреннее эхо.
// Replay-мутации самого менеджера и авто-сохранения записей не порождают.
func (m *Manager) onEvent(e events.Event) {
	if e.Type != events.Updated || len(e.Changes) == 0 {
		return
	}
	if e.Origin == model.OriginHistory || e.Origin == model.OriginAutoSave {
		return
	}

	entry := Entry{
		ID:        m.newID(),
		TaskID:    e.TaskID,
		Changes:   e.Changes,
		Timestamp: m.now(),
		Version:   e.Record.Version,
	}

	m.mu.Lock()
	log := append(m.logs[e.TaskID], entry)
	if len(log) > m.limit {
		log = log[len(log)-m.limit:]
	}
	m.logs[e.TaskID] = log

	stack := append(m.undo[e.TaskID], newStackItem(entry))
	if len(stack) > m.limit {
		stack = stack[len(stack)-m.limit:]
	}
	m.undo[e.TaskID] = stack

	// Любое новое действие инвалидирует прежнюю redo-историю
	delete(m.redo, e.TaskID)
	m.dirty[e.TaskID] = struct{}{}
	m.mu.Unlock()

	// Запись в момент коммита; периодический Flush подстраховывает пропуски
	if err := m.persistLog(context.Background(), e.TaskID); err != nil {
		m.logger.Error("history write failed", zap.String("task_id", e.TaskID), zap.Error(err))
	}
}

// Undo откатывает последнюю правку задачи, применяя сохранённые старые
// значения как обратный патч через Store
func (m *Manager) Undo(ctx context.Context, taskID string) (model.TaskRecord, error) {
	if err := m.transition(taskID, StateUndoing); err != nil {
		return model.TaskRecord{}, err
	}
	defer m.EndEdit(taskID)

	m.mu.Lock()
	stack := m.undo[taskID]
	if len(stack) == 0 {
		m.mu.Unlock()
		return model.TaskRecord{}, fmt.Errorf("undo %s: %w", taskID, ErrNothingToUndo)
	}
	item := stack[len(stack)-1]
	m.undo[taskID] = stack[:len(stack)-1]
	m.mu.Unlock()

	patch, err := model.PatchFromValues(item.inverse, model.OriginHistory)
	if err != nil {
		m.pushUndo(taskID, item)
		return model.TaskRecord{}, fmt.Errorf("undo %s: %w", taskID, err)
	}
	// Вместе с данными восстанавливается и версия до правки
	prev := item.entry.Version - 1
	patch.Version = &prev

	rec, _, err := m.store.Update(ctx, taskID, patch)
	if err != nil {
		m.pushUndo(taskID, item)
		return model.TaskRecord{}, err
	}

	m.mu.Lock()
	m.redo[taskID] = append(m.redo[taskID], item)
	m.mu.Unlock()

	m.bus.Publish(events.Event{Type: events.HistoryUndo, TaskID: taskID, Record: &rec, Changes: item.entry.Changes, Origin: model.OriginHistory})
	return rec, nil
}

// Redo повторно применяет последнюю откатанную правку
func (m *Manager) Redo(ctx context.Context, taskID string) (model.TaskRecord, error) {
	if err := m.transition(taskID, StateRedoing); err != nil {
		return model.TaskRecord{}, err
	}
	defer m.EndEdit(taskID)

	m.mu.Lock()
	stack := m.redo[taskID]
	if len(stack) == 0 {
		m.mu.Unlock()
		return model.TaskRecord{}, fmt.Errorf("redo %s: %w", taskID, ErrNothingToRedo)
	}
	item := stack[len(stack)-1]
	m.redo[taskID] = stack[:len(stack)-1]
	m.mu.Unlock()

	patch, err := model.PatchFromValues(item.forward, model.OriginHistory)
	if err != nil {
		m.pushRedo(taskID, item)
		return model.TaskRecord{}, fmt.Errorf("redo %s: %w", taskID, err)
	}
	v := item.entry.Version
	patch.Version = &v

	rec, _, err := m.store.Update(ctx, taskID, patch)
	if err != nil {
		m.pushRedo(taskID, item)
		return model.TaskRecord{}, err
	}

	m.mu.Lock()
	m.undo[taskID] = append(m.undo[taskID], item)
	m.mu.Unlock()

	m.bus.Publish(events.Event{Type: events.HistoryRedo, TaskID: taskID, Record: &rec, Changes: item.entry.Changes, Origin: model.OriginHistory})
	return rec, nil
}

// RestoreToVersion применяет старые значения записи журнала с указанной
// версией как новую отслеживаемую мутацию. Журнал не переписывается и не
// усекается: восстановление само логируется вперёд.
func (m *Manager) RestoreToVersion(ctx context.Context, taskID string, version int) (model.TaskRecord, error) {
	m.mu.Lock()
	var found *Entry
	for i := range m.logs[taskID] {
		if m.logs[taskID][i].Version == version {
			found = &m.logs[taskID][i]
			break
		}
	}
	m.mu.Unlock()

	if found == nil {
		return model.TaskRecord{}, fmt.Errorf("restore %s to version %d: %w", taskID, version, ErrVersionNotFound)
	}

	values := make(map[string]any, len(found.Changes))
	for _, ch := range found.Changes {
		values[ch.Field] = ch.Old
	}
	patch, err := model.PatchFromValues(values, model.OriginUser)
	if err != nil {
		return model.TaskRecord{}, fmt.Errorf("restore %s: %w", taskID, err)
	}

	rec, _, err := m.store.Update(ctx, taskID, patch)
	if err != nil {
		return model.TaskRecord{}, err
	}
	return rec, nil
}

// Log возвращает копию журнала задачи, от старых правок к новым
func (m *Manager) Log(taskID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.logs[taskID]...)
}

// CanUndo и CanRedo сообщают глубину соответствующих стеков
func (m *Manager) CanUndo(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo[taskID])
}

func (m *Manager) CanRedo(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo[taskID])
}

// Purge выбрасывает историю задачи; вызывается при окончательной очистке
// после жёсткого удаления записи
func (m *Manager) Purge(ctx context.Context, taskID string) error {
	m.mu.Lock()
	delete(m.logs, taskID)
	delete(m.undo, taskID)
	delete(m.redo, taskID)
	delete(m.dirty, taskID)
	delete(m.states, taskID)
	m.mu.Unlock()

	return m.backend.Delete(ctx, logKeyPrefix+taskID)
}

// Flush дописывает все журналы с несброшенными правками
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.dirty))
	for id := range m.dirty {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.persistLog(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) persistLog(ctx context.Context, taskID string) error {
	m.mu.Lock()
	log := append([]Entry(nil), m.logs[taskID]...)
	m.mu.Unlock()

	raw, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal history %s: %w", taskID, err)
	}
	if err := m.backend.Set(ctx, logKeyPrefix+taskID, raw); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.dirty, taskID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) pushUndo(taskID string, item stackItem) {
	m.mu.Lock()
	m.undo[taskID] = append(m.undo[taskID], item)
	m.mu.Unlock()
}

func (m *Manager) pushRedo(taskID string, item stackItem) {
	m.mu.Lock()
	m.redo[taskID] = append(m.redo[taskID], item)
	m.mu.Unlock()
}

func newStackItem(e Entry) stackItem {
	inverse := make(map[string]any, len(e.Changes))
	forward := make(map[string]any, len(e.Changes))
	for _, ch := range e.Changes {
		inverse[ch.Field] = ch.Old
		forward[ch.Field] = ch.New
	}
	return stackItem{entry: e, inverse: inverse, forward: forward}
}
