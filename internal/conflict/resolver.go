package conflict

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

const (
	archiveKey   = "conflict:history"
	archiveLimit = 100
)

var (
	ErrUnresolved  = errors.New("conflict resolutions missing")
	ErrNoConflict  = errors.New("conflict not found")
	ErrBadStrategy = errors.New("unknown resolution strategy")
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyRemote Strategy = "remote"
	StrategyMerge  Strategy = "merge"
)

// Record - одно расходящееся поле между локальным состоянием и внешним отчётом.
// Создаётся детекцией, мутируется только выбором резолюции, при применении
// архивируется в ограниченный журнал и исчезает из pending-набора.
type Record struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id"`
	Field           string    `json:"field"`
	LocalValue      any       `json:"local_value"`
	RemoteValue     any       `json:"remote_value"`
	LocalTimestamp  time.Time `json:"local_timestamp"`
	RemoteTimestamp time.Time `json:"remote_timestamp"`
	Severity        Severity  `json:"severity"`
	Resolution      Strategy  `json:"resolution,omitempty"`
	ResolvedAt      time.Time `json:"resolved_at,omitempty"`
}

// RemoteChange - входной интерфейс будущего сетевого слоя: ничего другого
// от транспорта резолверу не нужно
type RemoteChange struct {
	Field     string    `json:"field"`
	NewValue  any       `json:"new_value"`
	Timestamp time.Time `json:"timestamp"`
}

// Storer - то, что резолверу нужно от Store
type Storer interface {
	Get(ctx context.Context, id string) (model.TaskRecord, error)
	Update(ctx context.Context, id string, patch model.Patch) (model.TaskRecord, []model.FieldChange, error)
}

type Resolver struct {
	store   Storer
	backend persistence.Backend
	bus     *events.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string][]*Record
	archive []Record

	now   func() time.Time
	newID func() string
}

func NewResolver(store Storer, backend persistence.Backend, bus *events.Bus, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:   store,
		backend: backend,
		bus:     bus,
		logger:  logger,
		pending: make(map[string][]*Record),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Detect сравнивает внешний отчёт об изменениях с текущим локальным
// состоянием. Конфликт есть лишь когда различаются и метки времени,
// и значения; игнорируемые расхождения отфильтровывает Kind.Equal.
func (r *Resolver) Detect(ctx context.Context, taskID string, changes []RemoteChange, remoteTS time.Time) ([]Record, error) {
	local, err := r.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var detected []Record
	for _, ch := range changes {
		kind, ok := kindOf(ch.Field)
		if !ok {
			r.logger.Warn("remote change for unknown field", zap.String("field", ch.Field))
			continue
		}

		ts := ch.Timestamp
		if ts.IsZero() {
			ts = remoteTS
		}
		if ts.Equal(local.UpdatedAt) {
			continue
		}

		localValue, _ := local.FieldValue(ch.Field)
		if kind.Equal(localValue, ch.NewValue) {
			continue
		}

		rec := Record{
			ID:              r.newID(),
			TaskID:          taskID,
			Field:           ch.Field,
			LocalValue:      localValue,
			RemoteValue:     ch.NewValue,
			LocalTimestamp:  local.UpdatedAt,
			RemoteTimestamp: ts,
			Severity:        severityOf(ch.Field),
		}
		r.autoResolve(&rec)
		detected = append(detected, rec)
	}

	if len(detected) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	for i := range detected {
		rec := detected[i]
		r.pending[taskID] = append(r.pending[taskID], &rec)
	}
	r.mu.Unlock()

	r.logger.Info("conflicts detected", zap.String("task_id", taskID), zap.Int("count", len(detected)))
	r.bus.Publish(events.Event{Type: events.ConflictDetected, TaskID: taskID, Payload: detected})
	return detected, nil
}

// autoResolve: низкая серьёзность разрешается в пользу более новой стороны;
// теги всегда пригодны к слиянию независимо от серьёзности; остальное ждёт
// явного выбора
func (r *Resolver) autoResolve(rec *Record) {
	if rec.Field == model.FieldTags {
		rec.Resolution = StrategyMerge
		return
	}
	if rec.Severity != SeverityLow {
		return
	}
	if rec.RemoteTimestamp.After(rec.LocalTimestamp) {
		rec.Resolution = StrategyRemote
	} else {
		rec.Resolution = StrategyLocal
	}
}

// Pending возвращает копию pending-списка задачи
func (r *Resolver) Pending(taskID string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.pending[taskID]))
	for _, rec := range r.pending[taskID] {
		out = append(out, *rec)
	}
	return out
}

// Resolve фиксирует выбор стратегии для одного конфликта
func (r *Resolver) Resolve(taskID, conflictID string, strategy Strategy) error {
	if strategy != StrategyLocal && strategy != StrategyRemote && strategy != StrategyMerge {
		return fmt.Errorf("%w: %q", ErrBadStrategy, strategy)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.pending[taskID] {
		if rec.ID == conflictID {
			rec.Resolution = strategy
			return nil
		}
	}
	return fmt.Errorf("resolve %s/%s: %w", taskID, conflictID, ErrNoConflict)
}

// Apply вычисляет разрешённые значения всех конфликтов задачи и применяет их
// одним атомарным мультиполевым обновлением Store. Разрешённый набор уходит
// в ограниченный архив, pending-список очищается.
func (r *Resolver) Apply(ctx context.Context, taskID string) (model.TaskRecord, error) {
	r.mu.Lock()
	pending := r.pending[taskID]
	if len(pending) == 0 {
		r.mu.Unlock()
		return model.TaskRecord{}, fmt.Errorf("apply %s: %w", taskID, ErrNoConflict)
	}
	for _, rec := range pending {
		if rec.Resolution == "" {
			r.mu.Unlock()
			return model.TaskRecord{}, fmt.Errorf("apply %s: field %s: %w", taskID, rec.Field, ErrUnresolved)
		}
	}
	resolved := make([]Record, 0, len(pending))
	values := make(map[string]any, len(pending))
	now := r.now()
	for _, rec := range pending {
		values[rec.Field] = r.resolvedValue(*rec)
		archived := *rec
		archived.ResolvedAt = now
		resolved = append(resolved, archived)
	}
	r.mu.Unlock()

	patch, err := model.PatchFromValues(values, model.OriginConflict)
	if err != nil {
		return model.TaskRecord{}, fmt.Errorf("apply %s: %w", taskID, err)
	}

	updated, _, err := r.store.Update(ctx, taskID, patch)
	if err != nil {
		return model.TaskRecord{}, err
	}

	r.mu.Lock()
	delete(r.pending, taskID)
	r.archive = append(r.archive, resolved...)
	if len(r.archive) > archiveLimit {
		r.archive = r.archive[len(r.archive)-archiveLimit:]
	}
	r.mu.Unlock()

	if err := r.persistArchive(ctx); err != nil {
		r.logger.Error("conflict archive write failed", zap.Error(err))
	}

	r.bus.Publish(events.Event{Type: events.ConflictResolved, TaskID: taskID, Record: &updated, Payload: resolved})
	return updated, nil
}

func (r *Resolver) resolvedValue(rec Record) any {
	switch rec.Resolution {
	case StrategyLocal:
		return rec.LocalValue
	case StrategyRemote:
		return rec.RemoteValue
	default:
		kind, ok := kindOf(rec.Field)
		if !ok {
			return rec.RemoteValue
		}
		return kind.Merge(rec.LocalValue, rec.RemoteValue)
	}
}

// Archive возвращает копию журнала разрешённых конфликтов
func (r *Resolver) Archive() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.archive...)
}

// Load гидрирует архив из бэкенда
func (r *Resolver) Load(ctx context.Context) error {
	raw, ok, err := r.backend.Get(ctx, archiveKey)
	if err != nil {
		return fmt.Errorf("load conflict archive: %w", err)
	}
	if !ok {
		return nil
	}
	var archive []Record
	if err := json.Unmarshal(raw, &archive); err != nil {
		r.logger.Warn("skipping corrupt conflict archive", zap.Error(err))
		return nil
	}
	r.mu.Lock()
	r.archive = archive
	r.mu.Unlock()
	return nil
}

func (r *Resolver) persistArchive(ctx context.Context) error {
	r.mu.Lock()
	raw, err := json.Marshal(r.archive)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal conflict archive: %w", err)
	}
	return r.backend.Set(ctx, archiveKey, raw)
}

// Tick - точка интеграции для будущего фида удалённых изменений.
// Без подключённого транспорта это пустой такт.
func (r *Resolver) Tick(ctx context.Context) {
	r.logger.Debug("conflict detection tick: no remote feed wired")
}
