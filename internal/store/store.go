package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-store/internal/events"
	"github.com/BuzzLyutic/task-store/internal/model"
	"github.com/BuzzLyutic/task-store/internal/persistence"
	"github.com/BuzzLyutic/task-store/internal/validate"
)

const (
	taskKeyPrefix = "task:"
	backupKey     = "backup:deleted"
)

// Store владеет канонической коллекцией записей. Создаётся явно в точке входа
// приложения и передаётся потребителям по ссылке - никаких глобальных
// синглтонов, тесты получают изолированные экземпляры.
type Store struct {
	backend persistence.Backend
	bus     *events.Bus
	logger  *zap.Logger
	cache   *readCache

	mu       sync.Mutex
	tasks    map[string]model.TaskRecord
	inflight map[string]struct{}

	now   func() time.Time
	newID func() string
}

func New(backend persistence.Backend, bus *events.Bus, logger *zap.Logger, cacheTTL time.Duration) *Store {
	s := &Store{
		backend:  backend,
		bus:      bus,
		logger:   logger,
		tasks:    make(map[string]model.TaskRecord),
		inflight: make(map[string]struct{}),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	s.cache = newReadCache(cacheTTL, func() time.Time { return s.now() })
	return s
}

func (s *Store) lock()   { s.mu.Lock() }
func (s *Store) unlock() { s.mu.Unlock() }

// Load гидрирует коллекцию из бэкенда при старте
func (s *Store) Load(ctx context.Context) error {
	pairs, err := s.backend.Scan(ctx, taskKeyPrefix)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	s.lock()
	defer s.unlock()
	for key, raw := range pairs {
		var rec model.TaskRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("skipping corrupt record", zap.String("key", key), zap.Error(err))
			continue
		}
		s.tasks[rec.ID] = rec
	}
	s.logger.Info("store loaded", zap.Int("tasks", len(s.tasks)))
	return nil
}

func (s *Store) Create(ctx context.Context, in model.Input) (model.TaskRecord, error) {
	// Один момент времени и для проверки срока, и для createdAt: срок,
	// попавший между двумя чтениями часов, не должен обойти правило dueDate >= createdAt
	now := s.now()
	res, cleaned := validate.Create(in, now)
	if !res.Valid {
		return model.TaskRecord{}, newValidationError(res)
	}

	rec := model.TaskRecord{
		ID:          s.newID(),
		Title:       cleaned.Title,
		Description: cleaned.Description,
		Completed:   cleaned.Completed,
		Priority:    cleaned.Priority,
		Category:    cleaned.Category,
		Tags:        cleaned.Tags,
		DueDate:     cleaned.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if rec.Completed {
		completedAt := now
		rec.CompletedAt = &completedAt
	}

	if err := s.persist(ctx, rec); err != nil {
		return model.TaskRecord{}, err
	}

	s.lock()
	s.tasks[rec.ID] = rec
	s.unlock()

	s.bus.Publish(events.Event{Type: events.Added, TaskID: rec.ID, Record: ptr(rec), Origin: model.OriginUser})
	return rec.Clone(), nil
}

func (s *Store) Get(ctx context.Context, id string) (model.TaskRecord, error) {
	if rec, ok := s.cache.get(id); ok {
		return rec, nil
	}

	s.lock()
	rec, ok := s.tasks[id]
	s.unlock()
	if !ok {
		return model.TaskRecord{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}

	s.cache.put(rec)
	return rec.Clone(), nil
}

func (s *Store) List(ctx context.Context, filter model.TaskFilter) ([]model.TaskRecord, error) {
	s.lock()
	all := make([]model.TaskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		all = append(all, rec.Clone())
	}
	s.unlock()

	out := all[:0]
	for _, rec := range all {
		if matches(rec, filter) {
			out = append(out, rec)
		}
	}

	sortRecords(out, filter.Sort, filter.Desc)

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []model.TaskRecord{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Update применяет частичный патч к текущему персистентному состоянию.
// Никакого compare-and-swap по версии: последний писатель побеждает, version -
// аудиторский счётчик для журнала истории. Возвращает применённый дифф.
func (s *Store) Update(ctx context.Context, id string, patch model.Patch) (model.TaskRecord, []model.FieldChange, error) {
	origin := patch.Origin
	if origin == "" {
		origin = model.OriginUser
	}

	s.lock()
	cur, ok := s.tasks[id]
	if !ok {
		s.unlock()
		return model.TaskRecord{}, nil, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	if _, busy := s.inflight[id]; busy {
		s.unlock()
		return model.TaskRecord{}, nil, fmt.Errorf("update %s: %w", id, ErrBusy)
	}

	res, cleaned := validate.Patch(patch, cur.CreatedAt)
	if !res.Valid {
		s.unlock()
		return model.TaskRecord{}, nil, newValidationError(res)
	}

	next, changes := applyPatch(cur, cleaned, s.now())
	if len(changes) == 0 {
		s.unlock()
		return cur.Clone(), nil, nil
	}

	// Персистентная запись - единственная точка приостановки; на её время
	// запись помечается inflight, и вторая мутация того же id получает Busy
	s.inflight[id] = struct{}{}
	s.unlock()

	err := s.persist(ctx, next)

	s.lock()
	delete(s.inflight, id)
	if err != nil {
		s.unlock()
		return model.TaskRecord{}, nil, err
	}
	s.tasks[id] = next
	s.unlock()

	s.cache.invalidate(id)
	s.publishUpdate(next, changes, origin)
	return next.Clone(), changes, nil
}

// ToggleComplete делегирует Update с инверсией текущего флага
func (s *Store) ToggleComplete(ctx context.Context, id string) (model.TaskRecord, []model.FieldChange, error) {
	s.lock()
	cur, ok := s.tasks[id]
	s.unlock()
	if !ok {
		return model.TaskRecord{}, nil, fmt.Errorf("toggle %s: %w", id, ErrNotFound)
	}

	completed := !cur.Completed
	return s.Update(ctx, id, model.Patch{Completed: &completed})
}

// Delete - жёсткое удаление. Снятый набор записывается в бэкап до очистки:
// восстановление возможно через export/import, но не через undo.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.unlock()
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	if _, busy := s.inflight[id]; busy {
		s.unlock()
		return fmt.Errorf("delete %s: %w", id, ErrBusy)
	}
	s.inflight[id] = struct{}{}
	s.unlock()

	err := s.backupRemoved(ctx, []model.TaskRecord{rec})
	if err == nil {
		err = s.backend.Delete(ctx, taskKeyPrefix+id)
	}

	s.lock()
	delete(s.inflight, id)
	if err != nil {
		s.unlock()
		s.logger.Error("delete failed", zap.String("task_id", id), zap.Error(err))
		return err
	}
	delete(s.tasks, id)
	s.unlock()

	s.cache.invalidate(id)
	s.bus.Publish(events.Event{Type: events.Deleted, TaskID: id, Record: ptr(rec), Origin: model.OriginUser})
	return nil
}

func (s *Store) DeleteCompleted(ctx context.Context) (int, error) {
	s.lock()
	var removed []model.TaskRecord
	for _, rec := range s.tasks {
		if rec.Completed {
			removed = append(removed, rec)
		}
	}
	if err := s.markInflight(removed); err != nil {
		s.unlock()
		return 0, fmt.Errorf("delete completed: %w", err)
	}
	s.unlock()

	if len(removed) == 0 {
		return 0, nil
	}

	err := s.backupRemoved(ctx, removed)
	for _, rec := range removed {
		if err != nil {
			break
		}
		err = s.backend.Delete(ctx, taskKeyPrefix+rec.ID)
	}

	s.lock()
	s.clearInflight(removed)
	if err != nil {
		s.unlock()
		return 0, err
	}
	for _, rec := range removed {
		delete(s.tasks, rec.ID)
		s.cache.invalidate(rec.ID)
	}
	s.unlock()

	for _, rec := range removed {
		s.bus.Publish(events.Event{Type: events.Deleted, TaskID: rec.ID, Record: ptr(rec), Origin: model.OriginUser})
	}
	return len(removed), nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	s.lock()
	removed := make([]model.TaskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		removed = append(removed, rec)
	}
	if err := s.markInflight(removed); err != nil {
		s.unlock()
		return fmt.Errorf("delete all: %w", err)
	}
	s.unlock()

	err := s.backupRemoved(ctx, removed)
	for _, rec := range removed {
		if err != nil {
			break
		}
		err = s.backend.Delete(ctx, taskKeyPrefix+rec.ID)
	}

	s.lock()
	s.clearInflight(removed)
	if err != nil {
		s.unlock()
		return err
	}
	s.tasks = make(map[string]model.TaskRecord)
	s.unlock()
	s.cache.invalidateAll()

	s.bus.Publish(events.Event{Type: events.AllCleared, Origin: model.OriginUser})
	return nil
}

// markInflight помечает весь снимаемый набор под замком. Массовое удаление
// подчиняется тому же правилу сериализации, что и одиночные мутации: если
// хоть одна из целей уже занята, вся операция получает Busy целиком.
func (s *Store) markInflight(recs []model.TaskRecord) error {
	for _, rec := range recs {
		if _, busy := s.inflight[rec.ID]; busy {
			return fmt.Errorf("%s: %w", rec.ID, ErrBusy)
		}
	}
	for _, rec := range recs {
		s.inflight[rec.ID] = struct{}{}
	}
	return nil
}

func (s *Store) clearInflight(recs []model.TaskRecord) {
	for _, rec := range recs {
		delete(s.inflight, rec.ID)
	}
}

func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	s.lock()
	defer s.unlock()

	stats := model.Stats{
		ByPriority: make(map[model.Priority]int),
		ByCategory: make(map[string]int),
	}
	now := s.now()
	for _, rec := range s.tasks {
		if rec.Deleted {
			continue
		}
		stats.Total++
		if rec.Completed {
			stats.Completed++
		} else {
			stats.Pending++
			if rec.DueDate != nil && rec.DueDate.Before(now) {
				stats.Overdue++
			}
		}
		stats.ByPriority[rec.Priority]++
		stats.ByCategory[rec.Category]++
	}
	return stats, nil
}

func (s *Store) persist(ctx context.Context, rec model.TaskRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rec.ID, err)
	}
	if err := s.backend.Set(ctx, taskKeyPrefix+rec.ID, raw); err != nil {
		s.logger.Error("persist failed", zap.String("task_id", rec.ID), zap.Error(err))
		return err
	}
	return nil
}

func (s *Store) backupRemoved(ctx context.Context, removed []model.TaskRecord) error {
	payload := model.ExportPayload{
		Version:    model.ExportVersion,
		ExportedAt: s.now(),
		Tasks:      removed,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal backup: %w", err)
	}
	return s.backend.Set(ctx, backupKey, raw)
}

func (s *Store) publishUpdate(rec model.TaskRecord, changes []model.FieldChange, origin model.Origin) {
	s.bus.Publish(events.Event{Type: events.Updated, TaskID: rec.ID, Record: ptr(rec), Changes: changes, Origin: origin})
	for _, ch := range changes {
		if ch.Field != model.FieldCompleted {
			continue
		}
		typ := events.Uncompleted
		if rec.Completed {
			typ = events.Completed
		}
		s.bus.Publish(events.Event{Type: typ, TaskID: rec.ID, Record: ptr(rec), Origin: origin})
	}
}

// applyPatch строит новую версию записи и дифф по каждому изменившемуся полю.
// Инвариант completed/completedAt принудительно выдерживается на каждой мутации.
func applyPatch(cur model.TaskRecord, p model.Patch, now time.Time) (model.TaskRecord, []model.FieldChange) {
	next := cur.Clone()
	var changes []model.FieldChange

	if p.Title != nil && *p.Title != cur.Title {
		changes = append(changes, model.FieldChange{Field: model.FieldTitle, Old: cur.Title, New: *p.Title})
		next.Title = *p.Title
	}
	if p.Description != nil && *p.Description != cur.Description {
		changes = append(changes, model.FieldChange{Field: model.FieldDescription, Old: cur.Description, New: *p.Description})
		next.Description = *p.Description
	}
	if p.Completed != nil && *p.Completed != cur.Completed {
		changes = append(changes, model.FieldChange{Field: model.FieldCompleted, Old: cur.Completed, New: *p.Completed})
		next.Completed = *p.Completed
	}
	if p.Priority != nil && *p.Priority != cur.Priority {
		changes = append(changes, model.FieldChange{Field: model.FieldPriority, Old: cur.Priority, New: *p.Priority})
		next.Priority = *p.Priority
	}
	if p.Category != nil && *p.Category != cur.Category {
		changes = append(changes, model.FieldChange{Field: model.FieldCategory, Old: cur.Category, New: *p.Category})
		next.Category = *p.Category
	}
	if p.Tags != nil && !equalTagSets(cur.Tags, *p.Tags) {
		changes = append(changes, model.FieldChange{
			Field: model.FieldTags,
			Old:   append([]string(nil), cur.Tags...),
			New:   append([]string(nil), *p.Tags...),
		})
		next.Tags = append([]string(nil), *p.Tags...)
	}
	if p.ClearDueDate {
		if cur.DueDate != nil {
			changes = append(changes, model.FieldChange{Field: model.FieldDueDate, Old: *cur.DueDate, New: nil})
			next.DueDate = nil
		}
	} else if p.DueDate != nil {
		if cur.DueDate == nil || !cur.DueDate.Equal(*p.DueDate) {
			var old any
			if cur.DueDate != nil {
				old = *cur.DueDate
			}
			changes = append(changes, model.FieldChange{Field: model.FieldDueDate, Old: old, New: *p.DueDate})
			due := *p.DueDate
			next.DueDate = &due
		}
	}
	if p.Deleted != nil && *p.Deleted != cur.Deleted {
		changes = append(changes, model.FieldChange{Field: model.FieldDeleted, Old: cur.Deleted, New: *p.Deleted})
		next.Deleted = *p.Deleted
	}

	if len(changes) == 0 {
		return cur, nil
	}

	// completedAt присутствует тогда и только тогда, когда completed
	if next.Completed && next.CompletedAt == nil {
		completedAt := now
		next.CompletedAt = &completedAt
	}
	if !next.Completed {
		next.CompletedAt = nil
	}

	next.UpdatedAt = now
	next.Version = cur.Version + 1
	if p.Version != nil {
		next.Version = *p.Version
	}
	return next, changes
}

func equalTagSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func matches(rec model.TaskRecord, f model.TaskFilter) bool {
	if rec.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.Completed != nil && rec.Completed != *f.Completed {
		return false
	}
	if f.Priority != nil && rec.Priority != *f.Priority {
		return false
	}
	if f.Category != nil && rec.Category != *f.Category {
		return false
	}
	if f.Tag != nil {
		found := false
		for _, tag := range rec.Tags {
			if tag == *f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Search != nil {
		needle := strings.ToLower(*f.Search)
		if !strings.Contains(strings.ToLower(rec.Title), needle) &&
			!strings.Contains(strings.ToLower(rec.Description), needle) {
			return false
		}
	}
	return true
}

var priorityRank = map[model.Priority]int{
	model.PriorityLow:    1,
	model.PriorityMedium: 2,
	model.PriorityHigh:   3,
}

func sortRecords(recs []model.TaskRecord, key model.SortKey, desc bool) {
	less := func(a, b model.TaskRecord) bool {
		switch key {
		case model.SortUpdatedAt:
			return a.UpdatedAt.Before(b.UpdatedAt)
		case model.SortDueDate:
			// Записи без срока уходят в конец
			if a.DueDate == nil || b.DueDate == nil {
				return b.DueDate == nil && a.DueDate != nil
			}
			return a.DueDate.Before(*b.DueDate)
		case model.SortPriority:
			return priorityRank[a.Priority] < priorityRank[b.Priority]
		case model.SortTitle:
			return a.Title < b.Title
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if desc {
			return less(recs[j], recs[i])
		}
		return less(recs[i], recs[j])
	})
}

func ptr(rec model.TaskRecord) *model.TaskRecord {
	c := rec.Clone()
	return &c
}
