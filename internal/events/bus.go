package events

import (
	"sync"

	"github.com/BuzzLyutic/task-store/internal/model"
)

type Type string

const (
	Added            Type = "added"
	Updated          Type = "updated"
	Deleted          Type = "deleted"
	Completed        Type = "completed"
	Uncompleted      Type = "uncompleted"
	AllCleared       Type = "allCleared"
	ConflictDetected Type = "conflict:detected"
	ConflictResolved Type = "conflict:resolved"
	HistoryUndo      Type = "history:undo"
	HistoryRedo      Type = "history:redo"
)

// Event - полезная нагрузка для подписчиков: всегда полная текущая запись
// (или только id для удалений). Payload несёт дополнительные данные
// конфликтных событий.
type Event struct {
	Type    Type
	TaskID  string
	Record  *model.TaskRecord
	Changes []model.FieldChange
	Origin  model.Origin
	Payload any
}

type Handler func(Event)

// Bus - типизированный publish/subscribe канал вместо нативной диспетчеризации
// UI-рантайма. Доставка синхронная, в порядке подписки.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
	order  []int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]Handler)}
}

// Subscribe регистрирует обработчик и возвращает функцию отписки
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		for i, sid := range b.order {
			if sid == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		if h, ok := b.subs[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
