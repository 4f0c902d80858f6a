package store

import (
	"sync"
	"time"

	"github.com/BuzzLyutic/task-store/internal/model"
)

// readCache - короткоживущий кэш чтения с ограниченным TTL.
// Любая мутация записи инвалидирует её ключ, поэтому устаревшее значение
// не переживает мутацию.
type readCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	record  model.TaskRecord
	expires time.Time
}

func newReadCache(ttl time.Duration, now func() time.Time) *readCache {
	return &readCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *readCache) get(id string) (model.TaskRecord, bool) {
	if c.ttl <= 0 {
		return model.TaskRecord{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return model.TaskRecord{}, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, id)
		return model.TaskRecord{}, false
	}
	return e.record.Clone(), true
}

func (c *readCache) put(rec model.TaskRecord) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[rec.ID] = cacheEntry{record: rec.Clone(), expires: c.now().Add(c.ttl)}
}

func (c *readCache) invalidate(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.entries, id)
	}
}

func (c *readCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
