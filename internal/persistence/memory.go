package persistence

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Memory - встроенный бэкенд для локального режима и тестов.
// FailSets/FailGets позволяют тестам эмулировать сбои хранилища.
type Memory struct {
	mu       sync.RWMutex
	data     map[string][]byte
	failSets bool
	failGets bool
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failGets {
		return nil, false, fmt.Errorf("%w: get %q", ErrStorage, key)
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSets {
		return fmt.Errorf("%w: set %q", ErrStorage, key)
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

// FailSets включает или выключает эмуляцию сбоев записи
func (m *Memory) FailSets(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSets = fail
}

// FailGets включает или выключает эмуляцию сбоев чтения
func (m *Memory) FailGets(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGets = fail
}
