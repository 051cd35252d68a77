package contentstore

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process content store used by tests and local one-shot
// runs. IDs are assigned from a single sequence across kinds, mirroring how
// a CMS assigns post IDs.
type Memory struct {
	mu       sync.RWMutex
	seq      int64
	entities map[string]map[int64]Fields
}

// NewMemory creates an empty in-memory content store.
func NewMemory() *Memory {
	return &Memory{entities: make(map[string]map[int64]Fields)}
}

func (m *Memory) Create(_ context.Context, kind string, fields Fields) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if m.entities[kind] == nil {
		m.entities[kind] = make(map[int64]Fields)
	}
	m.entities[kind][m.seq] = cloneFields(fields)
	return m.seq, nil
}

func (m *Memory) Update(_ context.Context, kind string, id int64, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[kind][id]; !ok {
		return fmt.Errorf("update %s %d: %w", kind, id, ErrNotFound)
	}
	m.entities[kind][id] = cloneFields(fields)
	return nil
}

func (m *Memory) Get(_ context.Context, kind string, id int64) (Fields, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.entities[kind][id]
	if !ok {
		return nil, false, nil
	}
	return cloneFields(fields), true, nil
}

// Count reports how many entities of kind exist. Test helper.
func (m *Memory) Count(kind string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities[kind])
}

func cloneFields(fields Fields) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
