package optionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Memory is an in-process Store. It is the default backend for tests and for
// one-shot local runs where durability across processes is not needed.
type Memory struct {
	mu      sync.RWMutex
	options map[string]json.RawMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{options: make(map[string]json.RawMessage)}
}

func (m *Memory) Get(_ context.Context, key string, out any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.options[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode option %q: %w", key, err)
	}
	return true, nil
}

func (m *Memory) Set(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode option %q: %w", key, err)
	}
	m.mu.Lock()
	m.options[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.options, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	for key := range m.options {
		if strings.HasPrefix(key, prefix) {
			delete(m.options, key)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
