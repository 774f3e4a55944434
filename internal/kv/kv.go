package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Store is the durable key-value storage the local record store persists
// into. Keys are given without the namespace prefix; backends add it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// SetMany writes all entries or none of them.
	SetMany(ctx context.Context, entries map[string][]byte) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context) ([]string, error)
}

const DefaultPrefix = "adega_"

type Memory struct {
	mu     sync.RWMutex
	prefix string
	data   map[string][]byte
}

func NewMemory(prefix string) *Memory {
	return &Memory{prefix: prefix, data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	val, ok := m.data[m.prefix+key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[m.prefix+key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) SetMany(_ context.Context, entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, value := range entries {
		m.data[m.prefix+key] = append([]byte(nil), value...)
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.data, m.prefix+key)
	}
	return nil
}

func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		if strings.HasPrefix(key, m.prefix) {
			keys = append(keys, strings.TrimPrefix(key, m.prefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}
