package kvs

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process store. It counts reads per key so tests can assert
// how often a key was fetched.
type Memory struct {
	mu   sync.RWMutex
	data map[string]any
	gets map[string]int
}

// NewMemory returns a store seeded with a copy of data.
func NewMemory(data map[string]any) *Memory {
	m := &Memory{data: make(map[string]any, len(data)), gets: make(map[string]int)}
	for k, v := range data {
		m.data[k] = v
	}
	return m
}

func (m *Memory) Get(ctx context.Context, key string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets[key]++
	v, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return v, nil
}

func (m *Memory) Set(ctx context.Context, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return nil
}

// Gets reports how many times key has been read.
func (m *Memory) Gets(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gets[key]
}

func (m *Memory) Close() error { return nil }
