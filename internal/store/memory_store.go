// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a non-durable Store used for tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]Entity
	sessions map[string]SessionRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]Entity),
		sessions: make(map[string]SessionRecord),
	}
}

func (m *MemoryStore) CreateEntity(_ context.Context, e Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[e.ID]; ok {
		return fmt.Errorf("entity %s already exists", e.ID)
	}
	m.entities[e.ID] = e
	return nil
}

func (m *MemoryStore) GetEntity(_ context.Context, id string) (Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return Entity{}, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return e, nil
}

func (m *MemoryStore) ListEntities(_ context.Context, kind Kind) ([]Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entity, 0, len(m.entities))
	for _, e := range m.entities {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	e.Status = status
	m.entities[id] = e
	return nil
}

func (m *MemoryStore) RunningMB(_ context.Context, kind Kind) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := 0
	for _, e := range m.entities {
		if (kind == KindAny || e.Kind == kind) && e.Status == StatusRunning {
			sum += e.RequiredMB
		}
	}
	return sum, nil
}

func (m *MemoryStore) PutSession(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.ID] = rec
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return SessionRecord{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, deviceID string) ([]SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SessionRecord
	for _, r := range m.sessions {
		if deviceID == "" || r.DeviceID == deviceID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
