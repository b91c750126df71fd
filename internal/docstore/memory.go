package docstore

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is a Store kept in a map.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]Document
	now  func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document), now: time.Now}
}

func (m *Memory) Create(id string, pos Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; ok {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	m.docs[id] = newDocument(id, pos, m.now())
	return nil
}

func (m *Memory) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.docs, id)
	return nil
}

func (m *Memory) UpdatePosition(id string, x, y float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.X, d.Y = x, y
	d.UpdatedAt = m.now()
	m.docs[id] = d
	return nil
}

func (m *Memory) Get(id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

func (m *Memory) Update(id string, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	patch.apply(&d)
	d.UpdatedAt = m.now()
	m.docs[id] = d
	return nil
}

// List returns every memo ordered by ID.
func (m *Memory) List() ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Document, 0, len(m.docs))
	for _, d := range m.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
