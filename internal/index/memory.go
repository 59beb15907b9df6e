package index

import (
	"context"
	"fmt"
	"sync"
)

// Memory is a process-local Index.
type Memory struct {
	mu      sync.RWMutex
	dim     int
	entries []Entry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) EnsureCollection(_ context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid dimension %d", dim)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dim == 0 {
		m.dim = dim
		return nil
	}
	if m.dim != dim {
		return fmt.Errorf("%w: got %d, collection has %d", ErrDimensionMismatch, dim, m.dim)
	}
	return nil
}

func (m *Memory) Count(_ context.Context, sourceID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.entries {
		if e.SourceID == sourceID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Upsert(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dim == 0 {
		return ErrNoCollection
	}
	if err := checkEntries(m.dim, entries); err != nil {
		return err
	}

	pos := make(map[string]int, len(m.entries))
	for i, e := range m.entries {
		pos[e.ID] = i
	}
	for _, e := range entries {
		e.Vector = append([]float32(nil), e.Vector...)
		if i, ok := pos[e.ID]; ok {
			m.entries[i] = e
			continue
		}
		pos[e.ID] = len(m.entries)
		m.entries = append(m.entries, e)
	}
	return nil
}

func (m *Memory) Search(_ context.Context, vector []float32, sourceID string, k int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.dim == 0 {
		return nil, nil
	}
	if err := checkDim(m.dim, vector); err != nil {
		return nil, err
	}

	var hits []Hit
	for _, e := range m.entries {
		if e.SourceID != sourceID {
			continue
		}
		hits = append(hits, Hit{ID: e.ID, Text: e.Text, SourceID: e.SourceID, Score: cosine(vector, e.Vector)})
	}
	return topK(hits, k), nil
}

// Dim reports the collection dimensionality, zero before the first EnsureCollection.
func (m *Memory) Dim() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dim
}

func (m *Memory) Close() error { return nil }
