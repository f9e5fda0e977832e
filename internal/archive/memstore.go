package archive

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-process [Store]. Records are lost on restart.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record)}
}

// Save implements [Store].
func (m *MemStore) Save(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("archive: save: %w", err)
	}
	if r.SessionID == "" {
		return fmt.Errorf("archive: save: empty session id")
	}
	r.Segments = slices.Clone(r.Segments)
	r.Files = slices.Clone(r.Files)

	m.mu.Lock()
	m.records[r.SessionID] = r
	m.mu.Unlock()
	return nil
}

// List implements [Store].
func (m *MemStore) List(ctx context.Context, roomID string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if roomID != "" && r.RoomID != roomID {
			continue
		}
		out = append(out, r)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get implements [Store].
func (m *MemStore) Get(ctx context.Context, sessionID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("archive: get: %w", err)
	}
	m.mu.RLock()
	r, ok := m.records[sessionID]
	m.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}
