package notification

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository keeps records in a map. It backs the "memory" database
// driver and the pipeline tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Notification
	history map[string][]Status
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]*Notification),
		history: make(map[string][]Status),
	}
}

// Put inserts or replaces a record. A blank status becomes pending.
func (m *MemoryRepository) Put(n *Notification) {
	cp := *n
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	m.mu.Lock()
	m.records[cp.ID] = &cp
	m.mu.Unlock()
}

// Get implements Repository. The returned value is a copy.
func (m *MemoryRepository) Get(ctx context.Context, id string) (*Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

// UpdateStatus implements Repository.
func (m *MemoryRepository) UpdateStatus(ctx context.Context, id string, status Status, at time.Time, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if err := apply(n, status, at, errMsg); err != nil {
		return err
	}
	m.history[id] = append(m.history[id], status)
	return nil
}

// History returns every status written for id, oldest first.
func (m *MemoryRepository) History(id string) []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, len(m.history[id]))
	copy(out, m.history[id])
	return out
}
