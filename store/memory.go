package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository is a mutex-guarded in-process Repository
type MemoryRepository[T Entity] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository[T Entity]() *MemoryRepository[T] {
	return &MemoryRepository[T]{items: make(map[string]T)}
}

// Get implements Repository
func (r *MemoryRepository[T]) Get(ctx context.Context, id string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return item, nil
}

// Upsert implements Repository
func (r *MemoryRepository[T]) Upsert(ctx context.Context, entity T) error {
	id := entity.GetID()
	if id == "" {
		return ErrEmptyID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[id] = entity
	return nil
}

// Delete implements Repository
func (r *MemoryRepository[T]) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.items[id]
	delete(r.items, id)
	return ok, nil
}

// FindByIDs implements Repository
func (r *MemoryRepository[T]) FindByIDs(ctx context.Context, ids []string) ([]T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

// Find implements Repository
func (r *MemoryRepository[T]) Find(ctx context.Context) ([]T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetID() < out[j].GetID() })
	return out, nil
}

// Ping implements Repository
func (r *MemoryRepository[T]) Ping(ctx context.Context) error {
	return ctx.Err()
}
