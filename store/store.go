// Package store persists catalog entities. Repositories are keyed by entity
// id and hold one index (collection) each.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get for an unknown id
	ErrNotFound = errors.New("store: entity not found")
	// ErrEmptyID is returned when an entity or lookup has no id
	ErrEmptyID = errors.New("store: empty id")
)

// Entity is anything stored by id
type Entity interface {
	GetID() string
}

// Repository stores entities of one kind
type Repository[T Entity] interface {
	// Get returns ErrNotFound for an unknown id
	Get(ctx context.Context, id string) (T, error)
	// Upsert inserts or replaces the entity with the same id
	Upsert(ctx context.Context, entity T) error
	// Delete reports whether an entity was removed
	Delete(ctx context.Context, id string) (bool, error)
	// FindByIDs returns the entities found, in the order of ids
	FindByIDs(ctx context.Context, ids []string) ([]T, error)
	// Find returns every entity ordered by id
	Find(ctx context.Context) ([]T, error)
	// Ping checks the backing store is reachable
	Ping(ctx context.Context) error
}

// Error wraps a backend failure
type Error struct {
	Op    string
	Index string
	ID    string
	Err   error
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("store error: %s %s/%s: %v", e.Op, e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("store error: %s %s: %v", e.Op, e.Index, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
