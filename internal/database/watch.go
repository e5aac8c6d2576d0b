// ABOUTME: Watch follows a singleton document such as realm-wide settings
// ABOUTME: The document is created from the model default on first access

package database

import (
	"context"
	"fmt"
)

// Watch is a Resident on the only row of a singleton model.
type Watch[T any] struct {
	*Resident[T]
}

// NewWatch opens the singleton row of T, creating it from the model's
// Default when absent. Models without a Default fail with ErrSchema.
func NewWatch[T any](ctx context.Context, db *RealmDatabase) (*Watch[T], error) {
	m, err := modelFor[T](db.registry)
	if err != nil {
		return nil, err
	}
	if m.Default == nil {
		return nil, fmt.Errorf("%w: %s has no default and cannot be watched", ErrSchema, m.Name)
	}
	r, err := NewResident[T](ctx, db, Matching(All()))
	if err != nil {
		return nil, err
	}
	return &Watch[T]{Resident: r}, nil
}

// Clone returns another handle on the same document.
func (w *Watch[T]) Clone() *Watch[T] {
	return &Watch[T]{Resident: w.Resident.Clone()}
}
