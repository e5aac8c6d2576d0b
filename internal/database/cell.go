// ABOUTME: Shared, reference-counted caches behind live handles
// ABOUTME: Handles selecting the same rows in a realm share one cell

package database

import (
	"fmt"
	"log/slog"
	"sync"
)

// cell is a cache registered on a realm's bus.
type cell interface {
	shutdown()
}

type cellEntry struct {
	cell cell
	refs int
}

// acquireCell returns the live cell for key, creating it with create when
// none exists. Every successful call must be paired with releaseCell.
func acquireCell[C cell](db *RealmDatabase, key string, create func() (C, error)) (C, error) {
	db.cellsMu.Lock()
	defer db.cellsMu.Unlock()

	if e, ok := db.cells[key]; ok {
		e.refs++
		return e.cell.(C), nil
	}
	c, err := create()
	if err != nil {
		var zero C
		return zero, err
	}
	db.cells[key] = &cellEntry{cell: c, refs: 1}
	db.logger.Debug("cell opened", "key", key)
	return c, nil
}

func (db *RealmDatabase) retainCell(key string) {
	db.cellsMu.Lock()
	defer db.cellsMu.Unlock()
	if e, ok := db.cells[key]; ok {
		e.refs++
	}
}

func (db *RealmDatabase) releaseCell(key string) {
	db.cellsMu.Lock()
	defer db.cellsMu.Unlock()
	e, ok := db.cells[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(db.cells, key)
	e.cell.shutdown()
	db.logger.Debug("cell closed", "key", key)
}

func cellKey(model, kind, selector string) string {
	return fmt.Sprintf("%s|%s|%s", model, kind, selector)
}

// listenerSet holds the listeners of one cell in registration order.
type listenerSet[T any] struct {
	mu      sync.Mutex
	next    uint64
	entries []listenerEntry[T]
}

type listenerEntry[T any] struct {
	id uint64
	l  Listener[T]
}

func (s *listenerSet[T]) add(l Listener[T]) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	s.entries = append(s.entries, listenerEntry[T]{id: id, l: l})

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *listenerSet[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return
		}
	}
}

func (s *listenerSet[T]) notify(e Event[T], logger *slog.Logger) {
	s.mu.Lock()
	targets := make([]Listener[T], len(s.entries))
	for i, entry := range s.entries {
		targets[i] = entry.l
	}
	s.mu.Unlock()

	for _, l := range targets {
		callListener(l, e, logger)
	}
}

func callListener[T any](l Listener[T], e Event[T], logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("listener panicked", "kind", e.Kind, "id", e.ID, "panic", r)
		}
	}()
	dispatch(l, e)
}

// eventFor computes how a change looks to a selector. ok is false when the
// change is invisible to it.
func eventFor[T any](seq uint64, ch change, wasIn, isIn bool) (Event[T], bool) {
	e := Event[T]{ID: ch.id, Sequence: seq}
	switch {
	case !wasIn && isIn:
		e.Kind = Added
		e.Value = *ch.new.(*T)
	case wasIn && isIn:
		e.Kind = Updated
		e.Value = *ch.new.(*T)
	case wasIn && !isIn:
		e.Kind = Removed
		e.Value = *ch.old.(*T)
	default:
		return e, false
	}
	return e, true
}
