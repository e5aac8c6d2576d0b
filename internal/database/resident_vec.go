// ABOUTME: ResidentVec keeps every row matching a condition cached and ordered
// ABOUTME: Membership follows pushes, removals and updates from anywhere in the realm

package database

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// ResidentVec is a live collection of the rows matching a condition,
// ordered by identifier. Close the handle when done with it.
type ResidentVec[T any] struct {
	cell   *vecCell[T]
	closed atomic.Bool
}

type vecCell[T any] struct {
	db    *RealmDatabase
	model *Model[T]
	cond  DataCondition
	key   string
	subID uint64
	box   *mailbox[Event[T]]

	listeners listenerSet[T]

	mu        sync.RWMutex
	ids       []DataIdentifier
	rows      map[DataIdentifier]T
	delivered uint64
	pending   map[DataIdentifier]uint64
}

// NewResidentVec opens a live collection of the rows matching cond.
func NewResidentVec[T any](ctx context.Context, db *RealmDatabase, cond DataCondition) (*ResidentVec[T], error) {
	m, err := modelFor[T](db.registry)
	if err != nil {
		return nil, err
	}
	if err := m.check(cond); err != nil {
		return nil, err
	}
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	key := cellKey(m.Name, "cond", cond.String())
	c, err := acquireCell(db, key, func() (*vecCell[T], error) {
		return newVecCell(ctx, db, m, cond, key)
	})
	if err != nil {
		return nil, err
	}
	return &ResidentVec[T]{cell: c}, nil
}

func newVecCell[T any](ctx context.Context, db *RealmDatabase, m *Model[T], cond DataCondition, key string) (*vecCell[T], error) {
	tx, err := db.WriteTxn(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := scanRows(tx, m, cond)
	if err != nil {
		return nil, err
	}

	c := &vecCell[T]{
		db:      db,
		model:   m,
		cond:    cond,
		key:     key,
		ids:       make([]DataIdentifier, 0, len(rows)),
		rows:      make(map[DataIdentifier]T, len(rows)),
		delivered: tx.snapshot,
		pending:   make(map[DataIdentifier]uint64),
	}
	for _, r := range rows {
		c.ids = append(c.ids, r.id)
		c.rows[r.id] = r.value
	}
	slices.Sort(c.ids)

	c.box = newMailbox(c.deliver)
	c.subID = db.bus.subscribe(m.Name, c)

	db.logger.Debug("resident vec loaded", "model", m.Name, "condition", cond.String(), "rows", len(rows))
	return c, nil
}

func (c *vecCell[T]) offer(seq uint64, ch change) {
	wasIn := ch.old != nil && c.model.matches(c.cond, ch.old.(*T))
	isIn := ch.new != nil && c.model.matches(c.cond, ch.new.(*T))
	if e, ok := eventFor[T](seq, ch, wasIn, isIn); ok {
		c.box.push(e)
	}
}

func (c *vecCell[T]) deliver(e Event[T]) {
	c.mu.Lock()
	c.delivered = e.Sequence
	if p, ok := c.pending[e.ID]; !ok || e.Sequence >= p {
		delete(c.pending, e.ID)
		c.set(e.ID, e.Value, e.Kind == Removed)
	}
	c.mu.Unlock()

	c.listeners.notify(e, c.db.logger)
}

// applyLocal reflects a write committed through this handle before its
// event arrives.
func (c *vecCell[T]) applyLocal(seq uint64, id DataIdentifier, v T, removed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq <= c.delivered {
		return
	}
	c.set(id, v, removed)
	c.pending[id] = seq
}

// set must be called with mu held.
func (c *vecCell[T]) set(id DataIdentifier, v T, removed bool) {
	pos, found := slices.BinarySearch(c.ids, id)
	if removed {
		if found {
			c.ids = slices.Delete(c.ids, pos, pos+1)
			delete(c.rows, id)
		}
		return
	}
	if !found {
		c.ids = slices.Insert(c.ids, pos, id)
	}
	c.rows[id] = v
}

func (c *vecCell[T]) shutdown() {
	c.db.bus.unsubscribe(c.model.Name, c.subID)
	c.box.close()
}

// Len returns the number of cached rows.
func (v *ResidentVec[T]) Len() int {
	v.cell.mu.RLock()
	defer v.cell.mu.RUnlock()
	return len(v.cell.ids)
}

// IDs returns the identifiers of the cached rows in order.
func (v *ResidentVec[T]) IDs() []DataIdentifier {
	v.cell.mu.RLock()
	defer v.cell.mu.RUnlock()
	return slices.Clone(v.cell.ids)
}

// Items returns copies of the cached rows in identifier order.
func (v *ResidentVec[T]) Items() []T {
	v.cell.mu.RLock()
	defer v.cell.mu.RUnlock()
	out := make([]T, len(v.cell.ids))
	for i, id := range v.cell.ids {
		out[i] = v.cell.rows[id]
	}
	return out
}

// Snapshot waits for events already committed to be applied, then returns
// copies of the cached rows with the sequence of the last event applied.
// Events at or below that sequence are reflected in the rows. Snapshot must
// not be called from a listener.
func (v *ResidentVec[T]) Snapshot() ([]T, uint64) {
	v.cell.box.flush()
	v.cell.mu.RLock()
	defer v.cell.mu.RUnlock()
	out := make([]T, len(v.cell.ids))
	for i, id := range v.cell.ids {
		out[i] = v.cell.rows[id]
	}
	return out, v.cell.delivered
}

// Get returns the cached row with the given identifier.
func (v *ResidentVec[T]) Get(id DataIdentifier) (T, bool) {
	v.cell.mu.RLock()
	defer v.cell.mu.RUnlock()
	row, ok := v.cell.rows[id]
	return row, ok
}

// Push inserts a new row and returns a live handle on it, which the caller
// must close. A row that does not match the condition is stored but not
// cached here.
func (v *ResidentVec[T]) Push(ctx context.Context, value T) (*Resident[T], error) {
	if v.closed.Load() {
		return nil, fmt.Errorf("%w: resident vec handle", ErrClosed)
	}
	c := v.cell
	m := c.model

	tx, err := c.db.WriteTxn(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stored, err := insertRow(tx, m, &value)
	if err != nil {
		return nil, err
	}
	seq, err := tx.commit()
	if err != nil {
		return nil, err
	}

	if m.matches(c.cond, &stored.value) {
		c.applyLocal(seq, stored.id, stored.value, false)
	}
	return openResident(ctx, c.db, m, stored.id)
}

// Update runs fn in a write transaction and commits when fn succeeds. Rows
// of this collection's type written by fn are reflected in the cache before
// Update returns.
func (v *ResidentVec[T]) Update(ctx context.Context, fn func(tx *Txn) error) error {
	if v.closed.Load() {
		return fmt.Errorf("%w: resident vec handle", ErrClosed)
	}
	c := v.cell

	tx, err := c.db.WriteTxn(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	changes := slices.Clone(tx.changes)
	seq, err := tx.commit()
	if err != nil {
		return err
	}
	for _, ch := range changes {
		if ch.model != c.model.Name {
			continue
		}
		if ch.new != nil && c.model.matches(c.cond, ch.new.(*T)) {
			c.applyLocal(seq, ch.id, *ch.new.(*T), false)
			continue
		}
		if ch.old != nil {
			var zero T
			c.applyLocal(seq, ch.id, zero, true)
		}
	}
	return nil
}

// Remove deletes the row with the given identifier. Removing an identifier
// that is not stored is not an error.
func (v *ResidentVec[T]) Remove(ctx context.Context, id DataIdentifier) error {
	if v.closed.Load() {
		return fmt.Errorf("%w: resident vec handle", ErrClosed)
	}
	c := v.cell

	tx, err := c.db.WriteTxn(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	removed, err := deleteRow(tx, c.model, id)
	if err != nil || !removed {
		return err
	}
	seq, err := tx.commit()
	if err != nil {
		return err
	}
	var zero T
	c.applyLocal(seq, id, zero, true)
	return nil
}

// Listen registers l for changes to the collection and returns a function
// that removes it. Callbacks run asynchronously in commit order.
func (v *ResidentVec[T]) Listen(l Listener[T]) func() {
	return v.cell.listeners.add(l)
}

// Clone returns another handle on the same cell.
func (v *ResidentVec[T]) Clone() *ResidentVec[T] {
	v.cell.db.retainCell(v.cell.key)
	return &ResidentVec[T]{cell: v.cell}
}

// Close releases the handle. Close is idempotent.
func (v *ResidentVec[T]) Close() {
	if v.closed.CompareAndSwap(false, true) {
		v.cell.db.releaseCell(v.cell.key)
	}
}

func (v *ResidentVec[T]) flush() {
	v.cell.box.flush()
}
