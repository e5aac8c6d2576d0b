// ABOUTME: Resident keeps one row cached in memory and synchronized with the store
// ABOUTME: Updates are read-modify-write inside a single write transaction

package database

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Selector picks the row a Resident follows.
type Selector struct {
	byID bool
	id   DataIdentifier
	cond DataCondition
}

// ByID selects the row with the given identifier.
func ByID(id DataIdentifier) Selector {
	return Selector{byID: true, id: id}
}

// Matching selects the single row matching cond. When several rows match,
// the one with the lowest identifier is used.
func Matching(cond DataCondition) Selector {
	return Selector{cond: cond}
}

func (s Selector) String() string {
	if s.byID {
		return "id=" + string(s.id)
	}
	return s.cond.String()
}

// Resident is a live handle on one row. Read never touches storage; Update
// writes through and the cached value follows every committed change in the
// realm. Close the handle when done with it.
type Resident[T any] struct {
	cell   *residentCell[T]
	closed atomic.Bool
}

type residentCell[T any] struct {
	db    *RealmDatabase
	model *Model[T]
	id    DataIdentifier
	key   string
	subID uint64
	box   *mailbox[Event[T]]

	listeners listenerSet[T]

	mu        sync.RWMutex
	value     T
	deleted   bool
	delivered uint64
	pending   uint64
}

// NewResident opens a live handle on the row chosen by sel. When nothing
// matches and the model has a Default, the default row is created first;
// otherwise ErrNotFound is returned.
func NewResident[T any](ctx context.Context, db *RealmDatabase, sel Selector) (*Resident[T], error) {
	m, err := modelFor[T](db.registry)
	if err != nil {
		return nil, err
	}
	if !sel.byID {
		if err := m.check(sel.cond); err != nil {
			return nil, err
		}
	}
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	id, err := resolveResident(ctx, db, m, sel)
	if err != nil {
		return nil, err
	}
	return openResident(ctx, db, m, id)
}

func resolveResident[T any](ctx context.Context, db *RealmDatabase, m *Model[T], sel Selector) (DataIdentifier, error) {
	var (
		id    DataIdentifier
		found bool
	)
	err := db.View(ctx, func(tx *Txn) error {
		var err error
		id, found, err = findResident(tx, m, sel)
		return err
	})
	if err != nil || found {
		return id, err
	}
	if m.Default == nil {
		return "", fmt.Errorf("%w: %s %s", ErrNotFound, m.Name, sel)
	}

	// Re-check under the writer so concurrent constructors create one row.
	err = db.Update(ctx, func(tx *Txn) error {
		var err error
		id, found, err = findResident(tx, m, sel)
		if err != nil || found {
			return err
		}
		v := m.Default()
		if sel.byID {
			*m.ID(&v) = sel.id
			if m.PrimaryKey != nil && m.PrimaryKey(&v) != sel.id {
				return fmt.Errorf("%w: default %s does not have key %s", ErrValidation, m.Name, sel.id)
			}
		} else if !m.matches(sel.cond, &v) {
			return fmt.Errorf("%w: default %s does not match %s", ErrValidation, m.Name, sel)
		}
		if err := Insert(tx, &v); err != nil {
			return err
		}
		id = *m.ID(&v)
		db.logger.Info("created default row", "model", m.Name, "id", id)
		return nil
	})
	return id, err
}

func findResident[T any](tx *Txn, m *Model[T], sel Selector) (DataIdentifier, bool, error) {
	if sel.byID {
		r, err := loadRow(tx, m, sel.id)
		return sel.id, r != nil, err
	}
	rows, err := scanRows(tx, m, sel.cond)
	if err != nil || len(rows) == 0 {
		return "", false, err
	}
	ids := make([]DataIdentifier, len(rows))
	for i, r := range rows {
		ids[i] = r.id
	}
	slices.Sort(ids)
	if len(ids) > 1 {
		tx.db.logger.Warn("selector matched several rows, using the lowest key",
			"model", m.Name, "selector", sel.String(), "matches", len(ids))
	}
	return ids[0], true, nil
}

func openResident[T any](ctx context.Context, db *RealmDatabase, m *Model[T], id DataIdentifier) (*Resident[T], error) {
	key := cellKey(m.Name, "id", string(id))
	c, err := acquireCell(db, key, func() (*residentCell[T], error) {
		return newResidentCell(ctx, db, m, id, key)
	})
	if err != nil {
		return nil, err
	}
	return &Resident[T]{cell: c}, nil
}

// newResidentCell subscribes and loads under the realm writer so the loaded
// value is exactly the state before any event the cell will receive.
func newResidentCell[T any](ctx context.Context, db *RealmDatabase, m *Model[T], id DataIdentifier, key string) (*residentCell[T], error) {
	tx, err := db.WriteTxn(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	r, err := loadRow(tx, m, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, m.Name, id)
	}

	c := &residentCell[T]{
		db:    db,
		model: m,
		id:    id,
		key:   key,
		value: r.value,
	}
	c.box = newMailbox(c.deliver)
	c.subID = db.bus.subscribe(m.Name, c)
	return c, nil
}

func (c *residentCell[T]) offer(seq uint64, ch change) {
	if ch.id != c.id {
		return
	}
	if e, ok := eventFor[T](seq, ch, ch.old != nil, ch.new != nil); ok {
		c.box.push(e)
	}
}

func (c *residentCell[T]) deliver(e Event[T]) {
	c.mu.Lock()
	c.delivered = e.Sequence
	if e.Sequence >= c.pending {
		c.pending = 0
		c.value = e.Value
		c.deleted = e.Kind == Removed
	}
	c.mu.Unlock()

	c.listeners.notify(e, c.db.logger)
}

// applyLocal reflects a write committed through this cell before its event
// arrives.
func (c *residentCell[T]) applyLocal(seq uint64, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq <= c.delivered {
		return
	}
	c.value = v
	c.deleted = false
	c.pending = seq
}

func (c *residentCell[T]) shutdown() {
	c.db.bus.unsubscribe(c.model.Name, c.subID)
	c.box.close()
}

// ID returns the identifier of the followed row.
func (r *Resident[T]) ID() DataIdentifier {
	return r.cell.id
}

// Read returns a copy of the cached value.
func (r *Resident[T]) Read() T {
	r.cell.mu.RLock()
	defer r.cell.mu.RUnlock()
	return r.cell.value
}

// Exists reports whether the row is still present as far as the cache knows.
func (r *Resident[T]) Exists() bool {
	r.cell.mu.RLock()
	defer r.cell.mu.RUnlock()
	return !r.cell.deleted
}

// Update applies mutate to the latest committed value and writes the result
// in one transaction. When mutate returns an error nothing is written. The
// identifier may not change. Updating a row deleted elsewhere fails with
// ErrConflict.
func (r *Resident[T]) Update(ctx context.Context, mutate func(*T) error) error {
	if r.closed.Load() {
		return fmt.Errorf("%w: resident handle", ErrClosed)
	}
	c := r.cell
	m := c.model

	tx, err := c.db.WriteTxn(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	prev, err := loadRow(tx, m, c.id)
	if err != nil {
		return err
	}
	if prev == nil {
		return fmt.Errorf("%w: %s %s was deleted", ErrConflict, m.Name, c.id)
	}
	next, err := decodeBody[T](prev.rec.Body)
	if err != nil {
		return err
	}
	if err := mutate(&next); err != nil {
		return err
	}
	if *m.ID(&next) != c.id || (m.PrimaryKey != nil && m.PrimaryKey(&next) != c.id) {
		return fmt.Errorf("%w: %s identifier is immutable", ErrValidation, m.Name)
	}

	stored, err := writeRow(tx, m, c.id, prev, &next)
	if err != nil {
		return err
	}
	seq, err := tx.commit()
	if err != nil {
		return err
	}
	c.applyLocal(seq, stored.value)
	return nil
}

// Listen registers l for changes to the row and returns a function that
// removes it. Callbacks run asynchronously in commit order.
func (r *Resident[T]) Listen(l Listener[T]) func() {
	return r.cell.listeners.add(l)
}

// History returns the stored revisions of the row.
func (r *Resident[T]) History(ctx context.Context, rng CreationRange) ([]Revision[T], error) {
	var out []Revision[T]
	err := r.cell.db.View(ctx, func(tx *Txn) error {
		var err error
		out, err = History[T](tx, r.cell.id, rng)
		return err
	})
	return out, err
}

// Clone returns another handle on the same cell.
func (r *Resident[T]) Clone() *Resident[T] {
	r.cell.db.retainCell(r.cell.key)
	return &Resident[T]{cell: r.cell}
}

// Close releases the handle. The cell stops synchronizing when its last
// handle is closed. Close is idempotent.
func (r *Resident[T]) Close() {
	if r.closed.CompareAndSwap(false, true) {
		r.cell.db.releaseCell(r.cell.key)
	}
}

// flush waits for every event queued so far to be delivered.
func (r *Resident[T]) flush() {
	r.cell.box.flush()
}
