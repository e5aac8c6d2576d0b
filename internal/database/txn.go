// ABOUTME: Transactions and typed row operations over a realm's engine
// ABOUTME: Write transactions record their changes and publish them on commit

package database

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"
)

// Txn is a read-only or read-write transaction on one realm. A Txn is not
// safe for concurrent use. Write transactions hold the realm's writer until
// Commit or Rollback, so always defer Rollback.
type Txn struct {
	db       *RealmDatabase
	kv       kvTxn
	writable bool
	snapshot uint64
	changes  []change
	state    txnState
	seq      uint64
}

type txnState int

const (
	txnOpen txnState = iota
	txnCommitted
	txnRolledBack
)

// change is one row mutation. old is nil for inserts, new is nil for deletes.
type change struct {
	model string
	id    DataIdentifier
	old   any
	new   any
}

// Writable reports whether the transaction may write.
func (tx *Txn) Writable() bool {
	return tx.writable
}

// Commit makes every write in the transaction visible atomically and
// notifies subscribed caches. Calling Commit again is a no-op.
func (tx *Txn) Commit() error {
	_, err := tx.commit()
	return err
}

func (tx *Txn) commit() (uint64, error) {
	switch tx.state {
	case txnCommitted:
		return tx.seq, nil
	case txnRolledBack:
		return 0, fmt.Errorf("%w: transaction already rolled back", ErrClosed)
	}
	tx.state = txnCommitted

	if !tx.writable {
		tx.seq = tx.snapshot
		return tx.seq, tx.kv.commit()
	}
	defer tx.db.releaseWriter()

	if err := tx.kv.commit(); err != nil {
		tx.kv.rollback()
		tx.state = txnRolledBack
		return 0, err
	}
	if len(tx.changes) == 0 {
		tx.seq = tx.db.commitSeq.Load()
		return tx.seq, nil
	}
	// Publishing while the writer is held keeps event order equal to
	// commit order.
	tx.seq = tx.db.commitSeq.Add(1)
	tx.db.bus.publish(tx.seq, tx.changes)
	tx.changes = nil
	return tx.seq, nil
}

// Rollback discards the transaction. It is a no-op after Commit or a
// previous Rollback.
func (tx *Txn) Rollback() error {
	if tx.state != txnOpen {
		return nil
	}
	tx.state = txnRolledBack
	tx.changes = nil
	err := tx.kv.rollback()
	if tx.writable {
		tx.db.releaseWriter()
	}
	return err
}

func (tx *Txn) usable(write bool) error {
	if tx.state != txnOpen {
		return fmt.Errorf("%w: transaction finished", ErrClosed)
	}
	if write && !tx.writable {
		return ErrReadOnly
	}
	return nil
}

type row[T any] struct {
	id    DataIdentifier
	rec   record
	value T
}

func loadRow[T any](tx *Txn, m *Model[T], id DataIdentifier) (*row[T], error) {
	data, ok, err := tx.kv.get(primaryKey(m.Name, id))
	if err != nil || !ok {
		return nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	v, err := decodeBody[T](rec.Body)
	if err != nil {
		return nil, err
	}
	return &row[T]{id: id, rec: rec, value: v}, nil
}

// writeRow stores v as the latest revision of id. prev is the row being
// replaced, or nil.
func writeRow[T any](tx *Txn, m *Model[T], id DataIdentifier, prev *row[T], v *T) (*row[T], error) {
	if err := m.validate(v); err != nil {
		return nil, err
	}
	body, err := encodeBody(v)
	if err != nil {
		return nil, err
	}

	seq := uint64(1)
	switch {
	case prev != nil:
		seq = prev.rec.Sequence + 1
	case m.Temporal:
		last, err := lastRevision(tx, m, id)
		if err != nil {
			return nil, err
		}
		seq = last + 1
	}

	created := tx.db.now().UTC()
	data, err := encodeRecord(seq, created, body)
	if err != nil {
		return nil, err
	}
	if err := tx.kv.put(primaryKey(m.Name, id), data); err != nil {
		return nil, err
	}
	if m.Temporal {
		if err := tx.kv.put(historyKey(m.Name, id, seq), data); err != nil {
			return nil, err
		}
	}

	for name, extract := range m.Indexes {
		next := extract(v)
		if prev != nil {
			old := extract(&prev.value)
			if bytes.Equal(old, next) {
				continue
			}
			if err := tx.kv.delete(secondaryKey(m.Name, name, old, id)); err != nil {
				return nil, err
			}
		}
		if err := tx.kv.put(secondaryKey(m.Name, name, next, id), []byte(id)); err != nil {
			return nil, err
		}
	}

	// Events carry the stored form so later caller mutations of v are not
	// observed by listeners.
	stored, err := decodeBody[T](body)
	if err != nil {
		return nil, err
	}
	next := &row[T]{id: id, rec: record{Sequence: seq, Created: created.UnixNano(), Body: body}, value: stored}

	ch := change{model: m.Name, id: id, new: &next.value}
	if prev != nil {
		ch.old = &prev.value
	}
	tx.changes = append(tx.changes, ch)
	return next, nil
}

func lastRevision[T any](tx *Txn, m *Model[T], id DataIdentifier) (uint64, error) {
	prefix := historyPrefix(m.Name, id)
	var last uint64
	err := tx.kv.scan(prefix, prefixEnd(prefix), func(key, _ []byte) bool {
		if len(key) == len(prefix)+8 {
			last = binary.BigEndian.Uint64(key[len(prefix):])
		}
		return true
	})
	return last, err
}

func checkIdentifier(model string, id DataIdentifier) error {
	if strings.ContainsRune(string(id), 0) {
		return fmt.Errorf("%w: %s identifier contains NUL", ErrValidation, model)
	}
	return nil
}

// Get returns the row with the given identifier.
func Get[T any](tx *Txn, id DataIdentifier) (T, error) {
	var zero T
	m, err := modelFor[T](tx.db.registry)
	if err != nil {
		return zero, err
	}
	if err := tx.usable(false); err != nil {
		return zero, err
	}
	r, err := loadRow(tx, m, id)
	if err != nil {
		return zero, err
	}
	if r == nil {
		return zero, fmt.Errorf("%w: %s %s", ErrNotFound, m.Name, id)
	}
	return r.value, nil
}

// Insert stores a new row. The identifier field is filled in when the model
// assigns identifiers. Inserting an existing key fails with ErrAlreadyExists.
func Insert[T any](tx *Txn, v *T) error {
	m, err := modelFor[T](tx.db.registry)
	if err != nil {
		return err
	}
	if err := tx.usable(true); err != nil {
		return err
	}
	_, err = insertRow(tx, m, v)
	return err
}

func insertRow[T any](tx *Txn, m *Model[T], v *T) (*row[T], error) {
	id := m.identify(v)
	if err := checkIdentifier(m.Name, id); err != nil {
		return nil, err
	}
	existing, err := loadRow(tx, m, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrAlreadyExists, m.Name, id)
	}
	return writeRow(tx, m, id, nil, v)
}

// Upsert stores v, replacing any row with the same key.
func Upsert[T any](tx *Txn, v *T) error {
	m, err := modelFor[T](tx.db.registry)
	if err != nil {
		return err
	}
	if err := tx.usable(true); err != nil {
		return err
	}
	id := m.identify(v)
	if err := checkIdentifier(m.Name, id); err != nil {
		return err
	}
	prev, err := loadRow(tx, m, id)
	if err != nil {
		return err
	}
	_, err = writeRow(tx, m, id, prev, v)
	return err
}

// Delete removes the row with the given identifier and reports whether it
// existed. Revision history of temporal rows is kept.
func Delete[T any](tx *Txn, id DataIdentifier) (bool, error) {
	m, err := modelFor[T](tx.db.registry)
	if err != nil {
		return false, err
	}
	if err := tx.usable(true); err != nil {
		return false, err
	}
	return deleteRow(tx, m, id)
}

func deleteRow[T any](tx *Txn, m *Model[T], id DataIdentifier) (bool, error) {
	prev, err := loadRow(tx, m, id)
	if err != nil || prev == nil {
		return false, err
	}
	if err := tx.kv.delete(primaryKey(m.Name, id)); err != nil {
		return false, err
	}
	for name, extract := range m.Indexes {
		if err := tx.kv.delete(secondaryKey(m.Name, name, extract(&prev.value), id)); err != nil {
			return false, err
		}
	}
	tx.changes = append(tx.changes, change{model: m.Name, id: id, old: &prev.value})
	return true, nil
}

// Scan returns every row matching cond. All yields rows in key order;
// secondary conditions yield rows in secondary key order.
func Scan[T any](tx *Txn, cond DataCondition) ([]T, error) {
	m, err := modelFor[T](tx.db.registry)
	if err != nil {
		return nil, err
	}
	if err := tx.usable(false); err != nil {
		return nil, err
	}
	rows, err := scanRows(tx, m, cond)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(rows))
	for i, r := range rows {
		out[i] = r.value
	}
	return out, nil
}

func scanRows[T any](tx *Txn, m *Model[T], cond DataCondition) ([]*row[T], error) {
	if err := m.check(cond); err != nil {
		return nil, err
	}

	var (
		rows    []*row[T]
		scanErr error
	)
	if cond.kind == condAll {
		prefix := typePrefix(spacePrimary, m.Name)
		err := tx.kv.scan(prefix, prefixEnd(prefix), func(_, value []byte) bool {
			rec, err := decodeRecord(value)
			if err != nil {
				scanErr = err
				return false
			}
			v, err := decodeBody[T](rec.Body)
			if err != nil {
				scanErr = err
				return false
			}
			rows = append(rows, &row[T]{id: *m.ID(&v), rec: rec, value: v})
			return true
		})
		if err != nil {
			return nil, err
		}
		return rows, scanErr
	}

	var ids []DataIdentifier
	start, end := cond.bounds(m.Name)
	if err := tx.kv.scan(start, end, func(_, value []byte) bool {
		ids = append(ids, DataIdentifier(value))
		return true
	}); err != nil {
		return nil, err
	}
	for _, id := range ids {
		r, err := loadRow(tx, m, id)
		if err != nil {
			return nil, err
		}
		// Escaped string keys can share a prefix with longer values.
		if r == nil || !m.matches(cond, &r.value) {
			continue
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// Count returns the number of live rows of type T.
func Count[T any](tx *Txn) (int, error) {
	m, err := modelFor[T](tx.db.registry)
	if err != nil {
		return 0, err
	}
	if err := tx.usable(false); err != nil {
		return 0, err
	}
	prefix := typePrefix(spacePrimary, m.Name)
	n := 0
	err = tx.kv.scan(prefix, prefixEnd(prefix), func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

// View runs fn in a read transaction.
func (db *RealmDatabase) View(ctx context.Context, fn func(tx *Txn) error) error {
	tx, err := db.ReadTxn(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn in a write transaction and commits when fn succeeds.
func (db *RealmDatabase) Update(ctx context.Context, fn func(tx *Txn) error) error {
	tx, err := db.WriteTxn(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
