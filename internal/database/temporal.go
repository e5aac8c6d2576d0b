// ABOUTME: Revision history for temporal models
// ABOUTME: Every write appends a revision; deletes keep the chain intact

package database

import (
	"encoding/binary"
	"fmt"
	"time"
)

// DataRevision identifies one stored revision of a row.
type DataRevision struct {
	// Sequence starts at 1 and grows by one per write to the row.
	Sequence uint64
	// Latest is set on the revision the row currently holds.
	Latest bool
}

// Revision is one historical value of a row.
type Revision[T any] struct {
	Value    T
	Revision DataRevision
	Created  time.Time
}

// CreationRange bounds revisions by creation time. Zero bounds are open and
// both ends are inclusive.
type CreationRange struct {
	From time.Time
	To   time.Time
}

// AllCreations selects every revision.
func AllCreations() CreationRange {
	return CreationRange{}
}

// Since selects revisions created at or after t.
func Since(t time.Time) CreationRange {
	return CreationRange{From: t}
}

func (r CreationRange) contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// History returns the revisions of a row oldest first. Non-temporal models
// keep only the latest revision. A row that never existed yields ErrNotFound.
func History[T any](tx *Txn, id DataIdentifier, r CreationRange) ([]Revision[T], error) {
	m, err := modelFor[T](tx.db.registry)
	if err != nil {
		return nil, err
	}
	if err := tx.usable(false); err != nil {
		return nil, err
	}
	latest, err := loadRow(tx, m, id)
	if err != nil {
		return nil, err
	}

	if !m.Temporal {
		if latest == nil {
			return nil, fmt.Errorf("%w: %s %s", ErrNotFound, m.Name, id)
		}
		created := latest.rec.createdAt()
		if !r.contains(created) {
			return []Revision[T]{}, nil
		}
		return []Revision[T]{{
			Value:    latest.value,
			Revision: DataRevision{Sequence: latest.rec.Sequence, Latest: true},
			Created:  created,
		}}, nil
	}

	var (
		out     = []Revision[T]{}
		found   bool
		scanErr error
	)
	prefix := historyPrefix(m.Name, id)
	err = tx.kv.scan(prefix, prefixEnd(prefix), func(key, value []byte) bool {
		if len(key) != len(prefix)+8 {
			return true
		}
		found = true
		rec, err := decodeRecord(value)
		if err != nil {
			scanErr = err
			return false
		}
		created := rec.createdAt()
		if !r.contains(created) {
			return true
		}
		v, err := decodeBody[T](rec.Body)
		if err != nil {
			scanErr = err
			return false
		}
		seq := binary.BigEndian.Uint64(key[len(prefix):])
		out = append(out, Revision[T]{
			Value: v,
			Revision: DataRevision{
				Sequence: seq,
				Latest:   latest != nil && latest.rec.Sequence == seq,
			},
			Created: created,
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	if !found && latest == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, m.Name, id)
	}
	return out, nil
}
