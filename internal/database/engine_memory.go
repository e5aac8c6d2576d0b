// ABOUTME: In-memory engine backed by a copy-on-write B-tree
// ABOUTME: Each transaction works on an O(1) clone; commits swap the root

package database

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"
)

type kvItem struct {
	key   []byte
	value []byte
}

func kvLess(a, b kvItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type memoryEngine struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[kvItem]
	version uint64
	closed  bool
}

func newMemoryEngine() *memoryEngine {
	return &memoryEngine{tree: btree.NewG(32, kvLess)}
}

func (e *memoryEngine) begin(ctx context.Context, writable bool) (kvTxn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	return &memoryTxn{
		engine:   e,
		tree:     e.tree.Clone(),
		base:     e.version,
		writable: writable,
	}, nil
}

func (e *memoryEngine) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.tree = btree.NewG(32, kvLess)
	return nil
}

type memoryTxn struct {
	engine   *memoryEngine
	tree     *btree.BTreeG[kvItem]
	base     uint64
	writable bool
	dirty    bool
	done     bool
}

func (t *memoryTxn) get(key []byte) ([]byte, bool, error) {
	item, ok := t.tree.Get(kvItem{key: key})
	if !ok {
		return nil, false, nil
	}
	return item.value, true, nil
}

func (t *memoryTxn) put(key, value []byte) error {
	if !t.writable {
		return ErrReadOnly
	}
	t.tree.ReplaceOrInsert(kvItem{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	t.dirty = true
	return nil
}

func (t *memoryTxn) delete(key []byte) error {
	if !t.writable {
		return ErrReadOnly
	}
	if _, ok := t.tree.Delete(kvItem{key: key}); ok {
		t.dirty = true
	}
	return nil
}

func (t *memoryTxn) scan(start, end []byte, fn func(key, value []byte) bool) error {
	iter := func(item kvItem) bool {
		return fn(item.key, item.value)
	}
	if end == nil {
		t.tree.AscendGreaterOrEqual(kvItem{key: start}, iter)
		return nil
	}
	t.tree.AscendRange(kvItem{key: start}, kvItem{key: end}, iter)
	return nil
}

func (t *memoryTxn) commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if !t.writable || !t.dirty {
		return nil
	}

	e := t.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.version != t.base {
		return fmt.Errorf("%w: concurrent commit", ErrConflict)
	}
	e.tree = t.tree
	e.version++
	return nil
}

func (t *memoryTxn) rollback() error {
	t.done = true
	return nil
}
