// ABOUTME: RealmDatabase is one isolated partition of the store
// ABOUTME: Each realm owns its engine, event bus and single writer

package database

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// RealmDatabase is the store for a single realm. Obtain one from
// Layer.Realm.
type RealmDatabase struct {
	name     RealmName
	registry *Registry
	engine   engine
	bus      *bus
	now      func() time.Time
	logger   *slog.Logger

	// writer admits one write transaction at a time.
	writer    chan struct{}
	commitSeq atomic.Uint64
	closed    atomic.Bool

	cellsMu sync.Mutex
	cells   map[string]*cellEntry
}

func newRealmDatabase(name RealmName, reg *Registry, eng engine, now func() time.Time, logger *slog.Logger) *RealmDatabase {
	logger = logger.With("realm", string(name))
	return &RealmDatabase{
		name:     name,
		registry: reg,
		engine:   eng,
		bus:      newBus(logger),
		now:      now,
		logger:   logger,
		writer:   make(chan struct{}, 1),
		cells:    make(map[string]*cellEntry),
	}
}

// Name returns the realm's name.
func (db *RealmDatabase) Name() RealmName {
	return db.name
}

// Registry returns the models known to the realm.
func (db *RealmDatabase) Registry() *Registry {
	return db.registry
}

func (db *RealmDatabase) checkOpen() error {
	if db.closed.Load() {
		return fmt.Errorf("%w: realm %s", ErrClosed, db.name)
	}
	return nil
}

// ReadTxn starts a snapshot-isolated read transaction.
func (db *RealmDatabase) ReadTxn(ctx context.Context) (*Txn, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	snapshot := db.commitSeq.Load()
	kv, err := db.engine.begin(ctx, false)
	if err != nil {
		return nil, err
	}
	return &Txn{db: db, kv: kv, snapshot: snapshot}, nil
}

// WriteTxn starts a read-write transaction, waiting for any other writer in
// the realm to finish or for ctx to be done.
func (db *RealmDatabase) WriteTxn(ctx context.Context) (*Txn, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	select {
	case db.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := db.checkOpen(); err != nil {
		db.releaseWriter()
		return nil, err
	}
	kv, err := db.engine.begin(ctx, true)
	if err != nil {
		db.releaseWriter()
		return nil, err
	}
	return &Txn{db: db, kv: kv, writable: true, snapshot: db.commitSeq.Load()}, nil
}

func (db *RealmDatabase) releaseWriter() {
	<-db.writer
}

// close stops event delivery and closes the engine. It waits for an
// in-flight writer to finish.
func (db *RealmDatabase) close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.writer <- struct{}{}
	defer db.releaseWriter()

	db.cellsMu.Lock()
	for key, e := range db.cells {
		e.cell.shutdown()
		delete(db.cells, key)
	}
	db.cellsMu.Unlock()

	db.bus.close()
	if err := db.engine.close(); err != nil {
		return fmt.Errorf("closing realm %s: %w", db.name, err)
	}
	db.logger.Debug("realm closed")
	return nil
}
