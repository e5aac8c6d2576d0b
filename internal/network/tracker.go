// ABOUTME: Tracker follows the connections of one realm through a live collection
// ABOUTME: Heartbeats write through per-connection handles so watchers see every update

package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/fleet/internal/database"
	"github.com/2389/fleet/internal/instance"
)

// Tracker records the connections of a realm.
type Tracker struct {
	db         *database.RealmDatabase
	conns      *database.ResidentVec[ConnectionData]
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	handles map[database.DataIdentifier]*database.Resident[ConnectionData]
}

// NewTracker loads the connections stored in db.
func NewTracker(ctx context.Context, db *database.RealmDatabase, staleAfter time.Duration, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conns, err := database.NewResidentVec[ConnectionData](ctx, db, database.All())
	if err != nil {
		return nil, fmt.Errorf("loading connections: %w", err)
	}
	return &Tracker{
		db:         db,
		conns:      conns,
		staleAfter: staleAfter,
		logger:     logger.With("component", "network", "realm", string(db.Name())),
		now:        time.Now,
		handles:    make(map[database.DataIdentifier]*database.Resident[ConnectionData]),
	}, nil
}

// Record notes a connection to remote. An existing connection to the same
// remote in the same direction is refreshed instead of duplicated. The
// lookup and the write share one transaction, so concurrent calls for the
// same remote and direction leave a single row.
func (t *Tracker) Record(ctx context.Context, remote instance.ID, addr string, dir Direction) (ConnectionData, error) {
	now := t.now().UTC()
	var (
		conn      ConnectionData
		refreshed bool
	)
	err := t.conns.Update(ctx, func(tx *database.Txn) error {
		existing, err := database.Scan[ConnectionData](tx, database.Equal("remote", database.StringKey(remote.String())))
		if err != nil {
			return err
		}
		for _, c := range existing {
			if c.Direction != dir {
				continue
			}
			c.Address = addr
			c.Connected = now
			c.LastSeen = now
			conn, refreshed = c, true
			return database.Upsert(tx, &conn)
		}
		conn = ConnectionData{
			Remote:    remote,
			Address:   addr,
			Direction: dir,
			Connected: now,
			LastSeen:  now,
		}
		return database.Insert(tx, &conn)
	})
	if err != nil {
		return ConnectionData{}, err
	}

	if refreshed {
		t.logger.Info("connection refreshed", "id", string(conn.ID), "remote", remote.String(), "address", addr)
		return conn, nil
	}
	t.logger.Info("connection recorded",
		"id", string(conn.ID),
		"remote", remote.String(),
		"address", addr,
		"direction", string(dir),
		"total_connections", t.conns.Len(),
	)
	return conn, nil
}

func (t *Tracker) handle(ctx context.Context, id database.DataIdentifier) (*database.Resident[ConnectionData], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.handles[id]; ok {
		return h, nil
	}
	h, err := database.NewResident[ConnectionData](ctx, t.db, database.ByID(id))
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	t.handles[id] = h
	return h, nil
}

// Heartbeat records that the connection is alive with the measured round
// trip time.
func (t *Tracker) Heartbeat(ctx context.Context, id database.DataIdentifier, rtt time.Duration) error {
	h, err := t.handle(ctx, id)
	if err != nil {
		return err
	}
	err = h.Update(ctx, func(c *ConnectionData) error {
		c.LastSeen = t.now().UTC()
		c.RTT = rtt
		return nil
	})
	if errors.Is(err, database.ErrConflict) {
		t.drop(id)
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	return err
}

// Disconnect forgets a connection. Its revision history is kept.
func (t *Tracker) Disconnect(ctx context.Context, id database.DataIdentifier) error {
	if err := t.conns.Remove(ctx, id); err != nil {
		return err
	}
	t.drop(id)
	t.logger.Info("connection removed", "id", string(id), "total_connections", t.conns.Len())
	return nil
}

func (t *Tracker) drop(id database.DataIdentifier) {
	t.mu.Lock()
	h, ok := t.handles[id]
	delete(t.handles, id)
	t.mu.Unlock()
	if ok {
		h.Close()
	}
}

// Get returns a tracked connection.
func (t *Tracker) Get(id database.DataIdentifier) (ConnectionData, error) {
	c, ok := t.conns.Get(id)
	if !ok {
		return ConnectionData{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	return c, nil
}

// Connections returns a snapshot of every tracked connection.
func (t *Tracker) Connections() []ConnectionData {
	return t.conns.Items()
}

// Watch returns a live handle on the connection set. The caller must close
// it.
func (t *Tracker) Watch() *database.ResidentVec[ConnectionData] {
	return t.conns.Clone()
}

// Stale lists connections whose last heartbeat is older than the configured
// threshold.
func (t *Tracker) Stale() []ConnectionData {
	cutoff := t.now().Add(-t.staleAfter)
	var stale []ConnectionData
	for _, c := range t.conns.Items() {
		if c.LastSeen.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	return stale
}

// ByRemote lists the stored connections to one remote instance.
func (t *Tracker) ByRemote(ctx context.Context, remote instance.ID) ([]ConnectionData, error) {
	var out []ConnectionData
	err := t.db.View(ctx, func(tx *database.Txn) error {
		var err error
		out, err = database.Scan[ConnectionData](tx, database.Equal("remote", database.StringKey(remote.String())))
		return err
	})
	return out, err
}

// History returns the recorded revisions of a connection, including
// connections that have since been removed.
func (t *Tracker) History(ctx context.Context, id database.DataIdentifier, rng database.CreationRange) ([]database.Revision[ConnectionData], error) {
	var out []database.Revision[ConnectionData]
	err := t.db.View(ctx, func(tx *database.Txn) error {
		var err error
		out, err = database.History[ConnectionData](tx, id, rng)
		return err
	})
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	return out, err
}

// Close releases every live handle held by the tracker.
func (t *Tracker) Close() {
	t.mu.Lock()
	handles := t.handles
	t.handles = make(map[database.DataIdentifier]*database.Resident[ConnectionData])
	t.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}
	t.conns.Close()
}
