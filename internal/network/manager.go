// ABOUTME: Manager hands out one connection tracker per realm
// ABOUTME: Trackers are opened on first use and closed together on shutdown

package network

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/fleet/internal/database"
	"github.com/2389/fleet/internal/realm"
)

// Manager coordinates the connection trackers of every realm.
type Manager struct {
	realms     *realm.Layer
	staleAfter time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	trackers map[database.RealmName]*Tracker
}

// NewManager creates a Manager. Connections without a heartbeat for
// staleAfter are reported as stale.
func NewManager(realms *realm.Layer, staleAfter time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		realms:     realms,
		staleAfter: staleAfter,
		logger:     logger,
		trackers:   make(map[database.RealmName]*Tracker),
	}
}

// Realm returns the tracker of a realm that has been created.
func (m *Manager) Realm(ctx context.Context, name database.RealmName) (*Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[name]; ok {
		return t, nil
	}
	db, err := m.realms.Realm(ctx, name)
	if err != nil {
		return nil, err
	}
	t, err := NewTracker(ctx, db, m.staleAfter, m.logger)
	if err != nil {
		return nil, err
	}
	m.trackers[name] = t
	return t, nil
}

// Sweep disconnects stale connections in every open realm and returns how
// many were removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	trackers := make([]*Tracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		trackers = append(trackers, t)
	}
	m.mu.Unlock()

	removed := 0
	for _, t := range trackers {
		for _, c := range t.Stale() {
			if err := t.Disconnect(ctx, c.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Run sweeps stale connections every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Warn("sweeping stale connections failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Info("removed stale connections", "count", n)
			}
		}
	}
}

// Close closes every tracker.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, t := range m.trackers {
		t.Close()
		delete(m.trackers, name)
	}
}
