// ABOUTME: Layer opens and owns every realm of the store
// ABOUTME: Persistent realms are SQLite files; ephemeral realms live in memory

package database

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/2389/fleet/internal/config"
)

// Option customizes a Layer.
type Option func(*Layer)

// WithLogger sets the logger used by the layer and its realms.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Layer) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the clock that stamps row revisions.
func WithClock(now func() time.Time) Option {
	return func(l *Layer) {
		if now != nil {
			l.now = now
		}
	}
}

// Layer maps realm names to their databases.
type Layer struct {
	cfg      config.DatabaseConfig
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	realms map[RealmName]*RealmDatabase
	closed bool
}

// NewLayer validates cfg and opens the default realm. Storage problems are
// reported as ErrConfig.
func NewLayer(cfg config.DatabaseConfig, reg *Registry, opts ...Option) (*Layer, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrSchema)
	}
	l := &Layer{
		cfg:      cfg,
		registry: reg,
		logger:   slog.Default(),
		now:      time.Now,
		realms:   make(map[RealmName]*RealmDatabase),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "database")

	if !cfg.Ephemeral {
		if cfg.Storage == "" {
			return nil, fmt.Errorf("%w: storage directory is required unless ephemeral", ErrConfig)
		}
		if err := os.MkdirAll(cfg.Storage, 0755); err != nil {
			return nil, fmt.Errorf("%w: creating storage directory: %w", ErrConfig, err)
		}
	}

	if _, err := l.Realm(context.Background(), DefaultRealm); err != nil {
		return nil, err
	}
	l.logger.Info("database layer ready", "ephemeral", cfg.Ephemeral, "storage", cfg.Storage)
	return l, nil
}

// Registry returns the models known to the layer.
func (l *Layer) Registry() *Registry {
	return l.registry
}

// Realm returns the database for name, opening it on first use.
func (l *Layer) Realm(ctx context.Context, name RealmName) (*RealmDatabase, error) {
	if err := name.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("%w: layer", ErrClosed)
	}
	if db, ok := l.realms[name]; ok {
		return db, nil
	}

	var eng engine
	if l.cfg.Ephemeral {
		eng = newMemoryEngine()
	} else {
		path := filepath.Join(l.cfg.Storage, string(name)+".db")
		sq, err := openSQLite(path, l.logger)
		if err != nil {
			return nil, err
		}
		eng = sq
	}

	db := newRealmDatabase(name, l.registry, eng, l.now, l.logger)
	l.realms[name] = db
	l.logger.Debug("realm opened", "realm", string(name))
	return db, nil
}

// Realms returns the names of the realms opened so far.
func (l *Layer) Realms() []RealmName {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]RealmName, 0, len(l.realms))
	for name := range l.realms {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Ephemeral reports whether realms are kept in memory only.
func (l *Layer) Ephemeral() bool {
	return l.cfg.Ephemeral
}

// Close closes every realm. Ephemeral data is discarded.
func (l *Layer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	for name, db := range l.realms {
		if err := db.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.realms, name)
	}
	return firstErr
}
