// ABOUTME: Gateway wires the database and feature layers to the HTTP server
// ABOUTME: Handles startup identity, the serve loop and ordered shutdown

package gateway

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/fleet/internal/auth"
	"github.com/2389/fleet/internal/config"
	"github.com/2389/fleet/internal/database"
	"github.com/2389/fleet/internal/dedupe"
	"github.com/2389/fleet/internal/instance"
	"github.com/2389/fleet/internal/network"
	"github.com/2389/fleet/internal/realm"
)

const (
	// heartbeatNonceWindow bounds how long a retried heartbeat is recognized.
	heartbeatNonceWindow = 5 * time.Minute
	heartbeatNonceLimit  = 10000

	defaultSessionPruneInterval = 15 * time.Minute
)

// Gateway is the fleet server.
type Gateway struct {
	config     *config.Config
	db         *database.Layer
	realms     *realm.Layer
	auth       *auth.Service
	network    *network.Manager
	heartbeats *dedupe.Cache[string]
	httpServer *http.Server

	sessionPruneInterval time.Duration
	logger     *slog.Logger

	serverID instance.ID
	cluster  instance.ClusterID

	streamsDone  chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// New opens the store described by cfg and builds every server component.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := NewRegistry()
	if err != nil {
		return nil, err
	}

	db, err := database.NewLayer(cfg.Database, reg, database.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	g := &Gateway{
		config:      cfg,
		db:          db,
		logger:      logger.With("component", "gateway"),
		streamsDone: make(chan struct{}),

		sessionPruneInterval: defaultSessionPruneInterval,
	}
	if err := g.init(ctx, logger); err != nil {
		db.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	g.registerRoutes(mux)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

func (g *Gateway) init(ctx context.Context, logger *slog.Logger) error {
	realms, err := realm.NewLayer(ctx, g.db, logger)
	if err != nil {
		return err
	}
	g.realms = realms

	if err := g.initIdentity(ctx); err != nil {
		realms.Close()
		return err
	}

	secret := []byte(g.config.Auth.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		rand.Read(secret)
		g.logger.Warn("auth.jwt_secret not set, using an ephemeral secret; tokens will not survive a restart")
	}
	g.auth = auth.NewService(realms, secret, g.config.Auth.SessionTTL, logger)
	g.network = network.NewManager(realms, g.config.Network.StaleAfter, logger)
	g.heartbeats = dedupe.New[string](heartbeatNonceWindow, heartbeatNonceLimit)
	return nil
}

// initIdentity settles this server's instance id and makes sure the
// default realm holds a cluster authority and a serving certificate for it.
func (g *Gateway) initIdentity(ctx context.Context) error {
	if g.config.Server.InstanceID != "" {
		id, err := instance.ParseID(g.config.Server.InstanceID)
		if err != nil {
			return fmt.Errorf("parsing server.instance_id: %w", err)
		}
		g.serverID = id
	} else {
		g.serverID = instance.NewID(instance.Server)
		g.logger.Warn("server.instance_id not set, using a new identity for this run", "instance_id", g.serverID.String())
	}

	ca, err := g.realms.EnsureClusterCert(ctx, instance.NewClusterID(), database.DefaultRealm)
	if err != nil {
		return fmt.Errorf("loading cluster certificate: %w", err)
	}
	g.cluster, err = ca.ClusterID()
	if err != nil {
		return err
	}
	if _, err := g.realms.EnsureServerCert(ctx, g.cluster, database.DefaultRealm, g.serverID); err != nil {
		return fmt.Errorf("loading server certificate: %w", err)
	}
	g.logger.Info("server identity ready", "instance_id", g.serverID.String(), "cluster", g.cluster.String())
	return nil
}

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("POST /api/login", g.handleLogin)

	authed := auth.HTTPAuthMiddleware(g.auth)
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}
	handle("POST /api/logout", g.handleLogout)
	handle("GET /api/realms", g.handleListRealms)
	handle("POST /api/realms", g.handleCreateRealm)
	handle("GET /api/realms/{realm}/users", g.handleListUsers)
	handle("POST /api/realms/{realm}/users", g.handleCreateUser)
	handle("GET /api/realms/{realm}/connections", g.handleListConnections)
	handle("POST /api/realms/{realm}/connections", g.handleRecordConnection)
	handle("GET /api/realms/{realm}/connections/events", g.handleConnectionEvents)
	handle("POST /api/realms/{realm}/connections/{id}/heartbeat", g.handleHeartbeat)
	handle("DELETE /api/realms/{realm}/connections/{id}", g.handleDisconnect)
	handle("GET /api/realms/{realm}/connections/{id}/history", g.handleConnectionHistory)
}

// Handler returns the HTTP handler serving the API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// ServerID returns this server's instance id.
func (g *Gateway) ServerID() instance.ID {
	return g.serverID
}

// Realms returns the realm layer.
func (g *Gateway) Realms() *realm.Layer {
	return g.realms
}

// Auth returns the authentication service.
func (g *Gateway) Auth() *auth.Service {
	return g.auth
}

// Run listens on the configured address and serves until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln, sweeps stale connections and prunes expired sessions
// until ctx is cancelled or the server fails, then shuts everything down.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		return g.network.Run(gctx, sweepInterval(g.config.Network.StaleAfter))
	})
	grp.Go(func() error {
		return g.auth.Run(gctx, g.sessionPruneInterval)
	})
	grp.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return grp.Wait()
}

func sweepInterval(staleAfter time.Duration) time.Duration {
	if staleAfter <= 0 {
		return time.Minute
	}
	return max(staleAfter/3, time.Second)
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The serving context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and closes every layer. It is safe to call
// more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")
		close(g.streamsDone)

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.network.Close()
		g.heartbeats.Close()
		g.realms.Close()
		errs = appendCloseError(errs, "database close", g.db.Close())
		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the default realm can be read.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	db, err := g.db.Realm(r.Context(), database.DefaultRealm)
	if err == nil {
		err = db.View(r.Context(), func(*database.Txn) error { return nil })
	}
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d realms)", len(g.realms.Names()))
}
