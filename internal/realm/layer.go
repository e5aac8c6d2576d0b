// ABOUTME: Layer tracks which realms exist and stores their certificates
// ABOUTME: Realm rows are held live in the default realm so lookups never hit storage

package realm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/fleet/internal/database"
	"github.com/2389/fleet/internal/instance"
)

// Layer manages the set of realms on top of a database layer.
type Layer struct {
	db     *database.Layer
	realms *database.ResidentVec[Data]
	logger *slog.Logger
	now    func() time.Time
}

// NewLayer loads the realm registry from the default realm, creating the
// default realm entry on first start.
func NewLayer(ctx context.Context, db *database.Layer, logger *slog.Logger) (*Layer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def, err := db.Realm(ctx, database.DefaultRealm)
	if err != nil {
		return nil, fmt.Errorf("opening default realm: %w", err)
	}
	vec, err := database.NewResidentVec[Data](ctx, def, database.All())
	if err != nil {
		return nil, fmt.Errorf("loading realms: %w", err)
	}

	l := &Layer{
		db:     db,
		realms: vec,
		logger: logger.With("component", "realm"),
		now:    time.Now,
	}
	if _, ok := vec.Get(database.DataIdentifier(database.DefaultRealm)); !ok {
		if _, err := l.Create(ctx, database.DefaultRealm, DefaultOwner); err != nil && !errors.Is(err, ErrRealmExists) {
			vec.Close()
			return nil, err
		}
	}
	l.logger.Info("realms loaded", "count", vec.Len())
	return l, nil
}

// Create records a new realm and opens its database.
func (l *Layer) Create(ctx context.Context, name database.RealmName, owner string) (Data, error) {
	h, err := l.realms.Push(ctx, Data{Name: name, Owner: owner, CreatedAt: l.now().UTC()})
	if errors.Is(err, database.ErrAlreadyExists) {
		return Data{}, fmt.Errorf("%w: %s", ErrRealmExists, name)
	}
	if err != nil {
		return Data{}, fmt.Errorf("creating realm %s: %w", name, err)
	}
	defer h.Close()

	if _, err := l.db.Realm(ctx, name); err != nil {
		return Data{}, fmt.Errorf("opening realm %s: %w", name, err)
	}
	l.logger.Info("realm created", "realm", string(name), "owner", owner)
	return h.Read(), nil
}

// Get returns the record of a realm.
func (l *Layer) Get(name database.RealmName) (Data, error) {
	d, ok := l.realms.Get(database.DataIdentifier(name))
	if !ok {
		return Data{}, fmt.Errorf("%w: %s", ErrUnknownRealm, name)
	}
	return d, nil
}

// Realm returns the database of a realm that has been created.
func (l *Layer) Realm(ctx context.Context, name database.RealmName) (*database.RealmDatabase, error) {
	if _, err := l.Get(name); err != nil {
		return nil, err
	}
	return l.db.Realm(ctx, name)
}

// Names lists every realm in name order.
func (l *Layer) Names() []database.RealmName {
	items := l.realms.Items()
	names := make([]database.RealmName, len(items))
	for i, d := range items {
		names[i] = d.Name
	}
	return names
}

// Realms lists every realm record in name order.
func (l *Layer) Realms() []Data {
	return l.realms.Items()
}

// Close releases the live realm set.
func (l *Layer) Close() {
	l.realms.Close()
}

// StoreClusterCert saves a realm's certificate authority, replacing any
// previous one.
func (l *Layer) StoreClusterCert(ctx context.Context, cert ClusterCert) error {
	db, err := l.Realm(ctx, cert.Realm)
	if err != nil {
		return err
	}
	return db.Update(ctx, func(tx *database.Txn) error {
		return database.Upsert(tx, &cert)
	})
}

// EnsureClusterCert returns the certificate authority of a realm,
// generating one for cluster when the realm has none.
func (l *Layer) EnsureClusterCert(ctx context.Context, cluster instance.ClusterID, name database.RealmName) (ClusterCert, error) {
	db, err := l.Realm(ctx, name)
	if err != nil {
		return ClusterCert{}, err
	}
	var ca ClusterCert
	err = db.Update(ctx, func(tx *database.Txn) error {
		existing, err := database.Get[ClusterCert](tx, database.DataIdentifier(name))
		if err == nil {
			ca = existing
			return nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return err
		}
		ca, err = NewClusterCert(cluster, name, l.now())
		if err != nil {
			return err
		}
		l.logger.Info("generated cluster certificate", "realm", string(name), "cluster", cluster.String())
		return database.Insert(tx, &ca)
	})
	return ca, err
}

// EnsureServerCert returns the serving certificate of a server instance in
// a realm, issuing one from the realm's authority when missing.
func (l *Layer) EnsureServerCert(ctx context.Context, cluster instance.ClusterID, name database.RealmName, server instance.ID) (ServerCert, error) {
	if !server.IsServer() {
		return ServerCert{}, fmt.Errorf("%w: %s is not a server instance", ErrInvalidCert, server)
	}
	ca, err := l.EnsureClusterCert(ctx, cluster, name)
	if err != nil {
		return ServerCert{}, err
	}
	db, err := l.Realm(ctx, name)
	if err != nil {
		return ServerCert{}, err
	}
	var cert ServerCert
	err = db.Update(ctx, func(tx *database.Txn) error {
		existing, err := database.Get[ServerCert](tx, database.DataIdentifier(server.String()))
		if err == nil {
			cert = existing
			return nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return err
		}
		cert, err = ca.IssueServer(server, l.now())
		if err != nil {
			return err
		}
		return database.Insert(tx, &cert)
	})
	return cert, err
}

// IssueClientCert issues a client credential from the realm's authority
// and stores it.
func (l *Layer) IssueClientCert(ctx context.Context, cluster instance.ClusterID, name database.RealmName) (ClientCert, error) {
	ca, err := l.EnsureClusterCert(ctx, cluster, name)
	if err != nil {
		return ClientCert{}, err
	}
	cert, err := ca.IssueClient(l.now())
	if err != nil {
		return ClientCert{}, err
	}
	return cert, l.ImportClientCert(ctx, cert)
}

// IssueAgentCert issues an agent credential from the realm's authority and
// stores it.
func (l *Layer) IssueAgentCert(ctx context.Context, cluster instance.ClusterID, name database.RealmName) (AgentCert, error) {
	ca, err := l.EnsureClusterCert(ctx, cluster, name)
	if err != nil {
		return AgentCert{}, err
	}
	cert, err := ca.IssueAgent(l.now())
	if err != nil {
		return AgentCert{}, err
	}
	return cert, l.ImportAgentCert(ctx, cert)
}

// ImportClientCert stores a client credential in the realm it names. An
// existing credential is only replaced by a newer one.
func (l *Layer) ImportClientCert(ctx context.Context, cert ClientCert) error {
	return importCert(ctx, l, cert)
}

// ImportAgentCert stores an agent credential in the realm it names. An
// existing credential is only replaced by a newer one.
func (l *Layer) ImportAgentCert(ctx context.Context, cert AgentCert) error {
	return importCert(ctx, l, cert)
}

// FindClientCert returns the client credential stored for a realm.
func (l *Layer) FindClientCert(ctx context.Context, name database.RealmName) (ClientCert, error) {
	return findCert[ClientCert](ctx, l, name)
}

// FindAgentCert returns the agent credential stored for a realm.
func (l *Layer) FindAgentCert(ctx context.Context, name database.RealmName) (AgentCert, error) {
	return findCert[AgentCert](ctx, l, name)
}

func (c *ClientCert) credential() *Credential { return &c.Credential }
func (c *AgentCert) credential() *Credential  { return &c.Credential }

type credentialRow[T any] interface {
	*T
	credential() *Credential
}

func importCert[T any, P credentialRow[T]](ctx context.Context, l *Layer, cert T) error {
	cred := P(&cert).credential()
	name, err := cred.RealmName()
	if err != nil {
		return err
	}
	created, err := cred.CreatedAt()
	if err != nil {
		return err
	}
	db, err := l.Realm(ctx, name)
	if err != nil {
		return err
	}

	return db.Update(ctx, func(tx *database.Txn) error {
		existing, err := database.Get[T](tx, database.DataIdentifier(name))
		if errors.Is(err, database.ErrNotFound) {
			return database.Insert(tx, &cert)
		}
		if err != nil {
			return err
		}
		prev := P(&existing).credential()
		prevCreated, err := prev.CreatedAt()
		if err == nil && !created.After(prevCreated) {
			l.logger.Debug("kept newer stored certificate", "realm", string(name))
			return nil
		}
		return database.Upsert(tx, &cert)
	})
}

func findCert[T any](ctx context.Context, l *Layer, name database.RealmName) (T, error) {
	var cert T
	db, err := l.Realm(ctx, name)
	if err != nil {
		return cert, err
	}
	err = db.View(ctx, func(tx *database.Txn) error {
		cert, err = database.Get[T](tx, database.DataIdentifier(name))
		return err
	})
	if errors.Is(err, database.ErrNotFound) {
		return cert, fmt.Errorf("%w: realm %s", ErrCertNotFound, name)
	}
	return cert, err
}
