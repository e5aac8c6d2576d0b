// ABOUTME: Rows describing realms and the credentials that grant access to them
// ABOUTME: Realm rows live in the default realm; credentials live in their own realm

package realm

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/2389/fleet/internal/database"
)

// DefaultOwner owns the default realm.
const DefaultOwner = "admin"

var userNamePattern = regexp.MustCompile(`^[a-z0-9]{4,32}$`)

// ValidateUserName checks that name is a valid user name.
func ValidateUserName(name string) error {
	if !userNamePattern.MatchString(name) {
		return fmt.Errorf("invalid user name %q", name)
	}
	return nil
}

// Data records that a realm exists and who owns it.
type Data struct {
	ID        database.DataIdentifier `cbor:"id" json:"-"`
	Name      database.RealmName      `cbor:"name" json:"name"`
	Owner     string                  `cbor:"owner" json:"owner"`
	CreatedAt time.Time               `cbor:"created_at" json:"created_at"`
}

// ClusterCert is the certificate authority of one realm.
type ClusterCert struct {
	ID    database.DataIdentifier `cbor:"id"`
	Realm database.RealmName      `cbor:"realm"`
	Cert  []byte                  `cbor:"cert"`
	Key   []byte                  `cbor:"key,omitempty"`
}

// ServerCert is the serving certificate of one server instance in a realm.
type ServerCert struct {
	ID   database.DataIdentifier `cbor:"id"`
	Cert []byte                  `cbor:"cert"`
	Key  []byte                  `cbor:"key,omitempty"`
}

// Credential is a realm certificate bundle: the cluster CA, the leaf
// certificate and optionally its private key, all DER encoded.
type Credential struct {
	ID   database.DataIdentifier `cbor:"id"`
	CA   []byte                  `cbor:"ca"`
	Cert []byte                  `cbor:"cert"`
	Key  []byte                  `cbor:"key,omitempty"`
}

// ClientCert lets a client authenticate to a realm.
type ClientCert struct {
	Credential
}

// AgentCert lets an agent authenticate to a realm.
type AgentCert struct {
	Credential
}

var (
	// ErrUnknownRealm is returned for realms that were never created.
	ErrUnknownRealm = errors.New("realm does not exist")
	// ErrRealmExists is returned when creating a realm twice.
	ErrRealmExists = errors.New("realm already exists")
	// ErrInvalidCert is returned for malformed certificate bundles.
	ErrInvalidCert = errors.New("invalid realm certificate")
	// ErrCertNotFound is returned when a realm holds no matching certificate.
	ErrCertNotFound = errors.New("certificate not found")
)

// Register defines the realm models.
func Register(reg *database.Registry) error {
	if err := database.Define(reg, database.Model[Data]{
		Name:       "realm",
		ID:         func(d *Data) *database.DataIdentifier { return &d.ID },
		PrimaryKey: func(d *Data) database.DataIdentifier { return database.DataIdentifier(d.Name) },
		Indexes: map[string]func(*Data) database.KeyValue{
			"owner": func(d *Data) database.KeyValue { return database.StringKey(d.Owner) },
		},
		Validate: func(d *Data) error {
			if err := d.Name.Validate(); err != nil {
				return err
			}
			return ValidateUserName(d.Owner)
		},
	}); err != nil {
		return err
	}

	if err := database.Define(reg, database.Model[ClusterCert]{
		Name:       "realm_cluster_cert",
		ID:         func(c *ClusterCert) *database.DataIdentifier { return &c.ID },
		PrimaryKey: func(c *ClusterCert) database.DataIdentifier { return database.DataIdentifier(c.Realm) },
	}); err != nil {
		return err
	}

	if err := database.Define(reg, database.Model[ServerCert]{
		Name: "realm_server_cert",
		ID:   func(c *ServerCert) *database.DataIdentifier { return &c.ID },
	}); err != nil {
		return err
	}

	if err := database.Define(reg, database.Model[ClientCert]{
		Name:       "realm_client_cert",
		ID:         func(c *ClientCert) *database.DataIdentifier { return &c.ID },
		PrimaryKey: func(c *ClientCert) database.DataIdentifier { return c.primaryKey() },
		Validate:   func(c *ClientCert) error { return c.Validate() },
	}); err != nil {
		return err
	}

	return database.Define(reg, database.Model[AgentCert]{
		Name:       "realm_agent_cert",
		ID:         func(c *AgentCert) *database.DataIdentifier { return &c.ID },
		PrimaryKey: func(c *AgentCert) database.DataIdentifier { return c.primaryKey() },
		Validate:   func(c *AgentCert) error { return c.Validate() },
	})
}

// primaryKey keys credentials by the realm named in the certificate.
func (c *Credential) primaryKey() database.DataIdentifier {
	name, err := c.RealmName()
	if err != nil {
		return ""
	}
	return database.DataIdentifier(name)
}
