// ABOUTME: X.509 issuance and inspection for realm certificate authorities
// ABOUTME: Leaf certificates carry the realm name and a realm-specific extended key usage

package realm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/2389/fleet/internal/database"
	"github.com/2389/fleet/internal/instance"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

// realmUsage is the extended key usage marking a leaf as valid for an
// instance type within a realm.
func realmUsage(t instance.Type) asn1.ObjectIdentifier {
	return asn1.ObjectIdentifier{1, 1, 1, int(t)}
}

// NewClusterCert creates a self-signed certificate authority for a realm.
func NewClusterCert(cluster instance.ClusterID, name database.RealmName, now time.Time) (ClusterCert, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return ClusterCert{}, fmt.Errorf("generating cluster key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return ClusterCert{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: string(name)},
		DNSNames:              []string{cluster.String()},
		NotBefore:             now,
		NotAfter:              now.Add(caValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return ClusterCert{}, fmt.Errorf("creating cluster certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return ClusterCert{}, fmt.Errorf("encoding cluster key: %w", err)
	}
	return ClusterCert{Realm: name, Cert: der, Key: keyDER}, nil
}

// ClusterID returns the cluster the authority belongs to.
func (c ClusterCert) ClusterID() (instance.ClusterID, error) {
	return clusterIDFrom(c.Cert)
}

// IssueClient issues a client credential for the realm.
func (c ClusterCert) IssueClient(now time.Time) (ClientCert, error) {
	cred, err := c.issueCredential(instance.Client, now)
	return ClientCert{Credential: cred}, err
}

// IssueAgent issues an agent credential for the realm.
func (c ClusterCert) IssueAgent(now time.Time) (AgentCert, error) {
	cred, err := c.issueCredential(instance.Agent, now)
	return AgentCert{Credential: cred}, err
}

// IssueServer issues a serving certificate for a server instance.
func (c ClusterCert) IssueServer(id instance.ID, now time.Time) (ServerCert, error) {
	cert, key, err := c.issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: string(c.Realm)},
		DNSNames:    []string{id.String()},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}, now)
	if err != nil {
		return ServerCert{}, err
	}
	return ServerCert{ID: database.DataIdentifier(id.String()), Cert: cert, Key: key}, nil
}

func (c ClusterCert) issueCredential(t instance.Type, now time.Time) (Credential, error) {
	cert, key, err := c.issue(&x509.Certificate{
		Subject:            pkix.Name{CommonName: string(c.Realm)},
		ExtKeyUsage:        []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		UnknownExtKeyUsage: []asn1.ObjectIdentifier{realmUsage(t)},
	}, now)
	if err != nil {
		return Credential{}, err
	}
	return Credential{CA: c.Cert, Cert: cert, Key: key}, nil
}

func (c ClusterCert) issue(tmpl *x509.Certificate, now time.Time) (cert, key []byte, err error) {
	if len(c.Key) == 0 {
		return nil, nil, fmt.Errorf("%w: cluster certificate has no key", ErrInvalidCert)
	}
	ca, err := x509.ParseCertificate(c.Cert)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing cluster certificate: %w", ErrInvalidCert, err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(c.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing cluster key: %w", ErrInvalidCert, err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("%w: cluster key cannot sign", ErrInvalidCert)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}
	tmpl.SerialNumber, err = newSerial()
	if err != nil {
		return nil, nil, err
	}
	tmpl.NotBefore = now
	tmpl.NotAfter = now.Add(leafValidity)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature

	cert, err = x509.CreateCertificate(rand.Reader, tmpl, ca, &leafKey.PublicKey, signer)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate: %w", err)
	}
	key, err = x509.MarshalPKCS8PrivateKey(leafKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding key: %w", err)
	}
	return cert, key, nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}
	return serial, nil
}

func clusterIDFrom(der []byte) (instance.ClusterID, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return instance.ClusterID{}, fmt.Errorf("%w: %w", ErrInvalidCert, err)
	}
	for _, name := range cert.DNSNames {
		if id, err := instance.ParseClusterID(name); err == nil {
			return id, nil
		}
	}
	return instance.ClusterID{}, fmt.Errorf("%w: no cluster id in subject alternative names", ErrInvalidCert)
}

func (c *Credential) leaf() (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(c.Cert)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCert, err)
	}
	return cert, nil
}

// RealmName returns the realm named by the certificate's common name.
func (c *Credential) RealmName() (database.RealmName, error) {
	cert, err := c.leaf()
	if err != nil {
		return "", err
	}
	name, err := database.ParseRealmName(cert.Subject.CommonName)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCert, err)
	}
	return name, nil
}

// CreatedAt returns the start of the certificate's validity.
func (c *Credential) CreatedAt() (time.Time, error) {
	cert, err := c.leaf()
	if err != nil {
		return time.Time{}, err
	}
	return cert.NotBefore, nil
}

// ClusterID returns the cluster that issued the credential.
func (c *Credential) ClusterID() (instance.ClusterID, error) {
	return clusterIDFrom(c.CA)
}

// validate checks the leaf carries client authentication and the realm
// usage for instance type t.
func (c *Credential) validate(t instance.Type) error {
	cert, err := c.leaf()
	if err != nil {
		return err
	}
	if !slices.Contains(cert.ExtKeyUsage, x509.ExtKeyUsageClientAuth) {
		return fmt.Errorf("%w: certificate must have clientAuth extended key usage", ErrInvalidCert)
	}
	usage := realmUsage(t)
	if !slices.ContainsFunc(cert.UnknownExtKeyUsage, usage.Equal) {
		return fmt.Errorf("%w: certificate must have %s extended key usage", ErrInvalidCert, t)
	}
	return nil
}

// Validate checks the credential is a client certificate.
func (c ClientCert) Validate() error {
	return c.Credential.validate(instance.Client)
}

// Validate checks the credential is an agent certificate.
func (c AgentCert) Validate() error {
	return c.Credential.validate(instance.Agent)
}
