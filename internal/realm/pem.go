// ABOUTME: PEM bundle encoding for client and agent realm credentials
// ABOUTME: A bundle holds the cluster CA, the leaf certificate and optionally its key

package realm

import (
	"bytes"
	"encoding/pem"
	"fmt"
	"os"
)

const clusterCertTag = "CLUSTER CERTIFICATE"

func encodeBundle(kind string, c Credential) []byte {
	var buf bytes.Buffer
	pem.Encode(&buf, &pem.Block{Type: clusterCertTag, Bytes: c.CA})
	pem.Encode(&buf, &pem.Block{Type: kind + " CERTIFICATE", Bytes: c.Cert})
	if len(c.Key) > 0 {
		pem.Encode(&buf, &pem.Block{Type: kind + " KEY", Bytes: c.Key})
	}
	return buf.Bytes()
}

// decodeBundle parses a bundle of two or three distinct blocks.
func decodeBundle(kind string, data []byte) (Credential, error) {
	var (
		cred Credential
		seen = make(map[string]bool)
	)
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if seen[block.Type] {
			return Credential{}, fmt.Errorf("%w: duplicate %s block", ErrInvalidCert, block.Type)
		}
		seen[block.Type] = true

		switch block.Type {
		case clusterCertTag:
			cred.CA = block.Bytes
		case kind + " CERTIFICATE":
			cred.Cert = block.Bytes
		case kind + " KEY":
			cred.Key = block.Bytes
		default:
			return Credential{}, fmt.Errorf("%w: unexpected %s block", ErrInvalidCert, block.Type)
		}
	}
	if len(seen) < 2 {
		return Credential{}, fmt.Errorf("%w: expected 2 or 3 blocks, found %d", ErrInvalidCert, len(seen))
	}
	if len(cred.CA) == 0 || len(cred.Cert) == 0 {
		return Credential{}, fmt.Errorf("%w: bundle needs a cluster and a %s certificate", ErrInvalidCert, kind)
	}
	return cred, nil
}

// PEM encodes the credential as a bundle.
func (c ClientCert) PEM() []byte {
	return encodeBundle("CLIENT", c.Credential)
}

// PEM encodes the credential as a bundle.
func (c AgentCert) PEM() []byte {
	return encodeBundle("AGENT", c.Credential)
}

// ParseClientCert decodes and validates a client bundle.
func ParseClientCert(data []byte) (ClientCert, error) {
	cred, err := decodeBundle("CLIENT", data)
	if err != nil {
		return ClientCert{}, err
	}
	cert := ClientCert{Credential: cred}
	return cert, cert.Validate()
}

// ParseAgentCert decodes and validates an agent bundle.
func ParseAgentCert(data []byte) (AgentCert, error) {
	cred, err := decodeBundle("AGENT", data)
	if err != nil {
		return AgentCert{}, err
	}
	cert := AgentCert{Credential: cred}
	return cert, cert.Validate()
}

// ReadClientCert loads a client bundle from path.
func ReadClientCert(path string) (ClientCert, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientCert{}, fmt.Errorf("reading client certificate: %w", err)
	}
	return ParseClientCert(data)
}

// ReadAgentCert loads an agent bundle from path.
func ReadAgentCert(path string) (AgentCert, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentCert{}, fmt.Errorf("reading agent certificate: %w", err)
	}
	return ParseAgentCert(data)
}

func writeBundle(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing certificate bundle: %w", err)
	}
	return nil
}

// Write stores the bundle at path with owner-only permissions.
func (c ClientCert) Write(path string) error {
	return writeBundle(path, c.PEM())
}

// Write stores the bundle at path with owner-only permissions.
func (c AgentCert) Write(path string) error {
	return writeBundle(path, c.PEM())
}
