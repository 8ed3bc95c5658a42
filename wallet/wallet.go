// Package wallet persists Fabric enrollment credentials (certificate,
// private key, organization) encrypted at rest. The private key is never
// serialized into API responses or logs; it leaves the package only as the
// credential handle for a gateway session or as signing material for CA
// management calls.
package wallet

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/identity"
)

// ErrNotFound is returned when no identity exists under the requested id.
var ErrNotFound = errors.New("identity not found")

// Identity is an enrolled ledger identity. The private key field is
// unexported so it cannot appear in JSON output; it is only reachable
// through Credentials and PrivateKeyPEM.
type Identity struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"` // MSP id
	Type           string    `json:"type"`           // client, admin, peer, orderer
	Certificate    []byte    `json:"certificate"`    // PEM
	CreatedAt      time.Time `json:"createdAt"`

	privateKey []byte // PEM
}

// NewIdentity builds an Identity from PEM-encoded credentials.
func NewIdentity(id, organizationID, idType string, certificatePEM, privateKeyPEM []byte) *Identity {
	return &Identity{
		ID:             id,
		OrganizationID: organizationID,
		Type:           idType,
		Certificate:    certificatePEM,
		CreatedAt:      time.Now(),
		privateKey:     privateKeyPEM,
	}
}

// PrivateKeyPEM returns the raw key material. CA management calls need it to
// build signed authorization tokens; nothing else should touch it.
func (id *Identity) PrivateKeyPEM() []byte {
	return id.privateKey
}

// Credentials returns the X.509 identity and signing function needed to open
// a gateway session.
func (id *Identity) Credentials() (*identity.X509Identity, identity.Sign, error) {
	certificate, err := identity.CertificateFromPEM(id.Certificate)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	x509ID, err := identity.NewX509Identity(id.OrganizationID, certificate)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create X.509 identity: %w", err)
	}

	privateKey, err := identity.PrivateKeyFromPEM(id.privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse private key PEM: %w", err)
	}

	sign, err := identity.NewPrivateKeySign(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create private key sign: %w", err)
	}

	return x509ID, sign, nil
}

// Validate checks that the certificate is well formed and not expired.
func (id *Identity) Validate() error {
	block, _ := pem.Decode(id.Certificate)
	if block == nil {
		return errors.New("invalid PEM certificate")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	if cert.NotAfter.Before(time.Now()) {
		return fmt.Errorf("certificate expired on %v", cert.NotAfter)
	}

	return nil
}

// Store persists identities. Both implementations encrypt every entry with
// the wallet master password before it touches disk.
type Store interface {
	Put(id *Identity) error
	Get(id string) (*Identity, error)
	Remove(id string) error
	List() ([]string, error)
	Close() error
	HealthCheck() error
}

// New constructs a Store for the configured backend.
func New(backend, path, masterPassword string) (Store, error) {
	switch backend {
	case "file":
		return NewFileStore(path, masterPassword)
	case "badger":
		return NewBadgerStore(path, masterPassword)
	default:
		return nil, fmt.Errorf("unsupported wallet backend: %s (supported: file, badger)", backend)
	}
}

// record is the plaintext form of an Identity inside the encrypted envelope.
type record struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Type           string    `json:"type"`
	Certificate    []byte    `json:"certificate"`
	PrivateKey     []byte    `json:"privateKey"`
	CreatedAt      time.Time `json:"createdAt"`
}

func marshalIdentity(id *Identity) ([]byte, error) {
	return json.Marshal(record{
		ID:             id.ID,
		OrganizationID: id.OrganizationID,
		Type:           id.Type,
		Certificate:    id.Certificate,
		PrivateKey:     id.privateKey,
		CreatedAt:      id.CreatedAt,
	})
}

func unmarshalIdentity(data []byte) (*Identity, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wallet record: %w", err)
	}
	return &Identity{
		ID:             rec.ID,
		OrganizationID: rec.OrganizationID,
		Type:           rec.Type,
		Certificate:    rec.Certificate,
		CreatedAt:      rec.CreatedAt,
		privateKey:     rec.PrivateKey,
	}, nil
}
