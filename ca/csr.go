package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"

	cautil "github.com/hyperledger/fabric-ca/util"
	"github.com/hyperledger/fabric-lib-go/bccsp"
	"github.com/hyperledger/fabric-lib-go/bccsp/factory"

	"healthlink-api/wallet"
)

// CSRInfo customizes the certificate signing request sent with an
// enrollment. The common name always comes from the enrollment id.
type CSRInfo struct {
	Names []Name   `json:"names,omitempty"` // subject name components
	Hosts []string `json:"hosts,omitempty"` // subject alternative names
}

// Name is one subject name component.
type Name struct {
	C  string `json:"C,omitempty"`
	ST string `json:"ST,omitempty"`
	L  string `json:"L,omitempty"`
	O  string `json:"O,omitempty"`
	OU string `json:"OU,omitempty"`
}

// newCertificateRequest generates a fresh ECDSA P-256 key and a PEM-encoded
// CSR for it. The key is returned in PKCS#8 form, the format the rest of the
// Fabric tooling emits.
func newCertificateRequest(enrollmentID string, info CSRInfo) (csrPEM, keyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	subject := pkix.Name{CommonName: enrollmentID}
	for _, name := range info.Names {
		if name.C != "" {
			subject.Country = append(subject.Country, name.C)
		}
		if name.ST != "" {
			subject.Province = append(subject.Province, name.ST)
		}
		if name.L != "" {
			subject.Locality = append(subject.Locality, name.L)
		}
		if name.O != "" {
			subject.Organization = append(subject.Organization, name.O)
		}
		if name.OU != "" {
			subject.OrganizationalUnit = append(subject.OrganizationalUnit, name.OU)
		}
	}

	template := x509.CertificateRequest{
		Subject:            subject,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
		DNSNames:           info.Hosts,
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &template, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate request: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	csrPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return csrPEM, keyPEM, nil
}

// authToken signs method, URI and body with the registrar's key, producing
// the <b64 cert>.<b64 signature> token the CA verifies against the
// registrar's registration record.
func authToken(registrar *wallet.Identity, method, uri string, body []byte) (string, error) {
	key, csp, err := importSigningKey(registrar.PrivateKeyPEM())
	if err != nil {
		return "", err
	}

	return cautil.GenECDSAToken(csp, registrar.Certificate, key, method, uri, body)
}

// importSigningKey loads a PEM private key into the default software BCCSP
// so the fabric-ca token generator can sign with it.
func importSigningKey(keyPEM []byte) (bccsp.Key, bccsp.BCCSP, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode private key PEM")
	}

	csp := factory.GetDefault()
	key, err := csp.KeyImport(block.Bytes, &bccsp.ECDSAPrivateKeyImportOpts{Temporary: true})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to import private key: %w", err)
	}

	return key, csp, nil
}
