// Package ca talks to a Fabric CA server over its REST API. Enrollment
// authenticates with the enrollment secret (basic auth); management calls
// (register, revoke) carry a token signed by a registrar identity from the
// wallet, in the format the fabric-ca client library produces.
package ca

import (
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudflare/cfssl/signer"
	"github.com/hyperledger/fabric-ca/api"
	"github.com/hyperledger/fabric-lib-go/common/flogging"

	"healthlink-api/wallet"
)

var logger = flogging.MustGetLogger("healthlink.ca")

// Config locates the CA server.
type Config struct {
	URL           string `json:"url"`
	Name          string `json:"name"`  // CA instance name, optional
	MSPID         string `json:"mspId"` // MSP the CA issues certificates for
	TLSSkipVerify bool   `json:"tlsSkipVerify"`
}

// Client is an HTTP client for one Fabric CA server.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient builds a Client for the configured CA server.
func NewClient(config Config) *Client {
	transport := &http.Transport{}
	if config.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		config: config,
		http:   &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// MSPID returns the MSP this CA issues certificates for.
func (c *Client) MSPID() string {
	return c.config.MSPID
}

// Info is the CA server self-description from the cainfo endpoint.
type Info struct {
	CAName  string `json:"caName"`
	Version string `json:"version"`
	CAChain []byte `json:"caChain"` // PEM
}

// EnrollRequest asks the CA to issue a certificate for a registered identity.
type EnrollRequest struct {
	EnrollmentID string  `json:"enrollmentId"`
	Secret       string  `json:"secret"`
	Profile      string  `json:"profile,omitempty"` // e.g. "tls"
	CSR          CSRInfo `json:"csrInfo,omitempty"`
}

// Enrollment is the issued credential pair. The private key never leaves the
// process; callers store it in the wallet.
type Enrollment struct {
	Certificate []byte // PEM
	PrivateKey  []byte // PEM, PKCS#8
	CAChain     []byte // PEM
}

// RegisterRequest creates a new identity record on the CA so it can enroll.
type RegisterRequest struct {
	EnrollmentID string          `json:"enrollmentId"`
	Secret       string          `json:"secret,omitempty"` // generated by the CA when empty
	Type         string          `json:"type,omitempty"`   // client, admin, peer, orderer
	Affiliation  string          `json:"affiliation,omitempty"`
	Attributes   []api.Attribute `json:"attributes,omitempty"`
}

// RevokeRequest revokes all certificates of an identity.
type RevokeRequest struct {
	EnrollmentID string `json:"enrollmentId"`
	Reason       string `json:"reason,omitempty"` // RFC 5280 reason name, e.g. "cessationofoperation"
}

// ServerError is a rejection from the CA server, carrying its error code so
// callers can distinguish authentication failures from bad requests.
type ServerError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("CA server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("CA server error %d: %s", e.Code, e.Message)
}

// response is the envelope every CA endpoint replies with.
type response struct {
	Success  bool              `json:"success"`
	Result   json.RawMessage   `json:"result"`
	Errors   []responseMessage `json:"errors"`
	Messages []responseMessage `json:"messages"`
}

type responseMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Info fetches the CA name, version and certificate chain.
func (c *Client) Info() (*Info, error) {
	body, err := json.Marshal(api.GetCAInfoRequest{CAName: c.config.Name})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.config.URL+"/api/v1/cainfo", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var result api.CAInfoResponseNet
	if err := c.do(req, &result); err != nil {
		return nil, err
	}

	chain, err := base64.StdEncoding.DecodeString(result.CAChain)
	if err != nil {
		return nil, fmt.Errorf("failed to decode CA chain: %w", err)
	}

	return &Info{CAName: result.CAName, Version: result.Version, CAChain: chain}, nil
}

// Enroll generates a key pair locally, sends the CSR to the CA and returns
// the issued certificate together with the key.
func (c *Client) Enroll(req EnrollRequest) (*Enrollment, error) {
	if req.EnrollmentID == "" || req.Secret == "" {
		return nil, fmt.Errorf("enrollmentId and secret are required")
	}

	csrPEM, keyPEM, err := newCertificateRequest(req.EnrollmentID, req.CSR)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CSR: %w", err)
	}

	body, err := json.Marshal(api.EnrollmentRequestNet{
		SignRequest: signer.SignRequest{
			Request: string(csrPEM),
			Profile: req.Profile,
			Hosts:   req.CSR.Hosts,
		},
		CAName: c.config.Name,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.config.URL+"/api/v1/enroll", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(req.EnrollmentID, req.Secret)

	var result api.EnrollmentResponseNet
	if err := c.do(httpReq, &result); err != nil {
		return nil, err
	}

	// The certificate and chain arrive base64 encoded on top of their PEM
	// encoding.
	cert, err := base64.StdEncoding.DecodeString(result.Cert)
	if err != nil {
		return nil, fmt.Errorf("failed to decode enrollment certificate: %w", err)
	}
	chain, err := base64.StdEncoding.DecodeString(result.ServerInfo.CAChain)
	if err != nil {
		return nil, fmt.Errorf("failed to decode CA chain: %w", err)
	}

	logger.Infof("enrolled %s with CA %s", req.EnrollmentID, c.config.URL)

	return &Enrollment{Certificate: cert, PrivateKey: keyPEM, CAChain: chain}, nil
}

// Register creates a new identity on the CA, authorized by the registrar's
// signed token. It returns the enrollment secret for the new identity.
func (c *Client) Register(registrar *wallet.Identity, req RegisterRequest) (string, error) {
	if req.EnrollmentID == "" {
		return "", fmt.Errorf("enrollmentId is required")
	}

	idType := req.Type
	if idType == "" {
		idType = "client"
	}

	body, err := json.Marshal(api.RegistrationRequest{
		Name:        req.EnrollmentID,
		Type:        idType,
		Secret:      req.Secret,
		Affiliation: req.Affiliation,
		Attributes:  req.Attributes,
		CAName:      c.config.Name,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := c.signedRequest(registrar, "/api/v1/register", body)
	if err != nil {
		return "", err
	}

	var result api.RegistrationResponse
	if err := c.do(httpReq, &result); err != nil {
		return "", err
	}

	logger.Infof("registered %s (type %s) with CA %s", req.EnrollmentID, idType, c.config.URL)

	return result.Secret, nil
}

// Revoke revokes all certificates of an identity on the CA, authorized by the
// registrar's signed token. The wallet entry is the caller's to remove.
func (c *Client) Revoke(registrar *wallet.Identity, req RevokeRequest) error {
	if req.EnrollmentID == "" {
		return fmt.Errorf("enrollmentId is required")
	}

	body, err := json.Marshal(api.RevocationRequest{
		Name:   req.EnrollmentID,
		Reason: req.Reason,
		CAName: c.config.Name,
	})
	if err != nil {
		return err
	}

	httpReq, err := c.signedRequest(registrar, "/api/v1/revoke", body)
	if err != nil {
		return err
	}

	if err := c.do(httpReq, nil); err != nil {
		return err
	}

	logger.Infof("revoked %s on CA %s", req.EnrollmentID, c.config.URL)

	return nil
}

// signedRequest builds a POST request carrying the token-based authorization
// header the CA expects for management endpoints.
func (c *Client) signedRequest(registrar *wallet.Identity, path string, body []byte) (*http.Request, error) {
	if registrar == nil {
		return nil, fmt.Errorf("a registrar identity is required")
	}

	req, err := http.NewRequest(http.MethodPost, c.config.URL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	// The token covers method, URI and body, so it is bound to this exact
	// request.
	token, err := authToken(registrar, req.Method, req.URL.RequestURI(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization token: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)

	return req, nil
}

// do executes the request and decodes the CA's response envelope into result.
func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach CA server: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read CA response: %w", err)
	}

	var envelope response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &ServerError{StatusCode: resp.StatusCode, Message: string(raw)}
	}

	if resp.StatusCode >= 400 || !envelope.Success {
		serverErr := &ServerError{StatusCode: resp.StatusCode}
		if len(envelope.Errors) > 0 {
			serverErr.Code = envelope.Errors[0].Code
			serverErr.Message = envelope.Errors[0].Message
		}
		return serverErr
	}

	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("failed to parse CA response: %w", err)
		}
	}

	return nil
}
