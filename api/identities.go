package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	caapi "github.com/hyperledger/fabric-ca/api"

	"healthlink-api/ca"
	"healthlink-api/gateway"
	"healthlink-api/wallet"
)

// registerRequest creates a new identity record on the CA. The registrar
// names a wallet identity holding CA admin rights; its key signs the
// request.
type registerRequest struct {
	RegistrarID  string            `json:"registrarId"`
	EnrollmentID string            `json:"enrollmentId"`
	Secret       string            `json:"secret"`
	Type         string            `json:"type"`
	Affiliation  string            `json:"affiliation"`
	Attributes   []caapi.Attribute `json:"attributes"`
}

type registerResponse struct {
	EnrollmentID string `json:"enrollmentId"`
	Secret       string `json:"secret"`
}

type enrollRequest struct {
	EnrollmentID string     `json:"enrollmentId"`
	Secret       string     `json:"secret"`
	Type         string     `json:"type"`
	Profile      string     `json:"profile"`
	CSR          ca.CSRInfo `json:"csrInfo"`
}

// enrollResponse returns the issued certificate. The private key stays in
// the wallet.
type enrollResponse struct {
	ID          string `json:"id"`
	MSPID       string `json:"mspId"`
	Type        string `json:"type"`
	Certificate string `json:"certificate"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.caConfigured(w) {
		return
	}
	var req registerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	registrar, err := s.registrar(req.RegistrarID)
	if err != nil {
		writeError(w, err)
		return
	}

	secret, err := s.ca.Register(registrar, ca.RegisterRequest{
		EnrollmentID: req.EnrollmentID,
		Secret:       req.Secret,
		Type:         req.Type,
		Affiliation:  req.Affiliation,
		Attributes:   req.Attributes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{EnrollmentID: req.EnrollmentID, Secret: secret})
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if !s.caConfigured(w) {
		return
	}
	var req enrollRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	enrollment, err := s.ca.Enroll(ca.EnrollRequest{
		EnrollmentID: req.EnrollmentID,
		Secret:       req.Secret,
		Profile:      req.Profile,
		CSR:          req.CSR,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	idType := req.Type
	if idType == "" {
		idType = "client"
	}
	ident := wallet.NewIdentity(req.EnrollmentID, s.ca.MSPID(), idType, enrollment.Certificate, enrollment.PrivateKey)
	if err := ident.Validate(); err != nil {
		writeError(w, fmt.Errorf("CA returned an unusable certificate: %w", err))
		return
	}
	if err := s.wallet.Put(ident); err != nil {
		writeError(w, fmt.Errorf("store identity: %w", err))
		return
	}

	logger.Infof("enrolled %s into the wallet (msp %s)", req.EnrollmentID, s.ca.MSPID())
	writeJSON(w, http.StatusCreated, enrollResponse{
		ID:          req.EnrollmentID,
		MSPID:       s.ca.MSPID(),
		Type:        idType,
		Certificate: string(enrollment.Certificate),
	})
}

// handleRemoveIdentity deletes a wallet identity. With ?revoke=true the
// identity's certificates are revoked on the CA first, signed by the wallet
// identity named in ?registrar; ?reason optionally carries the RFC 5280
// revocation reason.
func (s *Server) handleRemoveIdentity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.wallet.Get(id); err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("revoke") == "true" {
		if !s.caConfigured(w) {
			return
		}
		registrar, err := s.registrar(r.URL.Query().Get("registrar"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.ca.Revoke(registrar, ca.RevokeRequest{EnrollmentID: id, Reason: r.URL.Query().Get("reason")}); err != nil {
			writeError(w, err)
			return
		}
	}

	if err := s.wallet.Remove(id); err != nil {
		writeError(w, err)
		return
	}
	logger.Infof("removed identity %s from the wallet", id)
	w.WriteHeader(http.StatusNoContent)
}

// caConfigured answers whether identity management is available, writing
// the unavailability envelope when it is not.
func (s *Server) caConfigured(w http.ResponseWriter) bool {
	if s.ca != nil {
		return true
	}
	writeJSON(w, http.StatusServiceUnavailable, errorResponse{
		Error: errorBody{Kind: kindCAError, Message: "no Fabric CA is configured"},
	})
	return false
}

func (s *Server) registrar(id string) (*wallet.Identity, error) {
	if id == "" {
		return nil, gateway.Errorf(gateway.KindValidation, "a registrar identity is required")
	}
	registrar, err := s.wallet.Get(id)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			return nil, gateway.Errorf(gateway.KindIdentityNotFound, "unknown registrar %q", id)
		}
		return nil, fmt.Errorf("resolve registrar: %w", err)
	}
	return registrar, nil
}
