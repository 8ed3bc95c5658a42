package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"healthlink-api/ca"
	"healthlink-api/gateway"
	"healthlink-api/jobs"
	"healthlink-api/wallet"
)

// Error kinds raised by the API layer itself, outside the ledger taxonomy.
const (
	kindJobNotFound      = "JobNotFound"
	kindQueueFull        = "QueueFull"
	kindCAError          = "CAError"
	kindRouteNotFound    = "NotFound"
	kindMethodNotAllowed = "MethodNotAllowed"
)

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// errorResponse is the envelope every failed request carries.
type errorResponse struct {
	Error errorBody `json:"error"`
}

// writeError translates an error into the envelope and its HTTP status.
// Classified ledger errors map through statusOf; queue, wallet and CA
// failures carry their own kinds.
func writeError(w http.ResponseWriter, err error) {
	kind := gateway.KindOf(err)
	name := kind.String()
	status := statusOf(kind)

	var caErr *ca.ServerError
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		name, status = kindJobNotFound, http.StatusNotFound
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrStopped):
		name, status = kindQueueFull, http.StatusServiceUnavailable
	case errors.Is(err, wallet.ErrNotFound):
		name, status = gateway.KindIdentityNotFound.String(), http.StatusNotFound
	case errors.As(err, &caErr):
		// CA rejections keep their status so clients can tell a bad
		// secret from an unreachable server.
		name, status = kindCAError, http.StatusBadGateway
		if caErr.StatusCode >= 400 && caErr.StatusCode < 500 {
			status = caErr.StatusCode
		}
	}

	writeJSON(w, status, errorResponse{Error: errorBody{Kind: name, Message: err.Error()}})
}

func statusOf(kind gateway.Kind) int {
	switch kind {
	case gateway.KindValidation:
		return http.StatusBadRequest
	case gateway.KindIdentityNotFound, gateway.KindChannelNotFound, gateway.KindChaincodeNotFound:
		return http.StatusNotFound
	case gateway.KindMVCCConflict:
		return http.StatusConflict
	case gateway.KindChaincodeLogic:
		return http.StatusUnprocessableEntity
	case gateway.KindEndorsementFailure, gateway.KindConnectionFailed:
		return http.StatusBadGateway
	case gateway.KindPeerUnavailable:
		return http.StatusServiceUnavailable
	case gateway.KindCommitTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("encode response: %v", err)
	}
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, errorResponse{Error: errorBody{Kind: kindRouteNotFound, Message: "no such route"}})
}

func handleMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: errorBody{Kind: kindMethodNotAllowed, Message: "method not allowed"}})
}
