package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"healthlink-api/gateway"
	"healthlink-api/jobs"
	"healthlink-api/ledger"
	"healthlink-api/wallet"
)

// transactionRequest is the body of /transactions and /transactions/private.
type transactionRequest struct {
	ContractName  string                     `json:"contractName"`
	FunctionName  string                     `json:"functionName"`
	Args          []string                   `json:"args"`
	TransientData map[string]json.RawMessage `json:"transientData"`
	UserID        string                     `json:"userId"`
	Async         bool                       `json:"async"`
	RequestID     string                     `json:"requestId"`
}

type queryRequest struct {
	ContractName string   `json:"contractName"`
	FunctionName string   `json:"functionName"`
	Args         []string `json:"args"`
	UserID       string   `json:"userId"`
}

// transactionResponse is the synchronous success body. It also nests inside
// a completed job, so polling returns the same shape the caller would have
// received synchronously.
type transactionResponse struct {
	TransactionID string `json:"transactionId,omitempty"`
	Result        any    `json:"result"`
}

type jobRef struct {
	JobID string `json:"jobId"`
}

// jobResponse is the poll view of a job. It deliberately omits the stored
// invocation: transient data must not come back out through this endpoint.
type jobResponse struct {
	JobID       string               `json:"jobId"`
	Status      jobs.Status          `json:"status"`
	Result      *transactionResponse `json:"result,omitempty"`
	Error       *jobs.Failure        `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	CompletedAt *time.Time           `json:"completedAt,omitempty"`
}

func newJobResponse(job *jobs.Job) jobResponse {
	resp := jobResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.FinishedAt,
	}
	if job.Result != nil {
		resp.Result = &transactionResponse{
			TransactionID: job.Result.TransactionID,
			Result:        job.Result.Payload,
		}
	}
	return resp
}

// handleTransaction serves both submit endpoints; kind selects the private
// data path. With async set the invocation is queued and the job id returned
// immediately, otherwise the handler waits for the commit.
func (s *Server) handleTransaction(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transactionRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if kind == jobs.KindSubmit && len(req.TransientData) > 0 {
			writeError(w, gateway.Errorf(gateway.KindValidation, "transient data must go through /transactions/private"))
			return
		}
		if kind == jobs.KindSubmitPrivate && len(req.TransientData) == 0 {
			writeError(w, gateway.Errorf(gateway.KindValidation, "transientData is required"))
			return
		}

		inv, err := s.invocation(req.ContractName, req.FunctionName, req.Args, req.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		inv.Transient = transientBytes(req.TransientData)

		if req.Async {
			job, created, err := s.queue.Enqueue(kind, inv, req.RequestID)
			if err != nil {
				writeError(w, err)
				return
			}
			if !created {
				logger.Debugf("request %s already queued as job %s", req.RequestID, job.ID)
			}
			writeJSON(w, http.StatusAccepted, jobRef{JobID: job.ID})
			return
		}

		var result *ledger.Result
		if kind == jobs.KindSubmitPrivate {
			result, err = s.ledger.SubmitWithTransient(inv)
		} else {
			result, err = s.ledger.Submit(inv)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, transactionResponse{
			TransactionID: result.TransactionID,
			Result:        result.Payload,
		})
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	inv, err := s.invocation(req.ContractName, req.FunctionName, req.Args, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.evaluate(w, inv)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(mux.Vars(r)["jobId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

// invocation builds the ledger call and resolves the audited user identity
// against the wallet.
func (s *Server) invocation(contractName, functionName string, args []string, userID string) (ledger.Invocation, error) {
	inv := ledger.Invocation{
		Contract:   contractName,
		Function:   functionName,
		Args:       args,
		OnBehalfOf: userID,
	}
	if userID == "" {
		return inv, nil
	}
	if _, err := s.wallet.Get(userID); err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			return inv, gateway.Errorf(gateway.KindIdentityNotFound, "unknown user identity %q", userID)
		}
		return inv, fmt.Errorf("resolve user identity: %w", err)
	}
	return inv, nil
}

// evaluate runs the read and writes the result body.
func (s *Server) evaluate(w http.ResponseWriter, inv ledger.Invocation) {
	result, err := s.ledger.Evaluate(inv)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionResponse{Result: result.Payload})
}

// transientBytes passes request JSON values through verbatim so the
// chaincode sees exactly what the client sent.
func transientBytes(data map[string]json.RawMessage) map[string][]byte {
	if len(data) == 0 {
		return nil
	}
	transient := make(map[string][]byte, len(data))
	for key, value := range data {
		transient[key] = []byte(value)
	}
	return transient
}
