package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"healthlink-api/gateway"
)

// handleHistory returns the ordered modification history of one asset, as
// reported by the configured history chaincode function.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	inv, err := s.invocation(q.Get("contractName"), s.historyFn, []string{mux.Vars(r)["assetId"]}, q.Get("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.evaluate(w, inv)
}

// handleAssets lists assets. With pageSize given, the page size and bookmark
// go to the chaincode as arguments, so pagination works whenever the
// chaincode implements it.
func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var args []string
	if pageSize := q.Get("pageSize"); pageSize != "" {
		if _, err := strconv.ParseUint(pageSize, 10, 32); err != nil {
			writeError(w, gateway.Errorf(gateway.KindValidation, "pageSize must be a non-negative integer"))
			return
		}
		args = []string{pageSize, q.Get("bookmark")}
	}

	inv, err := s.invocation(q.Get("contractName"), s.listFn, args, q.Get("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.evaluate(w, inv)
}

type richQueryRequest struct {
	ContractName string `json:"contractName"`
	QueryString  string `json:"queryString"`
	UserID       string `json:"userId"`
}

// handleRichQuery passes a state database selector to the configured rich
// query chaincode function.
func (s *Server) handleRichQuery(w http.ResponseWriter, r *http.Request) {
	var req richQueryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.QueryString == "" {
		writeError(w, gateway.Errorf(gateway.KindValidation, "queryString is required"))
		return
	}
	inv, err := s.invocation(req.ContractName, s.richQueryFn, []string{req.QueryString}, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.evaluate(w, inv)
}
