// Package ledger is the transaction layer between the HTTP surface and the
// gateway connection: it validates invocations, applies the retry policy and
// records the audit trail.
package ledger

import (
	"encoding/json"
	"time"

	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"healthlink-api/audit"
	"healthlink-api/gateway"
)

var logger = flogging.MustGetLogger("healthlink.ledger")

var transactionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "healthlink_transactions_total",
	Help: "Ledger invocations by operation and outcome kind.",
}, []string{"operation", "outcome"})

// Gateway is the slice of the connection manager the service drives.
type Gateway interface {
	Submit(contractName, function string, args ...string) ([]byte, string, error)
	SubmitWithTransient(contractName, function string, transient map[string][]byte, args ...string) ([]byte, string, error)
	Evaluate(contractName, function string, args ...string) ([]byte, error)
	Failover() error
	ChaincodeName() string
	Identity() string
}

// Invocation names one chaincode call.
type Invocation struct {
	Contract  string            `json:"contract,omitempty"` // empty means the session default
	Function  string            `json:"function"`
	Args      []string          `json:"args"`
	Transient map[string][]byte `json:"transient,omitempty"`

	// OnBehalfOf is the wallet identity the call is audited under. The
	// session identity signs regardless; this only attributes the entry.
	OnBehalfOf string `json:"userId,omitempty"`
}

func (inv Invocation) validate() error {
	if inv.Function == "" {
		return gateway.Errorf(gateway.KindValidation, "function is required")
	}
	return nil
}

// Result carries the chaincode response. Payload is the decoded value when
// the chaincode returned JSON, the raw text otherwise.
type Result struct {
	TransactionID string `json:"transactionId,omitempty"`
	Payload       any    `json:"payload"`
}

// Service submits and evaluates transactions with the retry policy applied:
// an MVCC conflict is resubmitted once against fresh state, an unavailable
// peer triggers one failover and retry, and nothing else is retried.
type Service struct {
	gateway Gateway
	channel string
	audit   audit.Recorder
}

// NewService wires the service over a connected gateway. A nil recorder
// disables the audit trail.
func NewService(gw Gateway, channel string, recorder audit.Recorder) *Service {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Service{gateway: gw, channel: channel, audit: recorder}
}

// Submit sends a write and waits for it to commit.
func (s *Service) Submit(inv Invocation) (*Result, error) {
	if err := inv.validate(); err != nil {
		return nil, err
	}
	return s.submit(inv)
}

// SubmitWithTransient is Submit for private-data flows: the transient map
// goes to the endorsing peers but never into the proposal, the logs or the
// audit trail.
func (s *Service) SubmitWithTransient(inv Invocation) (*Result, error) {
	if err := inv.validate(); err != nil {
		return nil, err
	}
	if len(inv.Transient) == 0 {
		return nil, gateway.Errorf(gateway.KindValidation, "transient data is required")
	}
	return s.submit(inv)
}

func (s *Service) submit(inv Invocation) (*Result, error) {
	start := time.Now()
	payload, transactionID, err := s.doSubmit(inv)

	if err != nil {
		switch gateway.KindOf(err) {
		case gateway.KindMVCCConflict:
			logger.Warnf("mvcc conflict on %s, resubmitting against fresh state: %v", inv.Function, err)
			payload, transactionID, err = s.doSubmit(inv)

		case gateway.KindPeerUnavailable:
			logger.Warnf("peer unavailable for %s, failing over: %v", inv.Function, err)
			if failoverErr := s.gateway.Failover(); failoverErr != nil {
				logger.Errorf("failover failed: %v", failoverErr)
				s.record("submit", inv, transactionID, start, err)
				return nil, err
			}
			payload, transactionID, err = s.doSubmit(inv)
		}
		// A commit timeout is deliberately not here: the transaction may
		// still commit, so resubmitting it could apply the write twice.
	}

	s.record("submit", inv, transactionID, start, err)
	if err != nil {
		return nil, err
	}
	return newResult(payload, transactionID), nil
}

func (s *Service) doSubmit(inv Invocation) ([]byte, string, error) {
	if len(inv.Transient) > 0 {
		return s.gateway.SubmitWithTransient(inv.Contract, inv.Function, inv.Transient, inv.Args...)
	}
	return s.gateway.Submit(inv.Contract, inv.Function, inv.Args...)
}

// Evaluate runs a read against a single peer.
func (s *Service) Evaluate(inv Invocation) (*Result, error) {
	if err := inv.validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	payload, err := s.gateway.Evaluate(inv.Contract, inv.Function, inv.Args...)
	if err != nil && gateway.KindOf(err) == gateway.KindPeerUnavailable {
		logger.Warnf("peer unavailable for %s, failing over: %v", inv.Function, err)
		if failoverErr := s.gateway.Failover(); failoverErr != nil {
			logger.Errorf("failover failed: %v", failoverErr)
		} else {
			payload, err = s.gateway.Evaluate(inv.Contract, inv.Function, inv.Args...)
		}
	}

	s.record("evaluate", inv, "", start, err)
	if err != nil {
		return nil, err
	}
	return newResult(payload, ""), nil
}

func (s *Service) record(operation string, inv Invocation, transactionID string, start time.Time, err error) {
	contract := inv.Contract
	if contract == "" {
		contract = s.gateway.ChaincodeName()
	}
	identity := inv.OnBehalfOf
	if identity == "" {
		identity = s.gateway.Identity()
	}
	entry := audit.Entry{
		Timestamp:     start,
		Identity:      identity,
		Channel:       s.channel,
		Chaincode:     contract,
		Function:      inv.Function,
		Operation:     operation,
		TransactionID: transactionID,
		Outcome:       "ok",
		Duration:      time.Since(start),
	}
	outcome := "ok"
	if err != nil {
		outcome = gateway.KindOf(err).String()
		entry.Outcome = "failed"
		entry.ErrorKind = outcome
	}
	transactionOutcomes.WithLabelValues(operation, outcome).Inc()
	s.audit.Record(entry)
}

func newResult(payload []byte, transactionID string) *Result {
	return &Result{TransactionID: transactionID, Payload: decodePayload(payload)}
}

// decodePayload passes chaincode JSON through as structured data so API
// responses are not double-encoded strings.
func decodePayload(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}
