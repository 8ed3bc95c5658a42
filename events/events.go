// Package events fans ledger events out to WebSocket subscribers. One
// upstream chaincode event stream is shared per contract; block streams are
// opened per subscription so each client gets its own replay position.
// Delivery queues are bounded: a stalled subscriber loses events instead of
// stalling everyone else.
package events

import (
	"encoding/json"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"healthlink-api/gateway"
)

// Server message discriminators, carried in the "event" field.
const (
	TypeContractEvent = "contract-event"
	TypeBlockEvent    = "block-event"
	TypeEventError    = "event-error"
)

// Envelope is one server-to-client message: a ContractEvent, BlockEvent or
// EventError. The concrete type fixes the wire shape.
type Envelope interface {
	kind() string
}

// ContractEvent is a chaincode event matching a subscriber's filter.
type ContractEvent struct {
	Event         string `json:"event"`
	ContractName  string `json:"contractName"`
	EventName     string `json:"eventName"`
	Payload       any    `json:"payload"`
	BlockNumber   uint64 `json:"blockNumber"`
	TransactionID string `json:"txId"`
}

func (ContractEvent) kind() string { return TypeContractEvent }

// BlockEvent summarizes one committed block.
type BlockEvent struct {
	Event        string   `json:"event"`
	BlockNumber  uint64   `json:"blockNumber"`
	Transactions []string `json:"transactions"`
}

func (BlockEvent) kind() string { return TypeBlockEvent }

// EventError reports a subscription problem. Receiving one never closes the
// connection; the client may simply resubscribe.
type EventError struct {
	Event        string `json:"event"`
	ContractName string `json:"contractName,omitempty"`
	Message      string `json:"message"`
}

func (EventError) kind() string { return TypeEventError }

func newContractEvent(event *client.ChaincodeEvent) ContractEvent {
	return ContractEvent{
		Event:         TypeContractEvent,
		ContractName:  event.ChaincodeName,
		EventName:     event.EventName,
		Payload:       decodePayload(event.Payload),
		BlockNumber:   event.BlockNumber,
		TransactionID: event.TransactionID,
	}
}

func newBlockEvent(summary *gateway.BlockSummary) BlockEvent {
	return BlockEvent{
		Event:        TypeBlockEvent,
		BlockNumber:  summary.Number,
		Transactions: summary.Transactions,
	}
}

// NewEventError builds an event-error envelope. The WebSocket layer uses it
// to answer malformed or rejected commands in-band.
func NewEventError(contractName, message string) EventError {
	return EventError{Event: TypeEventError, ContractName: contractName, Message: message}
}

// decodePayload passes chaincode JSON through as structured data so clients
// do not receive double-encoded strings; anything else stays a raw string.
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

var droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
	Name: "healthlink_events_dropped_total",
	Help: "Events dropped because a subscriber queue was full.",
})
