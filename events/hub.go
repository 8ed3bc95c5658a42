package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/hyperledger/fabric-protos-go-apiv2/common"

	"healthlink-api/gateway"
)

var logger = flogging.MustGetLogger("healthlink.events")

var errSubscriberClosed = errors.New("subscriber closed")

// subscriberQueueSize bounds each subscriber's delivery queue.
const subscriberQueueSize = 256

// EventSource opens the upstream event streams. Streams end when their
// context is cancelled.
type EventSource interface {
	ChaincodeEvents(ctx context.Context, chaincodeName string) (<-chan *client.ChaincodeEvent, error)
	BlockEvents(ctx context.Context, startBlock *uint64) (<-chan *common.Block, error)
}

// contractStream is one shared upstream chaincode event stream and the
// subscribers attached to it, each with an optional event name filter.
type contractStream struct {
	cancel  context.CancelFunc
	members map[*Subscriber]string
}

// Hub owns the upstream streams and the subscriber set.
type Hub struct {
	source          EventSource
	defaultContract string

	mu        sync.Mutex
	contracts map[string]*contractStream
	subs      map[*Subscriber]struct{}
}

// NewHub builds a hub over the event source. An empty contract name in a
// subscription resolves to defaultContract.
func NewHub(source EventSource, defaultContract string) *Hub {
	return &Hub{
		source:          source,
		defaultContract: defaultContract,
		contracts:       make(map[string]*contractStream),
		subs:            make(map[*Subscriber]struct{}),
	}
}

// NewSubscriber registers a subscriber, typically one per WebSocket
// connection. The caller must Close it when the connection goes away.
func (h *Hub) NewSubscriber() *Subscriber {
	s := &Subscriber{
		hub:  h,
		id:   uuid.New().String(),
		send: make(chan Envelope, subscriberQueueSize),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// SubscribeContract attaches the subscriber to a contract's event stream,
// starting the upstream stream on first use. An empty eventName receives
// every event of the contract.
func (h *Hub) SubscribeContract(s *Subscriber, contractName, eventName string) error {
	contractName = h.resolveContract(contractName)
	if contractName == "" {
		return gateway.Errorf(gateway.KindValidation, "contractName is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if s.isClosed() {
		return errSubscriberClosed
	}

	stream, ok := h.contracts[contractName]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		events, err := h.source.ChaincodeEvents(ctx, contractName)
		if err != nil {
			cancel()
			return err
		}
		stream = &contractStream{cancel: cancel, members: make(map[*Subscriber]string)}
		h.contracts[contractName] = stream
		go h.pumpContract(contractName, events)
		logger.Infof("opened chaincode event stream for %s", contractName)
	}

	stream.members[s] = eventName
	logger.Debugf("subscriber %s attached to %s (filter %q)", s.id, contractName, eventName)
	return nil
}

// UnsubscribeContract detaches the subscriber from a contract's stream,
// tearing the upstream stream down when nobody is left.
func (h *Hub) UnsubscribeContract(s *Subscriber, contractName string) {
	contractName = h.resolveContract(contractName)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(s, contractName)
}

func (h *Hub) detachLocked(s *Subscriber, contractName string) {
	stream, ok := h.contracts[contractName]
	if !ok {
		return
	}
	delete(stream.members, s)
	if len(stream.members) == 0 {
		stream.cancel()
		delete(h.contracts, contractName)
		logger.Infof("closed chaincode event stream for %s", contractName)
	}
}

func (h *Hub) resolveContract(contractName string) string {
	if contractName == "" {
		return h.defaultContract
	}
	return contractName
}

func (h *Hub) pumpContract(contractName string, events <-chan *client.ChaincodeEvent) {
	for event := range events {
		env := newContractEvent(event)
		h.mu.Lock()
		stream, ok := h.contracts[contractName]
		if !ok {
			h.mu.Unlock()
			return
		}
		for sub, filter := range stream.members {
			if filter == "" || filter == event.EventName {
				sub.deliver(env)
			}
		}
		h.mu.Unlock()
	}

	// The upstream closed on its own; tell everyone still attached.
	h.mu.Lock()
	defer h.mu.Unlock()
	stream, ok := h.contracts[contractName]
	if !ok {
		return
	}
	logger.Warnf("chaincode event stream for %s ended", contractName)
	for sub := range stream.members {
		sub.deliver(NewEventError(contractName, "event stream closed"))
	}
	stream.cancel()
	delete(h.contracts, contractName)
}

// SubscribeBlocks opens a block event stream for this subscriber, optionally
// replaying from startBlock. A second subscription replaces the first.
func (h *Hub) SubscribeBlocks(s *Subscriber, startBlock *uint64) error {
	if s.isClosed() {
		return errSubscriberClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	blocks, err := h.source.BlockEvents(ctx, startBlock)
	if err != nil {
		cancel()
		return err
	}

	s.setBlockCancel(cancel)

	go func() {
		for block := range blocks {
			s.deliver(newBlockEvent(gateway.SummarizeBlock(block)))
		}
		if ctx.Err() == nil {
			s.deliver(NewEventError("", "block event stream closed"))
		}
	}()
	logger.Debugf("subscriber %s attached to block events", s.id)
	return nil
}

// UnsubscribeBlocks stops the subscriber's block stream if one is open.
func (h *Hub) UnsubscribeBlocks(s *Subscriber) {
	s.setBlockCancel(nil)
}

// detach removes the subscriber from everything it is attached to.
func (h *Hub) detach(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
	for name := range h.contracts {
		h.detachLocked(s, name)
	}
}

// Close shuts every subscriber and stream down.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for name, stream := range h.contracts {
		stream.cancel()
		delete(h.contracts, name)
	}
}

// Subscriber is one event consumer with a bounded delivery queue.
type Subscriber struct {
	hub  *Hub
	id   string
	send chan Envelope

	dropped atomic.Uint64

	mu          sync.Mutex
	closed      bool
	blockCancel context.CancelFunc
}

// Events is the delivery queue. It closes when the subscriber does.
func (s *Subscriber) Events() <-chan Envelope {
	return s.send
}

// ID identifies the subscriber in logs.
func (s *Subscriber) ID() string {
	return s.id
}

// Dropped is the number of events lost to a full queue.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// deliver enqueues without blocking; a full queue drops the event.
func (s *Subscriber) deliver(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- env:
	default:
		n := s.dropped.Add(1)
		droppedEvents.Inc()
		if n == 1 || n%100 == 0 {
			logger.Warnf("subscriber %s queue full, %d %s events dropped", s.id, n, env.kind())
			// Best effort; when the queue is still full this is dropped too.
			select {
			case s.send <- NewEventError("", "delivery queue overflowed, events were dropped"):
			default:
			}
		}
	}
}

func (s *Subscriber) setBlockCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blockCancel != nil {
		s.blockCancel()
		s.blockCancel = nil
	}
	if s.closed {
		// Lost the race with Close; stop the fresh stream right away.
		if cancel != nil {
			cancel()
		}
		return
	}
	s.blockCancel = cancel
}

// Close cancels the block stream, closes the delivery queue and detaches
// from the hub. Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.blockCancel != nil {
		s.blockCancel()
		s.blockCancel = nil
	}
	close(s.send)
	s.mu.Unlock()

	s.hub.detach(s)
}

func (s *Subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
