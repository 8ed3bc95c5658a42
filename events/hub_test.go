package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-protos-go-apiv2/common"

	"healthlink-api/gateway"
)

type chaincodeStream struct {
	ch   chan *client.ChaincodeEvent
	ctx  context.Context
	once sync.Once
}

func (s *chaincodeStream) close() {
	s.once.Do(func() { close(s.ch) })
}

type blockStream struct {
	ch    chan *common.Block
	ctx   context.Context
	start *uint64
	once  sync.Once
}

func (s *blockStream) close() {
	s.once.Do(func() { close(s.ch) })
}

type fakeSource struct {
	mu              sync.Mutex
	chaincodeCalls  int
	chaincodeStream map[string]*chaincodeStream
	chaincodeErr    map[string]error
	blockStreams    []*blockStream
	blockErr        error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		chaincodeStream: map[string]*chaincodeStream{},
		chaincodeErr:    map[string]error{},
	}
}

func (f *fakeSource) ChaincodeEvents(ctx context.Context, name string) (<-chan *client.ChaincodeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.chaincodeErr[name]; err != nil {
		return nil, err
	}
	f.chaincodeCalls++
	stream := &chaincodeStream{ch: make(chan *client.ChaincodeEvent, 64), ctx: ctx}
	f.chaincodeStream[name] = stream
	go func() {
		<-ctx.Done()
		stream.close()
	}()
	return stream.ch, nil
}

func (f *fakeSource) BlockEvents(ctx context.Context, startBlock *uint64) (<-chan *common.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockErr != nil {
		return nil, f.blockErr
	}
	stream := &blockStream{ch: make(chan *common.Block, 64), ctx: ctx, start: startBlock}
	f.blockStreams = append(f.blockStreams, stream)
	go func() {
		<-ctx.Done()
		stream.close()
	}()
	return stream.ch, nil
}

func (f *fakeSource) emit(t *testing.T, contract string, event *client.ChaincodeEvent) {
	t.Helper()
	f.mu.Lock()
	stream := f.chaincodeStream[contract]
	f.mu.Unlock()
	if stream == nil {
		t.Fatalf("no stream open for %s", contract)
	}
	stream.ch <- event
}

func (f *fakeSource) stream(contract string) *chaincodeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chaincodeStream[contract]
}

func (f *fakeSource) block(i int) *blockStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockStreams[i]
}

func readEnvelope(t *testing.T, s *Subscriber) Envelope {
	t.Helper()
	select {
	case env, ok := <-s.Events():
		if !ok {
			t.Fatal("subscriber queue closed while waiting for an event")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
	return nil
}

func expectNoEnvelope(t *testing.T, s *Subscriber) {
	t.Helper()
	select {
	case env := <-s.Events():
		t.Fatalf("unexpected envelope %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func expectCancelled(t *testing.T, ctx context.Context, what string) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("%s was not cancelled", what)
	}
}

func TestContractEventFilterFanout(t *testing.T) {
	fs := newFakeSource()
	hub := NewHub(fs, "healthlink")

	all := hub.NewSubscriber()
	defer all.Close()
	created := hub.NewSubscriber()
	defer created.Close()

	// An empty contract name resolves to the session default.
	if err := hub.SubscribeContract(all, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := hub.SubscribeContract(created, "healthlink", "RecordCreated"); err != nil {
		t.Fatal(err)
	}

	fs.emit(t, "healthlink", &client.ChaincodeEvent{
		ChaincodeName: "healthlink",
		EventName:     "RecordCreated",
		Payload:       []byte(`{"recordId":"PAT-1"}`),
		TransactionID: "tx1",
		BlockNumber:   5,
	})
	fs.emit(t, "healthlink", &client.ChaincodeEvent{
		ChaincodeName: "healthlink",
		EventName:     "RecordArchived",
		Payload:       []byte("archived"),
		TransactionID: "tx2",
		BlockNumber:   6,
	})

	first, ok := readEnvelope(t, all).(ContractEvent)
	if !ok || first.Event != TypeContractEvent || first.EventName != "RecordCreated" || first.BlockNumber != 5 {
		t.Errorf("first envelope = %+v", first)
	}
	payload, ok := first.Payload.(map[string]any)
	if !ok || payload["recordId"] != "PAT-1" {
		t.Errorf("payload = %#v", first.Payload)
	}

	second, ok := readEnvelope(t, all).(ContractEvent)
	if !ok || second.EventName != "RecordArchived" || second.Payload != "archived" {
		t.Errorf("second envelope = %+v", second)
	}

	only, ok := readEnvelope(t, created).(ContractEvent)
	if !ok || only.EventName != "RecordCreated" || only.TransactionID != "tx1" {
		t.Errorf("filtered envelope = %+v", only)
	}
	expectNoEnvelope(t, created)
}

func TestUpstreamStreamShared(t *testing.T) {
	fs := newFakeSource()
	hub := NewHub(fs, "healthlink")

	a := hub.NewSubscriber()
	defer a.Close()
	b := hub.NewSubscriber()
	defer b.Close()

	if err := hub.SubscribeContract(a, "healthlink", ""); err != nil {
		t.Fatal(err)
	}
	if err := hub.SubscribeContract(b, "healthlink", ""); err != nil {
		t.Fatal(err)
	}

	if fs.chaincodeCalls != 1 {
		t.Errorf("opened %d upstream streams, want 1", fs.chaincodeCalls)
	}
}

func TestUnsubscribeStopsDeliveryAndClosesUpstream(t *testing.T) {
	fs := newFakeSource()
	hub := NewHub(fs, "healthlink")

	a := hub.NewSubscriber()
	defer a.Close()
	b := hub.NewSubscriber()
	defer b.Close()

	if err := hub.SubscribeContract(a, "healthlink", ""); err != nil {
		t.Fatal(err)
	}
	if err := hub.SubscribeContract(b, "healthlink", ""); err != nil {
		t.Fatal(err)
	}

	hub.UnsubscribeContract(a, "healthlink")
	fs.emit(t, "healthlink", &client.ChaincodeEvent{ChaincodeName: "healthlink", EventName: "RecordCreated"})

	if env, ok := readEnvelope(t, b).(ContractEvent); !ok || env.EventName != "RecordCreated" {
		t.Errorf("remaining subscriber got %+v", env)
	}
	expectNoEnvelope(t, a)

	hub.UnsubscribeContract(b, "healthlink")
	expectCancelled(t, fs.stream("healthlink").ctx, "upstream chaincode stream")
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	fs := newFakeSource()
	hub := NewHub(fs, "healthlink")

	fast := hub.NewSubscriber()
	defer fast.Close()
	slow := hub.NewSubscriber()
	defer slow.Close()

	if err := hub.SubscribeContract(fast, "healthlink", ""); err != nil {
		t.Fatal(err)
	}
	if err := hub.SubscribeContract(slow, "healthlink", ""); err != nil {
		t.Fatal(err)
	}

	const total = 300
	received := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			<-fast.Events()
		}
		close(received)
	}()

	for i := 0; i < total; i++ {
		fs.emit(t, "healthlink", &client.ChaincodeEvent{ChaincodeName: "healthlink", EventName: "RecordCreated", BlockNumber: uint64(i)})
	}

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("fast subscriber starved behind a slow one")
	}

	if got := slow.Dropped(); got != total-subscriberQueueSize {
		t.Errorf("slow subscriber dropped %d events, want %d", got, total-subscriberQueueSize)
	}
	if fast.Dropped() != 0 {
		t.Errorf("fast subscriber dropped %d events", fast.Dropped())
	}
}

func TestBlockStreamsPerSubscriber(t *testing.T) {
	fs := newFakeSource()
	hub := NewHub(fs, "healthlink")

	a := hub.NewSubscriber()
	defer a.Close()
	b := hub.NewSubscriber()
	defer b.Close()

	if err := hub.SubscribeBlocks(a, nil); err != nil {
		t.Fatal(err)
	}
	start := uint64(5)
	if err := hub.SubscribeBlocks(b, &start); err != nil {
		t.Fatal(err)
	}

	if len(fs.blockStreams) != 2 {
		t.Fatalf("opened %d block streams, want 2", len(fs.blockStreams))
	}
	if fs.block(0).start != nil {
		t.Errorf("first subscription should not replay, got start %v", *fs.block(0).start)
	}
	if fs.block(1).start == nil || *fs.block(1).start != 5 {
		t.Errorf("second subscription start = %v, want 5", fs.block(1).start)
	}

	fs.block(0).ch <- &common.Block{Header: &common.BlockHeader{Number: 7}}

	env, ok := readEnvelope(t, a).(BlockEvent)
	if !ok || env.Event != TypeBlockEvent || env.BlockNumber != 7 {
		t.Errorf("block envelope = %+v", env)
	}
	if env.Transactions == nil {
		t.Error("transactions should be an empty list, not nil")
	}
	expectNoEnvelope(t, b)
}

func TestBlockResubscribeReplacesStream(t *testing.T) {
	fs := newFakeSource()
	hub := NewHub(fs, "healthlink")

	s := hub.NewSubscriber()
	defer s.Close()

	if err := hub.SubscribeBlocks(s, nil); err != nil {
		t.Fatal(err)
	}
	start := uint64(10)
	if err := hub.SubscribeBlocks(s, &start); err != nil {
		t.Fatal(err)
	}

	expectCancelled(t, fs.block(0).ctx, "replaced block stream")
	// Replacing a subscription is not an upstream failure; no error envelope.
	expectNoEnvelope(t, s)

	fs.block(1).ch <- &common.Block{Header: &common.BlockHeader{Number: 11}}
	if env, ok := readEnvelope(t, s).(BlockEvent); !ok || env.BlockNumber != 11 {
		t.Errorf("envelope = %+v", env)
	}
}

func TestUpstreamFailureNotifiesSubscribers(t *testing.T) {
	fs := newFakeSource()
	hub := NewHub(fs, "healthlink")

	s := hub.NewSubscriber()
	defer s.Close()

	if err := hub.SubscribeContract(s, "healthlink", ""); err != nil {
		t.Fatal(err)
	}

	fs.stream("healthlink").close()

	env, ok := readEnvelope(t, s).(EventError)
	if !ok || env.Event != TypeEventError || env.ContractName != "healthlink" {
		t.Errorf("envelope = %+v", env)
	}

	// The dead stream is forgotten; subscribing again opens a fresh one.
	if err := hub.SubscribeContract(s, "healthlink", ""); err != nil {
		t.Fatal(err)
	}
	if fs.chaincodeCalls != 2 {
		t.Errorf("opened %d upstream streams, want 2", fs.chaincodeCalls)
	}
}

func TestSubscriberCloseCleansUp(t *testing.T) {
	fs := newFakeSource()
	hub := NewHub(fs, "healthlink")

	s := hub.NewSubscriber()
	if err := hub.SubscribeContract(s, "healthlink", ""); err != nil {
		t.Fatal(err)
	}
	if err := hub.SubscribeBlocks(s, nil); err != nil {
		t.Fatal(err)
	}

	s.Close()
	s.Close()

	expectCancelled(t, fs.stream("healthlink").ctx, "contract stream after last subscriber left")
	expectCancelled(t, fs.block(0).ctx, "block stream of a closed subscriber")

	deadline := time.After(2 * time.Second)
drain:
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				break drain
			}
		case <-deadline:
			t.Fatal("subscriber queue never closed")
		}
	}

	if err := hub.SubscribeContract(s, "healthlink", ""); err == nil {
		t.Error("subscribing a closed subscriber should fail")
	}
}

func TestSubscribeErrorPropagates(t *testing.T) {
	fs := newFakeSource()
	fs.chaincodeErr["healthlink"] = gateway.Errorf(gateway.KindConnectionFailed, "gateway not connected")
	fs.blockErr = gateway.Errorf(gateway.KindConnectionFailed, "gateway not connected")
	hub := NewHub(fs, "healthlink")

	s := hub.NewSubscriber()
	defer s.Close()

	err := hub.SubscribeContract(s, "healthlink", "")
	if gateway.KindOf(err) != gateway.KindConnectionFailed {
		t.Errorf("contract subscribe err = %v", err)
	}

	err = hub.SubscribeBlocks(s, nil)
	if gateway.KindOf(err) != gateway.KindConnectionFailed {
		t.Errorf("block subscribe err = %v", err)
	}
}

func TestHubClose(t *testing.T) {
	fs := newFakeSource()
	hub := NewHub(fs, "healthlink")

	a := hub.NewSubscriber()
	b := hub.NewSubscriber()
	if err := hub.SubscribeContract(a, "healthlink", ""); err != nil {
		t.Fatal(err)
	}
	if err := hub.SubscribeBlocks(b, nil); err != nil {
		t.Fatal(err)
	}

	hub.Close()

	expectCancelled(t, fs.stream("healthlink").ctx, "contract stream on hub close")
	expectCancelled(t, fs.block(0).ctx, "block stream on hub close")
}
