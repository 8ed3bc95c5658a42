package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"healthlink-api/ca"
	"healthlink-api/gateway"
	"healthlink-api/jobs"
	"healthlink-api/ledger"
	"healthlink-api/wallet"
)

type fakeLedger struct {
	mu        sync.Mutex
	submitted []ledger.Invocation
	transient []ledger.Invocation
	evaluated []ledger.Invocation
	result    *ledger.Result
	err       error
}

func (f *fakeLedger) Submit(inv ledger.Invocation) (*ledger.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, inv)
	return f.result, f.err
}

func (f *fakeLedger) SubmitWithTransient(inv ledger.Invocation) (*ledger.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transient = append(f.transient, inv)
	return f.result, f.err
}

func (f *fakeLedger) Evaluate(inv ledger.Invocation) (*ledger.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluated = append(f.evaluated, inv)
	return f.result, f.err
}

func (f *fakeLedger) calls() (submitted, transient, evaluated []ledger.Invocation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted, f.transient, f.evaluated
}

type fakeQueue struct {
	mu        sync.Mutex
	jobs      map[string]*jobs.Job
	byRequest map[string]*jobs.Job
	err       error
	nextID    int
}

func (f *fakeQueue) Enqueue(kind string, inv ledger.Invocation, requestID string) (*jobs.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	if requestID != "" {
		if existing, ok := f.byRequest[requestID]; ok {
			return existing, false, nil
		}
	}
	if f.jobs == nil {
		f.jobs = make(map[string]*jobs.Job)
		f.byRequest = make(map[string]*jobs.Job)
	}
	f.nextID++
	job := &jobs.Job{
		ID:         fmt.Sprintf("job-%d", f.nextID),
		RequestID:  requestID,
		Kind:       kind,
		Invocation: inv,
		Status:     jobs.StatusQueued,
		CreatedAt:  time.Now(),
	}
	f.jobs[job.ID] = job
	if requestID != "" {
		f.byRequest[requestID] = job
	}
	return job, true, nil
}

func (f *fakeQueue) Get(id string) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id]; ok {
		return job, nil
	}
	return nil, jobs.ErrNotFound
}

func (f *fakeQueue) put(job *jobs.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs == nil {
		f.jobs = make(map[string]*jobs.Job)
		f.byRequest = make(map[string]*jobs.Job)
	}
	f.jobs[job.ID] = job
}

type fakeGateway struct {
	state   gateway.State
	info    *gateway.ChannelInfo
	infoErr error
}

func (f *fakeGateway) State() gateway.State  { return f.state }
func (f *fakeGateway) Identity() string      { return "appUser" }
func (f *fakeGateway) Endpoint() string      { return "peer0.org1.example.com:7051" }
func (f *fakeGateway) ChaincodeName() string { return "healthlink" }

func (f *fakeGateway) ChannelInfo() (*gateway.ChannelInfo, error) {
	return f.info, f.infoErr
}

type fakeCA struct {
	mu          sync.Mutex
	enrollment  *ca.Enrollment
	enrollErr   error
	secret      string
	registerErr error
	revokeErr   error
	enrolled    []ca.EnrollRequest
	registered  []ca.RegisterRequest
	revoked     []ca.RevokeRequest
	registrars  []string
}

func (f *fakeCA) Enroll(req ca.EnrollRequest) (*ca.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enrolled = append(f.enrolled, req)
	if f.enrollErr != nil {
		return nil, f.enrollErr
	}
	return f.enrollment, nil
}

func (f *fakeCA) Register(registrar *wallet.Identity, req ca.RegisterRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrars = append(f.registrars, registrar.ID)
	f.registered = append(f.registered, req)
	return f.secret, f.registerErr
}

func (f *fakeCA) Revoke(registrar *wallet.Identity, req ca.RevokeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrars = append(f.registrars, registrar.ID)
	f.revoked = append(f.revoked, req)
	return f.revokeErr
}

func (f *fakeCA) MSPID() string { return "Org1MSP" }

type testEnv struct {
	server *Server
	ledger *fakeLedger
	queue  *fakeQueue
	gw     *fakeGateway
	ca     *fakeCA
	wallet wallet.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := wallet.New("file", t.TempDir(), "test-password")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		ledger: &fakeLedger{result: &ledger.Result{TransactionID: "tx1", Payload: map[string]any{"ok": true}}},
		queue:  &fakeQueue{},
		gw: &fakeGateway{
			state: gateway.Connected,
			info:  &gateway.ChannelInfo{Height: 42, CurrentBlockHash: "ab12", PreviousBlockHash: "cd34"},
		},
		ca:     &fakeCA{secret: "generated-secret"},
		wallet: store,
	}
	env.server = NewServer(Options{
		Ledger:  env.ledger,
		Queue:   env.queue,
		Gateway: env.gw,
		Wallet:  store,
		CA:      env.ca,
	})
	return env
}

// putIdentity stores a wallet entry the handlers can resolve. The material
// does not need to parse; only enrollment output is validated.
func (env *testEnv) putIdentity(t *testing.T, id string) {
	t.Helper()
	ident := wallet.NewIdentity(id, "Org1MSP", "client", []byte("cert"), []byte("key"))
	if err := env.wallet.Put(ident); err != nil {
		t.Fatalf("put identity %s: %v", id, err)
	}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	return env.doRaw(t, method, path, reader)
}

func (env *testEnv) doRaw(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func doAgainst(t *testing.T, server *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body %q: %v", rec.Body.String(), err)
	}
	return body
}

func wantErrorKind(t *testing.T, rec *httptest.ResponseRecorder, status int, kind string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error envelope in %s", rec.Body.String())
	}
	if errObj["kind"] != kind {
		t.Fatalf("error kind = %v, want %s", errObj["kind"], kind)
	}
	if msg, _ := errObj["message"].(string); msg == "" {
		t.Fatal("error message is empty")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Fatalf("status field = %v", body["status"])
	}
}

func TestReadyWhenConnected(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ready" {
		t.Fatalf("status field = %v", body["status"])
	}
	if body["identity"] != "appUser" || body["chaincode"] != "healthlink" {
		t.Fatalf("unexpected readiness body: %v", body)
	}
}

func TestReadyWhenDisconnected(t *testing.T) {
	env := newTestEnv(t)
	env.gw.state = gateway.Disconnected

	rec := env.do(t, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "disconnected" {
		t.Fatalf("status field = %v", body["status"])
	}
}

func TestReadyWalletUnavailable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wallet")
	store, err := wallet.New("file", dir, "test-password")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	server := NewServer(Options{
		Ledger:  &fakeLedger{},
		Queue:   &fakeQueue{},
		Gateway: &fakeGateway{state: gateway.Connected},
		Wallet:  store,
	})
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove wallet dir: %v", err)
	}

	rec := doAgainst(t, server, http.MethodGet, "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "wallet unavailable" {
		t.Fatalf("status field = %v", body["status"])
	}
}

func TestLedgerInfo(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/ledger/info", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["height"] != float64(42) {
		t.Fatalf("height = %v, want 42", body["height"])
	}
	if body["currentBlockHash"] != "ab12" {
		t.Fatalf("currentBlockHash = %v", body["currentBlockHash"])
	}
}

func TestLedgerInfoFailure(t *testing.T) {
	env := newTestEnv(t)
	env.gw.info = nil
	env.gw.infoErr = gateway.Errorf(gateway.KindConnectionFailed, "no active session")

	rec := env.do(t, http.MethodGet, "/ledger/info", nil)
	wantErrorKind(t, rec, http.StatusBadGateway, "ConnectionFailed")
}

func TestUnknownRouteEnvelope(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/nope", nil)
	wantErrorKind(t, rec, http.StatusNotFound, "NotFound")
}

func TestMethodNotAllowedEnvelope(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/transactions", nil)
	wantErrorKind(t, rec, http.StatusMethodNotAllowed, "MethodNotAllowed")
}

func TestMetricsExposed(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodGet, "/health", nil)
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthlink_http_requests_total") {
		t.Fatal("request counter not exposed")
	}
}
