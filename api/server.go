// Package api is the HTTP surface of the middleware: REST handlers for
// transactions, queries, jobs and identity management, plus the WebSocket
// endpoint for event delivery. Handlers stay thin; they decode the request,
// call the service layers and translate classified errors into statuses.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"healthlink-api/ca"
	"healthlink-api/events"
	"healthlink-api/gateway"
	"healthlink-api/jobs"
	"healthlink-api/ledger"
	"healthlink-api/wallet"
)

var logger = flogging.MustGetLogger("healthlink.api")

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthlink_http_requests_total",
		Help: "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "healthlink_http_request_seconds",
		Help: "HTTP request latency by route.",
	}, []string{"route"})

	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "healthlink_ws_connections",
		Help: "Open WebSocket event connections.",
	})
)

// Ledger is the synchronous transaction surface.
type Ledger interface {
	Submit(inv ledger.Invocation) (*ledger.Result, error)
	SubmitWithTransient(inv ledger.Invocation) (*ledger.Result, error)
	Evaluate(inv ledger.Invocation) (*ledger.Result, error)
}

// JobQueue accepts asynchronous submissions and answers job polls.
type JobQueue interface {
	Enqueue(kind string, inv ledger.Invocation, requestID string) (*jobs.Job, bool, error)
	Get(id string) (*jobs.Job, error)
}

// Gateway reports the state of the Fabric session for readiness and the
// ledger info endpoint.
type Gateway interface {
	State() gateway.State
	Identity() string
	Endpoint() string
	ChaincodeName() string
	ChannelInfo() (*gateway.ChannelInfo, error)
}

// CA manages identities on the Fabric CA.
type CA interface {
	Enroll(req ca.EnrollRequest) (*ca.Enrollment, error)
	Register(registrar *wallet.Identity, req ca.RegisterRequest) (string, error)
	Revoke(registrar *wallet.Identity, req ca.RevokeRequest) error
	MSPID() string
}

// Options wires a Server to its collaborators. CA may be nil, in which case
// the identity management endpoints answer 503.
type Options struct {
	Ledger  Ledger
	Queue   JobQueue
	Gateway Gateway
	Wallet  wallet.Store
	Hub     *events.Hub
	CA      CA

	// Chaincode functions behind the history and asset endpoints; empty
	// values fall back to the conventional names.
	HistoryFunction   string
	ListFunction      string
	RichQueryFunction string
}

// Server routes HTTP and WebSocket traffic onto the service layers.
type Server struct {
	router   *mux.Router
	ledger   Ledger
	queue    JobQueue
	gateway  Gateway
	wallet   wallet.Store
	hub      *events.Hub
	ca       CA
	upgrader websocket.Upgrader

	historyFn   string
	listFn      string
	richQueryFn string
}

// NewServer builds the routing tree over the given collaborators.
func NewServer(opts Options) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		ledger:  opts.Ledger,
		queue:   opts.Queue,
		gateway: opts.Gateway,
		wallet:  opts.Wallet,
		hub:     opts.Hub,
		ca:      opts.CA,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		historyFn:   opts.HistoryFunction,
		listFn:      opts.ListFunction,
		richQueryFn: opts.RichQueryFunction,
	}
	if s.historyFn == "" {
		s.historyFn = "GetAssetHistory"
	}
	if s.listFn == "" {
		s.listFn = "GetAllAssets"
	}
	if s.richQueryFn == "" {
		s.richQueryFn = "QueryAssets"
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.NotFoundHandler = http.HandlerFunc(handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)
	r.Use(s.instrument)

	r.HandleFunc("/transactions", s.handleTransaction(jobs.KindSubmit)).Methods(http.MethodPost)
	r.HandleFunc("/transactions/private", s.handleTransaction(jobs.KindSubmitPrivate)).Methods(http.MethodPost)
	r.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{jobId}", s.handleJob).Methods(http.MethodGet)

	r.HandleFunc("/history/{assetId}", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/assets", s.handleAssets).Methods(http.MethodGet)
	r.HandleFunc("/assets/query", s.handleRichQuery).Methods(http.MethodPost)

	r.HandleFunc("/identities/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/identities/enroll", s.handleEnroll).Methods(http.MethodPost)
	r.HandleFunc("/identities/{id}", s.handleRemoveIdentity).Methods(http.MethodDelete)

	r.HandleFunc("/ledger/info", s.handleLedgerInfo).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Handler returns the complete surface wrapped in recovery and CORS
// middleware.
func (s *Server) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	recovery := handlers.RecoveryHandler(handlers.RecoveryLogger(panicLogger{}))
	return recovery(cors(s.router))
}

// panicLogger adapts the package logger to the recovery middleware.
type panicLogger struct{}

func (panicLogger) Println(v ...any) { logger.Error(v...) }

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		// A WebSocket connection hijacks the response and lives for the
		// whole session; its metrics come from wsConnections instead.
		if route == "/events" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		logger.Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, elapsed)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func decode(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return gateway.Errorf(gateway.KindValidation, "invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readyResponse struct {
	Status    string `json:"status"`
	Identity  string `json:"identity"`
	Endpoint  string `json:"endpoint"`
	Chaincode string `json:"chaincode"`
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	state := s.gateway.State()
	if state != gateway.Connected {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": state.String()})
		return
	}
	if err := s.wallet.HealthCheck(); err != nil {
		logger.Warnf("Wallet health check failed: %s", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "wallet unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, readyResponse{
		Status:    "ready",
		Identity:  s.gateway.Identity(),
		Endpoint:  s.gateway.Endpoint(),
		Chaincode: s.gateway.ChaincodeName(),
	})
}

func (s *Server) handleLedgerInfo(w http.ResponseWriter, _ *http.Request) {
	info, err := s.gateway.ChannelInfo()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
