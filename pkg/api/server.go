// Package api exposes the ledger over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"bank-ledger/pkg/account"
	"bank-ledger/pkg/alert"
	"bank-ledger/pkg/card"
	"bank-ledger/pkg/ledger"
	"bank-ledger/pkg/logging"
	"bank-ledger/pkg/metrics"
	"bank-ledger/pkg/store"
	"bank-ledger/pkg/workflow"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Services are the components behind the routes.
type Services struct {
	Accounts *account.Service
	Ledger   *ledger.Ledger
	Workflow *workflow.Workflow
	Alerts   *alert.Notifier
	Cards    *card.Issuer

	// Store is reported by /health. It may be nil.
	Store store.Store

	// Dependencies are pinged by /health, keyed by the name reported.
	Dependencies map[string]Pinger
}

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

const healthPingTimeout = 2 * time.Second

// Server provides the HTTP endpoints of the ledger.
type Server struct {
	services    Services
	idempotency IdempotencyStore
	httpMetrics *httpMetrics
	router      *mux.Router
	server      *http.Server
	config      ServerConfig
	logger      *logging.Logger
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64

	// Registry receives the HTTP series and is served on /metrics.
	// A nil registry gets a private one.
	Registry *prometheus.Registry

	// Idempotency backs the Idempotency-Key header. Nil disables it.
	Idempotency IdempotencyStore
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		MaxBodyBytes: 1 << 20,
	}
}

// NewServer creates the API server and registers its HTTP metrics.
func NewServer(services Services, config ServerConfig, logger *logging.Logger) (*Server, error) {
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultServerConfig().MaxBodyBytes
	}

	hm := newHTTPMetrics("ledger")
	if err := hm.register(config.Registry); err != nil {
		return nil, err
	}
	if services.Cards != nil {
		if err := registerCardFilterMetrics(config.Registry, "ledger", services.Cards); err != nil {
			return nil, err
		}
	}

	s := &Server{
		services:    services,
		idempotency: config.Idempotency,
		httpMetrics: hm,
		config:      config,
		logger:      logging.OrNop(logger).Named("api"),
	}

	r := mux.NewRouter()
	r.Use(recoverMiddleware(s.logger))
	r.Use(requestIDMiddleware)
	r.Use(hm.middleware())
	r.Use(accessLogMiddleware(s.logger))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(config.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/accounts", s.handleListAccounts).Methods(http.MethodGet)
	r.HandleFunc("/accounts", s.mutating(s.handleCreateAccount)).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}", s.mutating(s.handleUpdateAccount)).Methods(http.MethodPatch)
	r.HandleFunc("/accounts/{id}/reconciliation", s.handleReconcile).Methods(http.MethodGet)

	r.HandleFunc("/requests", s.handleListRequests).Methods(http.MethodGet)
	r.HandleFunc("/requests", s.mutating(s.handleSubmitRequest)).Methods(http.MethodPost)
	r.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	r.HandleFunc("/requests/{id}/approve", s.mutating(s.handleDecideRequest)).Methods(http.MethodPost)
	r.HandleFunc("/admin/requests", s.mutating(s.handleOpenRequest)).Methods(http.MethodPost)

	r.HandleFunc("/transactions", s.handleListTransactions).Methods(http.MethodGet)
	r.HandleFunc("/transactions", s.mutating(s.handlePostTransaction)).Methods(http.MethodPost)

	r.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{id}", s.mutating(s.handleUpdateAlert)).Methods(http.MethodPut)

	r.HandleFunc("/cards", s.handleListCards).Methods(http.MethodGet)
	r.HandleFunc("/cards", s.mutating(s.handleIssueCard)).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "route not found", Kind: "not_found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	})

	s.router = r
	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

// mutating applies the body limit and idempotency handling.
func (s *Server) mutating(h http.HandlerFunc) http.HandlerFunc {
	guarded := idempotent(s.idempotency, s.logger, h)
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		guarded(w, r)
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server. It blocks until the server stops and
// returns nil after a graceful Stop.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("address", s.config.Address))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Store     string            `json:"store,omitempty"`
	Circuit   string            `json:"circuit,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

type circuitReporter interface {
	State() metrics.CircuitState
}

// handleHealth pings the store and every dependency. An open storage circuit
// or a failed ping answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Timestamp: time.Now().UTC()}
	status := http.StatusOK
	degrade := func() {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	checks := make(map[string]Pinger, len(s.services.Dependencies)+1)
	for name, p := range s.services.Dependencies {
		checks[name] = p
	}
	if st := s.services.Store; st != nil {
		resp.Store = st.Name()
		if cr, ok := st.(circuitReporter); ok {
			state := cr.State()
			resp.Circuit = state.String()
			if state == metrics.CircuitOpen {
				degrade()
			}
		}
		if p, ok := st.(Pinger); ok {
			checks["store"] = p
		}
	}

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) > 0 {
		resp.Checks = make(map[string]string, len(names))
	}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		err := checks[name].Ping(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			resp.Checks[name] = err.Error()
			degrade()
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

// registerCardFilterMetrics exports the issued-number filter counters.
func registerCardFilterMetrics(reg prometheus.Registerer, namespace string, cards *card.Issuer) error {
	counter := func(name, help string, read func(card.FilterStats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "card_filter", Name: name, Help: help},
			func() float64 { return float64(read(cards.FilterStats())) },
		)
	}
	collectors := []prometheus.Collector{
		counter("queries_total", "Card number lookups answered by the filter",
			func(st card.FilterStats) uint64 { return st.Queries }),
		counter("rejected_total", "Card numbers the filter proved unused",
			func(st card.FilterStats) uint64 { return st.Rejected }),
		counter("false_positives_total", "Filter hits that storage showed to be unused",
			func(st card.FilterStats) uint64 { return st.FalsePositives }),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Subsystem: "card_filter", Name: "capacity_bits", Help: "Size of the issued-number filter"},
			func() float64 { return float64(cards.FilterStats().Capacity) },
		),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
