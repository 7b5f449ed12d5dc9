// Package httpapi is the REST surface of the gateway: ingest endpoints for
// both the legacy device fleet and universal producers, plus status and
// diagnostics. Handlers decode and authenticate, then hand observations to
// the pipeline router; no business logic lives here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sensorgrid/ingest/internal/auth"
	"github.com/sensorgrid/ingest/internal/core"
	"github.com/sensorgrid/ingest/internal/csvjobs"
	"github.com/sensorgrid/ingest/internal/metrics"
	"github.com/sensorgrid/ingest/internal/pipeline"
	"github.com/sensorgrid/ingest/internal/ratelimit"
	"github.com/sensorgrid/ingest/internal/resilience"
	"github.com/sensorgrid/ingest/internal/resolver"
	"github.com/sensorgrid/ingest/internal/store"
)

// APIStore is what the read endpoints need from persistence.
// *store.Store satisfies it.
type APIStore interface {
	Ping(ctx context.Context) error
	GetSensorStatus(ctx context.Context, sensorID int64) (*store.SensorStatus, error)
	GetOrCreateStreamID(ctx context.Context, series core.SeriesID) (int64, error)
}

// Config wires the server. Nil optional fields disable the matching feature
// (CSV manager, limiter, diagnostics sources).
type Config struct {
	Router   *pipeline.Router
	Resolver *resolver.Resolver
	Auth     *auth.Authenticator
	Store    APIStore
	Limiter  *ratelimit.Limiter
	CSV      *csvjobs.Manager
	Timing   *metrics.TimingTracker
	Dedup    resilience.Deduplicator
	DLQ      resilience.DeadLetterQueue
	Breaker  *resilience.CircuitBreaker
	Logger   *slog.Logger

	// WS, when set, is mounted at GET /ingest/ws (the WebSocket transport).
	WS http.Handler

	// LegacyAPIKey, when non-empty, is accepted on X-API-Key with ADMIN
	// capability. Kept for the pre-tenant device fleet.
	LegacyAPIKey string
	DeviceAuth   bool
}

// Server is the HTTP transport.
type Server struct {
	cfg    Config
	logger *slog.Logger
	http   *http.Server
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "httpapi")}
}

// Routes builds the full route table.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	ingest := r.PathPrefix("/ingest").Subrouter()
	ingest.Use(ipRateLimitMiddleware(s.cfg.Limiter))
	ingest.HandleFunc("/readings", s.handleReading).Methods("POST")
	ingest.HandleFunc("/readings/bulk", s.handleBulk).Methods("POST")
	ingest.HandleFunc("/packets", s.handlePackets).Methods("POST")
	ingest.HandleFunc("/data", s.handleData).Methods("POST")
	ingest.HandleFunc("/csv", s.handleCSVUpload).Methods("POST")
	ingest.HandleFunc("/csv/jobs/{id}", s.handleCSVJob).Methods("GET")

	if s.cfg.WS != nil {
		r.Handle("/ingest/ws", s.cfg.WS).Methods("GET")
	}

	r.HandleFunc("/sensors/{id}/status", s.handleSensorStatus).Methods("GET")
	r.HandleFunc("/api/ingestion/diagnostics", s.handleDiagnostics).Methods("GET")
	return r
}

// Start runs the server until the listener fails.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("http server listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ---- shared helpers --------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps pipeline and auth errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var authErr *auth.AuthError
	var limitErr *ratelimit.LimitExceeded
	var valErr *core.ValidationError
	switch {
	case errors.As(err, &authErr):
		writeJSON(w, authErr.Status, errorResponse{Error: authErr.Message})
	case errors.As(err, &limitErr):
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
	case errors.As(err, &valErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: valErr.Error()})
	case resilience.IsCircuitOpen(err):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "storage temporarily unavailable"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// authorizeAPIKey validates X-API-Key, honoring the legacy shared key.
func (s *Server) authorizeAPIKey(r *http.Request) (*auth.APIKeyInfo, error) {
	key := r.Header.Get(auth.HeaderAPIKey)
	if key == "" {
		return nil, auth.ErrInvalidKey
	}
	if s.cfg.LegacyAPIKey != "" && key == s.cfg.LegacyAPIKey {
		return &auth.APIKeyInfo{Role: auth.RoleAdmin}, nil
	}
	return s.cfg.Auth.ValidateAPIKey(r.Context(), key)
}
