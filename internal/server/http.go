package server

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"MemePerp/internal/funding"
	"MemePerp/internal/ingestion"
	"MemePerp/internal/ledger"
	"MemePerp/internal/observability"
	"MemePerp/internal/order"
	"MemePerp/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Exchange is the part of the matching engine the API serves.
type Exchange interface {
	SubmitRequest(ctx context.Context, req *order.SubmitRequest) (*core.SubmitResult, error)
	Cancel(ctx context.Context, req *order.CancelRequest) (*order.Order, error)
	Orderbook(ctx context.Context, token event.Address, levels int) (*core.OrderbookSnapshot, error)
	NextNonce(ctx context.Context, trader event.Address) (uint64, error)
	Balance(trader event.Address) ledger.Balance
	Positions(ctx context.Context, trader event.Address) ([]*core.PositionView, error)
}

// FundingSource serves GET /funding/{token}.
type FundingSource interface {
	Summary(ctx context.Context, token event.Address, limit int) (*funding.Summary, error)
}

// Deps are the collaborators of the HTTP server. Exchange is required.
// Funding, History, Admin, Stream, Health and Registry enable their routes
// when set.
type Deps struct {
	Exchange Exchange
	Funding  FundingSource
	History  *query.Service
	Admin    *ingestion.AdminService
	Stream   http.Handler // WebSocket hub
	Health   *observability.HealthChecker
	Registry prometheus.Gatherer
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

// HTTPConfig tunes the public API.
type HTTPConfig struct {
	Addr            string
	OrdersPerSecond float64 // per trader; zero disables the limiter
	OrderBurst      int
	MaxBodyBytes    int64
	DefaultLevels   int
}

// HTTPServer serves the REST API, the WebSocket stream and the ops endpoints.
//
// REST routes are registered on a grpc-gateway ServeMux with HandlePath;
// the gorilla router in front of it owns /ws, the ops endpoints and the
// middleware.
type HTTPServer struct {
	cfg     HTTPConfig
	deps    Deps
	router  *mux.Router
	gateway *runtime.ServeMux
	orders  *KeyedLimiter
	srv     *http.Server
	log     zerolog.Logger
}

func NewHTTPServer(cfg HTTPConfig, deps Deps) (*HTTPServer, error) {
	if deps.Exchange == nil {
		return nil, errors.New("server: exchange is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.DefaultLevels <= 0 {
		cfg.DefaultLevels = 20
	}
	s := &HTTPServer{
		cfg:     cfg,
		deps:    deps,
		router:  mux.NewRouter(),
		gateway: runtime.NewServeMux(),
		orders:  NewKeyedLimiter(cfg.OrdersPerSecond, cfg.OrderBurst),
		log:     deps.Logger,
	}
	if err := s.routes(); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler { return s.router }

func (s *HTTPServer) routes() error {
	rest := []struct {
		method, pattern, name string
		h                     runtime.HandlerFunc
	}{
		{"POST", "/order/submit", "order_submit", s.handleSubmit},
		{"POST", "/order/cancel", "order_cancel", s.handleCancel},
		{"GET", "/orderbook/{token}", "orderbook", s.handleOrderbook},
		{"GET", "/user/{address}/nonce", "user_nonce", s.handleNonce},
		{"GET", "/user/{address}/balance", "user_balance", s.handleBalance},
		{"GET", "/user/{address}/positions", "user_positions", s.handlePositions},
	}
	if s.deps.Funding != nil {
		rest = append(rest, struct {
			method, pattern, name string
			h                     runtime.HandlerFunc
		}{"GET", "/funding/{token}", "funding", s.handleFunding})
	}
	if s.deps.History != nil {
		rest = append(rest, []struct {
			method, pattern, name string
			h                     runtime.HandlerFunc
		}{
			{"GET", "/user/{address}/trades", "user_trades", s.handleTrades},
			{"GET", "/user/{address}/liquidations", "user_liquidations", s.handleLiquidations},
			{"GET", "/user/{address}/journal", "user_journal", s.handleJournal},
		}...)
	}
	if s.deps.Admin != nil {
		rest = append(rest, []struct {
			method, pattern, name string
			h                     runtime.HandlerFunc
		}{
			{"POST", "/dev/deposit", "dev_deposit", s.handleDevDeposit},
			{"POST", "/dev/mark-price", "dev_mark_price", s.handleDevMarkPrice},
		}...)
	}
	for _, r := range rest {
		if err := s.gateway.HandlePath(r.method, r.pattern, s.instrument(r.name, r.h)); err != nil {
			return fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	if s.deps.Stream != nil {
		s.router.Handle("/ws", s.deps.Stream).Methods("GET")
	}
	if s.deps.Health != nil {
		s.router.HandleFunc("/healthz", s.deps.Health.LivenessHandler).Methods("GET")
		s.router.HandleFunc("/readyz", s.deps.Health.ReadinessHandler).Methods("GET")
	}
	if s.deps.Registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})).Methods("GET")
	}
	s.router.PathPrefix("/").Handler(s.gateway)
	s.router.Use(s.recoverer, corsMiddleware)
	return nil
}

// Run serves on cfg.Addr until ctx is cancelled.
func (s *HTTPServer) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- Middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.log.Error().Interface("panic", p).Str("path", r.URL.Path).Msg("handler panic")
				writeError(w, apperr.New(apperr.CodeInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
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

func (s *HTTPServer) instrument(route string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)
		if m := s.deps.Metrics; m != nil {
			m.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			m.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	}
}

// --- Responses ---

// ErrorBody is the error envelope of every failed request.
type ErrorBody struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeRateLimited is returned with 429 when a trader exceeds the limiter.
const CodeRateLimited = "RateLimited"

// StatusFor maps an error code to its HTTP status.
func StatusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidOrderParameters, apperr.CodeOrderExpired:
		return http.StatusBadRequest
	case apperr.CodeInvalidSignature:
		return http.StatusUnauthorized
	case apperr.CodeNonceMismatch:
		return http.StatusConflict
	case apperr.CodeInsufficientMargin, apperr.CodeLiquidationShortfall:
		return http.StatusUnprocessableEntity
	case apperr.CodeMarketInactive, apperr.CodeOrderNotFound:
		return http.StatusNotFound
	case apperr.CodeSettlementTxFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	msg := err.Error()
	if code == apperr.CodeInternal {
		msg = "internal error"
	}
	writeJSON(w, StatusFor(code), ErrorBody{Error: ErrorDetail{Code: string(code), Message: msg}})
}

func writeRateLimited(w http.ResponseWriter) {
	writeJSON(w, http.StatusTooManyRequests, ErrorBody{Error: ErrorDetail{
		Code:    CodeRateLimited,
		Message: "too many orders, slow down",
	}})
}
