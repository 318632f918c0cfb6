// Package server exposes the ledger over HTTP behind the gateway's HMAC
// authentication.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rampledger/internal/config"
	"rampledger/internal/hmacauth"
	"rampledger/internal/idempotency"
	"rampledger/internal/keyregistry"
	"rampledger/internal/ledger"
)

const (
	callerHeader      = "X-Caller-Address"
	idempotencyHeader = "X-Idempotency-Key"
	requestIDHeader   = "X-Request-Id"
)

// HealthCheck pings one backing service.
type HealthCheck func(context.Context) error

type Options struct {
	Config *config.AppConfig
	Ledger *ledger.Ledger
	Keys   *keyregistry.Registry
	Store  idempotency.Store
	Log    *logrus.Logger
	// Checks are reported by /health under their map key.
	Checks map[string]HealthCheck
}

type Server struct {
	cfg        *config.AppConfig
	ledger     *ledger.Ledger
	keys       *keyregistry.Registry
	store      idempotency.Store
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	router     chi.Router
	metrics    *metricsRegistry
	rejections *rejectionLog
	checks     map[string]HealthCheck
	log        *logrus.Logger

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func NewServer(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg := opts.Config

	s := &Server{
		cfg:    cfg,
		ledger: opts.Ledger,
		keys:   opts.Keys,
		store:  opts.Store,
		hmac: &hmacauth.Verifier{
			Secret:       cfg.Service.HMACSecret,
			Disabled:     cfg.Service.HMACDisabled,
			MaxSkew:      cfg.Service.HMACClockSkew,
			BoundHeaders: []string{callerHeader},
			Log:          log,
		},
		metrics:    newMetricsRegistry(),
		rejections: &rejectionLog{dir: cfg.Service.RejectionLogPath, log: log},
		checks:     opts.Checks,
		log:        log,
		inflight:   make(map[string]struct{}),
	}
	if s.store == nil {
		s.store = idempotency.NewMemoryStore()
	}
	if cfg.Service.HMACDisabled {
		log.Warn("request signing disabled: the caller header is trusted as sent")
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware, middleware.Recoverer, s.accessLog)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Handle("/metrics", s.metrics.handler())

		api.Group(func(authed chi.Router) {
			authed.Use(s.hmac.Middleware, requireCaller)

			authed.Get("/accounts/{address}", s.handleGetAccount)
			authed.Get("/balances/{address}", s.handleBalance)
			authed.Get("/deposits", s.handleListDeposits)
			authed.Get("/deposits/{id}", s.handleGetDeposit)
			authed.Get("/intents/{id}", s.handleGetIntent)
			authed.Get("/params", s.handleGetParams)

			authed.Group(func(w chi.Router) {
				w.Use(s.idempotent)

				w.Post("/accounts", s.handleRegister)
				w.Post("/accounts/denylist", s.handleDenylistAdd)
				w.Delete("/accounts/denylist/{identity}", s.handleDenylistRemove)

				w.Post("/deposits", s.handleCreateDeposit)
				w.Post("/deposits/withdraw", s.handleWithdrawBatch)
				w.Post("/deposits/{id}/withdraw", s.handleWithdraw)

				w.Post("/intents", s.handleSignalIntent)
				w.Post("/intents/{id}/cancel", s.handleCancelIntent)
				w.Post("/intents/{id}/fulfill", s.handleFulfill)
				w.Post("/intents/{id}/release", s.handleRelease)

				w.Put("/admin/params", s.handleUpdateParams)
				w.Post("/admin/keys", s.handleAddKey)
				w.Delete("/admin/keys/{provider}/{hash}", s.handleRemoveKey)
				w.Post("/admin/credit", s.handleCredit)
				w.Post("/admin/accounts/{address}/reset", s.handleResetIdentity)
			})
			authed.Get("/admin/keys/{provider}", s.handleListKeys)
		})
	})
	s.router = r

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.metrics.setRejectionLogDepth(s.rejections.depth())
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type ctxKey int

const callerKey ctxKey = iota

// requireCaller reads the principal asserted by the gateway. The HMAC
// middleware has already bound it to the signature.
func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(callerHeader)
		if !common.IsHexAddress(raw) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing or invalid " + callerHeader})
			return
		}
		ctx := context.WithValue(r.Context(), callerKey, common.HexToAddress(raw))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFrom(r *http.Request) common.Address {
	addr, _ := r.Context().Value(callerKey).(common.Address)
	return addr
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(start)
		s.metrics.observe(route, r.Method, elapsed.Seconds())
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"route":       route,
			"status":      ww.Status(),
			"duration_ms": elapsed.Milliseconds(),
			"request_id":  r.Header.Get(requestIDHeader),
		}).Debug("request")
	})
}

type checkResult struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	results := make(map[string]checkResult, len(s.checks))
	for name, check := range s.checks {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := check(checkCtx)
		cancel()
		if err != nil {
			results[name] = checkResult{Error: err.Error()}
			overallHealthy = false
			continue
		}
		results[name] = checkResult{
			Connected: true,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		}
	}

	depth := s.rejections.depth()
	s.metrics.setRejectionLogDepth(depth)

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}
	resp := struct {
		Status            string                 `json:"status"`
		Checks            map[string]checkResult `json:"checks"`
		RejectionLogDepth int                    `json:"rejection_log_depth"`
	}{
		Status:            status,
		Checks:            results,
		RejectionLogDepth: depth,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
