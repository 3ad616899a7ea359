// SPDX-License-Identifier: MIT

// Package api is the operator HTTP surface: campaign lifecycle commands,
// contact ingestion, progress, the carrier webhook receiver and the Redis
// maintenance endpoints.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/voicelane/dialcore/internal/config"
	"github.com/voicelane/dialcore/internal/lease"
	"github.com/voicelane/dialcore/internal/lifecycle"
	"github.com/voicelane/dialcore/internal/log"
	"github.com/voicelane/dialcore/internal/metrics"
	"github.com/voicelane/dialcore/internal/signal"
	"github.com/voicelane/dialcore/internal/store"
)

// Server is the operator API server.
type Server struct {
	manager *lifecycle.Manager
	durable store.Store
	leases  *lease.Store
	bus     signal.Bus
	cfg     *config.Config
	logger  zerolog.Logger
}

// NewServer wires the operator API.
func NewServer(manager *lifecycle.Manager, durable store.Store, leases *lease.Store, bus signal.Bus, cfg *config.Config) *Server {
	return &Server{
		manager: manager,
		durable: durable,
		leases:  leases,
		bus:     bus,
		cfg:     cfg,
		logger:  log.WithComponent("api"),
	}
}

// Router builds the chi router with the canonical middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.cfg.RateLimitRPS > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RateLimitRPS, time.Second))
	}
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", s.handleCreateCampaign)
		r.Route("/{campaignID}", func(r chi.Router) {
			r.Get("/", s.handleGetCampaign)
			r.Post("/start", s.handleStart)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/cancel", s.handleCancel)
			r.Put("/limit", s.handleUpdateLimit)
			r.Post("/contacts", s.handleAddContacts)
			r.Get("/progress", s.handleProgress)
		})
	})

	r.Route("/maintenance", func(r chi.Router) {
		r.Get("/redis-state/{campaignID}", s.handleRedisState)
		r.Post("/cleanup-slots/{campaignID}", s.handleCleanupSlots)
	})

	r.Post("/webhooks/carrier", s.handleCarrierWebhook)

	return otelhttp.NewHandler(r, "dialcore.api")
}

// observe records request latency per route pattern and emits the access log.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.HTTPRequestDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).
			Observe(elapsed.Seconds())
		s.logger.Info().
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.leases.Client().Ping(ctx).Err(); err != nil {
		writeError(w, http.StatusServiceUnavailable, codeInternal, "redis unavailable")
		return
	}
	if err := s.durable.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, codeInternal, "store unavailable")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ready"})
}
