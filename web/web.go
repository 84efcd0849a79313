// Package web exposes the accounting core over HTTP. The surface splits
// in three: the /v1 API consumed by product backends, the /admin API for
// operators, and the payment webhook endpoint.
package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/credmeter/adapters/metrics"
	"github.com/artpar/credmeter/app"
	"github.com/artpar/credmeter/domain/credit"
	"github.com/artpar/credmeter/domain/entitlement"
	"github.com/artpar/credmeter/domain/job"
	"github.com/artpar/credmeter/domain/quota"
	"github.com/artpar/credmeter/ports"
)

// Handler provides all HTTP endpoints.
type Handler struct {
	credits  *app.CreditService
	quotas   *app.QuotaService
	access   *app.AccessService
	charges  *app.ChargeService
	refunds  *app.RefundService
	subs     *app.SubscriptionService
	allows   *app.AllowanceService
	payments *app.PaymentService
	usage    *app.UsageService
	users    ports.UserStore
	plans    ports.PlanStore
	jobs     ports.JobStore
	catalog  ports.ModelCatalog
	hasher   ports.Hasher
	idGen    ports.IDGenerator
	clock    ports.Clock
	metrics  *metrics.Collector
	logger   zerolog.Logger

	adminToken  string
	metricsPath string
}

// Deps contains dependencies for the HTTP handler.
type Deps struct {
	Credits  *app.CreditService
	Quotas   *app.QuotaService
	Access   *app.AccessService
	Charges  *app.ChargeService
	Refunds  *app.RefundService
	Subs     *app.SubscriptionService
	Allows   *app.AllowanceService
	Payments *app.PaymentService
	Usage    *app.UsageService
	Users    ports.UserStore
	Plans    ports.PlanStore
	Jobs     ports.JobStore
	Catalog  ports.ModelCatalog
	Hasher   ports.Hasher
	IDGen    ports.IDGenerator
	Clock    ports.Clock
	Metrics  *metrics.Collector // nil disables /metrics and request metrics
	Logger   zerolog.Logger

	AdminToken  string
	MetricsPath string
}

// NewHandler creates the HTTP handler.
func NewHandler(deps Deps) *Handler {
	path := deps.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	return &Handler{
		credits:     deps.Credits,
		quotas:      deps.Quotas,
		access:      deps.Access,
		charges:     deps.Charges,
		refunds:     deps.Refunds,
		subs:        deps.Subs,
		allows:      deps.Allows,
		payments:    deps.Payments,
		usage:       deps.Usage,
		users:       deps.Users,
		plans:       deps.Plans,
		jobs:        deps.Jobs,
		catalog:     deps.Catalog,
		hasher:      deps.Hasher,
		idGen:       deps.IDGen,
		clock:       deps.Clock,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		adminToken:  deps.AdminToken,
		metricsPath: path,
	}
}

// Router builds the route tree.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if h.metrics != nil {
		r.Use(h.metricsMiddleware)
	}

	r.Get("/healthz", h.Health)
	if h.metrics != nil {
		r.Handle(h.metricsPath, promhttp.Handler())
	}
	r.Post("/webhooks/payment", h.PaymentWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/users/{userID}/balance", h.GetBalance)
		r.Get("/users/{userID}/history", h.GetHistory)
		r.Get("/users/{userID}/quota", h.GetQuota)
		r.Get("/users/{userID}/allowance", h.GetAllowance)
		r.Get("/users/{userID}/subscription", h.GetSubscription)
		r.Get("/users/{userID}/usage", h.GetUsage)
		r.Get("/users/{userID}/usage/stats", h.GetUsageStats)
		r.Get("/users/{userID}/jobs", h.ListJobs)
		r.Get("/models", h.ListModels)

		r.Post("/resolve", h.ResolveAccess)
		r.Post("/charges", h.CreateCharge)
		r.Post("/jobs", h.StartJob)
		r.Get("/jobs/{jobID}", h.GetJob)
		r.Post("/jobs/{jobID}/outcome", h.ReportOutcome)
		r.Post("/jobs/{jobID}/refund", h.RefundJob)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Get("/users", h.ListUsers)
		r.Post("/users", h.CreateUser)
		r.Get("/users/{userID}", h.GetUser)
		r.Put("/users/{userID}", h.UpdateUser)

		r.Post("/users/{userID}/credits", h.GrantCredits)
		r.Post("/users/{userID}/allowance", h.GrantAllowance)
		r.Post("/users/{userID}/subscription", h.Subscribe)
		r.Delete("/users/{userID}/subscription", h.CancelSubscription)

		r.Get("/plans", h.ListPlans)
		r.Post("/plans", h.CreatePlan)
		r.Put("/plans/{id}", h.UpdatePlan)
	})

	return r
}

// Health reports process liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AuthMiddleware validates the admin bearer token.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin_disabled", "Admin API is not configured")
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != h.adminToken {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Valid admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Skip logging for health checks and metrics
		if r.URL.Path == "/healthz" || r.URL.Path == h.metricsPath {
			return
		}

		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		h.metrics.RequestsInFlight.Inc()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.metrics.RequestsInFlight.Dec()

		path := routePattern(r)
		status := strconv.Itoa(ww.Status())
		h.metrics.RequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		h.metrics.RequestDuration.WithLabelValues(r.Method, path, status).
			Observe(time.Since(start).Seconds())
	})
}

// routePattern returns the chi route template so metrics cardinality stays
// bounded (/v1/users/{userID}/balance, not one series per user).
func routePattern(r *http.Request) string {
	if ctx := chi.RouteContext(r.Context()); ctx != nil {
		if p := ctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// writeDomainError maps accounting errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var insufficientCredits *credit.InsufficientError
	var insufficientQuota *quota.InsufficientError
	var denied *entitlement.DeniedError
	var transition *job.TransitionError

	switch {
	case errors.As(err, &insufficientCredits):
		writeError(w, http.StatusPaymentRequired, "insufficient_credits", insufficientCredits.Error())
	case errors.As(err, &insufficientQuota):
		writeError(w, http.StatusTooManyRequests, "insufficient_quota", insufficientQuota.Error())
	case errors.As(err, &denied):
		writeError(w, http.StatusForbidden, "access_denied", denied.Error())
	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, "invalid_transition", transition.Error())
	case errors.Is(err, app.ErrAlreadySubscribed):
		writeError(w, http.StatusConflict, "already_subscribed", err.Error())
	case errors.Is(err, ports.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Record not found")
	case errors.Is(err, ports.ErrTxConflict):
		writeError(w, http.StatusServiceUnavailable, "conflict", "Too much contention, retry the request")
	default:
		h.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal error")
	}
}

func parseIntQuery(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
