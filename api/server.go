/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the ops dashboard
  5. metrics:    Per-route request counters and latency

ROUTE GROUPS:
  /api/partners/*        Partner lifecycle, balances, disbursements, SMS
  /api/collections/*     Inbound payment webhooks and manual allocation
  /api/disbursements/*   Upstream callbacks and resubmission
  /api/admin/*           Manual adjustments
  /api/reconciliation/*  Drift audit runs
  /api/sms/*             Delivery report webhook
  /metrics               Prometheus exposition
  /healthz               Liveness probe

SECURITY NOTE:
  No authentication middleware currently. Webhook endpoints must sit
  behind the gateway IP allowlist at the edge.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	if h.Metrics != nil {
		r.Use(requestMetrics(h))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Partner routes
		r.Route("/partners", func(r chi.Router) {
			r.Get("/", h.ListPartners)
			r.Post("/", h.CreatePartner)
			r.Get("/{id}", h.GetPartner)
			r.Delete("/{id}", h.DeactivatePartner)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/disbursements", h.ListDisbursements)
			r.Post("/{id}/disbursements", h.SubmitDisbursement)
			r.Post("/{id}/sms", h.SendSMS)
			r.Post("/{id}/stkpush", h.InitiateSTKPush)
		})

		// Collection routes (webhooks + manual allocation)
		r.Route("/collections", func(r chi.Router) {
			r.Post("/mobile-money", h.MobileMoneyCollection)
			r.Post("/bank", h.BankCollection)
			r.Get("/unallocated", h.ListUnallocatedCollections)
			r.Post("/{id}/allocate", h.AllocateCollection)
		})

		// Disbursement routes (upstream-facing)
		r.Route("/disbursements", func(r chi.Router) {
			r.Post("/callback", h.DisbursementCallback)
			r.Post("/{id}/resubmit", h.ResubmitDisbursement)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/adjustments", h.CreateAdjustment)
		})

		// Reconciliation routes
		r.Route("/reconciliation", func(r chi.Router) {
			r.Get("/runs", h.ListReconciliationRuns)
			r.Post("/process", h.TriggerReconciliation)
		})

		// SMS delivery report webhook
		r.Post("/sms/delivery", h.SMSDeliveryReport)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if h.Metrics != nil {
		registry := prometheus.NewRegistry()
		if err := h.Metrics.Register(registry); err == nil {
			r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		}
	}

	return r
}

// requestMetrics records count and latency per route pattern. Using the
// chi pattern instead of the raw path keeps label cardinality bounded.
func requestMetrics(h *Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			h.Metrics.RecordHTTP(route, strconv.Itoa(ww.Status()), time.Since(start))
		})
	}
}
