/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. requestLogger: slog request logging with status and duration
  4. metrics:    Prometheus request counters and latency histogram
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/events/*    Event lifecycle, roster, categories, ledger, settlement
  /api/deposits/*  Deposit confirmation
  /api/wallet/*    Gateway passthrough
  /metrics         Prometheus scrape endpoint
  /healthz         Liveness probe

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor-ID"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/", h.CreateEvent)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetEvent)
				r.Delete("/", h.DeleteEvent)

				r.Post("/join", h.JoinEvent)
				r.Get("/participants", h.ListParticipants)
				r.Delete("/participants/{userID}", h.RemoveParticipant)
				r.Put("/participants/{userID}/role", h.ChangeRole)

				r.Get("/categories", h.ListCategories)
				r.Post("/categories", h.CreateCategory)
				r.Put("/categories/{categoryID}", h.UpdateCategory)
				r.Delete("/categories/{categoryID}", h.DeleteCategory)

				r.Get("/deposits", h.ListDeposits)
				r.Post("/deposits", h.InitiateDeposit)

				r.Get("/payments", h.ListPayments)
				r.Post("/payments", h.RecordPayment)

				r.Get("/rule", h.GetRule)
				r.Put("/rule", h.UpdateRule)

				r.Get("/balances", h.GetBalances)

				r.Post("/settle", h.Settle)
				r.Post("/settle/retry", h.RetrySettlement)
				r.Get("/settlements", h.ListSettlements)
				r.Post("/refunds", h.IssueRefunds)
			})
		})

		r.Post("/deposits/{id}/confirm", h.ConfirmDeposit)

		r.Route("/wallet", func(r chi.Router) {
			r.Get("/balance", h.GetWalletBalance)
			r.Get("/ledger", h.GetWalletLedger)
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// requestLogger logs one line per request with status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
