/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy (rate limiting)
  3. Logger:     zap request log
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request counters
  6. CORS:       Cross-origin requests for the mobile web client

ROUTE GROUPS:
  /api/auth/*           Signup / login, rate limited per client IP
  /api/me/*             Bearer token required
  /api/catalog, /rules  Public, read only
  /api/webhooks/*       HMAC signed, no token
  /metrics              Prometheus
  /healthz              Liveness + database ping

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token and rate limit middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type RouterOptions struct {
	AllowedOrigins []string
	// AuthPerMinute limits signup/login attempts per client IP.
	AuthPerMinute int
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if opts.AuthPerMinute <= 0 {
		opts.AuthPerMinute = 20
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(h.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Use(RateLimit(opts.AuthPerMinute))
			r.Post("/signup", h.Signup)
			r.Post("/login", h.Login)
		})

		r.Get("/catalog", h.ListCatalog)
		r.Get("/rules", h.ListRules)
		r.Post("/webhooks/payments", h.PaymentWebhook)

		r.Route("/me", func(r chi.Router) {
			r.Use(Authenticator(h.Tokens))
			r.Get("/", h.GetMe)
			r.Put("/archetype", h.SetArchetype)
			r.Get("/balance", h.GetBalance)
			r.Get("/balance/at", h.GetBalanceAt)
			r.Get("/balance/verify", h.VerifyBalance)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/activities", h.CompleteActivity)
			r.Post("/purchases", h.Purchase)
			r.Get("/entitlements", h.ListEntitlements)
			r.Get("/entitlements/{feature}", h.GetEntitlement)
			r.Get("/badges", h.ListBadges)
			r.Post("/badges/evaluate", h.EvaluateBadges)
			r.Get("/guidance/today", h.TodayGuidance)
		})
	})

	return r
}

// requestLogger writes one structured line per request.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote", r.RemoteAddr))
		})
	}
}
