package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/numera-io/numera/internal/auth"
	"github.com/numera-io/numera/internal/notify"
	"github.com/numera-io/numera/internal/realtime"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct.
type RouterConfig struct {
	Hub      *realtime.Hub
	Notifier *notify.Service
	JWT      *auth.JWTManager
	Logger   *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router.
// JSON endpoints live under /api/v1; /metrics and /healthz are unversioned
// because they are consumed by scrapers and load balancers, not clients.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	wsHandler := NewWSHandler(cfg.Hub, cfg.JWT, cfg.Logger)
	realtimeHandler := NewRealtimeHandler(cfg.Hub, cfg.Notifier, cfg.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// The upgrade endpoint authenticates via query parameter inside the
		// handler (browsers cannot set headers on WebSocket connections),
		// so it sits outside the Bearer middleware.
		r.Get("/ws", wsHandler.ServeWS)

		// --- Authenticated routes (valid Bearer JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.JWT))

			r.Get("/realtime/stats", realtimeHandler.Stats)

			// --- Admin-only routes ---
			r.Group(func(r chi.Router) {
				r.Use(RequireRole("admin"))

				r.Post("/admin/announce", realtimeHandler.Announce)
			})
		})
	})

	return r
}
