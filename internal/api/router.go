package api

import (
	"net/http"
	"time"

	"lifecycle-engine/internal/common/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter registers the webhook, ops and health routes.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if h.Limiter != nil {
			r.Use(h.Limiter.Handler)
		}
		r.Post("/webhook", h.handleWebhook)
	})

	r.Route("/ops", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"https://*", "http://*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
		r.Get("/stats", h.handleStats)
		r.Get("/urgent", h.handleUrgent)
		r.Get("/alerts", h.handleAlerts)
		r.Get("/handlers", h.handleCatalog)
		r.Post("/health-check", h.handleHealthCheck)
		r.Post("/restart/{component}", h.handleRestart)
		r.Post("/sweep", h.handleSweep)
		r.Post("/reconcile", h.handleReconcile)
	})

	return r
}

func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request", map[string]interface{}{
				"method":    r.Method,
				"path":      r.URL.Path,
				"status":    ww.Status(),
				"bytes":     ww.BytesWritten(),
				"duration":  time.Since(start).String(),
				"requestId": middleware.GetReqID(r.Context()),
			})
		})
	}
}
