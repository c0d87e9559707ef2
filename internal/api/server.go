// Package api wires the HTTP router: middleware, routes and docs.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/malitadji/fuelwatch/internal/api/handler"
	"github.com/malitadji/fuelwatch/internal/api/openapi"
	"github.com/malitadji/fuelwatch/internal/config"
)

// NewRouter creates and configures the Chi router with all middleware and routes.
func NewRouter(h *handler.Handler, cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()

	// --- Middleware stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TimingMiddleware)
	r.Use(middleware.Compress(5)) // gzip

	// CORS
	c := corslib.New(corslib.Options{
		AllowedOrigins:   cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Encoding", "Content-Type", "If-None-Match", "Cache-Control", "X-DEVICE-ID"},
		ExposedHeaders:   []string{"X-Process-Time", "X-Cache", "ETag"},
		AllowCredentials: false,
	})
	r.Use(c.Handler)

	// Rate limiting
	if cfg.RateLimitEnabled {
		r.Use(RateLimitMiddleware(cfg.RateLimitRequests, cfg.RateLimitWindow))
	}

	// --- Routes ---

	// Root
	r.Get("/", h.Root)

	// Health checks
	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.HealthCheck)
		r.Get("/db", h.HealthCheckDB)
		r.Get("/cache", h.HealthCheckCache)
	})

	// Swagger UI over the embedded OpenAPI document.
	r.Get("/docs/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.Write(openapi.YAML)
	})
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/docs/openapi.yaml"),
	))

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Stock
		r.Post("/stations/{stationID}/stock", h.UpdateStock)
		r.Get("/stations/{stationID}/stock", h.GetStock)
		r.Get("/stations/{stationID}/stock/history", h.GetStockHistory)

		// Devices & follows
		r.Post("/devices/register", h.RegisterDevice)
		r.Get("/devices/follows", h.ListFollows)
		r.Post("/stations/{stationID}/follow", h.FollowStation)
		r.Post("/stations/{stationID}/unfollow", h.UnfollowStation)

		// In-app notifications
		r.Get("/users/{userID}/notifications", h.ListNotifications)
	})

	return r
}
