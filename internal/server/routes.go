package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Routes returns the HTTP handler with all application routes.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.HealthHandler)
	r.Get("/healthz", s.HealthHandler)
	r.Get("/ws", s.WebSocketHandler)
	r.Get("/test", s.TestPageHandler)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
		api.Get("/rooms", s.RoomsHandler)
		api.Group(func(pr chi.Router) {
			pr.Use(s.requireToken)
			pr.Get("/presence", s.PresenceHandler)
		})
	})
	return r
}
