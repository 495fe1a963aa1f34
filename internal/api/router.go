package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires all routes. Ingress and counters sit behind the API key;
// the pixel, the webhook and the health check stay public because mail
// clients and the provider cannot send custom headers.
func NewRouter(h *Handlers, apiKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "x-api-key"},
		MaxAge:         300,
	}))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(APIKeyAuth(apiKey))
		r.Post("/v1/messages", h.HandleCreateMessages)
		r.Get("/v1/topics/{topicID}", h.HandleTopicCounts)
		r.Get("/v1/events/counts/sent", h.HandleSentCount)
	})

	// Public routes
	r.Get("/v1/events/open", h.HandleOpenEvent)
	r.Post("/v1/events/results", h.HandleResultEvent)
	r.Get("/health", h.HandleHealth)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "not found")
	})

	return r
}
