/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. AccessLog:  zerolog line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. RateLimit:  Token bucket per client IP (429 + Retry-After)
  6. CORS:       Cross-origin requests for the ops console

ROUTE GROUPS:
  /healthz                 Liveness
  /api/providers/*         Availability, slots, provider calendars
  /api/reservations/*      Booking lifecycle
  /api/escalations         Overdue work
  /api/entities/*          Tracked entity status feed
  /api/parties/*           Identity directory
  /api/scenarios/*         Demo scenarios (only when Scenarios is set;
                           never in production)

SECURITY NOTE:
  No authentication middleware. Actor headers are trusted; put the
  service behind a gateway that sets them.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

type RouterOptions struct {
	Logger      zerolog.Logger
	CORSOrigins []string
	RateLimit   RateLimitConfig

	// Scenarios mounts /api/scenarios. Loading one wipes the store.
	Scenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(RateLimit(opts.RateLimit, opts.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", headerActorID, headerActorRole},
		ExposedHeaders:   []string{"Retry-After", middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Provider routes
		r.Route("/providers/{id}", func(r chi.Router) {
			r.Get("/availability", h.GetAvailability)
			r.Put("/availability", h.SetAvailability)
			r.Get("/slots", h.ListSlots)
			r.Get("/reservations", h.ListProviderReservations)
		})

		// Reservation routes
		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", h.Book)
			r.Get("/{id}", h.GetReservation)
			r.Post("/{id}/cancel", h.CancelReservation)
			r.Post("/{id}/reschedule", h.RescheduleReservation)
			r.Post("/{id}/complete", h.CompleteReservation)
			r.Post("/{id}/no-show", h.NoShowReservation)
		})

		// Escalation routes
		r.Get("/escalations", h.ListEscalations)
		r.Get("/entities/{type}/{id}", h.GetEntity)
		r.Put("/entities/{type}/{id}", h.TrackEntity)
		r.Put("/parties/{id}", h.UpsertParty)

		// Scenario routes
		if opts.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		}
	})

	return r
}
