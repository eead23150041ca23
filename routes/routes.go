package routes

import (
	"net/http"
	"time"

	"github.com/elizaOS/milaidy-sub002/app"
	"github.com/elizaOS/milaidy-sub002/handlers"
	appmiddleware "github.com/elizaOS/milaidy-sub002/middleware"
	"github.com/elizaOS/milaidy-sub002/utils"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()
	logger := deps.Logger

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appmiddleware.Logger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", appmiddleware.UserIDHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(deps.Coordinator.QueueDepth, logger)
	for name, check := range deps.HealthChecks() {
		health.AddCheck(name, check)
	}
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	if deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	identity := appmiddleware.NewIdentity(logger)
	submissions := handlers.NewSubmissionHandler(deps.Coordinator, logger)
	jobs := handlers.NewJobHandler(deps.Coordinator, deps.Tenants, logger)
	auditLog := handlers.NewAuditHandler(deps.Coordinator, deps.Tenants, logger)
	users := handlers.NewUserHandler(deps.Tenants, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(identity.RequireUser)

		r.Post("/submissions", submissions.HandleSubmit)

		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", jobs.HandleGet)
			r.Post("/confirm", jobs.HandleConfirm)
			r.Post("/cancel", jobs.HandleCancel)
		})

		r.Get("/audit", auditLog.HandleQuery)

		r.Route("/users", func(r chi.Router) {
			r.Post("/", users.HandleCreate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", users.HandleGet)
				r.Put("/enabled", users.HandleSetEnabled)
				r.Get("/settings", users.HandleGetSettings)
				r.Put("/polymarket", users.HandleUpdatePolymarket)
				r.Put("/rate-limit", users.HandleUpdateRateLimit)
				r.Put("/integrations/{name}", users.HandleUpdateIntegration)
				r.Post("/integrations/{name}/secret-rotated", users.HandleSecretRotated)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
