package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/slotkeeper/telemetry"
	"github.com/rs/zerolog/log"
)

// Router builds the admin API router
func Router(handlers *AdminHandlers) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Route("/slots", func(r chi.Router) {
		r.Get("/", handlers.handleListSlots)
		r.Post("/", handlers.handleCreateSlot)
		r.Get("/{name}", handlers.handleGetSlot)
		r.Delete("/{name}", handlers.handleDropSlot)
		r.Post("/{name}/confirm", handlers.handleConfirmSlot)
	})

	r.Route("/horizon", func(r chi.Router) {
		r.Get("/", handlers.handleHorizon)
		r.Post("/catalog-xmin", handlers.handleApplyCatalogXmin)
		r.Post("/promote", handlers.handlePromote)
	})

	r.Route("/wal", func(r chi.Router) {
		r.Post("/transactions", handlers.handleIngestTransaction)
		r.Post("/messages", handlers.handleLogMessage)
		r.Post("/message-prefixes", handlers.handleRegisterPrefix)
		r.Delete("/message-prefixes/{prefix}", handlers.handleUnregisterPrefix)
		r.Post("/replay", handlers.handleReplay)
	})

	r.Get("/publishers", handlers.handlePublishers)

	return r
}

// RegisterRoutes mounts the admin API under /admin and metrics at /metrics
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := Router(handlers)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))
	if h := telemetry.GetMetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
