package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Router builds the chi router serving the admin API
func Router(handlers *AdminHandlers) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(handlers.secret))

	r.Get("/stats", handlers.handleStats)
	r.Get("/watermark", handlers.handleWatermark)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", handlers.handleListSessions)
		r.Get("/{procID}", handlers.withSession(handlers.handleGetSession))
		r.Get("/{procID}/stack", handlers.withSession(handlers.handleSessionStack))
	})

	r.Route("/databases", func(r chi.Router) {
		r.Get("/", handlers.handleListDatabases)
		r.Post("/", handlers.handleAttachDatabase)
		r.Delete("/{dbid}", handlers.withDBID(handlers.handleDetachDatabase))
		r.Put("/{dbid}/cache-priority", handlers.withDBID(handlers.handleSetDatabaseCachePriority))
	})

	return r
}

// RegisterRoutes mounts the admin API under /admin
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := Router(handlers)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Bool("auth", handlers.secret != "").Msg("Admin endpoints enabled at /admin/*")
}
