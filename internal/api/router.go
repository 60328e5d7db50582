package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// NewRouter wires the pattern handler behind CORS.
func NewRouter(h *PatternHandler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", h.Health)

	r.Route("/api/patterns/{patternID}", func(r chi.Router) {
		r.Put("/", h.PutPattern)
		r.Get("/", h.GetPattern)
		r.Delete("/", h.DeletePattern)
		r.Post("/load", h.LoadPattern)
		r.Patch("/settings", h.PatchSettings)
		r.Post("/edits", h.PostEdit)
		r.Post("/undo", h.PostUndo)
	})
	return r
}
