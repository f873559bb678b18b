package engine

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the host's HTTP API. Health endpoints are
// unauthenticated; everything else requires token when it is set.
func NewRouter(h *Host, token string) chi.Router {
	hd := &handler{host: h}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", hd.ready)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(token))
		r.Get("/status", hd.status)
		r.Get("/tiddlers", hd.listTiddlers)
		r.Get("/tiddlers/*", hd.getTiddler)
		r.Put("/tiddlers/*", hd.putTiddler)
		r.Delete("/tiddlers/*", hd.deleteTiddler)
		r.Get("/events", h.broker.ServeHTTP)
	})
	return r
}
