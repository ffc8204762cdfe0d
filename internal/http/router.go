package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/micro-ha/indego-sync/internal/http/handlers"
)

// NewRouter builds the HTTP routing tree of the mower API.
func NewRouter(api *handlers.API) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RecoverJSON(api))
	r.Use(StripIngressPrefix)
	r.Use(RequestLogger(api))

	r.Get("/healthz", api.Health)
	r.Get("/api/ws", api.Stream)

	r.Group(func(timed chi.Router) {
		timed.Use(middleware.Timeout(90 * time.Second))
		timed.Route("/api/mowers", func(mowers chi.Router) {
			mowers.Get("/", api.ListMowers)
			mowers.Route("/{serial}", func(m chi.Router) {
				m.Get("/state", func(w http.ResponseWriter, r *http.Request) {
					api.GetState(w, r, chi.URLParam(r, "serial"))
				})
				m.Get("/resources/{key}", func(w http.ResponseWriter, r *http.Request) {
					api.GetResource(w, r, chi.URLParam(r, "serial"), chi.URLParam(r, "key"))
				})
				m.Post("/command", func(w http.ResponseWriter, r *http.Request) {
					api.SendCommand(w, r, chi.URLParam(r, "serial"))
				})
				m.Put("/mow-mode", func(w http.ResponseWriter, r *http.Request) {
					api.SetMowMode(w, r, chi.URLParam(r, "serial"))
				})
				m.Delete("/alerts", func(w http.ResponseWriter, r *http.Request) {
					api.DeleteAllAlerts(w, r, chi.URLParam(r, "serial"))
				})
				m.Put("/alerts/read", func(w http.ResponseWriter, r *http.Request) {
					api.MarkAllAlertsRead(w, r, chi.URLParam(r, "serial"))
				})
				m.Delete("/alerts/{index}", func(w http.ResponseWriter, r *http.Request) {
					api.DeleteAlert(w, r, chi.URLParam(r, "serial"), chi.URLParam(r, "index"))
				})
				m.Put("/alerts/{index}/read", func(w http.ResponseWriter, r *http.Request) {
					api.MarkAlertRead(w, r, chi.URLParam(r, "serial"), chi.URLParam(r, "index"))
				})
				m.Get("/map", func(w http.ResponseWriter, r *http.Request) {
					api.Map(w, r, chi.URLParam(r, "serial"))
				})
				m.Post("/refresh", func(w http.ResponseWriter, r *http.Request) {
					api.Refresh(w, r, chi.URLParam(r, "serial"))
				})
				m.Get("/diagnostics", func(w http.ResponseWriter, r *http.Request) {
					api.Diagnostics(w, r, chi.URLParam(r, "serial"))
				})
				m.Get("/history", func(w http.ResponseWriter, r *http.Request) {
					api.History(w, r, chi.URLParam(r, "serial"))
				})
			})
		})
	})
	return r
}
