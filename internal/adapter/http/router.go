package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter assembles the REST surface. Read-only routes (list,
// inspect, logs, events) are open; every mutating route sits behind the
// shared admin credential. The webhook authenticates with its own HMAC
// signature instead.
func NewRouter(
	buildH *BuildHandler,
	webhookH *WebhookHandler,
	eventsH *EventsHandler,
	adminUser, adminPassword string,
) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(tracingMiddleware)
	r.Use(loggingMiddleware)
	r.Use(bodySizeLimitMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", buildH.Status)
		r.Get("/repos", buildH.Repos)
		r.Get("/build-events", eventsH.Stream)

		r.Get("/builds", buildH.List)
		r.Get("/builds/{name}", buildH.Get)
		r.Get("/builds/{name}/init-log", buildH.InitLog)
		r.Get("/builds/{name}/log", buildH.Log)

		r.Post("/webhooks/github", webhookH.Receive)

		// Mutating routes.
		r.Group(func(r chi.Router) {
			r.Use(adminAuthMiddleware(adminUser, adminPassword))
			r.Post("/builds", buildH.Deploy)
			r.Delete("/builds", buildH.UndeployAll)
			r.Post("/builds/trigger/branch", buildH.TriggerBranch)
			r.Post("/builds/trigger/pr", buildH.TriggerPull)
			r.Post("/builds/{name}/start", buildH.Start)
			r.Post("/builds/{name}/stop", buildH.Stop)
			r.Post("/builds/{name}/reset", buildH.Reset)
			r.Post("/builds/{name}/undeploy", buildH.Undeploy)
			r.Delete("/builds/{name}", buildH.Undeploy)
		})
	})

	return r
}
