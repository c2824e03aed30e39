package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/launchbay/engine/internal/api/handlers"
	mw "github.com/launchbay/engine/internal/api/middleware"
)

// Dependencies carries the constructed handlers into the router.
type Dependencies struct {
	Health *handlers.HealthHandler
	Deploy *handlers.DeployHandler
	Repair *handlers.RepairHandler
	Ops    *handlers.OpsHandler
	WS     *handlers.WSHandler

	HMACSecret    []byte
	AllowedOrigin string
}

// NewRouter assembles the HTTP surface: probes, the websocket event stream,
// and the authenticated control API.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS(deps.AllowedOrigin))
	r.Use(mw.RateLimit(10, 20))
	r.Use(chimid.Compress(5))

	r.Get("/healthz", deps.Health.Liveness)
	r.Get("/readyz", deps.Health.Readiness)

	// The websocket handler authenticates after the upgrade so it can answer
	// with a close frame; it does not sit behind mw.Auth.
	r.Get("/ws", deps.WS.Serve)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(mw.Auth(deps.HMACSecret))

		api.Route("/services/{serviceID}", func(sr chi.Router) {
			sr.Get("/deployments", deps.Deploy.List)
			sr.Get("/deployments/latest", deps.Deploy.Latest)
			sr.Post("/deployments", deps.Deploy.Trigger)
			sr.Post("/scale", deps.Deploy.Scale)
		})

		api.Route("/deployments/{deploymentID}", func(dr chi.Router) {
			dr.Get("/", deps.Deploy.Get)
			dr.Get("/logs", deps.Deploy.Logs)
			dr.Post("/repair", deps.Repair.Start)
		})

		api.Route("/repair-sessions/{sessionID}", func(rr chi.Router) {
			rr.Get("/", deps.Repair.Get)
			rr.Post("/cancel", deps.Repair.Cancel)
			rr.Post("/rollback", deps.Repair.Rollback)
		})

		api.Route("/ops", func(or chi.Router) {
			or.Get("/cluster-health", deps.Ops.ClusterHealth)
			or.Post("/reconcile", deps.Ops.Reconcile)
			or.Get("/hub-stats", deps.Ops.HubStats)
		})
	})

	return r
}
