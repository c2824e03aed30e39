package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/launchbay/engine/internal/hub"
	"github.com/launchbay/engine/internal/reconcile"
	appErr "github.com/launchbay/engine/pkg/errors"
)

// OpsHandler exposes operator endpoints for cluster drift and hub state.
type OpsHandler struct {
	reconciler *reconcile.Reconciler
	hub        *hub.Hub
}

func NewOpsHandler(reconciler *reconcile.Reconciler, h *hub.Hub) *OpsHandler {
	return &OpsHandler{reconciler: reconciler, hub: h}
}

// ClusterHealth reports the diff between the project roster and the
// cluster's managed namespaces.
func (h *OpsHandler) ClusterHealth(w http.ResponseWriter, r *http.Request) {
	status, err := h.reconciler.GetHealthStatus(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// Reconcile runs a drift sweep on demand. The body selects what to repair;
// an empty body performs a dry run.
func (h *OpsHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	opts := reconcile.DefaultOptions()
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			respondError(w, appErr.Wrap(err, appErr.CodeInvalid, "malformed reconcile options"))
			return
		}
	}

	result, err := h.reconciler.Reconcile(r.Context(), opts)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// HubStats reports live websocket connection and subscription counts.
func (h *OpsHandler) HubStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.hub.Stats())
}
