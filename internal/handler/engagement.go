package handler

import (
	"net/http"

	"github.com/xenking/shopfront/pkg/httpmiddleware"
)

// Sweep runs one engagement sweep on behalf of an external scheduler.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeCron(r) {
		httpmiddleware.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	report, err := h.deps.Sweeper.Sweep(r.Context())
	if err != nil {
		internalError(w, r, "Engagement sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
