package api

import (
	"net/http"

	"updatehub/services/audit"
)

func (a *API) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	entries, err := a.store.Audit.Export(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"events": entries})
}

func (a *API) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	entries, err := a.store.Audit.Export(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	result := map[string]any{
		"events": len(entries),
		"valid":  true,
	}
	if err := audit.VerifyChain(entries); err != nil {
		result["valid"] = false
		result["error"] = err.Error()
	}

	respondJSON(w, http.StatusOK, result)
}
