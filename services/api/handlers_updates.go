package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"updatehub/services/archive"
	"updatehub/services/registry"
	"updatehub/services/update"
)

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind             string         `json:"kind"`
		Payload          map[string]any `json:"payload"`
		ComponentTargets []string       `json:"component_targets"`
		CreatedBy        string         `json:"created_by"`
		RiskLevel        string         `json:"risk_level"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	kind, err := update.ParseKind(req.Kind)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	risk, err := update.ParseRiskLevel(req.RiskLevel)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	id, err := a.store.Pipeline.Submit(r.Context(), update.Descriptor{
		Kind:             kind,
		Payload:          req.Payload,
		ComponentTargets: req.ComponentTargets,
		CreatedBy:        strings.TrimSpace(req.CreatedBy),
		RiskLevel:        risk,
		RequestedAt:      time.Now().UTC(),
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{"update_id": id})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid update id"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	rec, err := a.store.Registry.Get(ctx, id)
	if registry.IsNotFound(err) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseListQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	records, err := a.store.Registry.List(ctx, filter, page)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"updates": records})
}

func (a *API) handleApproval(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid update id"))
		return
	}

	var req struct {
		Action      string `json:"action"`
		ApprovalRef string `json:"approval_ref"`
		Reason      string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "resolve":
		if req.ApprovalRef == "" {
			respondError(w, http.StatusBadRequest, errors.New("approval_ref is required"))
			return
		}
		err = a.store.Pipeline.ResolveApproval(id, req.ApprovalRef)
	case "abort":
		if req.Reason == "" {
			req.Reason = "aborted via api"
		}
		err = a.store.Pipeline.AbortApproval(id, req.Reason)
	default:
		respondError(w, http.StatusBadRequest, errors.New(`action must be "resolve" or "abort"`))
		return
	}
	if err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}

	respondJSON(w, http.StatusNoContent, nil)
}

func (a *API) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid update id"))
		return
	}

	var req struct {
		RequestedBy string `json:"requested_by"`
		Reason      string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.RequestedBy) == "" {
		respondError(w, http.StatusBadRequest, errors.New("requested_by is required"))
		return
	}

	rbID, err := a.store.Pipeline.RequestRollback(r.Context(), id, req.RequestedBy, req.Reason)
	if registry.IsNotFound(err) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{"rollback_update_id": rbID})
}

func (a *API) handleAnomaly(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UpdateID string         `json:"update_id"`
		Evidence map[string]any `json:"evidence"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	id, err := uuid.Parse(req.UpdateID)
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid update id"))
		return
	}

	if err := a.store.Pipeline.HandleAnomaly(r.Context(), id, req.Evidence); err != nil {
		if registry.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusConflict, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{"update_id": id})
}

func (a *API) handleArchiveURL(w http.ResponseWriter, r *http.Request) {
	if a.store.Presigner == nil || a.config.ArchiveBucket == "" {
		respondError(w, http.StatusNotImplemented, errors.New("archive storage is not configured"))
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid update id"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	rec, err := a.store.Registry.Get(ctx, id)
	if registry.IsNotFound(err) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if rec.Package == nil {
		respondError(w, http.StatusConflict, errors.New("update has no archived package"))
		return
	}

	url, err := a.store.Presigner.PresignGet(ctx, a.config.ArchiveBucket, archive.Key(rec), a.config.PresignTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_in": a.config.PresignTTL.String(),
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	stats, err := a.store.Registry.Stats(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

func parseListQuery(r *http.Request) (registry.Filter, registry.Page, error) {
	var filter registry.Filter
	var page registry.Page
	q := r.URL.Query()

	if v := q.Get("kind"); v != "" {
		kind, err := update.ParseKind(v)
		if err != nil {
			return filter, page, err
		}
		filter.Kind = kind
	}
	if v := q.Get("status"); v != "" {
		filter.Status = update.Status(strings.ToUpper(v))
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, page, errors.New("since must be RFC 3339")
		}
		filter.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, page, errors.New("until must be RFC 3339")
		}
		filter.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, page, errors.New("limit must be a non-negative integer")
		}
		page.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, page, errors.New("offset must be a non-negative integer")
		}
		page.Offset = n
	}

	return filter, page, nil
}
