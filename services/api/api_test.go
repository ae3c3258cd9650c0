package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"updatehub/services/audit"
	"updatehub/services/distribution"
	"updatehub/services/governance"
	"updatehub/services/pipeline"
	"updatehub/services/registry"
	"updatehub/services/signing"
	"updatehub/services/update"
	"updatehub/services/validate"
	"updatehub/services/watchdog"
)

type apiHarness struct {
	server   *httptest.Server
	registry *registry.Memory
	audit    *audit.Memory
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	reg := registry.NewMemory()
	auditLog := audit.NewMemory()
	oracle, err := governance.NewRiskOracle(governance.Policy{})
	require.NoError(t, err)

	orch, err := pipeline.New(pipeline.Deps{
		Registry:   reg,
		AuditLog:   auditLog,
		Oracle:     oracle,
		Signer:     signing.NewSignerFromSeed(make([]byte, 32)),
		Validators: validate.NewPool(nil, 5*time.Second),
		Publisher:  distribution.NewMemory(),
		Watchdog:   watchdog.NewMemory(),
		Logger:     log.New(io.Discard, "", 0),
	}, pipeline.Config{RetryInitialInterval: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, orch.Start(ctx))
	t.Cleanup(func() {
		cancel()
		orch.Close()
	})

	a, err := New(&Store{
		Pipeline: orch,
		Registry: reg,
		Audit:    auditLog,
	}, Config{})
	require.NoError(t, err)

	routes, err := a.Routes()
	require.NoError(t, err)

	server := httptest.NewServer(routes)
	t.Cleanup(server.Close)

	return &apiHarness{server: server, registry: reg, audit: auditLog}
}

func (h *apiHarness) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (h *apiHarness) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(h.server.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) == 0 {
		return nil
	}
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func submitBody() map[string]any {
	return map[string]any{
		"kind": "CONFIG",
		"payload": map[string]any{
			"key":      "ingest.batch_size",
			"current":  "100",
			"proposed": "250",
		},
		"component_targets": []string{"ingest"},
		"created_by":        "ops@example.com",
		"risk_level":        "LOW",
	}
}

func (h *apiHarness) waitStatus(t *testing.T, id uuid.UUID, want update.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := h.registry.Get(context.Background(), id)
		return err == nil && rec.Status == want
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSubmitAndFetch(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.post(t, "/v1/updates", submitBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, err := uuid.Parse(body["update_id"].(string))
	require.NoError(t, err)

	h.waitStatus(t, id, update.StatusWatched)

	resp, body = h.get(t, "/v1/updates/"+id.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "WATCHED", body["status"])
	require.Equal(t, "CONFIG", body["descriptor"].(map[string]any)["kind"])
	require.NotEmpty(t, body["signature"])
}

func TestSubmitRejectsBadDescriptor(t *testing.T) {
	h := newAPIHarness(t)

	body := submitBody()
	body["kind"] = "FIRMWARE"
	resp, _ := h.post(t, "/v1/updates", body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body = submitBody()
	delete(body, "payload")
	resp, _ = h.post(t, "/v1/updates", body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownUpdate(t *testing.T) {
	h := newAPIHarness(t)

	resp, _ := h.get(t, "/v1/updates/"+uuid.NewString())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.get(t, "/v1/updates/not-a-uuid")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListFiltersByStatus(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.post(t, "/v1/updates", submitBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, err := uuid.Parse(body["update_id"].(string))
	require.NoError(t, err)
	h.waitStatus(t, id, update.StatusWatched)

	resp, body = h.get(t, "/v1/updates?status=WATCHED&kind=CONFIG")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updates := body["updates"].([]any)
	require.Len(t, updates, 1)

	resp, body = h.get(t, "/v1/updates?status=REJECTED")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body["updates"])
}

func TestApprovalEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	body := submitBody()
	body["risk_level"] = "HIGH"
	resp, out := h.post(t, "/v1/updates", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, err := uuid.Parse(out["update_id"].(string))
	require.NoError(t, err)

	var approvalRef string
	require.Eventually(t, func() bool {
		rec, err := h.registry.Get(context.Background(), id)
		if err != nil || rec.PendingApprovalRef == "" {
			return false
		}
		approvalRef = rec.PendingApprovalRef
		return true
	}, 5*time.Second, 5*time.Millisecond)

	resp, _ = h.post(t, "/v1/updates/"+id.String()+"/approval", map[string]any{
		"action":       "resolve",
		"approval_ref": approvalRef,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	h.waitStatus(t, id, update.StatusWatched)
}

func TestRollbackEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	resp, out := h.post(t, "/v1/updates", submitBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, err := uuid.Parse(out["update_id"].(string))
	require.NoError(t, err)
	h.waitStatus(t, id, update.StatusWatched)

	resp, out = h.post(t, "/v1/updates/"+id.String()+"/rollback", map[string]any{
		"requested_by": "oncall@example.com",
		"reason":       "bad config",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	rbID, err := uuid.Parse(out["rollback_update_id"].(string))
	require.NoError(t, err)

	h.waitStatus(t, rbID, update.StatusWatched)
	h.waitStatus(t, id, update.StatusRolledBack)

	// A second rollback of a ROLLED_BACK update is refused.
	resp, _ = h.post(t, "/v1/updates/"+id.String()+"/rollback", map[string]any{
		"requested_by": "oncall@example.com",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAnomalyEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	resp, out := h.post(t, "/v1/updates", submitBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, err := uuid.Parse(out["update_id"].(string))
	require.NoError(t, err)
	h.waitStatus(t, id, update.StatusWatched)

	resp, _ = h.post(t, "/v1/watchdog/anomaly", map[string]any{
		"update_id": id.String(),
		"evidence":  map[string]any{"metric": "latency_p99", "value": 2.5},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	h.waitStatus(t, id, update.StatusRolledBack)
}

func TestStatsEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	resp, out := h.post(t, "/v1/updates", submitBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, err := uuid.Parse(out["update_id"].(string))
	require.NoError(t, err)
	h.waitStatus(t, id, update.StatusWatched)

	resp, out = h.get(t, "/v1/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), out["total"])
	require.Equal(t, float64(1), out["success_rate"])
}

func TestAuditEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	resp, out := h.post(t, "/v1/updates", submitBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, err := uuid.Parse(out["update_id"].(string))
	require.NoError(t, err)
	h.waitStatus(t, id, update.StatusWatched)

	resp, out = h.get(t, "/v1/audit")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out["events"], 2)

	resp, out = h.get(t, "/v1/audit/verify")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["valid"])
	require.Equal(t, float64(2), out["events"])
}

func TestArchiveEndpointUnconfigured(t *testing.T) {
	h := newAPIHarness(t)

	resp, _ := h.get(t, "/v1/updates/"+uuid.NewString()+"/archive")
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}
