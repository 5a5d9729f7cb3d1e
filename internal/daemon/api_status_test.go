package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changelab/changelab/internal/buildinfo"
	"github.com/changelab/changelab/internal/models"
	"github.com/changelab/changelab/internal/netlab"
	testutil "github.com/changelab/changelab/internal/testing"
)

func TestHealthzEndpoint(t *testing.T) {
	store := newTestStore(t)
	api := NewControlAPI(store, testUseCases(), nil, nil, testLogger())

	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q, want application/json", ct)
	}
	var payload map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("status field = %q, want ok", payload["status"])
	}
}

func TestUseCasesEndpointSortsByName(t *testing.T) {
	store := newTestStore(t)
	useCases := map[string]models.UseCase{
		"ospf_migration": testUseCases()["ospf_migration"],
		"credential_rotation": {
			Name:                   "credential_rotation",
			Description:            "Rotate device credentials",
			Actions:                []string{"rotate_credentials"},
			LabID:                  "lab-1",
			ConvergenceWaitSeconds: 45,
			UpdatedAt:              testutil.FixedTime,
		},
	}
	api := NewControlAPI(store, useCases, nil, nil, testLogger())

	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usecases", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp V1UseCasesResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.UseCases) != 2 {
		t.Fatalf("use cases = %d, want 2", len(resp.UseCases))
	}
	if resp.UseCases[0].Name != "credential_rotation" || resp.UseCases[1].Name != "ospf_migration" {
		t.Fatalf("order = [%s, %s], want sorted by name", resp.UseCases[0].Name, resp.UseCases[1].Name)
	}
	rotation := resp.UseCases[0]
	if rotation.ConvergenceWaitSeconds != 45 {
		t.Fatalf("convergence wait = %d, want 45", rotation.ConvergenceWaitSeconds)
	}
	if rotation.UpdatedAt != "2024-01-01T12:00:00Z" {
		t.Fatalf("updated_at = %q, want the fixed timestamp", rotation.UpdatedAt)
	}
	migration := resp.UseCases[1]
	if len(migration.Actions) != 1 || migration.Actions[0] != "modify_ospf_area" {
		t.Fatalf("actions = %v, want [modify_ospf_area]", migration.Actions)
	}
	if migration.LogIndex != "network_logs" {
		t.Fatalf("log index = %q, want network_logs", migration.LogIndex)
	}
}

func TestDevicesEndpointReportsLiveness(t *testing.T) {
	store := newTestStore(t)
	lab := newTestLab()
	lab.AddDevice(netlab.Device{ID: "n3", Label: "Syslog-1", NodeDefinition: "server", State: "BOOTED"})
	api := NewControlAPI(store, testUseCases(), lab, nil, testLogger())

	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/devices", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp V1DevicesResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Devices) != 3 {
		t.Fatalf("devices = %d, want 3", len(resp.Devices))
	}
	byLabel := make(map[string]V1Device, len(resp.Devices))
	for _, d := range resp.Devices {
		byLabel[d.Label] = d
	}
	router1, ok := byLabel["Router-1"]
	if !ok {
		t.Fatalf("Router-1 missing from inventory")
	}
	if !router1.Active || router1.State != "BOOTED" || router1.NodeDefinition != "iosv" {
		t.Fatalf("Router-1 = %+v, want an active booted iosv node", router1)
	}
	syslog, ok := byLabel["Syslog-1"]
	if !ok {
		t.Fatalf("Syslog-1 missing from inventory")
	}
	if syslog.Active {
		t.Fatalf("Syslog-1 reported active, want inactive for a non-router node")
	}

	bare := NewControlAPI(store, testUseCases(), nil, nil, testLogger())
	rec = httptest.NewRecorder()
	bare.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/devices", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status without backend = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var errResp V1ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error != "no device backend configured" {
		t.Fatalf("error = %q, want %q", errResp.Error, "no device backend configured")
	}
}

func TestStatusHandler(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	createJob(t, store, testutil.JobOpts{ID: "job-queued"})
	createJob(t, store, testutil.JobOpts{ID: "job-running", Status: models.JobRunning})
	createJob(t, store, testutil.JobOpts{ID: "job-failed", Status: models.JobFailed, ErrorMessage: "deployment failed"})
	require.NoError(t, store.RecordEvent(ctx, string(EventKindJobFailed), "job-failed", models.StageDeployment, "deployment failed on 1 of 2 devices", ""))

	api := NewControlAPI(store, testUseCases(), nil, nil, testLogger()).WithMetricsEnabled(true)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	api.handleStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.Bytes()
	var resp V1StatusResponse
	require.NoError(t, json.Unmarshal(body, &resp))

	assert.Equal(t, buildinfo.Version, resp.Version)
	assert.Equal(t, 1, resp.Jobs[string(models.JobQueued)])
	assert.Equal(t, 1, resp.Jobs[string(models.JobRunning)])
	assert.Equal(t, 1, resp.Jobs[string(models.JobFailed)])
	assert.Equal(t, 0, resp.Jobs[string(models.JobCompleted)])
	assert.Len(t, resp.Jobs, len(models.JobStatuses))
	assert.Equal(t, 1, resp.UseCases)
	assert.True(t, resp.Metrics.Enabled)
	require.Len(t, resp.RecentFailures, 1)
	assert.Equal(t, string(EventKindJobFailed), resp.RecentFailures[0].Kind)
	assert.Equal(t, "job-failed", resp.RecentFailures[0].JobID)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	if _, ok := raw["jobs"].(map[string]any); !ok {
		t.Fatalf("expected jobs object in payload")
	}
	if metrics, ok := raw["metrics"].(map[string]any); !ok {
		t.Fatalf("expected metrics object in payload")
	} else if _, ok := metrics["enabled"].(bool); !ok {
		t.Fatalf("expected metrics.enabled bool in payload")
	}
	if _, ok := raw["recent_failures"].([]any); !ok {
		t.Fatalf("expected recent_failures array in payload")
	}
}
