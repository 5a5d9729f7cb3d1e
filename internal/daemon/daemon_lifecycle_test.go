package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/changelab/changelab/internal/config"
	"github.com/changelab/changelab/internal/db"
	"github.com/changelab/changelab/internal/llm"
	"github.com/changelab/changelab/internal/logquery"
	"github.com/changelab/changelab/internal/models"
	"github.com/changelab/changelab/internal/netlab"
	"github.com/changelab/changelab/internal/notify"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper to build a config with temp paths and ephemeral ports.
func testServiceConfig(t *testing.T) config.Config {
	t.Helper()
	temp := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.ConfigPath = filepath.Join(temp, "config.yaml")
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.StateDir = filepath.Join(temp, "state")
	cfg.DBPath = filepath.Join(temp, "changelab.db")
	cfg.UsecaseDir = filepath.Join(temp, "usecases")
	return cfg
}

// Helper to release service resources when a test does not run Serve to
// completion.
func cleanupService(t *testing.T, svc *Service) {
	t.Helper()
	if svc.controlListener != nil {
		_ = svc.controlListener.Close()
	}
	if svc.metricsListener != nil {
		_ = svc.metricsListener.Close()
	}
	if svc.store != nil {
		_ = svc.store.Close()
	}
}

func waitForHealthz(t *testing.T, baseURL string) {
	t.Helper()
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("daemon at %s never became healthy", baseURL)
}

// Run function tests

func TestRunConfigValidation(t *testing.T) {
	err := Run(context.Background(), config.Config{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config_path")
}

func TestRunUseCaseDirError(t *testing.T) {
	cfg := testServiceConfig(t)
	// UsecaseDir is never created, so loading fails before any listener
	// is bound.
	err := Run(context.Background(), cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "read usecase dir")
}

// NewService tests

func TestNewServiceBindsListeners(t *testing.T) {
	cfg := testServiceConfig(t)
	store, err := db.Open(cfg.DBPath)
	require.NoError(t, err)

	service, err := NewService(cfg, testUseCases(), store)
	require.NoError(t, err)
	require.NotNil(t, service)

	t.Cleanup(func() {
		cleanupService(t, service)
	})

	assert.NotNil(t, service.controlListener)
	assert.NotNil(t, service.controlServer)
	assert.Nil(t, service.metricsListener)
	assert.Nil(t, service.metricsServer)

	require.NotNil(t, service.orchestrator)
	assert.Equal(t, cfg.DeviceFanout, service.orchestrator.deviceFanout)
	assert.Equal(t, time.Duration(cfg.DeviceCallTimeoutSeconds)*time.Second, service.orchestrator.deviceTimeout)
	assert.Empty(t, service.orchestrator.escrowRecipients)

	require.NotNil(t, service.scheduler)
	assert.Equal(t, cfg.MaxConcurrentJobs, service.scheduler.maxConcurrent)
	assert.Equal(t, time.Duration(cfg.JobTimeoutSeconds)*time.Second, service.scheduler.jobTimeout)
}

func TestNewServiceStateDirError(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.StateDir = "/dev/null/changelab-state"

	store, err := db.Open(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = NewService(cfg, testUseCases(), store)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "create dir")
}

func TestNewServiceBadEscrowRecipient(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.EscrowRecipients = []string{"not-an-age-key"}

	store, err := db.Open(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = NewService(cfg, testUseCases(), store)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parse age recipient")
}

// Serve and shutdown tests

func TestServeGracefulShutdown(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.MetricsAddr = "127.0.0.1:0"

	store, err := db.Open(cfg.DBPath)
	require.NoError(t, err)

	service, err := NewService(cfg, testUseCases(), store)
	require.NoError(t, err)
	t.Cleanup(func() {
		cleanupService(t, service)
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- service.Serve(ctx)
	}()

	controlURL := "http://" + service.controlListener.Addr().String()
	metricsURL := "http://" + service.metricsListener.Addr().String()
	waitForHealthz(t, controlURL)
	waitForHealthz(t, metricsURL)

	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(metricsURL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "changelab_job_running")

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + 2*time.Second):
		t.Fatal("Serve did not shut down within timeout")
	}

	_, err = client.Get(controlURL + "/healthz")
	assert.Error(t, err, "control listener should be closed after shutdown")
}

func TestServeStopsWhenCanceledEarly(t *testing.T) {
	cfg := testServiceConfig(t)
	store, err := db.Open(cfg.DBPath)
	require.NoError(t, err)

	service, err := NewService(cfg, testUseCases(), store)
	require.NoError(t, err)
	t.Cleanup(func() {
		cleanupService(t, service)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- service.Serve(ctx)
	}()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return for a canceled context")
	}
}

func TestServeCreatesJobOverWire(t *testing.T) {
	cfg := testServiceConfig(t)
	store, err := db.Open(cfg.DBPath)
	require.NoError(t, err)

	service, err := NewService(cfg, testUseCases(), store)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- service.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-errCh
		cleanupService(t, service)
	})

	controlURL := "http://" + service.controlListener.Addr().String()
	waitForHealthz(t, controlURL)

	client := &http.Client{Timeout: time.Second}
	payload := `{"use_case": "ospf_migration", "input_text": "move the lab to ospf area 10"}`
	resp, err := client.Post(controlURL+"/v1/jobs", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created V1JobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	_, err = uuid.Parse(created.ID)
	assert.NoError(t, err)
	assert.Equal(t, string(models.JobStatusQueued), created.Status)

	resp, err = client.Get(controlURL + "/v1/jobs/" + created.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// Collaborator builder tests

func TestBuildLabBackend(t *testing.T) {
	t.Run("empty base url", func(t *testing.T) {
		assert.Nil(t, buildLabBackend(config.Lab{}))
	})

	t.Run("configured gateway", func(t *testing.T) {
		backend := buildLabBackend(config.Lab{
			BaseURL: "https://cml.example.net",
			Token:   "tok",
			LabID:   "lab-9",
		})
		client, ok := backend.(*netlab.Client)
		require.True(t, ok)
		assert.Equal(t, "https://cml.example.net", client.BaseURL)
		assert.Equal(t, "lab-9", client.LabID)
		assert.Nil(t, client.HTTPClient)
	})

	t.Run("insecure skip verify", func(t *testing.T) {
		backend := buildLabBackend(config.Lab{
			BaseURL:            "https://cml.example.net",
			InsecureSkipVerify: true,
		})
		client, ok := backend.(*netlab.Client)
		require.True(t, ok)
		require.NotNil(t, client.HTTPClient)
	})
}

func TestBuildModelClient(t *testing.T) {
	t.Run("no key selects fallback", func(t *testing.T) {
		_, ok := buildModelClient(config.LLM{}).(*llm.Fallback)
		assert.True(t, ok)
	})

	t.Run("placeholder key selects fallback", func(t *testing.T) {
		_, ok := buildModelClient(config.LLM{APIKey: "sk-your-api-key-here-0123456789"}).(*llm.Fallback)
		assert.True(t, ok)
	})

	t.Run("real key selects api client", func(t *testing.T) {
		client, ok := buildModelClient(config.LLM{
			APIKey: "sk-live-0123456789abcdef0123",
			Model:  "gpt-4o",
		}).(*llm.OpenAI)
		require.True(t, ok)
		assert.Equal(t, "gpt-4o", client.Model)
	})
}

func TestBuildLogQuerier(t *testing.T) {
	assert.Nil(t, buildLogQuerier(config.LogQuery{}))

	querier := buildLogQuerier(config.LogQuery{
		BaseURL: "https://logs.example.net",
		Index:   "network_logs",
	})
	client, ok := querier.(*logquery.Client)
	require.True(t, ok)
	assert.Equal(t, "network_logs", client.Index)
}

func TestBuildNotifier(t *testing.T) {
	_, ok := buildNotifier(config.Notify{}).(notify.Noop)
	assert.True(t, ok)

	webhook, ok := buildNotifier(config.Notify{WebhookURL: "https://hooks.example.net/ops"}).(*notify.Webhook)
	require.True(t, ok)
	assert.Equal(t, "https://hooks.example.net/ops", webhook.URL)
}

// Helper tests

func TestEnsureDir(t *testing.T) {
	t.Run("creates nested path", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "state", "nested")
		require.NoError(t, ensureDir(dir, 0o750))
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("empty path", func(t *testing.T) {
		err := ensureDir("", 0o750)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "state_dir is required")
	})

	t.Run("path under file", func(t *testing.T) {
		err := ensureDir("/dev/null/changelab", 0o750)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "create dir")
	})
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
