// Package daemon implements changelabd: the job store, the stage
// pipeline orchestrator, the scheduler, and the control API.
package daemon

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"filippo.io/age"
	"github.com/changelab/changelab/internal/config"
	"github.com/changelab/changelab/internal/db"
	"github.com/changelab/changelab/internal/llm"
	"github.com/changelab/changelab/internal/logquery"
	"github.com/changelab/changelab/internal/models"
	"github.com/changelab/changelab/internal/netlab"
	"github.com/changelab/changelab/internal/notify"
	"github.com/changelab/changelab/internal/secrets"
)

const (
	shutdownTimeout = 5 * time.Second
	stateDirPerms   = 0o750
)

// Service wires the control and metrics listeners around the scheduler.
type Service struct {
	cfg             config.Config
	useCases        map[string]models.UseCase
	store           *db.Store
	controlListener net.Listener
	metricsListener net.Listener
	controlServer   *http.Server
	metricsServer   *http.Server
	scheduler       *Scheduler
	orchestrator    *Orchestrator
}

// Run loads use cases, binds listeners, and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	useCases, err := LoadUseCases(cfg.UsecaseDir)
	if err != nil {
		return err
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	service, err := NewService(cfg, useCases, store)
	if err != nil {
		_ = store.Close()
		return err
	}
	log.Printf("changelabd: loaded %d use cases from %s", len(useCases), cfg.UsecaseDir)
	return service.Serve(ctx)
}

// NewService constructs a service with bound listeners.
func NewService(cfg config.Config, useCases map[string]models.UseCase, store *db.Store) (*Service, error) {
	if err := ensureDir(cfg.StateDir, stateDirPerms); err != nil {
		return nil, err
	}
	controlListener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen control %s: %w", cfg.ListenAddr, err)
	}
	var metricsListener net.Listener
	if cfg.MetricsAddr != "" {
		metricsListener, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			_ = controlListener.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsAddr, err)
		}
	}

	var recipients []age.Recipient
	if len(cfg.EscrowRecipients) > 0 {
		recipients, err = secrets.ParseRecipients(cfg.EscrowRecipients)
		if err != nil {
			_ = controlListener.Close()
			if metricsListener != nil {
				_ = metricsListener.Close()
			}
			return nil, err
		}
	} else {
		log.Printf("changelabd: no escrow recipients configured; generated credentials stay in job records")
	}

	metrics := NewMetrics()
	lab := buildLabBackend(cfg.Lab)
	if lab == nil {
		log.Printf("changelabd: no lab gateway configured; jobs will fail at device resolution")
	}
	lab = InstrumentBackend(lab, metrics)
	model := buildModelClient(cfg.LLM)
	logs := buildLogQuerier(cfg.LogQuery)
	notifier := buildNotifier(cfg.Notify)

	orchestrator := NewOrchestrator(store, useCases, lab, model, logs, notifier, log.Default())
	orchestrator.metrics = metrics
	orchestrator.escrowRecipients = recipients
	orchestrator.deviceFanout = cfg.DeviceFanout
	orchestrator.deviceTimeout = time.Duration(cfg.DeviceCallTimeoutSeconds) * time.Second

	scheduler := NewScheduler(store, orchestrator, log.Default())
	scheduler.maxConcurrent = cfg.MaxConcurrentJobs
	scheduler.jobTimeout = time.Duration(cfg.JobTimeoutSeconds) * time.Second

	api := NewControlAPI(store, useCases, lab, orchestrator, log.Default()).
		WithMetrics(metrics).
		WithMetricsEnabled(metricsListener != nil)

	controlServer := &http.Server{
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	var metricsServer *http.Server
	if metricsListener != nil {
		metricsMux := http.NewServeMux()
		metricsMux.HandleFunc("/healthz", healthHandler)
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
	}

	return &Service{
		cfg:             cfg,
		useCases:        useCases,
		store:           store,
		controlListener: controlListener,
		metricsListener: metricsListener,
		controlServer:   controlServer,
		metricsServer:   metricsServer,
		scheduler:       scheduler,
		orchestrator:    orchestrator,
	}, nil
}

// Serve blocks until shutdown or a listener error occurs.
func (s *Service) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Printf("changelabd: listening on control=%s", s.cfg.ListenAddr)
	if s.metricsServer != nil {
		log.Printf("changelabd: listening on metrics=%s", s.cfg.MetricsAddr)
	}

	// Jobs left RUNNING by a previous process go back to the queue so
	// the scheduler picks them up again.
	requeued, err := s.store.RequeueInterrupted(ctx)
	if err != nil {
		log.Printf("changelabd: requeue interrupted jobs: %v", err)
	} else if requeued > 0 {
		log.Printf("changelabd: re-queued %d interrupted jobs", requeued)
	}

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		s.scheduler.Run(ctx)
	}()

	servers := 1
	errCh := make(chan error, 2)
	go func() { errCh <- s.controlServer.Serve(s.controlListener) }()
	if s.metricsServer != nil {
		servers = 2
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	remaining := servers
	var serveErr error

	select {
	case <-ctx.Done():
		// graceful shutdown
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	cancel()
	s.shutdownServers()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}

	// In-flight jobs notice the canceled context at their next stage
	// boundary and stay RUNNING for the next startup's requeue pass.
	<-schedulerDone
	if s.store != nil {
		_ = s.store.Close()
	}
	return serveErr
}

func (s *Service) shutdownServers() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.controlServer.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
}

func buildLabBackend(cfg config.Lab) netlab.Backend {
	if cfg.BaseURL == "" {
		return nil
	}
	client := &netlab.Client{
		BaseURL: cfg.BaseURL,
		Token:   cfg.Token,
		LabID:   cfg.LabID,
	}
	if cfg.InsecureSkipVerify {
		client.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}
	return client
}

func buildModelClient(cfg config.LLM) llm.Client {
	if !llm.ValidAPIKey(cfg.APIKey) {
		if cfg.APIKey != "" {
			log.Printf("changelabd: llm api key looks like a placeholder; using the offline fallback client")
		} else {
			log.Printf("changelabd: no llm api key configured; using the offline fallback client")
		}
		return &llm.Fallback{}
	}
	return &llm.OpenAI{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
	}
}

func buildLogQuerier(cfg config.LogQuery) logquery.Querier {
	if cfg.BaseURL == "" {
		return nil
	}
	return &logquery.Client{
		BaseURL: cfg.BaseURL,
		Token:   cfg.Token,
		Index:   cfg.Index,
	}
}

func buildNotifier(cfg config.Notify) notify.Notifier {
	if cfg.WebhookURL == "" {
		return notify.Noop{}
	}
	return &notify.Webhook{URL: cfg.WebhookURL}
}

func ensureDir(path string, perms os.FileMode) error {
	if path == "" {
		return errors.New("state_dir is required")
	}
	if err := os.MkdirAll(path, perms); err != nil {
		return fmt.Errorf("create dir %s: %w", path, err)
	}
	return nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
