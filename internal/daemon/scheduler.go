package daemon

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/changelab/changelab/internal/db"
	"github.com/changelab/changelab/internal/models"
)

const (
	defaultMaxConcurrentJobs = 10
	defaultJobTimeout        = 600 * time.Second
	defaultPollInterval      = time.Second
)

// Scheduler claims queued jobs and runs them through the orchestrator
// with bounded concurrency. Claims are store-level transitions, so two
// pollers never double-run a job.
type Scheduler struct {
	store        *db.Store
	orchestrator *Orchestrator
	logger       *log.Logger

	maxConcurrent int
	jobTimeout    time.Duration
	pollInterval  time.Duration
}

func NewScheduler(store *db.Store, orchestrator *Orchestrator, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		store:         store,
		orchestrator:  orchestrator,
		logger:        logger,
		maxConcurrent: defaultMaxConcurrentJobs,
		jobTimeout:    defaultJobTimeout,
		pollInterval:  defaultPollInterval,
	}
}

// Run polls for queued jobs until the context is cancelled, then waits
// for in-flight jobs to wind down. In-flight jobs observe the
// cancellation through their own run contexts.
func (s *Scheduler) Run(ctx context.Context) {
	if s == nil || s.store == nil || s.orchestrator == nil {
		return
	}
	sem := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			s.drainQueue(ctx, sem, &wg)
		}
	}
}

// drainQueue claims and launches queued jobs until the queue is empty or
// every worker slot is taken.
func (s *Scheduler) drainQueue(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	for {
		select {
		case sem <- struct{}{}:
		default:
			return
		}
		job, ok, err := s.store.ClaimQueuedJob(ctx)
		if err != nil {
			<-sem
			if ctx.Err() == nil {
				s.logger.Printf("claim queued job: %v", err)
			}
			return
		}
		if !ok {
			<-sem
			return
		}
		wg.Add(1)
		go func(job models.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runJob(ctx, job)
		}(job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job models.Job) {
	runCtx := ctx
	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}
	s.logger.Printf("job %s claimed (use case %s, stage %s)", job.ID, job.UseCase, job.CurrentStage)
	if err := s.orchestrator.Execute(runCtx, job.ID); err != nil {
		s.logger.Printf("job %s: %v", job.ID, err)
	}
}
