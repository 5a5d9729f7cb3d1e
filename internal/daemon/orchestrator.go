package daemon

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"filippo.io/age"

	"github.com/changelab/changelab/internal/db"
	"github.com/changelab/changelab/internal/llm"
	"github.com/changelab/changelab/internal/logquery"
	"github.com/changelab/changelab/internal/models"
	"github.com/changelab/changelab/internal/netlab"
	"github.com/changelab/changelab/internal/notify"
)

const (
	defaultDeviceFanout  = 5
	defaultDeviceTimeout = 30 * time.Second

	// persistTimeout bounds terminal status writes made after the job's
	// own context has expired.
	persistTimeout = 5 * time.Second
)

var ErrJobNotFound = errors.New("job not found")

// Orchestrator runs one claimed job through the pipeline stages,
// persisting a stage record after every transition so a restarted
// daemon can resume from the last completed stage. It pauses at the
// human decision gate and, in step mode, before every stage.
type Orchestrator struct {
	store    *db.Store
	useCases map[string]models.UseCase
	lab      netlab.Backend
	model    llm.Client
	logs     logquery.Querier
	notifier notify.Notifier
	metrics  *Metrics
	logger   *log.Logger

	escrowRecipients []age.Recipient
	deviceFanout     int
	deviceTimeout    time.Duration

	now  func() time.Time
	rand io.Reader
}

// NewOrchestrator wires the pipeline collaborators. lab and logs may be
// nil; stages that need them fail or annotate accordingly.
func NewOrchestrator(store *db.Store, useCases map[string]models.UseCase, lab netlab.Backend, model llm.Client, logs logquery.Querier, notifier notify.Notifier, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	if model == nil {
		model = &llm.Fallback{}
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Orchestrator{
		store:         store,
		useCases:      useCases,
		lab:           lab,
		model:         model,
		logs:          logs,
		notifier:      notifier,
		logger:        logger,
		deviceFanout:  defaultDeviceFanout,
		deviceTimeout: defaultDeviceTimeout,
		now:           time.Now,
		rand:          rand.Reader,
	}
}

// Execute runs the job from its current stage until it completes,
// fails, or pauses. The job must already be in the running state; the
// scheduler claims queued jobs before calling this.
//
// On context cancellation the job is left in the running state without
// a terminal update, so the startup requeue pass returns it to the
// queue. A deadline expiry is a real failure and marks the job failed.
func (o *Orchestrator) Execute(ctx context.Context, jobID string) error {
	if o == nil || o.store == nil {
		return errors.New("orchestrator unavailable")
	}
	if jobID == "" {
		return errors.New("job id is required")
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		return err
	}
	if job.Status != models.JobRunning {
		o.logger.Printf("job %s not running (status %s), skipping", job.ID, job.Status)
		return nil
	}
	uc, ok := o.useCases[job.UseCase]
	if !ok {
		return o.failJob(ctx, &job, job.CurrentStage, fmt.Errorf("unknown use case %q", job.UseCase))
	}

	o.metrics.JobStarted()
	defer o.metrics.JobStopped()

	start := job.CurrentStage.Index()
	if start < 0 {
		start = 0
	}
	for i := start; i < len(models.PipelineStages); i++ {
		stage := models.PipelineStages[i]

		fresh, err := o.store.GetJob(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("reload job %s: %w", job.ID, err)
		}
		if fresh.Status == models.JobCancelled {
			o.skipRemaining(ctx, &fresh, stage)
			return nil
		}

		rec := job.StageRecordFor(stage)
		if rec == nil {
			rec = &models.StageRecord{Status: models.StagePending}
			job.Stages[stage] = rec
		}
		if rec.Status == models.StageCompleted {
			continue
		}

		startedAt := o.now()
		rec.Status = models.StageRunning
		rec.StartedAt = &startedAt
		rec.CompletedAt = nil
		rec.Error = ""
		job.CurrentStage = stage
		if err := o.store.UpdateJobProgress(ctx, job); err != nil {
			return fmt.Errorf("persist stage start %s: %w", stage, err)
		}
		o.recordEvent(ctx, EventKindJobStage, job.ID, stage, "started", "")

		data, stageErr := o.runStage(ctx, &job, uc, stage)
		o.metrics.ObserveStageDuration(stage, o.now().Sub(startedAt))
		if stageErr != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				// Shutdown. Leave the job running so the startup
				// requeue pass resumes it.
				return fmt.Errorf("stage %s interrupted: %w", stage, stageErr)
			}
			o.metrics.IncStageFailure(stage)
			completedAt := o.now()
			rec.Status = models.StageFailed
			rec.CompletedAt = &completedAt
			rec.Error = stageErr.Error()
			if len(data) > 0 {
				rec.Data = data
			}
			// A job timeout leaves ctx expired; the terminal write still
			// has to land.
			persistCtx, cancel := persistContext(ctx)
			defer cancel()
			if stage != models.StageHumanDecision && job.RetryCount+1 < job.MaxRetries {
				return o.requeueForRetry(persistCtx, &job, stage, stageErr)
			}
			return o.failJob(persistCtx, &job, stage, stageErr)
		}

		completedAt := o.now()
		rec.Status = models.StageCompleted
		rec.CompletedAt = &completedAt
		if len(data) > 0 {
			rec.Data = data
		}
		o.recordEvent(ctx, EventKindJobStage, job.ID, stage, "completed", "")

		if stage == models.StageHumanDecision {
			// The gate. CurrentStage stays on the decision stage until
			// an approval moves it forward.
			job.Status = models.JobPaused
			if err := o.store.UpdateJobProgress(ctx, job); err != nil {
				return fmt.Errorf("persist gate pause: %w", err)
			}
			o.recordEvent(ctx, EventKindJobPaused, job.ID, stage, "awaiting approval", "")
			return nil
		}

		next, hasNext := stage.Next()
		if !hasNext {
			break
		}
		job.CurrentStage = next
		if job.StepMode && next != models.StageHumanDecision {
			// The gate pauses by itself once the plan summary is
			// written; a pause before it would demand a blind verdict.
			job.Status = models.JobPaused
			if err := o.store.UpdateJobProgress(ctx, job); err != nil {
				return fmt.Errorf("persist step pause: %w", err)
			}
			o.recordEvent(ctx, EventKindJobPaused, job.ID, stage, "step mode pause before "+string(next), "")
			return nil
		}
		if err := o.store.UpdateJobProgress(ctx, job); err != nil {
			return fmt.Errorf("persist stage advance: %w", err)
		}
	}

	completedAt := o.now()
	job.Status = models.JobCompleted
	job.CompletedAt = &completedAt
	job.ErrorMessage = ""
	if err := o.store.UpdateJobProgress(ctx, job); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}
	o.recordEvent(ctx, EventKindJobCompleted, job.ID, job.CurrentStage, "pipeline completed", "")
	o.metrics.IncJobOutcome(models.JobCompleted)
	return nil
}

// requeueForRetry returns a failed job to the queue for another attempt.
// The failed stage record is kept; the next attempt overwrites it when
// the stage restarts. Returns nil: a retried failure is not an
// execution error.
func (o *Orchestrator) requeueForRetry(ctx context.Context, job *models.Job, stage models.Stage, cause error) error {
	if fresh, err := o.store.GetJob(ctx, job.ID); err == nil && fresh.Status == models.JobCancelled {
		o.skipRemaining(ctx, &fresh, stage)
		return nil
	}
	job.RetryCount++
	job.Status = models.JobQueued
	job.ErrorMessage = cause.Error()
	if err := o.store.UpdateJobProgress(ctx, *job); err != nil {
		o.logger.Printf("requeue job %s for retry: %v", job.ID, err)
		return o.failJob(ctx, job, stage, cause)
	}
	o.recordEvent(ctx, EventKindJobRetry, job.ID, stage,
		fmt.Sprintf("retry %d/%d after: %v", job.RetryCount, job.MaxRetries, cause), "")
	o.logger.Printf("job %s stage %s failed, retry %d/%d: %v", job.ID, stage, job.RetryCount, job.MaxRetries, cause)
	return nil
}

// failJob marks the job failed and returns the cause so callers can
// propagate it. The failing stage record is expected to be mutated
// already; this persists the whole job.
func (o *Orchestrator) failJob(ctx context.Context, job *models.Job, stage models.Stage, cause error) error {
	if cause == nil {
		return nil
	}
	completedAt := o.now()
	job.Status = models.JobFailed
	job.ErrorMessage = cause.Error()
	job.CompletedAt = &completedAt
	if err := o.store.UpdateJobProgress(ctx, *job); err != nil {
		o.logger.Printf("persist failed job %s: %v", job.ID, err)
	}
	o.recordEvent(ctx, EventKindJobFailed, job.ID, stage, cause.Error(), "")
	o.metrics.IncJobOutcome(models.JobFailed)
	return cause
}

// skipRemaining marks every not-yet-finished stage from the given stage
// onward as skipped. Used when a cancellation lands between stages.
func (o *Orchestrator) skipRemaining(ctx context.Context, job *models.Job, from models.Stage) {
	start := from.Index()
	if start < 0 {
		return
	}
	changed := false
	for _, stage := range models.PipelineStages[start:] {
		rec := job.StageRecordFor(stage)
		if rec == nil {
			rec = &models.StageRecord{}
			job.Stages[stage] = rec
		}
		switch rec.Status {
		case models.StageCompleted, models.StageSkipped:
			continue
		}
		rec.Status = models.StageSkipped
		changed = true
	}
	if !changed {
		return
	}
	if err := o.store.SaveStages(ctx, job.ID, job.Stages); err != nil {
		o.logger.Printf("persist skipped stages for job %s: %v", job.ID, err)
	}
}

// persistContext returns ctx unchanged while it is live, or a
// short-lived background context once it is done.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), persistTimeout)
}

func (o *Orchestrator) recordEvent(ctx context.Context, kind EventKind, jobID string, stage models.Stage, msg, jsonPayload string) {
	if !KnownEventKind(kind) {
		o.logger.Printf("event kind %q missing from catalog", kind)
	}
	_ = o.store.RecordEvent(ctx, string(kind), jobID, stage, msg, jsonPayload)
}

// forEachDevice runs fn once per device with bounded parallelism and a
// per-call timeout. fn receives the device's index so callers collect
// results into a pre-sized slice without locking.
func (o *Orchestrator) forEachDevice(ctx context.Context, devices []string, fn func(ctx context.Context, i int, device string)) {
	limit := o.deviceFanout
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, device := range devices {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, device string) {
			defer wg.Done()
			defer func() { <-sem }()
			callCtx := ctx
			if o.deviceTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, o.deviceTimeout)
				defer cancel()
			}
			fn(callCtx, i, device)
		}(i, device)
	}
	wg.Wait()
}
