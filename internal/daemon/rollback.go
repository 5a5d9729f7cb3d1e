package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/changelab/changelab/internal/iosconfig"
	"github.com/changelab/changelab/internal/models"
)

// ErrRollbackIneligible marks a rollback request the job's state does
// not permit.
var ErrRollbackIneligible = errors.New("rollback not available")

// DeviceRollbackResult is one device's rollback replay outcome.
type DeviceRollbackResult struct {
	Device   string   `json:"device"`
	Success  bool     `json:"success"`
	Skipped  bool     `json:"skipped,omitempty"`
	Output   string   `json:"output,omitempty"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// RollbackData is the stage record written by a rollback execution.
type RollbackData struct {
	Results    []DeviceRollbackResult `json:"results"`
	Successful bool                   `json:"successful"`
	ExecutedAt time.Time              `json:"executed_at"`
}

// ExecutableRollback returns the rollback commands that can be replayed
// on a device CLI, with warning comment lines removed.
func (c DeviceChange) ExecutableRollback() []string {
	return iosconfig.ChangeResult{RollbackCommands: c.RollbackCommands}.ExecutableRollback()
}

// ExecuteRollback replays the stored rollback commands on every device
// that deployed successfully. The rolled-back flag is claimed before the
// replay starts; a second call is rejected even while the first is still
// running.
func (o *Orchestrator) ExecuteRollback(ctx context.Context, jobID string) (RollbackData, error) {
	var out RollbackData
	if o == nil || o.store == nil {
		return out, errors.New("orchestrator unavailable")
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return out, ErrJobNotFound
		}
		return out, err
	}
	if job.RolledBack {
		return out, fmt.Errorf("%w: already rolled back", ErrRollbackIneligible)
	}
	depRec := job.StageRecordFor(models.StageDeployment)
	if depRec == nil || depRec.Status != models.StageCompleted {
		return out, fmt.Errorf("%w: deployment did not complete", ErrRollbackIneligible)
	}
	var dep DeploymentData
	if err := loadStageData(&job, models.StageDeployment, &dep); err != nil {
		return out, fmt.Errorf("%w: %v", ErrRollbackIneligible, err)
	}
	if !dep.Deployed {
		return out, fmt.Errorf("%w: nothing was deployed", ErrRollbackIneligible)
	}
	var cfg ConfigData
	if err := loadStageData(&job, models.StageConfigGeneration, &cfg); err != nil {
		return out, fmt.Errorf("%w: %v", ErrRollbackIneligible, err)
	}
	if o.lab == nil {
		return out, errors.New("no device backend configured")
	}

	deployedOK := make(map[string]bool, len(dep.Results))
	for _, r := range dep.Results {
		if r.Success {
			deployedOK[r.Device] = true
		}
	}
	type replayTarget struct {
		device   string
		commands []string
		warnings []string
	}
	var targets []replayTarget
	executable := 0
	for _, c := range cfg.Changes {
		if !deployedOK[c.Device] {
			continue
		}
		t := replayTarget{device: c.Device, commands: c.ExecutableRollback()}
		for _, line := range c.RollbackCommands {
			if strings.HasPrefix(strings.TrimSpace(line), "!") {
				t.warnings = append(t.warnings, line)
			}
		}
		targets = append(targets, t)
		executable += len(t.commands)
	}
	if executable == 0 {
		return out, fmt.Errorf("%w: no executable rollback commands recorded", ErrRollbackIneligible)
	}

	claimed, err := o.store.MarkRolledBack(ctx, job.ID)
	if err != nil {
		return out, err
	}
	if !claimed {
		return out, fmt.Errorf("%w: already rolled back", ErrRollbackIneligible)
	}

	startedAt := o.now()
	devices := make([]string, len(targets))
	for i, t := range targets {
		devices[i] = t.device
	}
	results := make([]DeviceRollbackResult, len(targets))
	o.forEachDevice(ctx, devices, func(callCtx context.Context, i int, device string) {
		t := targets[i]
		res := DeviceRollbackResult{Device: device, Warnings: t.warnings}
		if len(t.commands) == 0 {
			res.Skipped = true
			if len(res.Warnings) == 0 {
				res.Warnings = append(res.Warnings, "no rollback commands recorded for this device")
			}
			results[i] = res
			return
		}
		output, err := o.lab.ApplyConfig(callCtx, device, strings.Join(t.commands, "\n"), true)
		if err != nil {
			res.Error = err.Error()
			results[i] = res
			return
		}
		res.Success = true
		res.Output = output
		results[i] = res
	})

	successful := true
	for _, r := range results {
		if !r.Success && !r.Skipped {
			successful = false
		}
	}
	out = RollbackData{Results: results, Successful: successful, ExecutedAt: o.now().UTC()}

	rec := job.StageRecordFor(models.StageRollback)
	if rec == nil {
		rec = &models.StageRecord{}
		job.Stages[models.StageRollback] = rec
	}
	completedAt := o.now()
	rec.StartedAt = &startedAt
	rec.CompletedAt = &completedAt
	rec.Status = models.StageCompleted
	resultLabel := "success"
	if !successful {
		rec.Status = models.StageFailed
		resultLabel = "failed"
	}
	if data, mErr := json.Marshal(out); mErr == nil {
		rec.Data = data
	}

	persistCtx, cancel := persistContext(ctx)
	defer cancel()
	if err := o.store.SaveStages(persistCtx, job.ID, job.Stages); err != nil {
		o.logger.Printf("persist rollback record for job %s: %v", job.ID, err)
	}
	payload, _ := json.Marshal(map[string]any{"successful": successful, "devices": devices})
	o.recordEvent(persistCtx, EventKindJobRollback, job.ID, models.StageRollback,
		fmt.Sprintf("rollback executed on %d devices", len(devices)), string(payload))
	o.metrics.IncRollback(resultLabel)
	return out, nil
}
