// ABOUTME: Job database operations for creating, retrieving, and updating pipeline jobs.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/changelab/changelab/internal/models"
)

// CreateJob inserts a new job row into the database.
//
// A nil stage map is replaced with a fresh all-pending map and a
// non-positive retry budget with the default, so callers can hand over a
// minimally filled job.
func (s *Store) CreateJob(ctx context.Context, job models.Job) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if job.UseCase == "" {
		return errors.New("job use_case is required")
	}
	if job.Status == "" {
		return errors.New("job status is required")
	}
	if job.CurrentStage == "" {
		job.CurrentStage = models.PipelineStages[0]
	}
	if !job.CurrentStage.Valid() {
		return fmt.Errorf("job current_stage %q is not a pipeline stage", job.CurrentStage)
	}
	if job.Stages == nil {
		job.Stages = models.NewStageMap()
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = models.DefaultMaxRetries
	}
	stagesJSON, err := marshalStages(job.Stages)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := job.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO jobs (
		id, use_case, input_text, current_stage, status, stages_json, step_mode, retry_count, max_retries, rolled_back, result_json, error_message, created_at, updated_at, started_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.UseCase,
		job.InputText,
		string(job.CurrentStage),
		string(job.Status),
		stagesJSON,
		job.StepMode,
		job.RetryCount,
		job.MaxRetries,
		job.RolledBack,
		nullIfEmpty(job.ResultJSON),
		nullIfEmpty(job.ErrorMessage),
		formatTime(createdAt),
		formatTime(updatedAt),
		formatOptionalTime(job.StartedAt),
		formatOptionalTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

const jobColumns = `id, use_case, input_text, current_stage, status, stages_json, step_mode, retry_count, max_retries, rolled_back, result_json, error_message, created_at, updated_at, started_at, completed_at`

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	if s == nil || s.DB == nil {
		return models.Job{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJobRow(row)
}

// ListJobs returns jobs newest-first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.Job, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
			ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ?
			ORDER BY created_at DESC, id DESC LIMIT ?`, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// CountJobsByStatus returns a count of jobs grouped by status.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	out := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		if status == "" {
			continue
		}
		out[models.JobStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job counts: %w", err)
	}
	return out, nil
}

// UpdateJobProgress persists the orchestrator-owned mutable fields of a
// job: current stage, status, stage records, retry count, result, error
// message, and the start/completion timestamps.
func (s *Store) UpdateJobProgress(ctx context.Context, job models.Job) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if job.Status == "" {
		return errors.New("job status is required")
	}
	stagesJSON, err := marshalStages(job.Stages)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET
		current_stage = ?, status = ?, stages_json = ?, retry_count = ?, result_json = ?, error_message = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(job.CurrentStage),
		string(job.Status),
		stagesJSON,
		job.RetryCount,
		nullIfEmpty(job.ResultJSON),
		nullIfEmpty(job.ErrorMessage),
		formatTime(time.Now().UTC()),
		formatOptionalTime(job.StartedAt),
		formatOptionalTime(job.CompletedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job %s progress: %w", job.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected job %s: %w", job.ID, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SaveStages persists only the stage records of a job.
func (s *Store) SaveStages(ctx context.Context, id string, stages map[models.Stage]*models.StageRecord) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("job id is required")
	}
	stagesJSON, err := marshalStages(stages)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET stages_json = ?, updated_at = ? WHERE id = ?`,
		stagesJSON, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update job %s stages: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected job %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateJobStatus updates the status of a job unconditionally.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("job id is required")
	}
	if status == "" {
		return errors.New("job status is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, string(status), updatedAt, id)
	if err != nil {
		return fmt.Errorf("update job %s status: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected job %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TransitionJobStatus moves a job from one status to another. It reports
// false when the job is missing or not in the expected status, which
// makes it a compare-and-swap suitable for externally triggered
// transitions.
func (s *Store) TransitionJobStatus(ctx context.Context, id string, from, to models.JobStatus) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("job id is required")
	}
	if from == "" || to == "" {
		return false, errors.New("job status is required")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), formatTime(time.Now().UTC()), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected job %s: %w", id, err)
	}
	return affected > 0, nil
}

// ApproveJob resumes a job paused at the approval gate: the status
// becomes queued and the current stage moves past the gate so the
// orchestrator re-enters at baseline collection. Reports false when the
// job is not awaiting approval.
func (s *Store) ApproveJob(ctx context.Context, id string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("job id is required")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status = ?, current_stage = ?, updated_at = ?
		WHERE id = ? AND status = ? AND current_stage = ?`,
		string(models.JobQueued), string(models.StageBaselineCollection), formatTime(time.Now().UTC()),
		id, string(models.JobPaused), string(models.StageHumanDecision))
	if err != nil {
		return false, fmt.Errorf("approve job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected job %s: %w", id, err)
	}
	return affected > 0, nil
}

// RejectJob cancels a job paused at the approval gate. Reports false
// when the job is not awaiting approval.
func (s *Store) RejectJob(ctx context.Context, id, message string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("job id is required")
	}
	now := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ? AND current_stage = ?`,
		string(models.JobCancelled), nullIfEmpty(message), now, now,
		id, string(models.JobPaused), string(models.StageHumanDecision))
	if err != nil {
		return false, fmt.Errorf("reject job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected job %s: %w", id, err)
	}
	return affected > 0, nil
}

// CancelJob marks a non-terminal job cancelled. Reports false when the
// job is missing or already terminal. A running job stops at the next
// stage boundary when the orchestrator observes the new status.
func (s *Store) CancelJob(ctx context.Context, id, message string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("job id is required")
	}
	now := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?, ?, ?)`,
		string(models.JobCancelled), nullIfEmpty(message), now, now,
		id,
		string(models.JobPending), string(models.JobQueued), string(models.JobRunning), string(models.JobPaused))
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected job %s: %w", id, err)
	}
	return affected > 0, nil
}

// ClaimQueuedJob atomically claims the oldest queued job for execution,
// marking it running. The started timestamp is set on the first claim
// and preserved across retry re-claims. ok is false when no job is
// queued.
func (s *Store) ClaimQueuedJob(ctx context.Context) (job models.Job, ok bool, err error) {
	if s == nil || s.DB == nil {
		return models.Job{}, false, errors.New("db store is nil")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM jobs WHERE status = ?
		ORDER BY created_at ASC, id ASC LIMIT 1`, string(models.JobQueued)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("select queued job: %w", err)
	}
	now := formatTime(time.Now().UTC())
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ?, started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status = ?`,
		string(models.JobRunning), now, now, id, string(models.JobQueued))
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.Job{}, false, fmt.Errorf("rows affected job %s: %w", id, err)
	}
	if affected == 0 {
		return models.Job{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, false, fmt.Errorf("commit claim %s: %w", id, err)
	}
	claimed, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return claimed, true, nil
}

// RequeueInterrupted re-queues jobs left in the running state by a
// previous daemon process so they resume at their persisted stage.
// Returns the number of jobs re-queued. Called once at startup before
// the scheduler starts.
func (s *Store) RequeueInterrupted(ctx context.Context) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`,
		string(models.JobQueued), formatTime(time.Now().UTC()), string(models.JobRunning))
	if err != nil {
		return 0, fmt.Errorf("requeue interrupted jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected requeue: %w", err)
	}
	return int(affected), nil
}

// AdvanceJob re-queues a job paused by step mode. The approval gate is
// excluded so an advance call can never bypass it. Reports false when
// the job is not paused or is paused at the gate.
func (s *Store) AdvanceJob(ctx context.Context, id string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("job id is required")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND current_stage != ?`,
		string(models.JobQueued), formatTime(time.Now().UTC()),
		id, string(models.JobPaused), string(models.StageHumanDecision))
	if err != nil {
		return false, fmt.Errorf("advance job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected job %s: %w", id, err)
	}
	return affected > 0, nil
}

// RetryJob re-queues a failed job for another attempt at its current
// stage, consuming one unit of the retry budget. Reports false when the
// job is missing, not failed, or out of budget.
func (s *Store) RetryJob(ctx context.Context, id string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("job id is required")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status = ?, retry_count = retry_count + 1, error_message = NULL, completed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count < max_retries`,
		string(models.JobQueued), formatTime(time.Now().UTC()),
		id, string(models.JobFailed))
	if err != nil {
		return false, fmt.Errorf("retry job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected job %s: %w", id, err)
	}
	return affected > 0, nil
}

// MarkRolledBack flips the rollback guard for a job. Reports false when
// the job is missing or the guard was already set, making a second
// rollback attempt detectable.
func (s *Store) MarkRolledBack(ctx context.Context, id string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("job id is required")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET rolled_back = 1, updated_at = ? WHERE id = ? AND rolled_back = 0`,
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return false, fmt.Errorf("mark job %s rolled back: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected job %s: %w", id, err)
	}
	return affected > 0, nil
}

func marshalStages(stages map[models.Stage]*models.StageRecord) (string, error) {
	if stages == nil {
		stages = map[models.Stage]*models.StageRecord{}
	}
	data, err := json.Marshal(stages)
	if err != nil {
		return "", fmt.Errorf("marshal stage records: %w", err)
	}
	return string(data), nil
}

func unmarshalStages(data string) (map[models.Stage]*models.StageRecord, error) {
	stages := make(map[models.Stage]*models.StageRecord)
	if strings.TrimSpace(data) == "" {
		return stages, nil
	}
	if err := json.Unmarshal([]byte(data), &stages); err != nil {
		return nil, fmt.Errorf("unmarshal stage records: %w", err)
	}
	return stages, nil
}

func formatOptionalTime(value *time.Time) interface{} {
	if value == nil || value.IsZero() {
		return nil
	}
	return formatTime(*value)
}

func scanJobRow(scanner interface{ Scan(dest ...any) error }) (models.Job, error) {
	var job models.Job
	var currentStage string
	var status string
	var stagesJSON string
	var result sql.NullString
	var errorMessage sql.NullString
	var createdAt string
	var updatedAt string
	var startedAt sql.NullString
	var completedAt sql.NullString
	if err := scanner.Scan(
		&job.ID,
		&job.UseCase,
		&job.InputText,
		&currentStage,
		&status,
		&stagesJSON,
		&job.StepMode,
		&job.RetryCount,
		&job.MaxRetries,
		&job.RolledBack,
		&result,
		&errorMessage,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return models.Job{}, err
	}
	if status == "" {
		return models.Job{}, errors.New("job status missing")
	}
	job.Status = models.JobStatus(status)
	job.CurrentStage = models.Stage(currentStage)
	stages, err := unmarshalStages(stagesJSON)
	if err != nil {
		return models.Job{}, err
	}
	job.Stages = stages
	if result.Valid {
		job.ResultJSON = result.String
	}
	if errorMessage.Valid {
		job.ErrorMessage = errorMessage.String
	}
	if createdAt != "" {
		job.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return models.Job{}, fmt.Errorf("parse created_at: %w", err)
		}
	}
	if updatedAt != "" {
		job.UpdatedAt, err = parseTime(updatedAt)
		if err != nil {
			return models.Job{}, fmt.Errorf("parse updated_at: %w", err)
		}
	}
	if startedAt.Valid && startedAt.String != "" {
		parsed, err := parseTime(startedAt.String)
		if err != nil {
			return models.Job{}, fmt.Errorf("parse started_at: %w", err)
		}
		job.StartedAt = &parsed
	}
	if completedAt.Valid && completedAt.String != "" {
		parsed, err := parseTime(completedAt.String)
		if err != nil {
			return models.Job{}, fmt.Errorf("parse completed_at: %w", err)
		}
		job.CompletedAt = &parsed
	}
	return job, nil
}
