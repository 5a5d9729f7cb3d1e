// Package models provides data structures and constants for changelab.
//
// This package contains the core domain models used throughout changelab:
//   - Job: Represents one network-change workflow instance and its stage records
//   - StageRecord: Per-stage execution record inside a job
//   - UseCase: Configuration bundle (prompts, lab target, templates) driving a job
//   - DeviceResolution: Result of expanding a symbolic device target list
//
// All models are designed for database persistence and JSON serialization.
package models

import (
	"encoding/json"
	"time"
)

// Stage identifies one named unit of work in the fixed pipeline sequence.
//
// Stage values double as keys in the persisted stage map, so they are
// stable wire identifiers and must never be renamed.
type Stage string

const (
	// StageVoiceInput records the normalized change request text.
	StageVoiceInput Stage = "voice_input"
	// StageIntentParsing turns the request text into a structured intent
	// and resolves the target devices.
	StageIntentParsing Stage = "intent_parsing"
	// StageConfigGeneration builds per-device command and rollback sets.
	StageConfigGeneration Stage = "config_generation"
	// StageAIAdvice produces a risk assessment for the human approver.
	StageAIAdvice Stage = "ai_advice"
	// StageHumanDecision is the approval gate. The job pauses after this
	// stage completes and resumes only on an external approve call.
	StageHumanDecision Stage = "human_decision"
	// StageBaselineCollection snapshots device state before deployment.
	StageBaselineCollection Stage = "baseline_collection"
	// StageDeployment applies the generated commands to the devices.
	StageDeployment Stage = "deployment"
	// StageMonitoring waits for convergence and snapshots post-change state.
	StageMonitoring Stage = "monitoring"
	// StageLogAnalysis queries the log platform for errors during the change.
	StageLogAnalysis Stage = "log_analysis"
	// StageAIValidation judges deployment health from the state diff.
	StageAIValidation Stage = "ai_validation"
	// StageNotifications delivers the final outcome notification.
	StageNotifications Stage = "notifications"

	// StageRollback records the post-hoc rollback execution. It is not
	// part of the pipeline sequence; its record appears in the stage map
	// only after an explicit rollback call.
	StageRollback Stage = "rollback"
)

// PipelineStages is the fixed, ordered stage sequence every job walks
// through. The human-approval gate sits between StageHumanDecision and
// StageBaselineCollection.
var PipelineStages = []Stage{
	StageVoiceInput,
	StageIntentParsing,
	StageConfigGeneration,
	StageAIAdvice,
	StageHumanDecision,
	StageBaselineCollection,
	StageDeployment,
	StageMonitoring,
	StageLogAnalysis,
	StageAIValidation,
	StageNotifications,
}

// Valid reports whether s is a member of the pipeline sequence.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Index returns the position of s in PipelineStages, or -1 if s is not a
// pipeline stage.
func (s Stage) Index() int {
	for i, stage := range PipelineStages {
		if stage == s {
			return i
		}
	}
	return -1
}

// Next returns the stage following s in the pipeline sequence. ok is false
// when s is the last stage or not a pipeline stage.
func (s Stage) Next() (next Stage, ok bool) {
	idx := s.Index()
	if idx < 0 || idx >= len(PipelineStages)-1 {
		return "", false
	}
	return PipelineStages[idx+1], true
}

// JobStatus represents the current status of a pipeline job.
//
// Job status transitions:
//
//	PENDING → QUEUED → RUNNING → (COMPLETED|FAILED)
//	RUNNING → PAUSED      (approval gate, or step mode)
//	PAUSED  → QUEUED      (approve / advance)
//	PAUSED  → CANCELLED   (reject)
//	RUNNING → QUEUED      (retry re-enqueue while retries remain)
//
// Any non-terminal status may transition to CANCELLED. COMPLETED, FAILED
// and CANCELLED are terminal; a terminal job is immutable.
type JobStatus string

const (
	// JobPending is the initial status when a job is created but not yet queued.
	JobPending JobStatus = "PENDING"
	// JobQueued indicates the job is waiting for a scheduler slot.
	JobQueued JobStatus = "QUEUED"
	// JobRunning indicates the orchestrator is executing stages.
	JobRunning JobStatus = "RUNNING"
	// JobPaused indicates the job is waiting for an external signal
	// (approval at the gate, or an advance call in step mode).
	JobPaused JobStatus = "PAUSED"
	// JobCompleted indicates all stages finished successfully.
	JobCompleted JobStatus = "COMPLETED"
	// JobFailed indicates a stage failed and retries are exhausted.
	JobFailed JobStatus = "FAILED"
	// JobCancelled indicates the job was rejected or cancelled.
	JobCancelled JobStatus = "CANCELLED"
)

// JobStatuses lists every job status in lifecycle order.
var JobStatuses = []JobStatus{
	JobPending,
	JobQueued,
	JobRunning,
	JobPaused,
	JobCompleted,
	JobFailed,
	JobCancelled,
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	for _, status := range JobStatuses {
		if status == s {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is final. A terminal job never
// changes again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// DefaultMaxRetries is the re-enqueue budget applied to new jobs that do
// not specify one.
const DefaultMaxRetries = 3

// StageStatus represents the execution status of a single stage attempt.
type StageStatus string

const (
	// StagePending means the stage has not started.
	StagePending StageStatus = "PENDING"
	// StageRunning means the stage handler is executing.
	StageRunning StageStatus = "RUNNING"
	// StageCompleted means the stage finished and its output is attached.
	StageCompleted StageStatus = "COMPLETED"
	// StageFailed means the stage handler reported an error.
	StageFailed StageStatus = "FAILED"
	// StageSkipped means the stage was bypassed (rejected plan, cancelled job).
	StageSkipped StageStatus = "SKIPPED"
)

// StageRecord is the per-stage execution record persisted inside a job's
// stage map. A record is overwritten wholesale on retry; only the latest
// attempt is kept.
//
// Data holds the stage-specific output payload (marshalled by the stage
// handler) and is opaque to the persistence layer.
type StageRecord struct {
	Status      StageStatus     `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// NewStageMap returns a stage map with every pipeline stage set to
// StagePending. Jobs are created with this map and the orchestrator
// mutates it one stage at a time.
func NewStageMap() map[Stage]*StageRecord {
	stages := make(map[Stage]*StageRecord, len(PipelineStages))
	for _, stage := range PipelineStages {
		stages[stage] = &StageRecord{Status: StagePending}
	}
	return stages
}

// Job represents one long-lived network-change workflow instance.
//
// A job is created when a change request is accepted and is mutated
// exclusively by the orchestrator; the only external mutations are the
// approval/rejection signal at the human gate, step-mode advancement,
// cancellation, and the explicit post-hoc rollback operation.
//
// Fields:
//   - ID: Unique job identifier (UUID)
//   - UseCase: Name of the use case bundle driving this job
//   - InputText: The raw change request (transcribed speech or typed text)
//   - CurrentStage: The stage the orchestrator will run (or is running) next
//   - Status: Current job status
//   - Stages: Per-stage execution records keyed by stage name
//   - StepMode: When true the job pauses after every stage for manual advance
//   - RetryCount: Number of re-enqueues consumed so far
//   - MaxRetries: Re-enqueue budget; exceeding it is terminal failure
//   - RolledBack: Set once the post-hoc rollback has executed (idempotency guard)
//   - ResultJSON: JSON-encoded final validation verdict (set when COMPLETED)
//   - ErrorMessage: Populated when Status is FAILED or CANCELLED
type Job struct {
	ID           string
	UseCase      string
	InputText    string
	CurrentStage Stage
	Status       JobStatus
	Stages       map[Stage]*StageRecord
	StepMode     bool
	RetryCount   int
	MaxRetries   int
	RolledBack   bool
	ResultJSON   string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// StageRecordFor returns the record for the given stage, or nil if the job
// has no record for it (jobs persisted by older versions).
func (j *Job) StageRecordFor(stage Stage) *StageRecord {
	if j == nil || j.Stages == nil {
		return nil
	}
	return j.Stages[stage]
}

// UseCase defines the configuration bundle for one category of network
// change. Use cases are loaded from YAML files in the use-case directory
// and referenced by jobs by name.
//
// Fields:
//   - Name: Use case identifier (matches filename)
//   - Description: Human-readable summary
//   - IntentPrompt: System prompt for intent parsing
//   - ConfigPrompt: System prompt for the generative config fallback
//   - AnalysisPrompt: System prompt for deployment validation
//   - Actions: Change actions this use case may dispatch (first is the default)
//   - LabID: Lab identifier on the device controller
//   - LogIndex: Index/namespace to scope log queries to
//   - ConvergenceWaitSeconds: Settle time between deployment and verification
//   - NotificationTemplates: Outcome notification templates keyed by
//     severity ("success", "warning", "critical")
//   - UpdatedAt: When the use case was last loaded from disk
//   - RawYAML: The raw YAML configuration for debugging
type UseCase struct {
	Name                   string
	Description            string
	IntentPrompt           string
	ConfigPrompt           string
	AnalysisPrompt         string
	Actions                []string
	LabID                  string
	LogIndex               string
	ConvergenceWaitSeconds int
	NotificationTemplates  map[string]string
	UpdatedAt              time.Time
	RawYAML                string
}

// DefaultAction returns the first allowed action, used when intent parsing
// cannot determine one. Empty when the use case declares no actions.
func (u UseCase) DefaultAction() string {
	if len(u.Actions) == 0 {
		return ""
	}
	return u.Actions[0]
}

// DeviceResolution is the outcome of expanding a symbolic target list
// against the live device inventory. It is computed once during intent
// parsing and carried forward immutably in stage data for the rest of
// the job.
type DeviceResolution struct {
	RawTargets     []string `json:"raw_targets"`
	ResolvedLabels []string `json:"resolved_labels"`
	Errors         []string `json:"errors,omitempty"`
	WasAllKeyword  bool     `json:"was_all_keyword"`
}

// Resolved reports whether at least one device label was resolved.
func (r DeviceResolution) Resolved() bool {
	return len(r.ResolvedLabels) > 0
}
