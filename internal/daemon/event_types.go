package daemon

// EventKind names one category of recorded job event. Kinds are stable
// wire identifiers; clients filter on them.
type EventKind string

const (
	// Job lifecycle.
	EventKindJobCreated   EventKind = "job.created"
	EventKindJobStage     EventKind = "job.stage"
	EventKindJobPaused    EventKind = "job.paused"
	EventKindJobApproved  EventKind = "job.approved"
	EventKindJobRejected  EventKind = "job.rejected"
	EventKindJobAdvanced  EventKind = "job.advanced"
	EventKindJobCompleted EventKind = "job.completed"
	EventKindJobFailed    EventKind = "job.failed"
	EventKindJobCancelled EventKind = "job.cancelled"
	EventKindJobRollback  EventKind = "job.rollback"
	EventKindJobRetry     EventKind = "job.retry"

	// Credential handling.
	EventKindCredentialEscrow EventKind = "credential.escrow"
)

// EventCatalog maps every known event kind to a short description.
// Recording an unknown kind is a programming error; the recording helper
// logs it and records the event anyway.
var EventCatalog = map[EventKind]string{
	EventKindJobCreated:       "Job accepted and queued.",
	EventKindJobStage:         "Stage started or finished.",
	EventKindJobPaused:        "Job paused waiting for an external signal.",
	EventKindJobApproved:      "Change plan approved at the human gate.",
	EventKindJobRejected:      "Change plan rejected at the human gate.",
	EventKindJobAdvanced:      "Step-mode job advanced to the next stage.",
	EventKindJobCompleted:     "All stages finished successfully.",
	EventKindJobFailed:        "Stage failure marked the job failed.",
	EventKindJobCancelled:     "Job cancelled before completion.",
	EventKindJobRollback:      "Post-hoc rollback executed.",
	EventKindJobRetry:         "Job re-queued after a stage failure.",
	EventKindCredentialEscrow: "Rotated credential encrypted to the escrow recipients.",
}

// KnownEventKind reports whether kind is part of the event catalog.
func KnownEventKind(kind EventKind) bool {
	_, ok := EventCatalog[kind]
	return ok
}
