package daemon

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/changelab/changelab/internal/buildinfo"
	"github.com/changelab/changelab/internal/db"
	"github.com/changelab/changelab/internal/models"
	"github.com/changelab/changelab/internal/netlab"
)

const (
	maxJSONBytes              = 1 << 20
	defaultJobsLimit          = 50
	maxJobsLimit              = 200
	defaultEventsLimit        = 200
	maxEventsLimit            = 1000
	defaultJobEventsTail      = 50
	defaultStatusFailureLimit = 10
)

// ControlAPI serves the v1 control plane used by the changelab CLI.
//
// Endpoints:
//   - POST /v1/jobs                  - Create a change job
//   - GET  /v1/jobs                  - List jobs (?status=, ?limit=)
//   - GET  /v1/jobs/{id}             - Job details with stage records
//   - POST /v1/jobs/{id}/approve     - Approve a plan paused at the gate
//   - POST /v1/jobs/{id}/reject      - Reject a plan paused at the gate
//   - POST /v1/jobs/{id}/advance     - Advance a step-mode pause
//   - POST /v1/jobs/{id}/cancel      - Cancel a job that has not finished
//   - POST /v1/jobs/{id}/retry       - Re-queue a failed job
//   - POST /v1/jobs/{id}/rollback    - Replay recorded rollback commands
//   - GET  /v1/jobs/{id}/events      - Job event log (?after=, ?limit=)
//   - GET  /v1/usecases              - Loaded use cases
//   - GET  /v1/devices               - Lab inventory with router liveness
//   - GET  /v1/status                - Job counts and recent failures
//   - GET  /healthz                  - Liveness probe
type ControlAPI struct {
	store          *db.Store
	useCases       map[string]models.UseCase
	lab            netlab.Backend
	orchestrator   *Orchestrator
	metrics        *Metrics
	metricsEnabled bool
	logger         *log.Logger
	now            func() time.Time
}

func NewControlAPI(store *db.Store, useCases map[string]models.UseCase, lab netlab.Backend, orchestrator *Orchestrator, logger *log.Logger) *ControlAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &ControlAPI{
		store:        store,
		useCases:     useCases,
		lab:          lab,
		orchestrator: orchestrator,
		logger:       logger,
		now:          time.Now,
	}
}

// WithMetrics registers the metrics collector for request counters.
func (api *ControlAPI) WithMetrics(metrics *Metrics) *ControlAPI {
	if api == nil {
		return api
	}
	api.metrics = metrics
	return api
}

// WithMetricsEnabled annotates the status response with metrics listener
// state.
func (api *ControlAPI) WithMetricsEnabled(enabled bool) *ControlAPI {
	if api == nil {
		return api
	}
	api.metricsEnabled = enabled
	return api
}

// Router builds the chi router for the control listener.
func (api *ControlAPI) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", api.handleHealthz)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", api.handleJobCreate)
		r.Get("/jobs", api.handleJobList)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", api.handleJobGet)
			r.Post("/approve", api.handleJobApprove)
			r.Post("/reject", api.handleJobReject)
			r.Post("/advance", api.handleJobAdvance)
			r.Post("/cancel", api.handleJobCancel)
			r.Post("/retry", api.handleJobRetry)
			r.Post("/rollback", api.handleJobRollback)
			r.Get("/events", api.handleJobEvents)
		})
		r.Get("/usecases", api.handleUseCases)
		r.Get("/devices", api.handleDevices)
		r.Get("/status", api.handleStatus)
	})
	return r
}

func (api *ControlAPI) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (api *ControlAPI) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var req V1JobCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.UseCase = strings.TrimSpace(req.UseCase)
	req.InputText = strings.TrimSpace(req.InputText)
	if _, ok := api.useCases[req.UseCase]; !ok {
		writeError(w, http.StatusUnprocessableEntity, "unknown use case "+strconv.Quote(req.UseCase))
		return
	}
	if req.InputText == "" {
		writeError(w, http.StatusUnprocessableEntity, "input_text is required")
		return
	}
	maxRetries := models.DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "max_retries must be positive")
			return
		}
		maxRetries = *req.MaxRetries
	}

	job := models.Job{
		ID:           uuid.NewString(),
		UseCase:      req.UseCase,
		InputText:    req.InputText,
		CurrentStage: models.StageVoiceInput,
		Status:       models.JobQueued,
		Stages:       models.NewStageMap(),
		StepMode:     req.StepMode,
		MaxRetries:   maxRetries,
	}
	ctx := r.Context()
	if err := api.store.CreateJob(ctx, job); err != nil {
		api.logger.Printf("create job: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	_ = api.store.RecordEvent(ctx, string(EventKindJobCreated), job.ID, "", "job created", "")
	api.metrics.IncJobCreated()

	created, err := api.store.GetJob(ctx, job.ID)
	if err != nil {
		api.logger.Printf("load created job %s: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to load created job")
		return
	}
	writeJSON(w, http.StatusCreated, jobToV1(created, nil))
}

func (api *ControlAPI) handleJobList(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "unknown status "+strconv.Quote(string(status)))
		return
	}
	limit, err := parseQueryInt(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit <= 0 {
		limit = defaultJobsLimit
	}
	if limit > maxJobsLimit {
		limit = maxJobsLimit
	}
	jobs, err := api.store.ListJobs(r.Context(), status, limit)
	if err != nil {
		api.logger.Printf("list jobs: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	resp := V1JobsResponse{Jobs: make([]V1JobResponse, 0, len(jobs))}
	for _, job := range jobs {
		v1 := jobToV1(job, nil)
		// Stage records are bulky; the list view carries summaries only.
		v1.Stages = nil
		resp.Jobs = append(resp.Jobs, v1)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *ControlAPI) handleJobGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, ok := api.loadJob(w, r)
	if !ok {
		return
	}
	events, err := api.store.ListEventsByJobTail(ctx, job.ID, defaultJobEventsTail)
	if err != nil {
		api.logger.Printf("tail events for job %s: %v", job.ID, err)
	}
	writeJSON(w, http.StatusOK, jobToV1(job, events))
}

func (api *ControlAPI) handleJobApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req V1DecisionRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	ok, err := api.store.ApproveJob(ctx, id)
	if err != nil {
		api.logger.Printf("approve job %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to approve job")
		return
	}
	if !ok {
		api.writeStateConflict(w, r, id, "job is not awaiting approval")
		return
	}
	api.recordDecision(ctx, id, true, req.Comment)
	_ = api.store.RecordEvent(ctx, string(EventKindJobApproved), id, models.StageHumanDecision, "plan approved", "")
	api.respondWithJob(w, r, id, http.StatusOK)
}

func (api *ControlAPI) handleJobReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req V1DecisionRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	message := strings.TrimSpace(req.Comment)
	if message == "" {
		message = "plan rejected at the approval gate"
	}
	ctx := r.Context()
	ok, err := api.store.RejectJob(ctx, id, message)
	if err != nil {
		api.logger.Printf("reject job %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to reject job")
		return
	}
	if !ok {
		api.writeStateConflict(w, r, id, "job is not awaiting approval")
		return
	}
	api.recordDecision(ctx, id, false, req.Comment)
	if job, err := api.store.GetJob(ctx, id); err == nil {
		api.orchestrator.skipRemaining(ctx, &job, models.StageBaselineCollection)
	}
	_ = api.store.RecordEvent(ctx, string(EventKindJobRejected), id, models.StageHumanDecision, message, "")
	api.metrics.IncJobOutcome(models.JobCancelled)
	api.respondWithJob(w, r, id, http.StatusOK)
}

func (api *ControlAPI) handleJobAdvance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	ok, err := api.store.AdvanceJob(ctx, id)
	if err != nil {
		api.logger.Printf("advance job %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to advance job")
		return
	}
	if !ok {
		api.writeStateConflict(w, r, id, "job is not paused between stages")
		return
	}
	_ = api.store.RecordEvent(ctx, string(EventKindJobAdvanced), id, "", "step advanced", "")
	api.respondWithJob(w, r, id, http.StatusOK)
}

func (api *ControlAPI) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req V1DecisionRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	message := strings.TrimSpace(req.Comment)
	if message == "" {
		message = "cancelled by operator"
	}
	ctx := r.Context()
	ok, err := api.store.CancelJob(ctx, id, message)
	if err != nil {
		api.logger.Printf("cancel job %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	if !ok {
		api.writeStateConflict(w, r, id, "job already finished")
		return
	}
	// A running job is skip-marked by the orchestrator at its next stage
	// boundary; doing it here as well covers queued and paused jobs.
	if job, err := api.store.GetJob(ctx, id); err == nil {
		api.orchestrator.skipRemaining(ctx, &job, job.CurrentStage)
	}
	_ = api.store.RecordEvent(ctx, string(EventKindJobCancelled), id, "", message, "")
	api.metrics.IncJobOutcome(models.JobCancelled)
	api.respondWithJob(w, r, id, http.StatusOK)
}

func (api *ControlAPI) handleJobRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	ok, err := api.store.RetryJob(ctx, id)
	if err != nil {
		api.logger.Printf("retry job %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to retry job")
		return
	}
	if !ok {
		api.writeStateConflict(w, r, id, "job is not failed or retries are exhausted")
		return
	}
	_ = api.store.RecordEvent(ctx, string(EventKindJobRetry), id, "", "manual retry requested", "")
	api.respondWithJob(w, r, id, http.StatusOK)
}

func (api *ControlAPI) handleJobRollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := api.orchestrator.ExecuteRollback(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, ErrRollbackIneligible):
			writeError(w, http.StatusConflict, err.Error())
		default:
			api.logger.Printf("rollback job %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "rollback failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, V1RollbackResponse{
		JobID:      id,
		Successful: result.Successful,
		Results:    result.Results,
		ExecutedAt: result.ExecutedAt.UTC().Format(time.RFC3339),
	})
}

func (api *ControlAPI) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := api.loadJob(w, r)
	if !ok {
		return
	}
	after, err := parseQueryInt64(r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid after")
		return
	}
	limit, err := parseQueryInt(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	events, err := api.store.ListEventsByJob(r.Context(), job.ID, after, limit)
	if err != nil {
		api.logger.Printf("list events for job %s: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	resp := V1EventsResponse{Events: make([]V1Event, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, eventToV1(ev))
		resp.LastID = ev.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *ControlAPI) handleUseCases(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(api.useCases))
	for name := range api.useCases {
		names = append(names, name)
	}
	sort.Strings(names)
	resp := V1UseCasesResponse{UseCases: make([]V1UseCase, 0, len(names))}
	for _, name := range names {
		uc := api.useCases[name]
		v1 := V1UseCase{
			Name:                   uc.Name,
			Description:            uc.Description,
			Actions:                uc.Actions,
			LabID:                  uc.LabID,
			LogIndex:               uc.LogIndex,
			ConvergenceWaitSeconds: uc.ConvergenceWaitSeconds,
		}
		if !uc.UpdatedAt.IsZero() {
			v1.UpdatedAt = uc.UpdatedAt.UTC().Format(time.RFC3339)
		}
		resp.UseCases = append(resp.UseCases, v1)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *ControlAPI) handleDevices(w http.ResponseWriter, r *http.Request) {
	if api.lab == nil {
		writeError(w, http.StatusServiceUnavailable, "no device backend configured")
		return
	}
	devices, err := api.lab.ListDevices(r.Context())
	if err != nil {
		api.logger.Printf("list devices: %v", err)
		writeError(w, http.StatusBadGateway, "failed to list lab devices")
		return
	}
	resp := V1DevicesResponse{Devices: make([]V1Device, 0, len(devices))}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, V1Device{
			ID:             d.ID,
			Label:          d.Label,
			NodeDefinition: d.NodeDefinition,
			State:          d.State,
			Active:         netlab.RouterIsActive(d),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *ControlAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobCounts, err := api.store.CountJobsByStatus(ctx)
	if err != nil {
		api.logger.Printf("count jobs: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}
	failureEvents, err := api.store.ListRecentFailureEvents(ctx, defaultStatusFailureLimit)
	if err != nil {
		api.logger.Printf("list recent failures: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load recent failures")
		return
	}
	resp := V1StatusResponse{
		Version:        buildinfo.Version,
		Jobs:           formatJobCounts(jobCounts),
		UseCases:       len(api.useCases),
		Metrics:        V1StatusMetrics{Enabled: api.metricsEnabled},
		RecentFailures: make([]V1Event, 0, len(failureEvents)),
	}
	for _, ev := range failureEvents {
		resp.RecentFailures = append(resp.RecentFailures, eventToV1(ev))
	}
	writeJSON(w, http.StatusOK, resp)
}

// loadJob fetches the job named in the URL, writing a 404 when it does
// not exist.
func (api *ControlAPI) loadJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := api.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "job not found")
		} else {
			api.logger.Printf("load job %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "failed to load job")
		}
		return models.Job{}, false
	}
	return job, true
}

// writeStateConflict distinguishes a missing job from a state violation
// after a guarded transition refused to apply.
func (api *ControlAPI) writeStateConflict(w http.ResponseWriter, r *http.Request, id, msg string) {
	if _, err := api.store.GetJob(r.Context(), id); errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeError(w, http.StatusConflict, msg)
}

func (api *ControlAPI) respondWithJob(w http.ResponseWriter, r *http.Request, id string, status int) {
	job, err := api.store.GetJob(r.Context(), id)
	if err != nil {
		api.logger.Printf("load job %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, status, jobToV1(job, nil))
}

// recordDecision fills the human decision stage record with the
// operator's verdict.
func (api *ControlAPI) recordDecision(ctx context.Context, id string, approved bool, comment string) {
	job, err := api.store.GetJob(ctx, id)
	if err != nil {
		api.logger.Printf("load job %s for decision record: %v", id, err)
		return
	}
	rec := job.StageRecordFor(models.StageHumanDecision)
	if rec == nil {
		return
	}
	var decision DecisionData
	if len(rec.Data) > 0 {
		if err := json.Unmarshal(rec.Data, &decision); err != nil {
			api.logger.Printf("decode decision record for job %s: %v", id, err)
		}
	}
	decidedAt := api.now().UTC()
	decision.AwaitingApproval = false
	decision.Approved = &approved
	decision.Comment = strings.TrimSpace(comment)
	decision.DecidedAt = &decidedAt
	data, err := json.Marshal(decision)
	if err != nil {
		return
	}
	rec.Data = data
	if err := api.store.SaveStages(ctx, job.ID, job.Stages); err != nil {
		api.logger.Printf("persist decision record for job %s: %v", id, err)
	}
}

func jobToV1(job models.Job, events []db.Event) V1JobResponse {
	resp := V1JobResponse{
		ID:           job.ID,
		UseCase:      job.UseCase,
		InputText:    job.InputText,
		CurrentStage: string(job.CurrentStage),
		Status:       string(job.Status),
		StepMode:     job.StepMode,
		RetryCount:   job.RetryCount,
		MaxRetries:   job.MaxRetries,
		RolledBack:   job.RolledBack,
		Error:        job.ErrorMessage,
		CreatedAt:    formatV1Time(job.CreatedAt),
		UpdatedAt:    formatV1Time(job.UpdatedAt),
	}
	if job.ResultJSON != "" {
		resp.Result = json.RawMessage(job.ResultJSON)
	}
	if job.StartedAt != nil {
		resp.StartedAt = formatV1Time(*job.StartedAt)
	}
	if job.CompletedAt != nil {
		resp.CompletedAt = formatV1Time(*job.CompletedAt)
	}
	if len(job.Stages) > 0 {
		resp.Stages = make(map[string]V1StageRecord, len(job.Stages))
		for stage, rec := range job.Stages {
			if rec == nil {
				continue
			}
			v1 := V1StageRecord{
				Status: string(rec.Status),
				Data:   rec.Data,
				Error:  rec.Error,
			}
			if rec.StartedAt != nil {
				v1.StartedAt = formatV1Time(*rec.StartedAt)
			}
			if rec.CompletedAt != nil {
				v1.CompletedAt = formatV1Time(*rec.CompletedAt)
			}
			resp.Stages[string(stage)] = v1
		}
	}
	if len(events) > 0 {
		resp.Events = make([]V1Event, 0, len(events))
		for _, ev := range events {
			resp.Events = append(resp.Events, eventToV1(ev))
		}
	}
	return resp
}

func eventToV1(ev db.Event) V1Event {
	out := V1Event{
		ID:        ev.ID,
		Timestamp: formatV1Time(ev.Timestamp),
		Kind:      ev.Kind,
		JobID:     ev.JobID,
		Stage:     string(ev.Stage),
		Message:   ev.Message,
	}
	if ev.JSON != "" {
		out.Payload = json.RawMessage(ev.JSON)
	}
	return out
}

func formatJobCounts(counts map[models.JobStatus]int) map[string]int {
	out := make(map[string]int, len(models.JobStatuses))
	for _, status := range models.JobStatuses {
		out[string(status)] = counts[status]
	}
	return out
}

func formatV1Time(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, V1ErrorResponse{Error: msg})
}

func parseQueryInt(value string) (int, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

func parseQueryInt64(value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return strconv.ParseInt(value, 10, 64)
}
