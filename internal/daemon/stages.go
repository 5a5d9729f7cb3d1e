package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/changelab/changelab/internal/iosconfig"
	"github.com/changelab/changelab/internal/llm"
	"github.com/changelab/changelab/internal/logquery"
	"github.com/changelab/changelab/internal/models"
	"github.com/changelab/changelab/internal/netdiff"
	"github.com/changelab/changelab/internal/netlab"
	"github.com/changelab/changelab/internal/notify"
	"github.com/changelab/changelab/internal/secrets"
)

const (
	changeSourceBuilder = "builder"
	changeSourceModel   = "model"

	escrowedPlaceholder = "<escrowed>"

	monitorProgressInterval = 10 * time.Second

	runningConfigCommand = "show running-config"

	defaultNotificationTemplate = "Job {{job_id}} ({{use_case}}) finished {{status}} with score {{score}}. {{summary}}"
)

// VoiceInputData records the accepted request text. Transcription happens
// upstream; the daemon receives plain text.
type VoiceInputData struct {
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// IntentData is the structured intent plus the device resolution it was
// computed against. The resolution is carried forward immutably; later
// stages never re-resolve.
type IntentData struct {
	Intent       llm.Intent              `json:"intent"`
	Resolution   models.DeviceResolution `json:"resolution"`
	FallbackUsed bool                    `json:"fallback_used,omitempty"`
}

// DeviceChange is one device's change plan.
type DeviceChange struct {
	Device             string                        `json:"device"`
	Source             string                        `json:"source,omitempty"`
	Commands           []string                      `json:"commands,omitempty"`
	RollbackCommands   []string                      `json:"rollback_commands,omitempty"`
	Warnings           []string                      `json:"warnings,omitempty"`
	AffectedInterfaces []iosconfig.AffectedInterface `json:"affected_interfaces,omitempty"`
	OSPFProcessID      int                           `json:"ospf_process_id,omitempty"`
	Explanation        string                        `json:"explanation,omitempty"`
	Error              string                        `json:"error,omitempty"`
}

// ConfigData is the config generation output: the per-device change
// plans for one action.
type ConfigData struct {
	Action           string         `json:"action"`
	Changes          []DeviceChange `json:"changes"`
	PasswordEscrowed bool           `json:"password_escrowed,omitempty"`
}

// AdviceData is the pre-approval risk assessment.
type AdviceData struct {
	Advice       llm.Advice `json:"advice"`
	FallbackUsed bool       `json:"fallback_used,omitempty"`
}

// DecisionData is the review summary shown at the approval gate. The
// approve and reject endpoints fill in the decision fields.
type DecisionData struct {
	AwaitingApproval bool       `json:"awaiting_approval"`
	Input            string     `json:"input"`
	Action           string     `json:"action"`
	Devices          []string   `json:"devices"`
	CommandTotal     int        `json:"command_total"`
	RiskLevel        string     `json:"risk_level,omitempty"`
	Recommendation   string     `json:"recommendation,omitempty"`
	Approved         *bool      `json:"approved,omitempty"`
	Comment          string     `json:"comment,omitempty"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`
}

// BaselineData holds the pre-change snapshots.
type BaselineData struct {
	Snapshots []netdiff.Snapshot `json:"snapshots"`
}

// DeviceDeployResult is one device's deployment outcome.
type DeviceDeployResult struct {
	Device  string `json:"device"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DeploymentData is the deployment stage output. Deployed is true only
// when every targeted device applied its commands.
type DeploymentData struct {
	Deployed bool                 `json:"deployed"`
	Results  []DeviceDeployResult `json:"results,omitempty"`
	Note     string               `json:"note,omitempty"`
}

// MonitoringData holds the post-change snapshots taken after the
// convergence wait.
type MonitoringData struct {
	WaitedSeconds int                `json:"waited_seconds"`
	Snapshots     []netdiff.Snapshot `json:"snapshots"`
}

// LogAnalysisData aggregates the log queries run after deployment.
// Query failures annotate; they never fail the stage.
type LogAnalysisData struct {
	Skipped   bool                            `json:"skipped,omitempty"`
	Reason    string                          `json:"reason,omitempty"`
	QueryType logquery.QueryType              `json:"query_type,omitempty"`
	Earliest  string                          `json:"earliest,omitempty"`
	Results   map[string]logquery.QueryResult `json:"results,omitempty"`
	Errors    []string                        `json:"errors,omitempty"`
}

// ValidationData is the final verdict plus the diff it was based on.
type ValidationData struct {
	Validation   llm.Validation `json:"validation"`
	Diff         netdiff.Diff   `json:"diff"`
	FallbackUsed bool           `json:"fallback_used,omitempty"`
}

// NotificationData records the rendered notification and whether it was
// delivered.
type NotificationData struct {
	Severity string `json:"severity"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Sent     bool   `json:"sent"`
	Error    string `json:"error,omitempty"`
}

func (o *Orchestrator) runStage(ctx context.Context, job *models.Job, uc models.UseCase, stage models.Stage) (json.RawMessage, error) {
	switch stage {
	case models.StageVoiceInput:
		return o.stageVoiceInput(job)
	case models.StageIntentParsing:
		return o.stageIntentParsing(ctx, job, uc)
	case models.StageConfigGeneration:
		return o.stageConfigGeneration(ctx, job, uc)
	case models.StageAIAdvice:
		return o.stageAIAdvice(ctx, job, uc)
	case models.StageHumanDecision:
		return o.stageHumanDecision(job)
	case models.StageBaselineCollection:
		return o.stageBaselineCollection(ctx, job)
	case models.StageDeployment:
		return o.stageDeployment(ctx, job)
	case models.StageMonitoring:
		return o.stageMonitoring(ctx, job, uc)
	case models.StageLogAnalysis:
		return o.stageLogAnalysis(ctx, job, uc)
	case models.StageAIValidation:
		return o.stageAIValidation(ctx, job, uc)
	case models.StageNotifications:
		return o.stageNotifications(ctx, job, uc)
	}
	return nil, fmt.Errorf("no handler for stage %q", stage)
}

func (o *Orchestrator) stageVoiceInput(job *models.Job) (json.RawMessage, error) {
	text := strings.TrimSpace(job.InputText)
	if text == "" {
		return nil, errors.New("request text is empty")
	}
	return marshalStageData(VoiceInputData{Text: text, ReceivedAt: job.CreatedAt})
}

func (o *Orchestrator) stageIntentParsing(ctx context.Context, job *models.Job, uc models.UseCase) (json.RawMessage, error) {
	var voice VoiceInputData
	if err := loadStageData(job, models.StageVoiceInput, &voice); err != nil {
		return nil, err
	}
	intent, err := o.model.ParseIntent(ctx, voice.Text, uc.IntentPrompt)
	fallbackUsed := false
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Printf("job %s: intent parsing fell back to keyword extraction: %v", job.ID, err)
		intent = llm.ExtractIntent(voice.Text, uc.DefaultAction())
		fallbackUsed = true
	}
	if intent.Action == "" {
		intent.Action = uc.DefaultAction()
	}
	if o.lab == nil {
		return nil, errors.New("no device backend configured")
	}
	resolution, err := netlab.ResolveTargets(ctx, o.lab, intent.TargetDevices)
	if err != nil {
		return nil, fmt.Errorf("resolve targets: %w", err)
	}
	if !resolution.Resolved() {
		return nil, fmt.Errorf("no devices resolved from %v: %s",
			resolution.RawTargets, strings.Join(resolution.Errors, "; "))
	}
	return marshalStageData(IntentData{Intent: intent, Resolution: resolution, FallbackUsed: fallbackUsed})
}

func (o *Orchestrator) stageConfigGeneration(ctx context.Context, job *models.Job, uc models.UseCase) (json.RawMessage, error) {
	var in IntentData
	if err := loadStageData(job, models.StageIntentParsing, &in); err != nil {
		return nil, err
	}
	if o.lab == nil {
		return nil, errors.New("no device backend configured")
	}
	action := in.Intent.Action
	params, err := iosconfig.ParseParams(in.Intent.Parameters)
	if err != nil {
		return nil, fmt.Errorf("parse intent parameters: %w", err)
	}
	params.Rand = o.rand

	// One password for the whole fleet, chosen up front so every device
	// converges on the same credential.
	generated := ""
	if iosconfig.RotatesCredentials(action) && params.NewPassword == "" {
		pw, err := iosconfig.GeneratePassword(o.rand, iosconfig.DefaultPasswordLength)
		if err != nil {
			return nil, fmt.Errorf("generate password: %w", err)
		}
		params.NewPassword = pw
		generated = pw
	}

	builder, hasBuilder := iosconfig.BuilderFor(action)
	devices := in.Resolution.ResolvedLabels
	changes := make([]DeviceChange, len(devices))
	o.forEachDevice(ctx, devices, func(callCtx context.Context, i int, device string) {
		changes[i] = o.planDeviceChange(callCtx, device, params, builder, hasBuilder, in.Intent, uc)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := ConfigData{Action: action, Changes: changes}
	failures := 0
	for _, c := range changes {
		if c.Error != "" {
			failures++
		}
	}
	if len(changes) > 0 && failures == len(changes) {
		data, _ := marshalStageData(out)
		return data, fmt.Errorf("config generation failed on all %d devices", len(changes))
	}

	if generated != "" {
		if len(o.escrowRecipients) > 0 {
			armored, err := secrets.Encrypt(o.escrowRecipients, "job "+job.ID, generated)
			if err != nil {
				return nil, fmt.Errorf("escrow generated credential: %w", err)
			}
			payload, _ := json.Marshal(map[string]string{"armored": armored})
			o.recordEvent(ctx, EventKindCredentialEscrow, job.ID, models.StageConfigGeneration,
				"generated credential escrowed", string(payload))
			for i := range out.Changes {
				out.Changes[i].Warnings = redactGeneratedPassword(out.Changes[i].Warnings)
			}
			out.PasswordEscrowed = true
		} else {
			o.recordEvent(ctx, EventKindJobStage, job.ID, models.StageConfigGeneration,
				"generated credential retained in stage data; no escrow recipients configured", "")
		}
	}
	return marshalStageData(out)
}

func (o *Orchestrator) planDeviceChange(ctx context.Context, device string, params iosconfig.Params, builder iosconfig.Builder, hasBuilder bool, intent llm.Intent, uc models.UseCase) DeviceChange {
	change := DeviceChange{Device: device}
	raw, err := o.lab.RunCommand(ctx, device, runningConfigCommand)
	if err != nil {
		if hasBuilder {
			change.Error = fmt.Sprintf("fetch running config: %v", err)
			return change
		}
		// The generative path treats the running config as optional
		// context.
		raw = ""
	}
	if hasBuilder {
		result, err := builder(iosconfig.ParseRunningConfig(raw), params)
		if err != nil {
			change.Error = err.Error()
			return change
		}
		change.Source = changeSourceBuilder
		change.Commands = result.Commands
		change.RollbackCommands = result.RollbackCommands
		change.Warnings = result.Warnings
		change.AffectedInterfaces = result.AffectedInterfaces
		change.OSPFProcessID = result.OSPFProcessID
		return change
	}
	gen, err := o.model.GenerateConfig(ctx, intent, uc.ConfigPrompt, raw)
	if err != nil {
		change.Error = fmt.Sprintf("generate config: %v", err)
		return change
	}
	change.Source = changeSourceModel
	change.Commands = gen.Commands
	change.RollbackCommands = gen.RollbackCommands
	change.Explanation = gen.Explanation
	return change
}

func (o *Orchestrator) stageAIAdvice(ctx context.Context, job *models.Job, uc models.UseCase) (json.RawMessage, error) {
	var in IntentData
	if err := loadStageData(job, models.StageIntentParsing, &in); err != nil {
		return nil, err
	}
	var cfg ConfigData
	if err := loadStageData(job, models.StageConfigGeneration, &cfg); err != nil {
		return nil, err
	}
	advice, err := o.model.GenerateAdvice(ctx, in.Intent, cfg)
	fallbackUsed := false
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Printf("job %s: advice fell back to conservative defaults: %v", job.ID, err)
		advice = llm.ConservativeAdvice()
		fallbackUsed = true
	}
	return marshalStageData(AdviceData{Advice: advice, FallbackUsed: fallbackUsed})
}

func (o *Orchestrator) stageHumanDecision(job *models.Job) (json.RawMessage, error) {
	var in IntentData
	if err := loadStageData(job, models.StageIntentParsing, &in); err != nil {
		return nil, err
	}
	var cfg ConfigData
	if err := loadStageData(job, models.StageConfigGeneration, &cfg); err != nil {
		return nil, err
	}
	summary := DecisionData{
		AwaitingApproval: true,
		Input:            job.InputText,
		Action:           cfg.Action,
		Devices:          in.Resolution.ResolvedLabels,
		CommandTotal:     commandTotal(cfg.Changes),
	}
	var adv AdviceData
	if err := loadStageData(job, models.StageAIAdvice, &adv); err == nil {
		summary.RiskLevel = adv.Advice.RiskLevel
		summary.Recommendation = adv.Advice.Recommendation
	}
	return marshalStageData(summary)
}

func (o *Orchestrator) stageBaselineCollection(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var in IntentData
	if err := loadStageData(job, models.StageIntentParsing, &in); err != nil {
		return nil, err
	}
	if o.lab == nil {
		return nil, errors.New("no device backend configured")
	}
	snaps := o.collectSnapshots(ctx, in.Resolution.ResolvedLabels)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return marshalStageData(BaselineData{Snapshots: snaps})
}

func (o *Orchestrator) collectSnapshots(ctx context.Context, devices []string) []netdiff.Snapshot {
	snaps := make([]netdiff.Snapshot, len(devices))
	o.forEachDevice(ctx, devices, func(callCtx context.Context, i int, device string) {
		snaps[i] = netdiff.Collect(callCtx, o.lab, device)
	})
	return snaps
}

func (o *Orchestrator) stageDeployment(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var cfg ConfigData
	if err := loadStageData(job, models.StageConfigGeneration, &cfg); err != nil {
		return nil, err
	}
	if o.lab == nil {
		return nil, errors.New("no device backend configured")
	}

	var work []DeviceChange
	for _, c := range cfg.Changes {
		if c.Error == "" && len(c.Commands) > 0 {
			work = append(work, c)
		}
	}
	if len(work) == 0 {
		return marshalStageData(DeploymentData{Deployed: true, Note: "no commands to deploy"})
	}

	devices := make([]string, len(work))
	for i, c := range work {
		devices[i] = c.Device
	}
	results := make([]DeviceDeployResult, len(work))
	o.forEachDevice(ctx, devices, func(callCtx context.Context, i int, device string) {
		out, err := o.lab.ApplyConfig(callCtx, device, strings.Join(work[i].Commands, "\n"), true)
		if err != nil {
			results[i] = DeviceDeployResult{Device: device, Error: err.Error()}
			return
		}
		results[i] = DeviceDeployResult{Device: device, Success: true, Output: out}
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	deployed := failed == 0
	if deployed && cfg.PasswordEscrowed {
		o.scrubDeployedSecrets(job, &cfg, results)
	}
	data, err := marshalStageData(DeploymentData{Deployed: deployed, Results: results})
	if err != nil {
		return nil, err
	}
	if !deployed {
		return data, fmt.Errorf("deployment failed on %d of %d devices", failed, len(results))
	}
	return data, nil
}

// scrubDeployedSecrets removes the plaintext credential from the stored
// change plan once it is live on the devices. The escrow event holds the
// only remaining copy.
func (o *Orchestrator) scrubDeployedSecrets(job *models.Job, cfg *ConfigData, results []DeviceDeployResult) {
	for i := range cfg.Changes {
		cfg.Changes[i].Commands = redactSecretArgs(cfg.Changes[i].Commands)
		cfg.Changes[i].Warnings = redactGeneratedPassword(cfg.Changes[i].Warnings)
	}
	for i := range results {
		results[i].Output = secretArgPattern.ReplaceAllString(results[i].Output, "${1}"+escrowedPlaceholder)
	}
	rec := job.StageRecordFor(models.StageConfigGeneration)
	if rec == nil {
		return
	}
	if data, err := json.Marshal(cfg); err == nil {
		rec.Data = data
	}
}

func (o *Orchestrator) stageMonitoring(ctx context.Context, job *models.Job, uc models.UseCase) (json.RawMessage, error) {
	var in IntentData
	if err := loadStageData(job, models.StageIntentParsing, &in); err != nil {
		return nil, err
	}
	if o.lab == nil {
		return nil, errors.New("no device backend configured")
	}

	wait := uc.ConvergenceWaitSeconds
	if wait > 0 {
		o.logger.Printf("job %s: waiting %ds for convergence", job.ID, wait)
	}
	waited := 0
	remaining := time.Duration(wait) * time.Second
	for remaining > 0 {
		step := monitorProgressInterval
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step):
		}
		remaining -= step
		waited += int(step / time.Second)
		payload, _ := json.Marshal(map[string]int{"waited_seconds": waited, "total_seconds": wait})
		o.recordEvent(ctx, EventKindJobStage, job.ID, models.StageMonitoring, "convergence wait", string(payload))
	}

	snaps := o.collectSnapshots(ctx, in.Resolution.ResolvedLabels)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return marshalStageData(MonitoringData{WaitedSeconds: waited, Snapshots: snaps})
}

func (o *Orchestrator) stageLogAnalysis(ctx context.Context, job *models.Job, uc models.UseCase) (json.RawMessage, error) {
	if o.logs == nil {
		return marshalStageData(LogAnalysisData{Skipped: true, Reason: "log query backend not configured"})
	}
	var in IntentData
	if err := loadStageData(job, models.StageIntentParsing, &in); err != nil {
		return nil, err
	}

	earliest := o.earliestSinceStart(job)
	queryType := logquery.QueryTypeForUseCase(uc.Name)
	out := LogAnalysisData{
		QueryType: queryType,
		Earliest:  earliest,
		Results:   make(map[string]logquery.QueryResult),
	}
	run := func(key string, qt logquery.QueryType, device string) {
		res, err := o.logs.Query(ctx, qt, earliest, device)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", key, err))
			return
		}
		out.Results[key] = res
	}
	run(string(queryType), queryType, "")
	if queryType != logquery.TypeRecentErrors {
		run(string(logquery.TypeRecentErrors), logquery.TypeRecentErrors, "")
	}
	for _, device := range in.Resolution.ResolvedLabels {
		run("device:"+device, logquery.TypeDeviceLogs, device)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return marshalStageData(out)
}

// earliestSinceStart renders a relative search window covering the whole
// job run plus a minute of slack.
func (o *Orchestrator) earliestSinceStart(job *models.Job) string {
	secs := 300
	if job.StartedAt != nil {
		if elapsed := int(o.now().Sub(*job.StartedAt).Seconds()); elapsed > 0 {
			secs = elapsed + 60
		}
	}
	return fmt.Sprintf("-%ds", secs)
}

func (o *Orchestrator) stageAIValidation(ctx context.Context, job *models.Job, uc models.UseCase) (json.RawMessage, error) {
	var baseline BaselineData
	if err := loadStageData(job, models.StageBaselineCollection, &baseline); err != nil {
		return nil, err
	}
	var post MonitoringData
	if err := loadStageData(job, models.StageMonitoring, &post); err != nil {
		return nil, err
	}
	var cfg ConfigData
	if err := loadStageData(job, models.StageConfigGeneration, &cfg); err != nil {
		return nil, err
	}
	var dep DeploymentData
	if err := loadStageData(job, models.StageDeployment, &dep); err != nil {
		return nil, err
	}
	var logs LogAnalysisData
	_ = loadStageData(job, models.StageLogAnalysis, &logs)

	diff := netdiff.Compute(baseline.Snapshots, post.Snapshots)
	verdict, err := o.model.ValidateDeployment(ctx, llm.ValidationRequest{
		Config:           cfg,
		DeploymentResult: dep,
		LogResults:       logs,
		TimeWindow:       fmt.Sprintf("%d seconds", post.WaitedSeconds),
		Prompt:           uc.AnalysisPrompt,
		Diff:             &diff,
	})
	fallbackUsed := false
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Printf("job %s: validation fell back to diff verdict: %v", job.ID, err)
		verdict = llm.FallbackValidation(&diff, llm.Scoring{})
		fallbackUsed = true
	}
	if resultJSON, err := json.Marshal(verdict); err == nil {
		job.ResultJSON = string(resultJSON)
	}
	return marshalStageData(ValidationData{Validation: verdict, Diff: diff, FallbackUsed: fallbackUsed})
}

func (o *Orchestrator) stageNotifications(ctx context.Context, job *models.Job, uc models.UseCase) (json.RawMessage, error) {
	var val ValidationData
	if err := loadStageData(job, models.StageAIValidation, &val); err != nil {
		return nil, err
	}
	var in IntentData
	_ = loadStageData(job, models.StageIntentParsing, &in)
	var cfg ConfigData
	_ = loadStageData(job, models.StageConfigGeneration, &cfg)

	severity := severityForValidation(val.Validation.Status)
	template := notify.PickTemplate(uc.NotificationTemplates, severity)
	if template == "" {
		template = defaultNotificationTemplate
	}
	body := notify.RenderTemplate(template, map[string]any{
		"job_id":               job.ID,
		"use_case":             job.UseCase,
		"action":               cfg.Action,
		"status":               val.Validation.Status,
		"score":                val.Validation.OverallScore,
		"summary":              val.Validation.Summary,
		"devices":              strings.Join(in.Resolution.ResolvedLabels, ", "),
		"rollback_recommended": val.Validation.RollbackRecommended,
	})
	subject := fmt.Sprintf("[%s] network change %s (%s)", strings.ToUpper(severity), job.ID, job.UseCase)

	out := NotificationData{Severity: severity, Subject: subject, Body: body}
	if err := o.notifier.Send(ctx, subject, body); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		out.Error = err.Error()
		o.logger.Printf("job %s: notification delivery failed: %v", job.ID, err)
	} else {
		out.Sent = true
	}
	return marshalStageData(out)
}

// severityForValidation maps a validation status onto the notification
// template keys.
func severityForValidation(status string) string {
	switch strings.ToUpper(status) {
	case "FAILED":
		return "critical"
	case "WARNING":
		return "warning"
	default:
		return "success"
	}
}

func commandTotal(changes []DeviceChange) int {
	total := 0
	for _, c := range changes {
		total += len(c.Commands)
	}
	return total
}

var secretArgPattern = regexp.MustCompile(`(secret 0 )\S+`)

func redactSecretArgs(lines []string) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = secretArgPattern.ReplaceAllString(line, "${1}"+escrowedPlaceholder)
	}
	return out
}

func redactGeneratedPassword(warnings []string) []string {
	out := make([]string, len(warnings))
	for i, w := range warnings {
		if strings.HasPrefix(w, iosconfig.GeneratedPasswordPrefix) {
			out[i] = iosconfig.GeneratedPasswordPrefix + escrowedPlaceholder
			continue
		}
		out[i] = w
	}
	return out
}

func marshalStageData(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal stage data: %w", err)
	}
	return data, nil
}

func loadStageData(job *models.Job, stage models.Stage, out any) error {
	rec := job.StageRecordFor(stage)
	if rec == nil || len(rec.Data) == 0 {
		return fmt.Errorf("stage %s has no recorded data", stage)
	}
	if err := json.Unmarshal(rec.Data, out); err != nil {
		return fmt.Errorf("decode %s stage data: %w", stage, err)
	}
	return nil
}
