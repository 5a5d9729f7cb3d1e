// ABOUTME: Command tree for the changelab control client.
// ABOUTME: Each subcommand wraps one control API call plus its terminal output.

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/changelab/changelab/internal/buildinfo"
	"github.com/changelab/changelab/internal/models"
)

const (
	defaultControlAddr = "http://127.0.0.1:8787"
	defaultTimeout     = 30 * time.Second
	eventPollInterval  = 2 * time.Second
)

// cliOptions holds the persistent flags shared by every subcommand.
type cliOptions struct {
	addr    string
	jsonOut bool
	timeout time.Duration
	stdout  io.Writer
}

func (o *cliOptions) client() *apiClient {
	return newAPIClient(o.addr, o.timeout)
}

func (o *cliOptions) emitJob(job jobResponse) error {
	if o.jsonOut {
		return prettyPrintJSON(o.stdout, job)
	}
	printJob(o.stdout, job)
	return nil
}

func (o *cliOptions) postJobAction(ctx context.Context, id, action, comment string) (jobResponse, error) {
	var payload any
	if comment != "" {
		payload = decisionRequest{Comment: comment}
	}
	var job jobResponse
	err := o.client().doJSON(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/"+action, payload, &job)
	return job, err
}

func defaultAddr() string {
	if addr := os.Getenv("CHANGELAB_ADDR"); addr != "" {
		return addr
	}
	return defaultControlAddr
}

func buildCLI() *cobra.Command {
	return newRootCommand(&cliOptions{stdout: os.Stdout})
}

func newRootCommand(opts *cliOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "changelab",
		Short:         "Control client for the changelabd change pipeline",
		Long:          "changelab submits network change requests to changelabd and drives them\nthrough the pipeline: inspect jobs, approve or reject generated plans,\nstep paused jobs forward, and trigger rollbacks.",
		Version:       buildinfo.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", defaultAddr(), "base URL of the changelabd control API")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print raw JSON responses")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultTimeout, "per-request timeout")

	root.AddCommand(
		buildCreateCommand(opts),
		buildListCommand(opts),
		buildShowCommand(opts),
		buildApproveCommand(opts),
		buildRejectCommand(opts),
		buildAdvanceCommand(opts),
		buildCancelCommand(opts),
		buildRetryCommand(opts),
		buildRollbackCommand(opts),
		buildEventsCommand(opts),
		buildDevicesCommand(opts),
		buildUsecasesCommand(opts),
		buildStatusCommand(opts),
	)
	return root
}

func buildCreateCommand(opts *cliOptions) *cobra.Command {
	var (
		useCase    string
		text       string
		stepMode   bool
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a change request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(useCase) == "" {
				return newCLIError("use case is required", "pass --use-case with a name from 'changelab usecases'")
			}
			if strings.TrimSpace(text) == "" {
				return newCLIError("request text is required", "pass --text with the change you want, e.g. \"move r1 and r2 to ospf area 1\"")
			}
			payload := jobCreateRequest{
				UseCase:   useCase,
				InputText: text,
				StepMode:  stepMode,
			}
			if maxRetries > 0 {
				payload.MaxRetries = &maxRetries
			}
			var job jobResponse
			if err := opts.client().doJSON(cmd.Context(), http.MethodPost, "/v1/jobs", payload, &job); err != nil {
				return err
			}
			return opts.emitJob(job)
		},
	}
	cmd.Flags().StringVarP(&useCase, "use-case", "u", "", "use case the request belongs to")
	cmd.Flags().StringVarP(&text, "text", "t", "", "the change request, in plain language")
	cmd.Flags().BoolVar(&stepMode, "step", false, "pause after every stage instead of only at the approval gate")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "per-stage retry budget (0 uses the server default)")
	return cmd
}

func buildListCommand(opts *cliOptions) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if status != "" {
				query.Set("status", status)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			path := "/v1/jobs"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}
			var resp jobsResponse
			if err := opts.client().doJSON(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if opts.jsonOut {
				return prettyPrintJSON(opts.stdout, resp)
			}
			printJobList(opts.stdout, resp.Jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by job status (e.g. PAUSED, FAILED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs to return")
	return cmd
}

func buildShowCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job with its stage records and recent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job jobResponse
			path := "/v1/jobs/" + url.PathEscape(args[0])
			if err := opts.client().doJSON(cmd.Context(), http.MethodGet, path, nil, &job); err != nil {
				return err
			}
			if opts.jsonOut {
				return prettyPrintJSON(opts.stdout, job)
			}
			printJob(opts.stdout, job)
			if len(job.Stages) > 0 {
				fmt.Fprintln(opts.stdout)
				printStages(opts.stdout, job.Stages)
			}
			if len(job.Events) > 0 {
				fmt.Fprintln(opts.stdout)
				fmt.Fprintln(opts.stdout, "recent events:")
				printEvents(opts.stdout, job.Events)
			}
			return nil
		},
	}
}

func buildApproveCommand(opts *cliOptions) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "approve <job-id>",
		Short: "Approve a job paused at the plan gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.postJobAction(cmd.Context(), args[0], "approve", comment)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return prettyPrintJSON(opts.stdout, job)
			}
			fmt.Fprintf(opts.stdout, "job %s approved\n", job.ID)
			return nil
		},
		Args: cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&comment, "comment", "", "note recorded with the decision")
	return cmd
}

func buildRejectCommand(opts *cliOptions) *cobra.Command {
	var (
		comment string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "reject <job-id>",
		Short: "Reject a job paused at the plan gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			confirm := confirmOptions{
				action:     "reject job " + args[0],
				force:      force,
				jsonOutput: opts.jsonOut,
			}
			if err := requireConfirmation(confirm); err != nil {
				return err
			}
			job, err := opts.postJobAction(cmd.Context(), args[0], "reject", comment)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return prettyPrintJSON(opts.stdout, job)
			}
			fmt.Fprintf(opts.stdout, "job %s rejected\n", job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "note recorded with the decision")
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return cmd
}

func buildAdvanceCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <job-id>",
		Short: "Run the next stage of a job paused in step mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.postJobAction(cmd.Context(), args[0], "advance", "")
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return prettyPrintJSON(opts.stdout, job)
			}
			fmt.Fprintf(opts.stdout, "job %s advancing to %s\n", job.ID, job.CurrentStage)
			return nil
		},
	}
}

func buildCancelCommand(opts *cliOptions) *cobra.Command {
	var (
		comment string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not finished yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			confirm := confirmOptions{
				action:     "cancel job " + args[0],
				force:      force,
				jsonOutput: opts.jsonOut,
			}
			if err := requireConfirmation(confirm); err != nil {
				return err
			}
			job, err := opts.postJobAction(cmd.Context(), args[0], "cancel", comment)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return prettyPrintJSON(opts.stdout, job)
			}
			fmt.Fprintf(opts.stdout, "job %s cancelled\n", job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "reason recorded with the cancellation")
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return cmd
}

func buildRetryCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-queue a failed job at its failed stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.postJobAction(cmd.Context(), args[0], "retry", "")
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return prettyPrintJSON(opts.stdout, job)
			}
			fmt.Fprintf(opts.stdout, "job %s re-queued at %s (attempt %d of %d)\n",
				job.ID, job.CurrentStage, job.RetryCount, job.MaxRetries)
			return nil
		},
	}
}

func buildRollbackCommand(opts *cliOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rollback <job-id>",
		Short: "Restore the pre-change configuration on the job's devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			confirm := confirmOptions{
				action:     "roll back job " + args[0],
				force:      force,
				jsonOutput: opts.jsonOut,
			}
			if err := requireConfirmation(confirm); err != nil {
				return err
			}
			var resp rollbackResponse
			path := "/v1/jobs/" + url.PathEscape(args[0]) + "/rollback"
			if err := opts.client().doJSON(cmd.Context(), http.MethodPost, path, nil, &resp); err != nil {
				return err
			}
			if opts.jsonOut {
				return prettyPrintJSON(opts.stdout, resp)
			}
			printRollback(opts.stdout, resp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return cmd
}

func buildEventsCommand(opts *cliOptions) *cobra.Command {
	var (
		after  int64
		limit  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "events <job-id>",
		Short: "Print a job's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if follow && opts.jsonOut {
				return newCLIError("cannot combine --follow with --json", "drop one of the two flags")
			}
			cursor := after
			for {
				query := url.Values{}
				if cursor > 0 {
					query.Set("after", strconv.FormatInt(cursor, 10))
				}
				if limit > 0 {
					query.Set("limit", strconv.Itoa(limit))
				}
				path := "/v1/jobs/" + url.PathEscape(args[0]) + "/events"
				if len(query) > 0 {
					path += "?" + query.Encode()
				}
				var resp eventsResponse
				if err := opts.client().doJSON(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
					return err
				}
				if opts.jsonOut {
					return prettyPrintJSON(opts.stdout, resp)
				}
				if last := printEvents(opts.stdout, resp.Events); last > cursor {
					cursor = last
				}
				if !follow {
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-time.After(eventPollInterval):
				}
			}
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events with an id greater than this")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events per fetch")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "poll for new events until interrupted")
	return cmd
}

func buildDevicesCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the devices in the configured lab",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp devicesResponse
			if err := opts.client().doJSON(cmd.Context(), http.MethodGet, "/v1/devices", nil, &resp); err != nil {
				return err
			}
			if opts.jsonOut {
				return prettyPrintJSON(opts.stdout, resp)
			}
			printDevices(opts.stdout, resp.Devices)
			return nil
		},
	}
}

func buildUsecasesCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usecases",
		Short: "List the use cases the daemon has loaded",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp useCasesResponse
			if err := opts.client().doJSON(cmd.Context(), http.MethodGet, "/v1/usecases", nil, &resp); err != nil {
				return err
			}
			if opts.jsonOut {
				return prettyPrintJSON(opts.stdout, resp)
			}
			printUseCases(opts.stdout, resp.UseCases)
			return nil
		},
	}
}

func buildStatusCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon version, job counts, and recent failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp statusResponse
			if err := opts.client().doJSON(cmd.Context(), http.MethodGet, "/v1/status", nil, &resp); err != nil {
				return err
			}
			if opts.jsonOut {
				return prettyPrintJSON(opts.stdout, resp)
			}
			printStatus(opts.stdout, resp)
			return nil
		},
	}
}

func printJob(w io.Writer, job jobResponse) {
	fmt.Fprintf(w, "id: %s\n", job.ID)
	fmt.Fprintf(w, "use case: %s\n", job.UseCase)
	fmt.Fprintf(w, "status: %s\n", job.Status)
	fmt.Fprintf(w, "stage: %s\n", job.CurrentStage)
	if job.StepMode {
		fmt.Fprintln(w, "step mode: on")
	}
	fmt.Fprintf(w, "retries: %d of %d used\n", job.RetryCount, job.MaxRetries)
	if job.RolledBack {
		fmt.Fprintln(w, "rolled back: yes")
	}
	fmt.Fprintf(w, "created: %s\n", job.CreatedAt)
	if job.CompletedAt != "" {
		fmt.Fprintf(w, "completed: %s\n", job.CompletedAt)
	}
	if job.Error != "" {
		fmt.Fprintf(w, "error: %s\n", job.Error)
	}
}

func printJobList(w io.Writer, jobs []jobResponse) {
	tw := tabwriter.NewWriter(w, 2, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSE CASE\tSTAGE\tSTATUS\tCREATED")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", job.ID, job.UseCase, job.CurrentStage, job.Status, job.CreatedAt)
	}
	tw.Flush()
}

// printStages lists stage records in pipeline order; the synthetic rollback
// record, when present, goes last.
func printStages(w io.Writer, stages map[string]stageRecord) {
	tw := tabwriter.NewWriter(w, 2, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tCOMPLETED\tERROR")
	for _, stage := range models.PipelineStages {
		rec, ok := stages[string(stage)]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", stage, rec.Status, orDash(rec.CompletedAt), orDash(rec.Error))
	}
	if rec, ok := stages[string(models.StageRollback)]; ok {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", models.StageRollback, rec.Status, orDash(rec.CompletedAt), orDash(rec.Error))
	}
	tw.Flush()
}

func printEvents(w io.Writer, events []eventResponse) int64 {
	var last int64
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ev.Timestamp, ev.Kind, orDash(ev.Stage), ev.Message)
		if ev.ID > last {
			last = ev.ID
		}
	}
	return last
}

func printRollback(w io.Writer, resp rollbackResponse) {
	if resp.Successful {
		fmt.Fprintf(w, "rollback completed for job %s\n", resp.JobID)
	} else {
		fmt.Fprintf(w, "rollback finished with failures for job %s\n", resp.JobID)
	}
	tw := tabwriter.NewWriter(w, 2, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tRESULT\tDETAIL")
	for _, r := range resp.Results {
		result := "ok"
		switch {
		case r.Skipped:
			result = "skipped"
		case !r.Success:
			result = "failed"
		}
		detail := r.Error
		if detail == "" && len(r.Warnings) > 0 {
			detail = strings.Join(r.Warnings, "; ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Device, result, orDash(detail))
	}
	tw.Flush()
}

func printDevices(w io.Writer, devices []deviceResponse) {
	tw := tabwriter.NewWriter(w, 2, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tSTATE\tACTIVE\tNODE")
	for _, d := range devices {
		active := "no"
		if d.Active {
			active = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Label, orDash(d.State), active, orDash(d.NodeDefinition))
	}
	tw.Flush()
}

func printUseCases(w io.Writer, useCases []useCaseResponse) {
	tw := tabwriter.NewWriter(w, 2, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLAB\tACTIONS\tDESCRIPTION")
	for _, uc := range useCases {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", uc.Name, orDash(uc.LabID), orDash(strings.Join(uc.Actions, ",")), orDash(uc.Description))
	}
	tw.Flush()
}

func printStatus(w io.Writer, st statusResponse) {
	fmt.Fprintf(w, "version: %s\n", st.Version)
	fmt.Fprintf(w, "use cases: %d\n", st.UseCases)
	metrics := "disabled"
	if st.Metrics.Enabled {
		metrics = "enabled"
	}
	fmt.Fprintf(w, "metrics: %s\n", metrics)
	fmt.Fprintln(w, "jobs:")
	for _, status := range models.JobStatuses {
		fmt.Fprintf(w, "  %s: %d\n", strings.ToLower(string(status)), st.Jobs[string(status)])
	}
	if len(st.RecentFailures) > 0 {
		fmt.Fprintln(w, "recent failures:")
		for _, ev := range st.RecentFailures {
			fmt.Fprintf(w, "  %s\tjob=%s\t%s\n", ev.Timestamp, orDash(ev.JobID), ev.Message)
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
