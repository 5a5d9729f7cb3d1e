// ABOUTME: HTTP client for the changelabd control API.
// ABOUTME: Wraps request/response plumbing so commands stay thin.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxJSONOutputBytes = 4 << 20

type apiClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

func (c *apiClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// doJSON issues a request and decodes the JSON response into out when it is
// non-nil. Error payloads from the daemon are surfaced as cliErrors.
func (c *apiClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapCLIError(err,
			fmt.Sprintf("cannot reach changelabd at %s: %v", c.baseURL, err),
			"check that the daemon is running and --addr points at its control listener",
		)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONOutputBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseAPIError(status int, data []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("%s", payload.Error)
	}
	return fmt.Errorf("request failed with status %d", status)
}

func prettyPrintJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("format output: %w", err)
	}
	buf.WriteByte('\n')
	_, err = w.Write(buf.Bytes())
	return err
}

// Request and response shapes mirror the daemon's v1 JSON contract.

type jobCreateRequest struct {
	UseCase    string `json:"use_case"`
	InputText  string `json:"input_text"`
	StepMode   bool   `json:"step_mode,omitempty"`
	MaxRetries *int   `json:"max_retries,omitempty"`
}

type decisionRequest struct {
	Comment string `json:"comment,omitempty"`
}

type stageRecord struct {
	Status      string          `json:"status"`
	StartedAt   string          `json:"started_at,omitempty"`
	CompletedAt string          `json:"completed_at,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type jobResponse struct {
	ID           string                 `json:"id"`
	UseCase      string                 `json:"use_case"`
	InputText    string                 `json:"input_text"`
	CurrentStage string                 `json:"current_stage"`
	Status       string                 `json:"status"`
	StepMode     bool                   `json:"step_mode,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
	RolledBack   bool                   `json:"rolled_back,omitempty"`
	Result       json.RawMessage        `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
	CreatedAt    string                 `json:"created_at"`
	UpdatedAt    string                 `json:"updated_at,omitempty"`
	StartedAt    string                 `json:"started_at,omitempty"`
	CompletedAt  string                 `json:"completed_at,omitempty"`
	Stages       map[string]stageRecord `json:"stages,omitempty"`
	Events       []eventResponse        `json:"events,omitempty"`
}

type jobsResponse struct {
	Jobs []jobResponse `json:"jobs"`
}

type eventResponse struct {
	ID        int64           `json:"id"`
	Timestamp string          `json:"ts"`
	Kind      string          `json:"kind"`
	JobID     string          `json:"job_id,omitempty"`
	Stage     string          `json:"stage,omitempty"`
	Message   string          `json:"msg,omitempty"`
	Payload   json.RawMessage `json:"json,omitempty"`
}

type eventsResponse struct {
	Events []eventResponse `json:"events"`
	LastID int64           `json:"last_id,omitempty"`
}

type deviceRollbackResult struct {
	Device   string   `json:"device"`
	Success  bool     `json:"success"`
	Skipped  bool     `json:"skipped,omitempty"`
	Output   string   `json:"output,omitempty"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type rollbackResponse struct {
	JobID      string                 `json:"job_id"`
	Successful bool                   `json:"successful"`
	Results    []deviceRollbackResult `json:"results"`
	ExecutedAt string                 `json:"executed_at"`
}

type useCaseResponse struct {
	Name                   string   `json:"name"`
	Description            string   `json:"description,omitempty"`
	Actions                []string `json:"actions,omitempty"`
	LabID                  string   `json:"lab_id,omitempty"`
	LogIndex               string   `json:"log_index,omitempty"`
	ConvergenceWaitSeconds int      `json:"convergence_wait_seconds"`
	UpdatedAt              string   `json:"updated_at,omitempty"`
}

type useCasesResponse struct {
	UseCases []useCaseResponse `json:"use_cases"`
}

type deviceResponse struct {
	ID             string `json:"id,omitempty"`
	Label          string `json:"label"`
	NodeDefinition string `json:"node_definition,omitempty"`
	State          string `json:"state"`
	Active         bool   `json:"active"`
}

type devicesResponse struct {
	Devices []deviceResponse `json:"devices"`
}

type statusMetrics struct {
	Enabled bool `json:"enabled"`
}

type statusResponse struct {
	Version        string          `json:"version"`
	Jobs           map[string]int  `json:"jobs"`
	UseCases       int             `json:"use_cases"`
	Metrics        statusMetrics   `json:"metrics"`
	RecentFailures []eventResponse `json:"recent_failures"`
}
