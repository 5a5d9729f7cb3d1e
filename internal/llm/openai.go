package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// apiKeyMinLength is the shortest key accepted as real. Shorter values
// are almost always placeholders copied from a sample config.
const apiKeyMinLength = 20

const (
	defaultModel       = "gpt-4-turbo-preview"
	defaultTemperature = 0.7
	defaultMaxTokens   = 4096
	defaultTimeWindow  = "60 seconds"
)

// ValidAPIKey reports whether key looks usable rather than a
// placeholder left in a sample config.
func ValidAPIKey(key string) bool {
	if strings.HasPrefix(key, "sk-your-") {
		return false
	}
	return len(key) > apiKeyMinLength
}

// OpenAI is a Client backed by an OpenAI-compatible chat-completions
// API. The zero value is not usable; at minimum APIKey must be set.
type OpenAI struct {
	// HTTPClient is used for API requests. Defaults to
	// http.DefaultClient when nil.
	HTTPClient *http.Client

	// BaseURL is the API base, for example "https://api.openai.com/v1".
	BaseURL string

	// APIKey authenticates requests. Keys failing ValidAPIKey are
	// rejected before any request is made.
	APIKey string

	// Model names the chat model. Defaults to gpt-4-turbo-preview.
	Model string

	// Temperature for completions. Defaults to 0.7 when zero.
	Temperature float64

	// MaxTokens caps completion length. Defaults to 4096 when zero.
	MaxTokens int

	// Scoring adjusts validation scoring. Zero value means
	// DefaultScoring.
	Scoring Scoring
}

var _ Client = (*OpenAI)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
	ResponseFormat *chatFormat   `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const intentSystemPrompt = `You are a network operations intent parser.
You analyze voice commands from network engineers and extract structured intent.
Always respond with valid JSON.`

const defaultIntentPrompt = `Analyze the following voice command and extract structured intent:

Voice Command: {{input_text}}

Respond in JSON format with:
- action: The type of action requested
- target_devices: List of target devices
- parameters: Dictionary of parameters
- confidence: Confidence score (0-100)`

// ParseIntent extracts structured intent from request text. The prompt
// template's {{input_text}} placeholder is replaced with the text; a
// built-in template is used when prompt is empty.
func (c *OpenAI) ParseIntent(ctx context.Context, text, prompt string) (Intent, error) {
	if prompt == "" {
		prompt = defaultIntentPrompt
	}
	content, err := c.complete(ctx, intentSystemPrompt, strings.ReplaceAll(prompt, "{{input_text}}", text))
	if err != nil {
		return Intent{}, err
	}
	var intent Intent
	if err := decodeModelJSON(content, &intent); err != nil {
		return Intent{}, fmt.Errorf("parse intent response: %w", err)
	}
	return intent, nil
}

const configSystemPrompt = `You are a Cisco network configuration expert.
Generate precise IOS/IOS-XE commands for the given intent.
Always respond with valid JSON containing commands array.`

const defaultConfigPrompt = `Generate Cisco IOS configuration for the following intent:

Intent: {{intent}}

Current configuration:
{{current_config}}

Respond in JSON format with:
- commands: List of configuration commands
- rollback_commands: List of rollback commands
- explanation: Brief explanation`

// GenerateConfig asks the model for configuration commands. It is the
// path for intent actions with no registered builder; builder-backed
// actions never reach it.
func (c *OpenAI) GenerateConfig(ctx context.Context, intent Intent, prompt, currentConfig string) (GeneratedConfig, error) {
	if prompt == "" {
		prompt = defaultConfigPrompt
	}
	if currentConfig == "" {
		currentConfig = "Not available"
	}
	p := strings.ReplaceAll(prompt, "{{intent}}", renderJSON(intent))
	p = strings.ReplaceAll(p, "{{current_config}}", currentConfig)

	content, err := c.complete(ctx, configSystemPrompt, p)
	if err != nil {
		return GeneratedConfig{}, err
	}
	var out GeneratedConfig
	if err := decodeModelJSON(content, &out); err != nil {
		return GeneratedConfig{}, fmt.Errorf("parse config response: %w", err)
	}
	return out, nil
}

const adviceSystemPrompt = `You are a senior network engineer reviewing proposed configuration changes.
Analyze the change for risks, impact, and provide a clear recommendation.
Always respond with valid JSON.`

const advicePromptFormat = `Review the following network configuration change before deployment:

Intent: %s
Configuration: %s

Provide a pre-deployment risk assessment in JSON format with:
- risk_level: LOW, MEDIUM, or HIGH
- risk_factors: List of identified risks
- mitigation_steps: Suggested mitigations
- impact_assessment: Expected impact description
- rollback_ready: Boolean indicating if rollback commands are adequate
- recommendation: APPROVE, REVIEW, or REJECT
- recommendation_reason: Explanation for the recommendation
- pre_checks: List of checks to verify before deployment`

// GenerateAdvice produces the pre-deployment risk assessment for the
// intent and its change plan.
func (c *OpenAI) GenerateAdvice(ctx context.Context, intent Intent, plan any) (Advice, error) {
	prompt := fmt.Sprintf(advicePromptFormat, renderJSON(intent), renderJSON(plan))
	content, err := c.complete(ctx, adviceSystemPrompt, prompt)
	if err != nil {
		return Advice{}, err
	}
	var advice Advice
	if err := decodeModelJSON(content, &advice); err != nil {
		return Advice{}, fmt.Errorf("parse advice response: %w", err)
	}
	return advice, nil
}

const validationSystemPrompt = `You are a senior network engineer validating deployment results.

CRITICAL TASK: Determine if this deployment was successful or requires rollback.

Analyze these inputs:
1. Monitoring Diff: Did OSPF neighbors, interfaces, or routes decrease?
2. Device Logs: Any ERROR messages, neighbor down events, or routing failures?
3. Expected vs Actual: Does the result match the intended change?

ROLLBACK DECISION CRITERIA:
- ROLLBACK REQUIRED: If neighbors lost, interfaces down, or critical errors in logs
- ACCEPTABLE: Minor warnings but network stable, no loss of connectivity
- SUCCESS: Change applied cleanly, network converged as expected

REQUIRED JSON STRUCTURE (you MUST include ALL fields exactly):
{
  "validation_status": "PASSED" | "WARNING" | "FAILED",
  "overall_score": <number 0-100>,
  "rollback_recommended": <boolean>,
  "rollback_reason": "<string explaining why rollback is/isn't recommended>",
  "findings": [
    {
      "category": "<string: Network State|Deployment|Logs|Configuration>",
      "status": "<string: ok|warning|critical>",
      "severity": "<string: info|warning|critical>",
      "message": "<string: description of finding>"
    }
  ],
  "summary": "<string: overall assessment>",
  "recommendation": "<string: detailed recommendation>"
}

CRITICAL RULES:
1. If OSPF neighbors decreased (change < 0): validation_status MUST be "FAILED", rollback_recommended MUST be true
2. If interfaces went down (change < 0): validation_status MUST be "FAILED", rollback_recommended MUST be true
3. If logs show critical errors: validation_status MUST be "WARNING" or "FAILED"
4. overall_score: 100 = perfect, 0 = complete failure
5. Include at least 3 findings in the findings array
6. Each finding MUST have all 4 fields: category, status, severity, message

Return ONLY the JSON object, no additional text.`

const defaultValidationPrompt = `Validate the results of the following network change:

Configuration: {{config}}
Deployment Result: {{deployment_result}}
Log Query Results: {{log_results}}
Monitoring Diff: {{monitoring_diff}}
Observation Window: {{time_window}}`

// validationWire tolerates partial model output; nil fields get
// defaults during normalization.
type validationWire struct {
	Status              *string       `json:"validation_status"`
	OverallScore        *float64      `json:"overall_score"`
	RollbackRecommended *bool         `json:"rollback_recommended"`
	RollbackReason      *string       `json:"rollback_reason"`
	Findings            []findingWire `json:"findings"`
	Summary             *string       `json:"summary"`
	Recommendation      *string       `json:"recommendation"`
}

type findingWire struct {
	Category *string `json:"category"`
	Status   *string `json:"status"`
	Severity *string `json:"severity"`
	Message  *string `json:"message"`
}

// ValidateDeployment renders the post-deployment verdict. The computed
// diff summary is always appended to the prompt so the model sees the
// structured metrics even when the template omits them. A verdict is
// still returned when the model's output cannot be parsed, via
// FallbackValidation.
func (c *OpenAI) ValidateDeployment(ctx context.Context, req ValidationRequest) (Validation, error) {
	scoring := c.Scoring.orDefault()

	prompt := req.Prompt
	if prompt == "" {
		prompt = defaultValidationPrompt
	}
	prompt = strings.ReplaceAll(prompt, "{{config}}", renderJSON(req.Config))
	prompt = strings.ReplaceAll(prompt, "{{deployment_result}}", renderJSON(req.DeploymentResult))
	prompt = strings.ReplaceAll(prompt, "{{log_results}}", renderJSON(req.LogResults))
	prompt = strings.ReplaceAll(prompt, "{{time_window}}", timeWindowOrDefault(req.TimeWindow))
	if req.Diff != nil {
		prompt = strings.ReplaceAll(prompt, "{{monitoring_diff}}", renderJSON(req.Diff))
	}

	summary := "No monitoring diff available"
	degraded := false
	if req.Diff != nil {
		summary = req.Diff.Summary()
		degraded = req.Diff.Degraded(scoring.RouteLossThreshold)
	}
	prompt += "\n\nComputed Diff Metrics: " + summary
	if degraded {
		prompt += "\nWARNING: Network metrics indicate degradation. Strongly consider recommending rollback."
	}

	content, err := c.complete(ctx, validationSystemPrompt, prompt)
	if err != nil {
		return Validation{}, err
	}
	var wire validationWire
	if err := decodeModelJSON(content, &wire); err != nil {
		return FallbackValidation(req.Diff, scoring), nil
	}
	return normalizeValidation(wire, scoring), nil
}

// normalizeValidation fills defaults for any field the model omitted so
// downstream consumers never see an incomplete verdict.
func normalizeValidation(w validationWire, scoring Scoring) Validation {
	v := Validation{
		Status:         stringOr(w.Status, "Missing validation_status"),
		OverallScore:   scoring.MissingFieldDefaultScore,
		Summary:        stringOr(w.Summary, "Missing summary"),
		Recommendation: stringOr(w.Recommendation, "Missing recommendation"),
	}
	if w.OverallScore != nil {
		v.OverallScore = int(*w.OverallScore)
	}
	if w.RollbackRecommended != nil {
		v.RollbackRecommended = *w.RollbackRecommended
	}
	for _, f := range w.Findings {
		v.Findings = append(v.Findings, Finding{
			Category: stringOr(f.Category, "General"),
			Status:   stringOr(f.Status, "info"),
			Severity: stringOr(f.Severity, "info"),
			Message:  stringOr(f.Message, "No message provided"),
		})
	}
	if len(v.Findings) == 0 {
		v.Findings = []Finding{{
			Category: "Validation",
			Status:   "ok",
			Severity: "info",
			Message:  "No specific findings reported",
		}}
	}
	switch {
	case w.RollbackReason != nil:
		v.RollbackReason = *w.RollbackReason
	case v.RollbackRecommended:
		v.RollbackReason = "Network degraded after deployment"
	default:
		v.RollbackReason = "Deployment validated successfully"
	}
	return v
}

func stringOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func timeWindowOrDefault(w string) string {
	if w == "" {
		return defaultTimeWindow
	}
	return w
}

// complete sends one chat completion and returns the message content.
// Transient-failure retries are left to the pipeline's stage retry.
func (c *OpenAI) complete(ctx context.Context, system, prompt string) (string, error) {
	if !ValidAPIKey(c.APIKey) {
		return "", errors.New("no usable LLM API key configured")
	}

	body := chatRequest{
		Model:          c.model(),
		Messages:       []chatMessage{{Role: "system", Content: system}, {Role: "user", Content: prompt}},
		Temperature:    c.temperature(),
		MaxTokens:      c.maxTokens(),
		ResponseFormat: &chatFormat{Type: "json_object"},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("LLM API error: status %d: %s", resp.StatusCode, apiErrorMessage(data))
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", errors.New("chat response has no choices")
	}
	return cr.Choices[0].Message.Content, nil
}

func (c *OpenAI) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *OpenAI) baseURL() string {
	if c.BaseURL == "" {
		return "https://api.openai.com/v1"
	}
	return strings.TrimSuffix(c.BaseURL, "/")
}

func (c *OpenAI) model() string {
	if c.Model == "" {
		return defaultModel
	}
	return c.Model
}

func (c *OpenAI) temperature() float64 {
	if c.Temperature == 0 {
		return defaultTemperature
	}
	return c.Temperature
}

func (c *OpenAI) maxTokens() int {
	if c.MaxTokens == 0 {
		return defaultMaxTokens
	}
	return c.MaxTokens
}

// apiErrorMessage extracts a human-readable message from an API error
// body, falling back to the truncated raw body.
func apiErrorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// decodeModelJSON unmarshals model output into out. Models sometimes
// wrap JSON in markdown fences or preamble text, so after a direct
// parse fails the outermost braced region is retried.
func decodeModelJSON(content string, out any) error {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	err := json.Unmarshal([]byte(s), out)
	if err == nil {
		return nil
	}
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start >= 0 && end > start {
		if json.Unmarshal([]byte(s[start:end+1]), out) == nil {
			return nil
		}
	}
	return fmt.Errorf("model output is not valid JSON: %w", err)
}

// renderJSON serializes v for prompt interpolation. Strings pass
// through unchanged; anything else becomes indented JSON.
func renderJSON(v any) string {
	if v == nil {
		return "Not available"
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
