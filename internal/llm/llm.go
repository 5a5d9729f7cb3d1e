// Package llm provides the language-model collaborator that turns
// request text into structured intent, generates configuration for
// actions without a registered builder, assesses change risk before
// approval, and renders a deployment verdict afterwards.
//
// Two implementations exist: OpenAI speaks to any OpenAI-compatible
// chat-completions endpoint, and Fallback produces deterministic results
// with no network access for demo and offline use. Both satisfy Client.
package llm

import (
	"context"
	"encoding/json"

	"github.com/changelab/changelab/internal/netdiff"
)

// Intent is the structured form of a change request.
type Intent struct {
	Action        string          `json:"action"`
	TargetDevices []string        `json:"target_devices"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	Confidence    float64         `json:"confidence"`
	Summary       string          `json:"summary,omitempty"`
}

// GeneratedConfig is the output of the generative configuration path,
// used only when no builder is registered for the intent action.
type GeneratedConfig struct {
	Commands         []string `json:"commands"`
	RollbackCommands []string `json:"rollback_commands"`
	Explanation      string   `json:"explanation"`
}

// Advice is the pre-deployment risk assessment shown to the approver.
type Advice struct {
	RiskLevel            string   `json:"risk_level"` // LOW, MEDIUM, HIGH
	RiskFactors          []string `json:"risk_factors"`
	MitigationSteps      []string `json:"mitigation_steps"`
	ImpactAssessment     string   `json:"impact_assessment"`
	RollbackReady        bool     `json:"rollback_ready"`
	Recommendation       string   `json:"recommendation"` // APPROVE, REVIEW, REJECT
	RecommendationReason string   `json:"recommendation_reason"`
	PreChecks            []string `json:"pre_checks"`
}

// Finding is one validation observation.
type Finding struct {
	Category string `json:"category"`
	Status   string `json:"status"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Validation is the post-deployment verdict.
type Validation struct {
	Status              string    `json:"validation_status"` // PASSED, WARNING, FAILED
	OverallScore        int       `json:"overall_score"`
	RollbackRecommended bool      `json:"rollback_recommended"`
	RollbackReason      string    `json:"rollback_reason"`
	Findings            []Finding `json:"findings"`
	Summary             string    `json:"summary"`
	Recommendation      string    `json:"recommendation"`
}

// ValidationRequest carries everything the validator considers. Config,
// DeploymentResult, and LogResults are the prior stage outputs and are
// serialized into the prompt as-is.
type ValidationRequest struct {
	Config           any
	DeploymentResult any
	LogResults       any

	// TimeWindow describes the observation window, for example
	// "60 seconds". Defaults to "60 seconds" when empty.
	TimeWindow string

	// Prompt is the use case's validation prompt template. A built-in
	// template is used when empty.
	Prompt string

	// Diff is the baseline/post-change comparison from the monitoring
	// stages. Nil when monitoring produced no usable snapshots.
	Diff *netdiff.Diff
}

// Client is the language-model surface the pipeline consumes.
type Client interface {
	ParseIntent(ctx context.Context, text, prompt string) (Intent, error)
	GenerateConfig(ctx context.Context, intent Intent, prompt, currentConfig string) (GeneratedConfig, error)
	GenerateAdvice(ctx context.Context, intent Intent, plan any) (Advice, error)
	ValidateDeployment(ctx context.Context, req ValidationRequest) (Validation, error)
}

// Scoring holds the validation scoring knobs. All values have sensible
// defaults; they exist as configuration because operators tune the
// rollback sensitivity per lab.
type Scoring struct {
	ScoreFailed              int `yaml:"score_failed"`
	ScoreWarning             int `yaml:"score_warning"`
	ScoreSuccess             int `yaml:"score_success"`
	RouteLossThreshold       int `yaml:"route_loss_threshold"`
	FallbackScoreUnhealthy   int `yaml:"fallback_score_unhealthy"`
	FallbackScoreHealthy     int `yaml:"fallback_score_healthy"`
	MissingFieldDefaultScore int `yaml:"missing_field_default_score"`
}

// DefaultScoring returns the stock scoring thresholds.
func DefaultScoring() Scoring {
	return Scoring{
		ScoreFailed:              45,
		ScoreWarning:             75,
		ScoreSuccess:             95,
		RouteLossThreshold:       -2,
		FallbackScoreUnhealthy:   30,
		FallbackScoreHealthy:     90,
		MissingFieldDefaultScore: 50,
	}
}

// orDefault returns s, or DefaultScoring when s is the zero value.
func (s Scoring) orDefault() Scoring {
	if s == (Scoring{}) {
		return DefaultScoring()
	}
	return s
}
