package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/changelab/changelab/internal/netdiff"
)

var (
	reAllDevices = regexp.MustCompile(`\b(all\s+(routers?|devices?|of\s+them|network\s+devices?)|every\s+(router|device))\b`)
	reRouterName = regexp.MustCompile(`router[-\s]?(\d+)`)
	reOSPFArea   = regexp.MustCompile(`area\s*(\d+)`)
	reCVE        = regexp.MustCompile(`cve[-\s]?(\d{4}[-\s]?\d+)`)
)

// ExtractTargetDevices pulls device targets out of free-form request
// text. "all routers" style phrases collapse to ["all"]; otherwise
// every Router-N mention is collected in order of first appearance,
// defaulting to Router-1 when nothing matches.
func ExtractTargetDevices(text string) []string {
	lower := strings.ToLower(text)

	if reAllDevices.MatchString(lower) {
		return []string{"all"}
	}

	matches := reRouterName.FindAllStringSubmatch(lower, -1)
	if len(matches) > 0 {
		seen := make(map[string]bool)
		var devices []string
		for _, m := range matches {
			d := "Router-" + m[1]
			if !seen[d] {
				seen[d] = true
				devices = append(devices, d)
			}
		}
		return devices
	}

	return []string{"Router-1"}
}

// ExtractParams pulls common change parameters (OSPF area numbers, CVE
// identifiers, credential type) out of request text.
func ExtractParams(text string) map[string]any {
	lower := strings.ToLower(text)
	params := map[string]any{}

	if m := reOSPFArea.FindStringSubmatch(lower); m != nil {
		if area, err := strconv.Atoi(m[1]); err == nil {
			params["new_area"] = area
		}
	}

	if m := reCVE.FindStringSubmatch(lower); m != nil {
		params["cve_id"] = "CVE-" + strings.ReplaceAll(m[1], " ", "-")
	}

	switch {
	case strings.Contains(lower, "enable"):
		params["credential_type"] = "enable_secret"
	case strings.Contains(lower, "snmp"):
		params["credential_type"] = "snmp"
	case strings.Contains(lower, "credential"), strings.Contains(lower, "password"):
		params["credential_type"] = "enable_secret"
	}

	return params
}

// ExtractIntent builds an Intent from request text without a model.
// The action comes from defaultAction, then keyword detection, then
// modify_ospf_area. Confidence is fixed at 30 to signal that no model
// reviewed the extraction.
func ExtractIntent(text, defaultAction string) Intent {
	lower := strings.ToLower(text)

	action := defaultAction
	if action == "" {
		action = inferAction(lower)
	}
	if action == "" {
		action = "modify_ospf_area"
	}

	params, _ := json.Marshal(ExtractParams(text))

	summary := text
	if len(summary) > 100 {
		summary = summary[:100]
	}

	return Intent{
		Action:        action,
		TargetDevices: ExtractTargetDevices(text),
		Parameters:    params,
		Confidence:    30,
		Summary:       "Pattern extraction from: " + summary,
	}
}

func inferAction(lower string) string {
	switch {
	case strings.Contains(lower, "cve"), strings.Contains(lower, "security"), strings.Contains(lower, "vulnerab"):
		return "apply_security_patch"
	case strings.Contains(lower, "credential"), strings.Contains(lower, "password"):
		return "rotate_credentials"
	case strings.Contains(lower, "ospf"), strings.Contains(lower, "area"):
		return "modify_ospf_area"
	}
	return ""
}

// ConservativeAdvice is the assessment used when no model review is
// available. It always asks a human to look at the change.
func ConservativeAdvice() Advice {
	return Advice{
		RiskLevel:   "MEDIUM",
		RiskFactors: []string{"Change was not reviewed by a model"},
		MitigationSteps: []string{
			"Review the generated commands manually",
			"Verify rollback commands before approving",
		},
		ImpactAssessment:     "Impact not assessed automatically; review the command list",
		RollbackReady:        true,
		Recommendation:       "REVIEW",
		RecommendationReason: "Automated risk assessment unavailable",
		PreChecks: []string{
			"Confirm target devices are reachable",
			"Confirm a recent configuration backup exists",
		},
	}
}

// FallbackValidation renders a verdict from the computed diff alone.
// It is used when the model's validation output cannot be parsed, and
// by callers that still need a verdict after a model error.
func FallbackValidation(diff *netdiff.Diff, scoring Scoring) Validation {
	scoring = scoring.orDefault()

	healthy := true
	if diff != nil {
		healthy = diff.Healthy
	}

	v := Validation{
		Status:              "PASSED",
		OverallScore:        scoring.FallbackScoreHealthy,
		RollbackRecommended: false,
		RollbackReason:      "Deployment validated successfully",
		Summary:             "Automated validation due to LLM error",
		Recommendation:      "Deployment validated",
	}
	finding := Finding{
		Category: "System",
		Status:   "ok",
		Severity: "info",
		Message:  "LLM response parsing failed. Automatic assessment: Network healthy",
	}
	if !healthy {
		v.Status = "FAILED"
		v.OverallScore = scoring.FallbackScoreUnhealthy
		v.RollbackRecommended = true
		v.RollbackReason = "Network degraded - automatic assessment due to LLM parsing failure"
		v.Recommendation = "Rollback recommended"
		finding.Status = "critical"
		finding.Severity = "critical"
		finding.Message = "LLM response parsing failed. Automatic assessment: Network degraded"
	}
	v.Findings = []Finding{finding}
	return v
}

// Fallback is an offline Client for environments without model access.
// Intent parsing uses pattern extraction, advice is a fixed
// conservative assessment, and validation verdicts come straight from
// the network diff.
type Fallback struct {
	// DefaultAction seeds intent extraction when no action keyword is
	// recognized in the request text.
	DefaultAction string

	// Scoring adjusts validation scoring. Zero value means
	// DefaultScoring.
	Scoring Scoring
}

var _ Client = (*Fallback)(nil)

func (f *Fallback) ParseIntent(ctx context.Context, text, prompt string) (Intent, error) {
	return ExtractIntent(text, f.DefaultAction), nil
}

// GenerateConfig always fails: generating device commands without a
// model or a registered builder would be guesswork.
func (f *Fallback) GenerateConfig(ctx context.Context, intent Intent, prompt, currentConfig string) (GeneratedConfig, error) {
	return GeneratedConfig{}, fmt.Errorf("no generative model available for action %q; register a config builder", intent.Action)
}

func (f *Fallback) GenerateAdvice(ctx context.Context, intent Intent, plan any) (Advice, error) {
	return ConservativeAdvice(), nil
}

// ValidateDeployment scores the deployment from the diff alone. No
// diff at all is a WARNING; an unhealthy diff fails the deployment and
// recommends rollback; route loss beyond the threshold warns.
func (f *Fallback) ValidateDeployment(ctx context.Context, req ValidationRequest) (Validation, error) {
	scoring := f.Scoring.orDefault()

	if req.Diff == nil {
		return Validation{
			Status:         "WARNING",
			OverallScore:   scoring.ScoreWarning,
			RollbackReason: "No monitoring data to assess",
			Findings: []Finding{{
				Category: "Monitoring",
				Status:   "warning",
				Severity: "warning",
				Message:  "No monitoring diff available",
			}},
			Summary:        "Offline validation without monitoring data",
			Recommendation: "Verify device state manually",
		}, nil
	}

	diff := req.Diff
	v := Validation{
		Findings: []Finding{
			metricFinding("OSPF neighbors change", diff.Neighbors.Change),
			metricFinding("Interfaces up change", diff.InterfacesUp.Change),
			routeFinding(diff.Routes, scoring.RouteLossThreshold),
		},
		Summary: diff.Summary(),
	}
	switch {
	case !diff.Healthy:
		v.Status = "FAILED"
		v.OverallScore = scoring.ScoreFailed
		v.RollbackRecommended = true
		v.RollbackReason = "Network degraded after deployment"
		v.Recommendation = "Rollback recommended"
	case diff.Degraded(scoring.RouteLossThreshold):
		v.Status = "WARNING"
		v.OverallScore = scoring.ScoreWarning
		v.RollbackReason = "Route count dropped beyond the loss threshold"
		v.Recommendation = "Monitor route convergence before closing the change"
	default:
		v.Status = "PASSED"
		v.OverallScore = scoring.ScoreSuccess
		v.RollbackReason = "Deployment validated successfully"
		v.Recommendation = "Deployment validated"
	}
	return v, nil
}

func metricFinding(label string, change int) Finding {
	f := Finding{
		Category: "Network State",
		Status:   "ok",
		Severity: "info",
		Message:  fmt.Sprintf("%s: %+d", label, change),
	}
	if change < 0 {
		f.Status = "critical"
		f.Severity = "critical"
	}
	return f
}

func routeFinding(routes netdiff.MetricDelta, lossThreshold int) Finding {
	f := Finding{
		Category: "Network State",
		Status:   "ok",
		Severity: "info",
		Message:  fmt.Sprintf("OSPF routes change: %+d", routes.Change),
	}
	switch {
	case routes.After == 0:
		f.Status = "critical"
		f.Severity = "critical"
		f.Message = "No OSPF routes present after deployment"
	case routes.Change < lossThreshold:
		f.Status = "warning"
		f.Severity = "warning"
	}
	return f
}
