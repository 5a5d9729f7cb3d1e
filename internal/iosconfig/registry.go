package iosconfig

import (
	"encoding/json"
	"io"
	"strings"
)

// Params carries the intent parameters consumed by the registered
// builders. The JSON field names match the keys intent parsing produces,
// so a parameters payload decodes straight into this struct; fields a
// given builder does not use are simply ignored.
//
// NewArea and OSPFProcessID are pointers because zero is meaningful for
// an OSPF area (the backbone) but absence means "use the default".
type Params struct {
	NewArea          *int       `json:"new_area,omitempty"`
	OSPFProcessID    *int       `json:"ospf_process_id,omitempty"`
	ConfigStrategy   string     `json:"config_strategy,omitempty"`
	TargetInterfaces []string   `json:"target_interfaces,omitempty"`
	NewPassword      string     `json:"new_password,omitempty"`
	Username         string     `json:"username,omitempty"`
	CVEID            string     `json:"cve_id,omitempty"`
	ACLRules         []RuleSpec `json:"acl_rules,omitempty"`
	Direction        string     `json:"direction,omitempty"`

	// Rand overrides the entropy source for password generation. Tests
	// inject a deterministic reader; nil means crypto/rand.
	Rand io.Reader `json:"-"`
}

// ParseParams decodes an intent parameters payload. A nil or empty
// payload yields zero-value Params; unknown keys are ignored.
func ParseParams(raw json.RawMessage) (Params, error) {
	var params Params
	if len(raw) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return Params{}, err
	}
	return params, nil
}

// Builder produces a device change set from a parsed running config and
// intent parameters.
type Builder func(parsed ParsedConfig, params Params) (ChangeResult, error)

// defaultOSPFArea is used when intent parsing supplies no target area.
const defaultOSPFArea = 10

func buildOSPF(parsed ParsedConfig, params Params) (ChangeResult, error) {
	change := OSPFAreaChange{
		NewArea:          defaultOSPFArea,
		TargetInterfaces: params.TargetInterfaces,
		Strategy:         params.ConfigStrategy,
	}
	if params.NewArea != nil {
		change.NewArea = *params.NewArea
	}
	if params.OSPFProcessID != nil {
		change.ProcessID = *params.OSPFProcessID
	}
	return BuildOSPFAreaChange(parsed, change), nil
}

func buildCredentials(parsed ParsedConfig, params Params) (ChangeResult, error) {
	return BuildCredentialRotation(parsed, CredentialRotation{
		NewPassword: params.NewPassword,
		Username:    params.Username,
		Rand:        params.Rand,
	})
}

func buildSecurity(parsed ParsedConfig, params Params) (ChangeResult, error) {
	cve := params.CVEID
	if cve == "" {
		cve = "SEC"
	}
	rules := params.ACLRules
	if len(rules) == 0 {
		rules = []RuleSpec{
			{Action: "deny", Protocol: "tcp", Source: "any", Destination: "any eq 445", Extras: "log"},
			{Action: "deny", Protocol: "udp", Source: "any", Destination: "any eq 445", Extras: "log"},
		}
	}
	return BuildSecurityACL(parsed, SecurityACL{
		Name:             cve + "-BLOCK",
		Rules:            rules,
		TargetInterfaces: params.TargetInterfaces,
		Direction:        params.Direction,
	}), nil
}

// builders maps intent action names to change builders. Several aliases
// map to each builder because intent parsing is free to phrase the same
// action differently.
var builders = map[string]Builder{
	"modify_ospf_area":          buildOSPF,
	"modify_ospf_config":        buildOSPF,
	"change_area":               buildOSPF,
	"ospf_configuration_change": buildOSPF,
	"rotate_credentials":        buildCredentials,
	"credential_rotation":       buildCredentials,
	"apply_security_patch":      buildSecurity,
	"security_remediation":      buildSecurity,
	"security_advisory":         buildSecurity,
}

// BuilderFor returns the builder registered for the action, matched
// case-insensitively. ok is false when no builder is registered; that is
// not an error, it signals the caller to fall back to the generative
// config path.
func BuilderFor(action string) (Builder, bool) {
	builder, ok := builders[strings.ToLower(action)]
	return builder, ok
}

// Actions returns the registered action names, for validation and
// display. The result is a fresh slice in no particular order.
func Actions() []string {
	out := make([]string, 0, len(builders))
	for action := range builders {
		out = append(out, action)
	}
	return out
}

// RotatesCredentials reports whether the action maps to the credential
// rotation builder. Callers use this to pick one fleet-wide password up
// front and to escrow or redact the generated secret afterwards.
func RotatesCredentials(action string) bool {
	switch strings.ToLower(action) {
	case "rotate_credentials", "credential_rotation":
		return true
	}
	return false
}
