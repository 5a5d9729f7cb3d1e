package iosconfig

import (
	"fmt"
	"strings"
)

// RuleSpec describes one requested ACL rule. Zero-value fields take the
// conventional defaults (deny, tcp, any, any).
type RuleSpec struct {
	Action      string `json:"action,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	Extras      string `json:"extras,omitempty"`
}

// SecurityACL parameterizes an ACL deployment.
//
// TargetInterfaces nil binds the ACL to every active, IP-addressed
// GigabitEthernet interface; a non-nil empty slice binds nothing (and
// warns). Direction defaults to "in".
type SecurityACL struct {
	Name             string
	Rules            []RuleSpec
	TargetInterfaces []string
	Direction        string
}

// BuildSecurityACL builds a named extended ACL plus the interface
// bindings that activate it. The rule list always gets an explicit
// "permit ip any any" tail so the implicit deny cannot black-hole
// unrelated traffic. Rollback unbinds and removes the ACL; when an
// interface previously carried a different ACL in the same direction,
// rollback restores that binding and the replacement is called out in a
// warning.
func BuildSecurityACL(parsed ParsedConfig, acl SecurityACL) ChangeResult {
	var result ChangeResult

	direction := acl.Direction
	if direction != "out" {
		direction = "in"
	}

	result.Commands = append(result.Commands, fmt.Sprintf("ip access-list extended %s", acl.Name))
	result.RollbackCommands = append(result.RollbackCommands, fmt.Sprintf("no ip access-list extended %s", acl.Name))

	for _, rule := range acl.Rules {
		action := rule.Action
		if action == "" {
			action = "deny"
		}
		protocol := rule.Protocol
		if protocol == "" {
			protocol = "tcp"
		}
		source := rule.Source
		if source == "" {
			source = "any"
		}
		destination := rule.Destination
		if destination == "" {
			destination = "any"
		}
		line := fmt.Sprintf(" %s %s %s %s", action, protocol, source, destination)
		if rule.Extras != "" {
			line += " " + rule.Extras
		}
		result.Commands = append(result.Commands, line)
	}

	result.Commands = append(result.Commands, " permit ip any any")

	targets := acl.TargetInterfaces
	if targets == nil {
		for _, name := range parsed.InterfaceOrder {
			if strings.HasPrefix(name, "GigabitEthernet") && parsed.Interfaces[name].Active() {
				targets = append(targets, name)
			}
		}
	}
	if len(targets) == 0 {
		result.Warnings = append(result.Warnings, "No active GigabitEthernet interfaces found for ACL application")
	}

	for _, name := range targets {
		var existing string
		if iface := parsed.Interfaces[name]; iface != nil {
			if direction == "in" {
				existing = iface.ACLIn
			} else {
				existing = iface.ACLOut
			}
		}

		result.Commands = append(result.Commands,
			fmt.Sprintf("interface %s", name),
			fmt.Sprintf(" ip access-group %s %s", acl.Name, direction))

		result.RollbackCommands = append(result.RollbackCommands,
			fmt.Sprintf("interface %s", name),
			fmt.Sprintf(" no ip access-group %s %s", acl.Name, direction))
		if existing != "" {
			result.RollbackCommands = append(result.RollbackCommands,
				fmt.Sprintf(" ip access-group %s %s", existing, direction))
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"Interface %s had existing ACL '%s' (%s), will be replaced", name, existing, direction))
		}
	}

	return result
}
