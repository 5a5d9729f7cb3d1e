// Package iosconfig parses Cisco IOS running configurations and builds
// per-device change command sets.
//
// The package has two halves:
//
//   - ParseRunningConfig turns raw "show running-config" output (including
//     CLI banners and prompts) into a structured ParsedConfig.
//   - Change builders (OSPF area change, credential rotation, security ACL)
//     consume a ParsedConfig plus intent parameters and produce a
//     ChangeResult: the commands to apply, the commands that reverse them,
//     warnings, and the interfaces affected.
//
// Everything here is a pure function over parsed text. No device I/O
// happens in this package; callers fetch configs and apply commands.
package iosconfig

import "strings"

// InterfaceConfig is the parsed state of one interface stanza.
//
// OSPFProcessID is zero when the interface carries no interface-level
// OSPF configuration; IOS process IDs start at 1, so zero is unambiguous.
type InterfaceConfig struct {
	Name            string
	IPAddress       string
	SubnetMask      string
	Description     string
	Shutdown        bool
	OSPFProcessID   int
	OSPFArea        int
	OSPFNetworkType string
	ACLIn           string
	ACLOut          string
}

// HasOSPF reports whether the interface carries interface-level OSPF
// configuration (ip ospf <pid> area <n>).
func (i *InterfaceConfig) HasOSPF() bool {
	return i != nil && i.OSPFProcessID != 0
}

// Active reports whether the interface is administratively up and has an
// IP address, making it a candidate for ACL binding.
func (i *InterfaceConfig) Active() bool {
	return i != nil && !i.Shutdown && i.IPAddress != ""
}

// NetworkStatement is one "network <net> <wildcard> area <n>" line under
// a router ospf stanza.
type NetworkStatement struct {
	Network  string
	Wildcard string
	Area     int
}

// OSPFProcess is the parsed state of one "router ospf <pid>" stanza.
type OSPFProcess struct {
	ProcessID         int
	RouterID          string
	NetworkStatements []NetworkStatement
	PassiveInterfaces []string
}

// UserConfig is one parsed "username ... secret ..." line. Privilege is
// nil when the line carries no privilege keyword.
type UserConfig struct {
	Username   string
	Privilege  *int
	SecretType int
	SecretHash string
}

// AccessRule is one rule line inside an access list. Sequence is zero for
// unnumbered rules.
type AccessRule struct {
	Sequence    int
	Action      string
	Protocol    string
	Source      string
	Destination string
	Extras      string
}

// AccessList is one parsed named ACL stanza.
type AccessList struct {
	Name  string
	Type  string
	Rules []AccessRule
}

// ParsedConfig is the structured view of one device's running
// configuration. It is derived read-only from raw text each time a device
// is touched and never persisted as-is.
//
// The *Order slices preserve the order stanzas appeared in the source
// text; builders iterate them so emitted command sets are deterministic.
type ParsedConfig struct {
	Hostname            string
	Interfaces          map[string]*InterfaceConfig
	InterfaceOrder      []string
	OSPFProcesses       map[int]*OSPFProcess
	OSPFProcessOrder    []int
	Users               map[string]*UserConfig
	EnableSecretPresent bool
	EnableSecretType    int
	AccessLists         map[string]*AccessList
	AccessListOrder     []string
}

// AffectedInterface describes one interface touched by a change, for
// operator display and audit.
type AffectedInterface struct {
	Name             string `json:"name"`
	IPAddress        string `json:"ip_address,omitempty"`
	SubnetMask       string `json:"subnet_mask,omitempty"`
	Description      string `json:"description,omitempty"`
	NetworkStatement string `json:"network_statement,omitempty"`
	CurrentArea      int    `json:"current_area"`
	NewArea          int    `json:"new_area"`
	OSPFNetworkType  string `json:"ospf_network_type,omitempty"`
}

// ChangeResult is the output of a change builder for one device.
//
// RollbackCommands must, when applied after Commands, restore the
// pre-change semantic state. The one sanctioned exception is credential
// rotation: hashed secrets cannot be reversed, so its rollback entries are
// "! WARNING" comment lines rather than executable commands. Callers
// replaying a rollback skip comment lines.
type ChangeResult struct {
	Commands           []string            `json:"commands"`
	RollbackCommands   []string            `json:"rollback_commands"`
	Warnings           []string            `json:"warnings,omitempty"`
	AffectedInterfaces []AffectedInterface `json:"affected_interfaces,omitempty"`
	OSPFProcessID      int                 `json:"ospf_process_id,omitempty"`
}

// Empty reports whether the builder produced no commands to apply.
func (r ChangeResult) Empty() bool {
	return len(r.Commands) == 0
}

// ExecutableRollback returns the rollback commands with warning comment
// lines removed. Used by the rollback replay path, which must not send
// "! WARNING" annotations to a device CLI.
func (r ChangeResult) ExecutableRollback() []string {
	var out []string
	for _, cmd := range r.RollbackCommands {
		trimmed := strings.TrimSpace(cmd)
		if trimmed == "" || strings.HasPrefix(trimmed, "!") {
			continue
		}
		out = append(out, cmd)
	}
	return out
}
