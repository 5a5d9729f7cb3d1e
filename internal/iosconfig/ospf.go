package iosconfig

import "fmt"

// Config strategies accepted by BuildOSPFAreaChange. Dual emits both
// network-statement rewrites and interface-level area assignments;
// the *_only strategies restrict emission to one command family.
const (
	StrategyDual          = "dual"
	StrategyNetworkOnly   = "network_only"
	StrategyInterfaceOnly = "interface_only"
)

// OSPFAreaChange parameterizes an OSPF area move.
//
// ProcessID zero selects the first OSPF process found in the config (or
// the first interface-level process when no router ospf stanza exists).
// TargetInterfaces limits the change to the named interfaces; nil means
// every OSPF-participating interface. Strategy defaults to StrategyDual.
type OSPFAreaChange struct {
	NewArea          int
	ProcessID        int
	TargetInterfaces []string
	Strategy         string
}

type areaAssignment struct {
	iface   *InterfaceConfig
	oldArea int
}

// BuildOSPFAreaChange builds commands moving a device's OSPF
// participation to a new area. It detects whether the device uses
// network-statement OSPF, interface-level OSPF, or both, and emits the
// command families the strategy selects. Statements or interfaces already
// in the target area produce a warning and are skipped; a device with
// nothing to change yields zero commands and an explanatory warning,
// never a bodyless "router ospf" block.
func BuildOSPFAreaChange(parsed ParsedConfig, change OSPFAreaChange) ChangeResult {
	var result ChangeResult

	pid := change.ProcessID
	var proc *OSPFProcess
	switch {
	case pid != 0:
		proc = parsed.OSPFProcesses[pid]
	case len(parsed.OSPFProcessOrder) > 0:
		pid = parsed.OSPFProcessOrder[0]
		proc = parsed.OSPFProcesses[pid]
	default:
		for _, name := range parsed.InterfaceOrder {
			if iface := parsed.Interfaces[name]; iface.HasOSPF() {
				pid = iface.OSPFProcessID
				break
			}
		}
	}
	if pid == 0 {
		result.Warnings = append(result.Warnings, "No OSPF process found in running config")
		return result
	}
	result.OSPFProcessID = pid

	strategy := change.Strategy
	switch strategy {
	case StrategyNetworkOnly, StrategyInterfaceOnly:
	default:
		strategy = StrategyDual
	}

	hasStatements := proc != nil && len(proc.NetworkStatements) > 0
	emitNetwork := strategy != StrategyInterfaceOnly && hasStatements
	emitInterface := strategy != StrategyNetworkOnly

	var targets map[string]bool
	if len(change.TargetInterfaces) > 0 {
		targets = make(map[string]bool, len(change.TargetInterfaces))
		for _, name := range change.TargetInterfaces {
			targets[name] = true
		}
	}

	var assigns []areaAssignment
	assigned := make(map[string]bool)
	statementsCleaned := false

	if emitNetwork {
		cmds := []string{fmt.Sprintf("router ospf %d", pid)}
		rollback := []string{fmt.Sprintf("router ospf %d", pid)}

		for _, stmt := range proc.NetworkStatements {
			if targets != nil && !statementMatchesTargets(parsed, stmt, targets) {
				continue
			}
			if stmt.Area == change.NewArea {
				result.Warnings = append(result.Warnings, fmt.Sprintf(
					"Network %s %s already in area %d, skipping", stmt.Network, stmt.Wildcard, change.NewArea))
				continue
			}

			for _, name := range parsed.InterfaceOrder {
				iface := parsed.Interfaces[name]
				if iface.IPAddress == "" || !IPInNetwork(iface.IPAddress, stmt.Network, stmt.Wildcard) {
					continue
				}
				result.AffectedInterfaces = append(result.AffectedInterfaces, AffectedInterface{
					Name:             name,
					IPAddress:        iface.IPAddress,
					SubnetMask:       iface.SubnetMask,
					Description:      iface.Description,
					NetworkStatement: stmt.Network + " " + stmt.Wildcard,
					CurrentArea:      stmt.Area,
					NewArea:          change.NewArea,
					OSPFNetworkType:  iface.OSPFNetworkType,
				})
				if emitInterface && !assigned[name] {
					assigns = append(assigns, areaAssignment{iface: iface, oldArea: stmt.Area})
					assigned[name] = true
				}
			}

			cmds = append(cmds,
				fmt.Sprintf(" no network %s %s area %d", stmt.Network, stmt.Wildcard, stmt.Area),
				fmt.Sprintf(" network %s %s area %d", stmt.Network, stmt.Wildcard, change.NewArea))
			rollback = append(rollback,
				fmt.Sprintf(" no network %s %s area %d", stmt.Network, stmt.Wildcard, change.NewArea),
				fmt.Sprintf(" network %s %s area %d", stmt.Network, stmt.Wildcard, stmt.Area))
		}

		if len(cmds) == 1 {
			// Every statement was skipped; drop the bare stanza header.
			statementsCleaned = true
			result.Warnings = append(result.Warnings, "No OSPF changes needed (all statements already in target area)")
		} else {
			result.Commands = append(result.Commands, cmds...)
			result.RollbackCommands = append(result.RollbackCommands, rollback...)
		}
	}

	// interface_only converts network-statement configuration: the
	// statements are removed and every covered interface receives an
	// explicit interface-level assignment instead.
	if strategy == StrategyInterfaceOnly && hasStatements {
		cmds := []string{fmt.Sprintf("router ospf %d", pid)}
		rollback := []string{fmt.Sprintf("router ospf %d", pid)}
		for _, stmt := range proc.NetworkStatements {
			cmds = append(cmds, fmt.Sprintf(" no network %s %s area %d", stmt.Network, stmt.Wildcard, stmt.Area))
			rollback = append(rollback, fmt.Sprintf(" network %s %s area %d", stmt.Network, stmt.Wildcard, stmt.Area))

			for _, name := range parsed.InterfaceOrder {
				iface := parsed.Interfaces[name]
				if iface.IPAddress == "" || !IPInNetwork(iface.IPAddress, stmt.Network, stmt.Wildcard) {
					continue
				}
				if assigned[name] {
					continue
				}
				result.AffectedInterfaces = append(result.AffectedInterfaces, AffectedInterface{
					Name:             name,
					IPAddress:        iface.IPAddress,
					SubnetMask:       iface.SubnetMask,
					Description:      iface.Description,
					NetworkStatement: stmt.Network + " " + stmt.Wildcard,
					CurrentArea:      stmt.Area,
					NewArea:          change.NewArea,
					OSPFNetworkType:  iface.OSPFNetworkType,
				})
				assigns = append(assigns, areaAssignment{iface: iface, oldArea: stmt.Area})
				assigned[name] = true
			}
		}
		result.Commands = append(result.Commands, cmds...)
		result.RollbackCommands = append(result.RollbackCommands, rollback...)
	}

	if emitInterface {
		for _, name := range parsed.InterfaceOrder {
			iface := parsed.Interfaces[name]
			if !iface.HasOSPF() || iface.OSPFProcessID != pid {
				continue
			}
			if targets != nil && !targets[name] {
				continue
			}
			if assigned[name] {
				continue
			}
			if iface.OSPFArea == change.NewArea {
				result.Warnings = append(result.Warnings, fmt.Sprintf(
					"Interface %s already in area %d, skipping", name, change.NewArea))
				continue
			}
			result.AffectedInterfaces = append(result.AffectedInterfaces, AffectedInterface{
				Name:            name,
				IPAddress:       iface.IPAddress,
				SubnetMask:      iface.SubnetMask,
				Description:     iface.Description,
				CurrentArea:     iface.OSPFArea,
				NewArea:         change.NewArea,
				OSPFNetworkType: iface.OSPFNetworkType,
			})
			assigns = append(assigns, areaAssignment{iface: iface, oldArea: iface.OSPFArea})
			assigned[name] = true
		}

		for _, a := range assigns {
			result.Commands = append(result.Commands,
				fmt.Sprintf("interface %s", a.iface.Name),
				fmt.Sprintf(" ip ospf %d area %d", pid, change.NewArea))
			result.RollbackCommands = append(result.RollbackCommands,
				fmt.Sprintf("interface %s", a.iface.Name),
				fmt.Sprintf(" ip ospf %d area %d", pid, a.oldArea))
		}
	}

	if len(result.Commands) == 0 && !statementsCleaned {
		result.Warnings = append(result.Warnings, "No OSPF configuration found to modify")
	}

	return result
}

func statementMatchesTargets(parsed ParsedConfig, stmt NetworkStatement, targets map[string]bool) bool {
	for name := range targets {
		iface := parsed.Interfaces[name]
		if iface != nil && iface.IPAddress != "" && IPInNetwork(iface.IPAddress, stmt.Network, stmt.Wildcard) {
			return true
		}
	}
	return false
}
