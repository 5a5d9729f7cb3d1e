package iosconfig

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	reHostname        = regexp.MustCompile(`^hostname\s+(\S+)`)
	reInterface       = regexp.MustCompile(`^interface\s+(\S+)`)
	reIPAddress       = regexp.MustCompile(`^\s+ip\s+address\s+(\d+\.\d+\.\d+\.\d+)\s+(\d+\.\d+\.\d+\.\d+)`)
	reDescription     = regexp.MustCompile(`^\s+description\s+(.*)`)
	reShutdown        = regexp.MustCompile(`^\s+shutdown`)
	reOSPFInterface   = regexp.MustCompile(`^\s+ip\s+ospf\s+(\d+)\s+area\s+(\d+)`)
	reOSPFNetworkType = regexp.MustCompile(`^\s+ip\s+ospf\s+network\s+(\S+)`)
	reRouterOSPF      = regexp.MustCompile(`^router\s+ospf\s+(\d+)`)
	reRouterID        = regexp.MustCompile(`^\s+router-id\s+(\S+)`)
	reNetworkStmt     = regexp.MustCompile(`^\s+network\s+(\d+\.\d+\.\d+\.\d+)\s+(\d+\.\d+\.\d+\.\d+)\s+area\s+(\d+)`)
	rePassiveIntf     = regexp.MustCompile(`^\s+passive-interface\s+(\S+)`)
	reEnableSecret    = regexp.MustCompile(`^enable\s+(?:algorithm-type\s+\S+\s+)?secret\s+(\d+)\s+(\S+)`)
	reUsername        = regexp.MustCompile(`^username\s+(\S+)\s+(?:privilege\s+(\d+)\s+)?(?:algorithm-type\s+\S+\s+)?secret\s+(\d+)\s+(\S+)`)
	reACLNamed        = regexp.MustCompile(`^ip\s+access-list\s+(extended|standard)\s+(\S+)`)
	reACLGroup        = regexp.MustCompile(`^\s+ip\s+access-group\s+(\S+)\s+(in|out)`)
	rePrompt          = regexp.MustCompile(`^\S+[#>]`)
)

// cleanConfigOutput strips CLI preamble, echoed commands, and the trailing
// prompt from "show running-config" output. Content before the
// "Building configuration" / "Current configuration" banner (or the first
// "!" line when no banner is present) is dropped; a trailing "host#" or
// "host>" prompt line ends the config.
func cleanConfigOutput(raw string) string {
	lines := strings.Split(raw, "\n")
	var cleaned []string
	inConfig := false
	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "Building configuration") || strings.HasPrefix(stripped, "Current configuration") {
			inConfig = true
			continue
		}
		if strings.HasPrefix(stripped, "!") && !inConfig {
			inConfig = true
		}
		if inConfig {
			if rePrompt.MatchString(stripped) && !strings.HasPrefix(stripped, "!") {
				break
			}
			cleaned = append(cleaned, line)
		}
	}
	if len(cleaned) == 0 {
		return raw
	}
	return strings.Join(cleaned, "\n")
}

type section int

const (
	sectionTop section = iota
	sectionInterface
	sectionRouterOSPF
	sectionACL
)

// ParseRunningConfig parses Cisco IOS running-config text into a
// structured ParsedConfig. It tolerates both interface-level OSPF
// ("ip ospf 1 area 0") and network-statement OSPF appearing on the same
// device. Unrecognized lines are ignored; parsing never fails.
func ParseRunningConfig(raw string) ParsedConfig {
	config := cleanConfigOutput(raw)
	parsed := ParsedConfig{
		Hostname:      "Router",
		Interfaces:    make(map[string]*InterfaceConfig),
		OSPFProcesses: make(map[int]*OSPFProcess),
		Users:         make(map[string]*UserConfig),
		AccessLists:   make(map[string]*AccessList),
	}

	current := sectionTop
	var curIface *InterfaceConfig
	var curOSPF *OSPFProcess
	var curACL *AccessList

	popToTop := func() {
		current = sectionTop
		curIface = nil
		curOSPF = nil
		curACL = nil
	}

	for _, line := range strings.Split(config, "\n") {
		if m := reHostname.FindStringSubmatch(line); m != nil {
			parsed.Hostname = m[1]
			popToTop()
			continue
		}

		if m := reInterface.FindStringSubmatch(line); m != nil {
			name := m[1]
			curIface = &InterfaceConfig{Name: name}
			if _, seen := parsed.Interfaces[name]; !seen {
				parsed.InterfaceOrder = append(parsed.InterfaceOrder, name)
			}
			parsed.Interfaces[name] = curIface
			current = sectionInterface
			curOSPF = nil
			curACL = nil
			continue
		}

		if m := reRouterOSPF.FindStringSubmatch(line); m != nil {
			pid, _ := strconv.Atoi(m[1])
			if existing, ok := parsed.OSPFProcesses[pid]; ok {
				curOSPF = existing
			} else {
				curOSPF = &OSPFProcess{ProcessID: pid}
				parsed.OSPFProcesses[pid] = curOSPF
				parsed.OSPFProcessOrder = append(parsed.OSPFProcessOrder, pid)
			}
			current = sectionRouterOSPF
			curIface = nil
			curACL = nil
			continue
		}

		if m := reACLNamed.FindStringSubmatch(line); m != nil {
			curACL = &AccessList{Name: m[2], Type: m[1]}
			if _, seen := parsed.AccessLists[curACL.Name]; !seen {
				parsed.AccessListOrder = append(parsed.AccessListOrder, curACL.Name)
			}
			parsed.AccessLists[curACL.Name] = curACL
			current = sectionACL
			curIface = nil
			curOSPF = nil
			continue
		}

		if m := reEnableSecret.FindStringSubmatch(line); m != nil {
			parsed.EnableSecretPresent = true
			parsed.EnableSecretType, _ = strconv.Atoi(m[1])
			continue
		}

		if m := reUsername.FindStringSubmatch(line); m != nil {
			user := &UserConfig{Username: m[1], SecretHash: m[4]}
			if m[2] != "" {
				priv, _ := strconv.Atoi(m[2])
				user.Privilege = &priv
			}
			user.SecretType, _ = strconv.Atoi(m[3])
			parsed.Users[user.Username] = user
			continue
		}

		switch {
		case current == sectionInterface && curIface != nil:
			if m := reIPAddress.FindStringSubmatch(line); m != nil {
				curIface.IPAddress = m[1]
				curIface.SubnetMask = m[2]
				continue
			}
			if m := reDescription.FindStringSubmatch(line); m != nil {
				curIface.Description = strings.TrimSpace(m[1])
				continue
			}
			if reShutdown.MatchString(line) {
				curIface.Shutdown = true
				continue
			}
			if m := reOSPFInterface.FindStringSubmatch(line); m != nil {
				curIface.OSPFProcessID, _ = strconv.Atoi(m[1])
				curIface.OSPFArea, _ = strconv.Atoi(m[2])
				continue
			}
			if m := reOSPFNetworkType.FindStringSubmatch(line); m != nil {
				curIface.OSPFNetworkType = m[1]
				continue
			}
			if m := reACLGroup.FindStringSubmatch(line); m != nil {
				if m[2] == "in" {
					curIface.ACLIn = m[1]
				} else {
					curIface.ACLOut = m[1]
				}
				continue
			}

		case current == sectionRouterOSPF && curOSPF != nil:
			if m := reRouterID.FindStringSubmatch(line); m != nil {
				curOSPF.RouterID = m[1]
				continue
			}
			if m := reNetworkStmt.FindStringSubmatch(line); m != nil {
				area, _ := strconv.Atoi(m[3])
				curOSPF.NetworkStatements = append(curOSPF.NetworkStatements, NetworkStatement{
					Network:  m[1],
					Wildcard: m[2],
					Area:     area,
				})
				continue
			}
			if m := rePassiveIntf.FindStringSubmatch(line); m != nil {
				curOSPF.PassiveInterfaces = append(curOSPF.PassiveInterfaces, m[1])
				continue
			}

		case current == sectionACL && curACL != nil:
			if rule, ok := parseACLRule(line); ok {
				curACL.Rules = append(curACL.Rules, rule)
			}
		}

		stripped := strings.TrimSpace(line)
		if stripped == "!" || stripped == "end" {
			if current != sectionTop {
				popToTop()
			}
		}
	}

	return parsed
}

// parseACLRule parses one rule line inside an ACL stanza. Both keyword
// rules ("permit tcp any any eq 22") and numbered entries
// ("10 permit ip any any") are accepted.
func parseACLRule(line string) (AccessRule, bool) {
	stripped := strings.TrimSpace(line)
	if stripped == "" || strings.HasPrefix(stripped, "!") {
		return AccessRule{}, false
	}
	parts := strings.Fields(stripped)
	if len(parts) == 0 {
		return AccessRule{}, false
	}

	switch {
	case parts[0] == "permit" || parts[0] == "deny":
		rule := AccessRule{Action: parts[0], Protocol: "ip", Source: "any", Destination: "any"}
		if len(parts) > 1 {
			rule.Protocol = parts[1]
		}
		if len(parts) > 2 {
			rule.Source = parts[2]
		}
		if len(parts) > 3 {
			rule.Destination = strings.Join(parts[3:], " ")
		}
		return rule, true
	case isDigits(parts[0]):
		rule := AccessRule{Action: "permit", Protocol: "ip", Source: "any", Destination: "any"}
		rule.Sequence, _ = strconv.Atoi(parts[0])
		if len(parts) > 1 {
			rule.Action = parts[1]
		}
		if len(parts) > 2 {
			rule.Protocol = parts[2]
		}
		if len(parts) > 3 {
			rule.Source = parts[3]
		}
		if len(parts) > 4 {
			rule.Destination = strings.Join(parts[4:], " ")
		}
		return rule, true
	}
	return AccessRule{}, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ipToUint32 converts a dotted-decimal IPv4 address to its integer form.
// Malformed input returns 0; parse-time regexes guarantee four octets for
// everything this package feeds in.
func ipToUint32(ip string) uint32 {
	var out uint32
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return 0
	}
	for _, part := range parts {
		octet, err := strconv.Atoi(part)
		if err != nil || octet < 0 || octet > 255 {
			return 0
		}
		out = out<<8 | uint32(octet)
	}
	return out
}

// IPInNetwork reports whether ip falls within a network/wildcard pair.
// OSPF wildcard semantics: zero bits must match, one bits are don't-care.
func IPInNetwork(ip, network, wildcard string) bool {
	wild := ipToUint32(wildcard)
	return ipToUint32(ip)&^wild == ipToUint32(network)&^wild
}

// OSPFInterfaces returns a map of interface name to OSPF area for every
// OSPF-participating interface, covering both interface-level
// configuration and network-statement membership. processID zero means
// "any process".
func OSPFInterfaces(parsed ParsedConfig, processID int) map[string]int {
	result := make(map[string]int)

	for _, name := range parsed.InterfaceOrder {
		iface := parsed.Interfaces[name]
		if !iface.HasOSPF() {
			continue
		}
		if processID == 0 || iface.OSPFProcessID == processID {
			result[name] = iface.OSPFArea
		}
	}

	for _, pid := range parsed.OSPFProcessOrder {
		if processID != 0 && pid != processID {
			continue
		}
		for _, stmt := range parsed.OSPFProcesses[pid].NetworkStatements {
			for _, name := range parsed.InterfaceOrder {
				iface := parsed.Interfaces[name]
				if iface.IPAddress == "" || !IPInNetwork(iface.IPAddress, stmt.Network, stmt.Wildcard) {
					continue
				}
				if _, seen := result[name]; !seen {
					result[name] = stmt.Area
				}
			}
		}
	}

	return result
}
