// Package netdiff captures per-device network state snapshots and
// computes the before/after deltas used to judge deployment health.
//
// A snapshot is built from standard IOS show commands (OSPF neighbors,
// interface brief, OSPF routes, CPU and memory utilization). Collection
// is best-effort per metric: a failed command is recorded on the
// snapshot's Errors list and the remaining metrics are still collected.
// The Diff over two snapshot sets, not the raw snapshots, is the primary
// signal handed to downstream validation.
package netdiff

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Neighbor is one row of "show ip ospf neighbor".
type Neighbor struct {
	ID        string `json:"neighbor_id"`
	State     string `json:"state"`
	Address   string `json:"address"`
	Interface string `json:"interface"`
}

// InterfaceStatus is one row of "show ip interface brief".
type InterfaceStatus struct {
	Name     string `json:"name"`
	IP       string `json:"ip_address"`
	Status   string `json:"status"`
	Protocol string `json:"protocol"`
}

// Snapshot is a device's point-in-time network state.
type Snapshot struct {
	Device        string            `json:"device"`
	OSPFNeighbors []Neighbor        `json:"ospf_neighbors"`
	Interfaces    []InterfaceStatus `json:"interfaces"`
	Routes        []string          `json:"routes"`
	CPUPercent    *float64          `json:"cpu_utilization_percent,omitempty"`
	MemoryPercent *float64          `json:"memory_utilization_percent,omitempty"`
	CollectedAt   time.Time         `json:"collected_at"`
	Errors        []string          `json:"errors,omitempty"`
}

// NeighborCount returns the number of OSPF adjacencies in the snapshot.
func (s Snapshot) NeighborCount() int { return len(s.OSPFNeighbors) }

// UpInterfaceCount returns the number of interfaces whose status is up.
func (s Snapshot) UpInterfaceCount() int {
	n := 0
	for _, iface := range s.Interfaces {
		if strings.EqualFold(iface.Status, "up") {
			n++
		}
	}
	return n
}

// RouteCount returns the number of OSPF routes in the snapshot.
func (s Snapshot) RouteCount() int { return len(s.Routes) }

// CommandRunner executes one CLI command on a device and returns its raw
// output. The netlab client satisfies this.
type CommandRunner interface {
	RunCommand(ctx context.Context, device, command string) (string, error)
}

const (
	cmdOSPFNeighbors  = "show ip ospf neighbor"
	cmdInterfaceBrief = "show ip interface brief"
	cmdOSPFRoutes     = "show ip route ospf"
	cmdCPU            = "show processes cpu | include CPU utilization"
	cmdMemory         = "show processes memory | include Processor Pool"
)

// Collect gathers a snapshot from one device. Every metric is collected
// independently; command failures land in Snapshot.Errors and never
// abort the rest of the collection.
func Collect(ctx context.Context, runner CommandRunner, device string) Snapshot {
	snap := Snapshot{Device: device, CollectedAt: time.Now().UTC()}

	if out, err := runner.RunCommand(ctx, device, cmdOSPFNeighbors); err != nil {
		snap.Errors = append(snap.Errors, fmt.Sprintf("%s: %v", cmdOSPFNeighbors, err))
	} else {
		snap.OSPFNeighbors = ParseOSPFNeighbors(out)
	}

	if out, err := runner.RunCommand(ctx, device, cmdInterfaceBrief); err != nil {
		snap.Errors = append(snap.Errors, fmt.Sprintf("%s: %v", cmdInterfaceBrief, err))
	} else {
		snap.Interfaces = ParseInterfaceBrief(out)
	}

	if out, err := runner.RunCommand(ctx, device, cmdOSPFRoutes); err != nil {
		snap.Errors = append(snap.Errors, fmt.Sprintf("%s: %v", cmdOSPFRoutes, err))
	} else {
		snap.Routes = ParseOSPFRoutes(out)
	}

	if out, err := runner.RunCommand(ctx, device, cmdCPU); err != nil {
		snap.Errors = append(snap.Errors, fmt.Sprintf("%s: %v", cmdCPU, err))
	} else if pct, ok := ParseCPUUtilization(out); ok {
		snap.CPUPercent = &pct
	}

	if out, err := runner.RunCommand(ctx, device, cmdMemory); err != nil {
		snap.Errors = append(snap.Errors, fmt.Sprintf("%s: %v", cmdMemory, err))
	} else if pct, ok := ParseMemoryUtilization(out); ok {
		snap.MemoryPercent = &pct
	}

	return snap
}

var reIPv4 = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// ParseOSPFNeighbors parses "show ip ospf neighbor" output. Rows start
// with the neighbor router id; the state column may contain a space
// ("FULL/  -") so the interface and address are taken from the end of
// the row.
func ParseOSPFNeighbors(output string) []Neighbor {
	var neighbors []Neighbor
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 || !reIPv4.MatchString(fields[0]) {
			continue
		}
		last := len(fields)
		if !reIPv4.MatchString(fields[last-2]) {
			continue
		}
		neighbors = append(neighbors, Neighbor{
			ID:        fields[0],
			State:     strings.Join(fields[2:last-3], " "),
			Address:   fields[last-2],
			Interface: fields[last-1],
		})
	}
	return neighbors
}

// ParseInterfaceBrief parses "show ip interface brief" output. The
// status column may contain spaces ("administratively down"), so status
// spans everything between the method column and the final protocol
// column.
func ParseInterfaceBrief(output string) []InterfaceStatus {
	var interfaces []InterfaceStatus
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 || fields[0] == "Interface" {
			continue
		}
		if !strings.EqualFold(fields[2], "YES") && !strings.EqualFold(fields[2], "NO") {
			continue
		}
		last := len(fields)
		interfaces = append(interfaces, InterfaceStatus{
			Name:     fields[0],
			IP:       fields[1],
			Status:   strings.Join(fields[4:last-1], " "),
			Protocol: fields[last-1],
		})
	}
	return interfaces
}

var reOSPFRoute = regexp.MustCompile(`^O[\s*]`)

// ParseOSPFRoutes returns the raw OSPF route lines ("O", "O IA",
// "O E2", ...) from "show ip route ospf" output.
func ParseOSPFRoutes(output string) []string {
	var routes []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if reOSPFRoute.MatchString(trimmed) {
			routes = append(routes, trimmed)
		}
	}
	return routes
}

var reCPU = regexp.MustCompile(`CPU utilization for five seconds:\s*(\d+)%`)

// ParseCPUUtilization extracts the five-second CPU percentage from
// "show processes cpu" output.
func ParseCPUUtilization(output string) (float64, bool) {
	m := reCPU.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return pct, true
}

var reMemory = regexp.MustCompile(`Processor\s+Pool\s+Total:\s*(\d+)\s+Used:\s*(\d+)`)

// ParseMemoryUtilization computes used/total from the processor pool
// line of "show processes memory" output.
func ParseMemoryUtilization(output string) (float64, bool) {
	m := reMemory.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	total, err1 := strconv.ParseFloat(m[1], 64)
	used, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil || total == 0 {
		return 0, false
	}
	return used / total * 100, true
}
