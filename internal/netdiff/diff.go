package netdiff

import "fmt"

// MetricDelta is one metric's before/after pair.
type MetricDelta struct {
	Before int `json:"before"`
	After  int `json:"after"`
	Change int `json:"change"`
}

func delta(before, after int) MetricDelta {
	return MetricDelta{Before: before, After: after, Change: after - before}
}

// Diff aggregates the state change across all deployed devices. Healthy
// means the OSPF neighbor count did not decrease, the up-interface count
// did not decrease, and the fleet still has OSPF routes afterwards.
type Diff struct {
	Neighbors    MetricDelta `json:"ospf_neighbors"`
	InterfacesUp MetricDelta `json:"interfaces_up"`
	Routes       MetricDelta `json:"routes"`
	Healthy      bool        `json:"deployment_healthy"`
}

// Compute builds the aggregate diff between a baseline and a
// post-deployment snapshot set. Devices are summed, not matched pairwise:
// an adjacency that moved between devices is not a loss.
func Compute(before, after []Snapshot) Diff {
	var d Diff
	d.Neighbors = delta(sum(before, Snapshot.NeighborCount), sum(after, Snapshot.NeighborCount))
	d.InterfacesUp = delta(sum(before, Snapshot.UpInterfaceCount), sum(after, Snapshot.UpInterfaceCount))
	d.Routes = delta(sum(before, Snapshot.RouteCount), sum(after, Snapshot.RouteCount))
	d.Healthy = d.Neighbors.Change >= 0 && d.InterfacesUp.Change >= 0 && d.Routes.After > 0
	return d
}

func sum(snaps []Snapshot, count func(Snapshot) int) int {
	total := 0
	for _, s := range snaps {
		total += count(s)
	}
	return total
}

// Summary renders the diff for human readers and LLM prompts.
func (d Diff) Summary() string {
	return fmt.Sprintf("OSPF neighbors change: %+d; Interfaces up change: %+d; OSPF routes change: %+d",
		d.Neighbors.Change, d.InterfacesUp.Change, d.Routes.Change)
}

// Degraded reports whether the diff crosses the degradation line: any
// neighbor or up-interface loss, or route loss beyond routeLossThreshold
// (a small negative number, so losing one aggregate route is tolerated).
func (d Diff) Degraded(routeLossThreshold int) bool {
	return d.Neighbors.Change < 0 || d.InterfacesUp.Change < 0 || d.Routes.Change < routeLossThreshold
}
