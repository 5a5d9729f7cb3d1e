package netdiff

import "testing"

func makeSnapshot(neighbors, interfacesUp, routes int) Snapshot {
	var snap Snapshot
	for i := 0; i < neighbors; i++ {
		snap.OSPFNeighbors = append(snap.OSPFNeighbors, Neighbor{ID: "10.255.255.2", State: "FULL/DR"})
	}
	for i := 0; i < interfacesUp; i++ {
		snap.Interfaces = append(snap.Interfaces, InterfaceStatus{Status: "up", Protocol: "up"})
	}
	// A down interface must never count towards the up total.
	snap.Interfaces = append(snap.Interfaces, InterfaceStatus{Status: "administratively down", Protocol: "down"})
	for i := 0; i < routes; i++ {
		snap.Routes = append(snap.Routes, "O        10.2.0.0/24 [110/2] via 10.1.12.2")
	}
	return snap
}

func TestComputeSteadyState(t *testing.T) {
	before := []Snapshot{makeSnapshot(2, 3, 5), makeSnapshot(1, 2, 4)}
	after := []Snapshot{makeSnapshot(2, 3, 5), makeSnapshot(1, 2, 4)}

	d := Compute(before, after)
	if !d.Healthy {
		t.Fatalf("diff = %+v", d)
	}
	if d.Neighbors != (MetricDelta{Before: 3, After: 3, Change: 0}) {
		t.Fatalf("neighbors = %+v", d.Neighbors)
	}
	if d.InterfacesUp != (MetricDelta{Before: 5, After: 5, Change: 0}) {
		t.Fatalf("interfaces = %+v", d.InterfacesUp)
	}
	if d.Routes != (MetricDelta{Before: 9, After: 9, Change: 0}) {
		t.Fatalf("routes = %+v", d.Routes)
	}
}

func TestComputeNeighborLossIsUnhealthy(t *testing.T) {
	before := []Snapshot{makeSnapshot(2, 3, 5)}
	after := []Snapshot{makeSnapshot(1, 3, 5)}

	d := Compute(before, after)
	if d.Healthy {
		t.Fatalf("diff = %+v", d)
	}
	if d.Neighbors.Change != -1 {
		t.Fatalf("neighbor change = %d", d.Neighbors.Change)
	}
}

func TestComputeNoRoutesIsUnhealthy(t *testing.T) {
	before := []Snapshot{makeSnapshot(2, 3, 0)}
	after := []Snapshot{makeSnapshot(2, 3, 0)}

	d := Compute(before, after)
	if d.Healthy {
		t.Fatalf("diff = %+v", d)
	}
}

func TestComputeRouteGrowthIsHealthy(t *testing.T) {
	before := []Snapshot{makeSnapshot(2, 3, 5)}
	after := []Snapshot{makeSnapshot(2, 4, 7)}

	d := Compute(before, after)
	if !d.Healthy {
		t.Fatalf("diff = %+v", d)
	}
}

func TestDegradedThreshold(t *testing.T) {
	cases := []struct {
		name      string
		diff      Diff
		threshold int
		want      bool
	}{
		{"steady", Diff{}, -2, false},
		{"neighbor loss", Diff{Neighbors: MetricDelta{Change: -1}}, -2, true},
		{"interface loss", Diff{InterfacesUp: MetricDelta{Change: -2}}, -2, true},
		{"tolerated route loss", Diff{Routes: MetricDelta{Change: -2}}, -2, false},
		{"route loss beyond threshold", Diff{Routes: MetricDelta{Change: -3}}, -2, true},
	}
	for _, tc := range cases {
		if got := tc.diff.Degraded(tc.threshold); got != tc.want {
			t.Errorf("%s: degraded = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSummary(t *testing.T) {
	d := Diff{
		Neighbors:    MetricDelta{Change: 1},
		InterfacesUp: MetricDelta{Change: 0},
		Routes:       MetricDelta{Change: -2},
	}
	want := "OSPF neighbors change: +1; Interfaces up change: +0; OSPF routes change: -2"
	if got := d.Summary(); got != want {
		t.Fatalf("summary = %q", got)
	}
}
