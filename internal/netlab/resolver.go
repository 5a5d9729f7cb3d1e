package netlab

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/changelab/changelab/internal/models"
)

// routerNodeDefinitions are the node types targetable as routers.
// iosvl2 is an L2 switch but is sometimes used as a router.
var routerNodeDefinitions = map[string]bool{
	"cat8000v":   true,
	"iosv":       true,
	"csr1000v":   true,
	"iosxrv9000": true,
	"iosxrv":     true,
	"iosvl2":     true,
}

// activeNodeStates are the node states considered alive and targetable.
var activeNodeStates = map[string]bool{
	"BOOTED":  true,
	"STARTED": true,
}

// allKeywords are the phrasings that mean "target every router".
var allKeywords = map[string]bool{
	"all":                 true,
	"all routers":         true,
	"all devices":         true,
	"every router":        true,
	"every device":        true,
	"all network devices": true,
	"all of them":         true,
	"all the routers":     true,
}

// IsAllKeyword reports whether the target list is a single "all"
// phrasing. Multi-element lists are never treated as "all", even when
// one element is an all keyword.
func IsAllKeyword(targets []string) bool {
	if len(targets) != 1 {
		return false
	}
	return allKeywords[strings.ToLower(strings.TrimSpace(targets[0]))]
}

// RouterIsActive reports whether the device is a router node in a
// targetable state.
func RouterIsActive(d Device) bool {
	return routerNodeDefinitions[strings.ToLower(d.NodeDefinition)] && activeNodeStates[strings.ToUpper(d.State)]
}

// AvailableRouters returns the lab's active router nodes sorted by
// label.
func AvailableRouters(ctx context.Context, inv Backend) ([]Device, error) {
	devices, err := inv.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list lab devices: %w", err)
	}

	var routers []Device
	for _, d := range devices {
		if RouterIsActive(d) {
			routers = append(routers, d)
		}
	}
	sort.Slice(routers, func(i, j int) bool { return routers[i].Label < routers[j].Label })
	return routers, nil
}

// ResolveTargets maps the raw target list from intent parsing to lab
// node labels. An "all" phrasing resolves to every active router;
// specific names are matched case-insensitively against labels.
// Unmatched names become per-item errors while matched ones are still
// returned; the caller decides whether partial resolution is acceptable.
// The returned error covers only inventory query failure.
func ResolveTargets(ctx context.Context, inv Backend, rawTargets []string) (models.DeviceResolution, error) {
	res := models.DeviceResolution{RawTargets: rawTargets}
	if len(rawTargets) == 0 {
		res.Errors = append(res.Errors, "No target devices specified")
		return res, nil
	}

	routers, err := AvailableRouters(ctx, inv)
	if err != nil {
		return models.DeviceResolution{}, err
	}
	labels := make([]string, 0, len(routers))
	for _, r := range routers {
		labels = append(labels, r.Label)
	}

	if IsAllKeyword(rawTargets) {
		res.WasAllKeyword = true
		if len(labels) == 0 {
			res.Errors = append(res.Errors,
				"No active routers found in lab. Ensure routers are in BOOTED/STARTED state.")
			return res, nil
		}
		res.ResolvedLabels = labels
		return res, nil
	}

	seen := make(map[string]bool)
	for _, target := range rawTargets {
		cleaned := strings.TrimSpace(target)

		var matched string
		for _, label := range labels {
			if strings.EqualFold(label, cleaned) {
				matched = label
				break
			}
		}

		if matched == "" {
			res.Errors = append(res.Errors, fmt.Sprintf(
				"Device '%s' not found or not active. Available devices: %s",
				cleaned, strings.Join(labels, ", ")))
			continue
		}
		if !seen[matched] {
			seen[matched] = true
			res.ResolvedLabels = append(res.ResolvedLabels, matched)
		}
	}
	return res, nil
}
