// Package logquery provides the log-search collaborator the pipeline
// uses after a deployment: canned query types for routing errors, OSPF
// adjacency events, authentication and configuration-change events, and
// raw per-device logs, executed against a search API over HTTP.
package logquery

import (
	"context"
	"fmt"
	"strings"
)

// QueryType selects one of the canned searches.
type QueryType string

const (
	// TypeRecentErrors finds routing-protocol errors and warnings.
	TypeRecentErrors QueryType = "recent_errors"
	// TypeOSPFEvents finds OSPF and adjacency events.
	TypeOSPFEvents QueryType = "ospf_events"
	// TypeAuthEvents finds authentication and access events.
	TypeAuthEvents QueryType = "auth_events"
	// TypeConfigChanges finds configuration-change events.
	TypeConfigChanges QueryType = "config_changes"
	// TypeDeviceLogs returns everything a single device logged.
	TypeDeviceLogs QueryType = "device_logs"
)

// Event is one raw log row. Field names depend on the search backend,
// so rows stay schemaless.
type Event map[string]any

// QueryResult is the outcome of one search.
type QueryResult struct {
	Query           string  `json:"query"`
	Results         []Event `json:"results"`
	ResultCount     int     `json:"result_count"`
	ExecutionTimeMS int64   `json:"execution_time_ms,omitempty"`
}

// Querier is the search surface the pipeline consumes. earliest is a
// relative start time such as "-5m"; device scopes the search to one
// host and is required for TypeDeviceLogs.
type Querier interface {
	Query(ctx context.Context, queryType QueryType, earliest, device string) (QueryResult, error)
}

// buildQuery renders the search string for a query type. Every search
// is newest-first and capped server-side.
func buildQuery(index string, queryType QueryType, device string) (string, error) {
	var q string
	switch queryType {
	case TypeOSPFEvents:
		q = fmt.Sprintf(`index=%s (OSPF OR "routing" OR "adjacency")`, index)
	case TypeRecentErrors:
		q = fmt.Sprintf(`index=%s (error OR warning OR critical) (routing OR OSPF OR BGP OR EIGRP)`, index)
	case TypeAuthEvents:
		q = fmt.Sprintf(`index=%s (authentication OR login OR "access" OR "denied" OR "failed")`, index)
	case TypeConfigChanges:
		q = fmt.Sprintf(`index=%s ("config" OR "configuration") ("change" OR "modified" OR "updated")`, index)
	case TypeDeviceLogs:
		if device == "" {
			return "", fmt.Errorf("query type %q requires a device", queryType)
		}
		return fmt.Sprintf(`index=%s host="%s" | sort -_time`, index, device), nil
	default:
		return "", fmt.Errorf("unknown query type %q", queryType)
	}
	if device != "" {
		q += fmt.Sprintf(` host="%s"`, device)
	}
	q += " | sort -_time | head 100"
	return q, nil
}

// QueryTypeForUseCase picks the canned search matching a use case name,
// defaulting to per-device logs.
func QueryTypeForUseCase(name string) QueryType {
	switch {
	case containsFold(name, "ospf"):
		return TypeOSPFEvents
	case containsFold(name, "credential"):
		return TypeAuthEvents
	case containsFold(name, "security"):
		return TypeConfigChanges
	default:
		return TypeDeviceLogs
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
