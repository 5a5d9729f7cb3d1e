package logquery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultIndex        = "network"
	defaultEarliest     = "-1h"
	defaultMaxResults   = 1000
	defaultQueryTimeout = 30 * time.Second
)

// Client executes searches against a log-search REST API.
type Client struct {
	// HTTPClient is used for API requests. Defaults to
	// http.DefaultClient when nil.
	HTTPClient *http.Client

	// BaseURL is the search API base, for example
	// "https://logs.example.net:8089".
	BaseURL string

	// Token authenticates requests as a bearer token.
	Token string

	// Index scopes every search. Defaults to "network".
	Index string

	// MaxResults caps a single search. Defaults to 1000.
	MaxResults int

	// QueryTimeout bounds one search call. Defaults to 30s.
	QueryTimeout time.Duration
}

var _ Querier = (*Client)(nil)

type searchRequest struct {
	Query        string `json:"query"`
	EarliestTime string `json:"earliest_time"`
	LatestTime   string `json:"latest_time"`
	MaxResults   int    `json:"max_results"`
}

type searchResponse struct {
	Results         []Event `json:"results"`
	ExecutionTimeMS int64   `json:"execution_time_ms"`
}

// Query runs the canned search for queryType, scoped to device when
// non-empty, looking back from earliest (default "-1h") to now.
func (c *Client) Query(ctx context.Context, queryType QueryType, earliest, device string) (QueryResult, error) {
	q, err := buildQuery(c.index(), queryType, device)
	if err != nil {
		return QueryResult{}, err
	}
	if earliest == "" {
		earliest = defaultEarliest
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout())
	defer cancel()

	body, err := c.doPost(ctx, "/search", searchRequest{
		Query:        q,
		EarliestTime: earliest,
		LatestTime:   "now",
		MaxResults:   c.maxResults(),
	})
	if err != nil {
		return QueryResult{}, err
	}

	// Some backends answer with a bare result array instead of the
	// wrapped object.
	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		var rows []Event
		if err2 := json.Unmarshal(body, &rows); err2 != nil {
			return QueryResult{}, fmt.Errorf("decode search response: %w", err)
		}
		sr.Results = rows
	}

	return QueryResult{
		Query:           q,
		Results:         sr.Results,
		ResultCount:     len(sr.Results),
		ExecutionTimeMS: sr.ExecutionTimeMS,
	}, nil
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) index() string {
	if c.Index == "" {
		return defaultIndex
	}
	return c.Index
}

func (c *Client) maxResults() int {
	if c.MaxResults <= 0 {
		return defaultMaxResults
	}
	return c.MaxResults
}

func (c *Client) queryTimeout() time.Duration {
	if c.QueryTimeout <= 0 {
		return defaultQueryTimeout
	}
	return c.QueryTimeout
}

func (c *Client) doPost(ctx context.Context, path string, payload any) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.BaseURL, "/")+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("log API error: status %d: %s", resp.StatusCode, apiErrorMessage(data))
	}
	return data, nil
}

func apiErrorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
