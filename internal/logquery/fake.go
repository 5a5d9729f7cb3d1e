package logquery

import (
	"context"
	"sync"
)

// Fake is an in-memory Querier for tests. Seed it with SetResults and
// inspect recorded queries with Queries. Safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	results map[QueryType][]Event
	fail    error
	queries []FakeQuery
}

// FakeQuery records one Query call.
type FakeQuery struct {
	Type     QueryType
	Earliest string
	Device   string
}

func NewFake() *Fake {
	return &Fake{results: make(map[QueryType][]Event)}
}

// SetResults seeds the rows returned for a query type.
func (f *Fake) SetResults(queryType QueryType, events ...Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[queryType] = events
}

// FailWith makes every subsequent Query return err.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

// Queries returns a copy of all recorded calls.
func (f *Fake) Queries() []FakeQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeQuery, len(f.queries))
	copy(out, f.queries)
	return out
}

func (f *Fake) Query(ctx context.Context, queryType QueryType, earliest, device string) (QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries = append(f.queries, FakeQuery{Type: queryType, Earliest: earliest, Device: device})
	if f.fail != nil {
		return QueryResult{}, f.fail
	}
	q, err := buildQuery(defaultIndex, queryType, device)
	if err != nil {
		return QueryResult{}, err
	}
	rows := f.results[queryType]
	return QueryResult{Query: q, Results: rows, ResultCount: len(rows)}, nil
}
