package graphsink

import (
	"context"
	"sync"
)

// ExecutedQuery captures a cypher statement and its parameters.
type ExecutedQuery struct {
	Query  string
	Params map[string]any
}

// MemoryClient records writes instead of sending them. Used in tests and
// when running without a graph database.
type MemoryClient struct {
	mu       sync.Mutex
	writes   []ExecutedQuery
	failures int
	err      error
}

// NewMemoryClient creates an empty recording client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{}
}

// FailNext makes the next n writes return err.
func (m *MemoryClient) FailNext(n int, err error) *MemoryClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures, m.err = n, err
	return m
}

func (m *MemoryClient) ExecuteWrite(_ context.Context, cypher string, params map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return m.err
	}
	m.writes = append(m.writes, ExecutedQuery{Query: cypher, Params: params})
	return nil
}

func (m *MemoryClient) VerifyConnectivity(context.Context) error { return nil }

func (m *MemoryClient) Close(context.Context) error { return nil }

// Writes returns the recorded writes.
func (m *MemoryClient) Writes() []ExecutedQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecutedQuery(nil), m.writes...)
}
