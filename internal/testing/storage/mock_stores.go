// Package storage provides in-memory collaborator doubles for engine and
// API tests: call counting plus injectable failures, which the memdb-backed
// stores cannot simulate.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/adxyz/attrib/pkg/credit"
	"github.com/adxyz/attrib/pkg/engine"
	"github.com/adxyz/attrib/pkg/event"
	"github.com/adxyz/attrib/pkg/ids"
	"github.com/adxyz/attrib/pkg/model"
)

// MockEventStore serves a fixed event slice and records queries.
type MockEventStore struct {
	mu     sync.Mutex
	Events []event.RawEvent
	Err    error
	Calls  int

	// LastFrom/LastTo capture the most recent window bounds.
	LastFrom time.Time
	LastTo   time.Time
}

// EventsInWindow returns the configured events filtered to the window.
func (m *MockEventStore) EventsInWindow(ctx context.Context, clientID ids.ClientID, visitors []ids.VisitorID, from, to time.Time) ([]event.RawEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	m.LastFrom, m.LastTo = from, to
	if m.Err != nil {
		return nil, m.Err
	}

	allowed := make(map[ids.VisitorID]bool, len(visitors))
	for _, v := range visitors {
		allowed[v] = true
	}

	var out []event.RawEvent
	for _, e := range m.Events {
		if e.ClientID != clientID || !allowed[e.VisitorID] {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			// Malformed rows still flow to the normalizer.
			out = append(out, e)
			continue
		}
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// MockIdentityResolver returns a fixed visitor set.
type MockIdentityResolver struct {
	mu    sync.Mutex
	Set   []ids.VisitorID
	Err   error
	Calls int
}

// Resolve returns the configured set, defaulting to just the visitor.
func (m *MockIdentityResolver) Resolve(ctx context.Context, clientID ids.ClientID, visitorID ids.VisitorID, emailHash string) ([]ids.VisitorID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Set) == 0 {
		return []ids.VisitorID{visitorID}, nil
	}
	return m.Set, nil
}

// MockConfigStore returns fixed settings.
type MockConfigStore struct {
	mu       sync.Mutex
	Settings model.Settings
	Err      error
	Calls    int
}

// ModelSettings returns the configured settings or error.
func (m *MockConfigStore) ModelSettings(ctx context.Context, clientID ids.ClientID) (model.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return model.Settings{}, m.Err
	}
	return m.Settings, nil
}

// MockResultSink collects written batches.
type MockResultSink struct {
	mu      sync.Mutex
	Batches [][]credit.AttributionResult
	Err     error
	Calls   int
}

// WriteResults appends the batch or returns the injected error.
func (m *MockResultSink) WriteResults(ctx context.Context, results []credit.AttributionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return m.Err
	}
	m.Batches = append(m.Batches, results)
	return nil
}

// Written flattens every batch into one slice.
func (m *MockResultSink) Written() []credit.AttributionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []credit.AttributionResult
	for _, b := range m.Batches {
		out = append(out, b...)
	}
	return out
}

// FixedClock returns a constant time.
type FixedClock struct {
	At time.Time
}

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time { return c.At }

var _ engine.EventStore = (*MockEventStore)(nil)
var _ engine.IdentityResolver = (*MockIdentityResolver)(nil)
var _ engine.ConfigStore = (*MockConfigStore)(nil)
var _ engine.ResultSink = (*MockResultSink)(nil)
var _ engine.Clock = FixedClock{}
