// Package analytics keeps live in-process statistics about the attribution
// pipeline for the ops endpoint: run counts, credit totals by model and by
// source, and a minute-bucketed time series. Prometheus carries the
// operational metrics; this tracker carries the business-facing ones.
package analytics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Tracker accumulates pipeline statistics. Safe for concurrent use.
type Tracker struct {
	// Real-time counters
	TotalConversions  atomic.Uint64
	TotalTouchpoints  atomic.Uint64
	TotalResults      atomic.Uint64
	DirectConversions atomic.Uint64
	ModelFallbacks    atomic.Uint64

	mu             sync.RWMutex
	creditByModel  map[string]decimal.Decimal
	creditBySource map[string]decimal.Decimal
	totalCredit    decimal.Decimal

	series *timeSeries
}

// timeSeries stores minute-bucketed run counts and credit.
type timeSeries struct {
	mu         sync.Mutex
	buckets    map[int64]*Bucket
	bucketSize time.Duration
	retention  int
}

type Bucket struct {
	Timestamp   time.Time       `json:"timestamp"`
	Conversions uint64          `json:"conversions"`
	Credit      decimal.Decimal `json:"credit"`
}

// NewTracker creates an empty tracker with one-minute buckets.
func NewTracker() *Tracker {
	return &Tracker{
		creditByModel:  make(map[string]decimal.Decimal),
		creditBySource: make(map[string]decimal.Decimal),
		series: &timeSeries{
			buckets:    make(map[int64]*Bucket),
			bucketSize: time.Minute,
			retention:  24 * 60,
		},
	}
}

// SourceCredit is a single source's share of a run, for RecordRun.
type SourceCredit struct {
	Source string
	Credit decimal.Decimal
}

// RecordRun folds one completed attribution run into the statistics.
func (t *Tracker) RecordRun(model string, touchpoints int, direct, fallback bool, bySource []SourceCredit, at time.Time) {
	t.TotalConversions.Add(1)
	t.TotalTouchpoints.Add(uint64(touchpoints))
	t.TotalResults.Add(uint64(len(bySource)))
	if direct {
		t.DirectConversions.Add(1)
	}
	if fallback {
		t.ModelFallbacks.Add(1)
	}

	runCredit := decimal.Zero
	for _, sc := range bySource {
		runCredit = runCredit.Add(sc.Credit)
	}

	t.mu.Lock()
	t.totalCredit = t.totalCredit.Add(runCredit)
	t.creditByModel[model] = t.creditByModel[model].Add(runCredit)
	for _, sc := range bySource {
		t.creditBySource[sc.Source] = t.creditBySource[sc.Source].Add(sc.Credit)
	}
	t.mu.Unlock()

	t.series.record(at, runCredit)
}

func (s *timeSeries) record(at time.Time, credit decimal.Decimal) {
	key := at.Truncate(s.bucketSize).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &Bucket{Timestamp: at.Truncate(s.bucketSize), Credit: decimal.Zero}
		s.buckets[key] = b
		s.prune(key)
	}
	b.Conversions++
	b.Credit = b.Credit.Add(credit)
}

// prune drops buckets past the retention horizon.
func (s *timeSeries) prune(latest int64) {
	horizon := latest - int64(s.retention)*int64(s.bucketSize/time.Second)
	for key := range s.buckets {
		if key < horizon {
			delete(s.buckets, key)
		}
	}
}

// Snapshot is a point-in-time view of the tracker, JSON-ready for the ops
// endpoint.
type Snapshot struct {
	TotalConversions  uint64                     `json:"total_conversions"`
	TotalTouchpoints  uint64                     `json:"total_touchpoints"`
	TotalResults      uint64                     `json:"total_results"`
	DirectConversions uint64                     `json:"direct_conversions"`
	ModelFallbacks    uint64                     `json:"model_fallbacks"`
	TotalCredit       decimal.Decimal            `json:"total_credit"`
	CreditByModel     map[string]decimal.Decimal `json:"credit_by_model"`
	CreditBySource    map[string]decimal.Decimal `json:"credit_by_source"`
	Series            []Bucket                   `json:"series"`
}

// Stats returns a copy of the current statistics.
func (t *Tracker) Stats() Snapshot {
	snap := Snapshot{
		TotalConversions:  t.TotalConversions.Load(),
		TotalTouchpoints:  t.TotalTouchpoints.Load(),
		TotalResults:      t.TotalResults.Load(),
		DirectConversions: t.DirectConversions.Load(),
		ModelFallbacks:    t.ModelFallbacks.Load(),
		CreditByModel:     make(map[string]decimal.Decimal),
		CreditBySource:    make(map[string]decimal.Decimal),
	}

	t.mu.RLock()
	snap.TotalCredit = t.totalCredit
	for k, v := range t.creditByModel {
		snap.CreditByModel[k] = v
	}
	for k, v := range t.creditBySource {
		snap.CreditBySource[k] = v
	}
	t.mu.RUnlock()

	t.series.mu.Lock()
	for _, b := range t.series.buckets {
		snap.Series = append(snap.Series, *b)
	}
	t.series.mu.Unlock()

	sort.Slice(snap.Series, func(i, j int) bool {
		return snap.Series[i].Timestamp.Before(snap.Series[j].Timestamp)
	})

	return snap
}
