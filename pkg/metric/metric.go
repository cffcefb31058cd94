// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metric

import (
	metrics "github.com/luxfi/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all pipeline metrics using luxfi/metric
type Metrics struct {
	metricsInstance metrics.Metrics

	// Capture metrics
	EventsCaptured      metrics.Counter
	ConversionsRecorded metrics.Counter

	// Attribution metrics
	ConversionsProcessed  metrics.Counter
	TouchpointsConsidered metrics.Counter
	MalformedDropped      metrics.Counter
	DirectConversions     metrics.Counter
	ModelFallbacks        metrics.Counter
	RunsByModel           metrics.CounterVec

	// Result sink metrics
	ResultsWritten metrics.Counter
	SinkFailures   metrics.Counter

	// Performance metrics
	AttributionDuration metrics.Histogram
	StoreLatency        metrics.Histogram
}

// NewMetrics creates a new metrics instance using luxfi/metric
func NewMetrics() (*Metrics, error) {
	factory := metrics.NewPrometheusFactory()
	metricsInstance := factory.New("attrib")

	m := &Metrics{
		metricsInstance: metricsInstance,
	}

	m.EventsCaptured = metricsInstance.NewCounter("events_captured_total", "Total tracker events accepted by the capture endpoint")
	m.ConversionsRecorded = metricsInstance.NewCounter("conversions_recorded_total", "Total conversion events recorded")

	m.ConversionsProcessed = metricsInstance.NewCounter("conversions_processed_total", "Total conversions run through attribution")
	m.TouchpointsConsidered = metricsInstance.NewCounter("touchpoints_considered_total", "Total touchpoints inside lookback windows")
	m.MalformedDropped = metricsInstance.NewCounter("touchpoints_malformed_total", "Total raw events dropped during normalization")
	m.DirectConversions = metricsInstance.NewCounter("conversions_direct_total", "Total conversions attributed to direct with no touchpoints")
	m.ModelFallbacks = metricsInstance.NewCounter("model_fallbacks_total", "Total unknown-model fallbacks to last_touch")

	m.RunsByModel = metricsInstance.NewCounterVec(
		"attribution_runs_total",
		"Total attribution runs by model",
		[]string{"model"},
	)

	m.ResultsWritten = metricsInstance.NewCounter("results_written_total", "Total attribution result rows persisted")
	m.SinkFailures = metricsInstance.NewCounter("result_sink_failures_total", "Total failed result batch writes")

	m.AttributionDuration = metricsInstance.NewHistogram(
		"attribution_duration_seconds",
		"Time to compute and persist attribution for one conversion",
		prometheus.DefBuckets,
	)

	m.StoreLatency = metricsInstance.NewHistogram(
		"event_store_latency_seconds",
		"Time to fetch touchpoints from the event store",
		prometheus.DefBuckets,
	)

	return m, nil
}

// GetGatherer returns the prometheus gatherer for metrics export
func (m *Metrics) GetGatherer() prometheus.Gatherer {
	if registry := m.metricsInstance.Registry(); registry != nil {
		return registry
	}
	return prometheus.DefaultGatherer
}
