// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package engine orchestrates one attribution run per conversion: resolve
// the identity set, gather touchpoints inside the lookback window, compute
// weights, allocate credit, and persist the result batch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/adxyz/attrib/pkg/attribution"
	"github.com/adxyz/attrib/pkg/credit"
	"github.com/adxyz/attrib/pkg/event"
	"github.com/adxyz/attrib/pkg/ids"
	"github.com/adxyz/attrib/pkg/log"
	"github.com/adxyz/attrib/pkg/metric"
	"github.com/adxyz/attrib/pkg/model"
	"github.com/adxyz/attrib/pkg/touchpoint"
)

var (
	// ErrSettingsNotFound is returned by ConfigStore implementations when a
	// client has no stored model configuration.
	ErrSettingsNotFound = errors.New("model settings not found")

	// ErrDuplicateRun reports that this conversion was already attributed
	// under the same model. Use Forget to force a reprocess.
	ErrDuplicateRun = errors.New("conversion already processed for model")
)

// EventStore supplies raw touchpoint rows. The engine only reads.
type EventStore interface {
	// EventsInWindow returns raw events for any visitor in the set with
	// from <= timestamp < to, in no particular order.
	EventsInWindow(ctx context.Context, clientID ids.ClientID, visitors []ids.VisitorID, from, to time.Time) ([]event.RawEvent, error)
}

// IdentityResolver expands a conversion's visitor into its identity set.
type IdentityResolver interface {
	Resolve(ctx context.Context, clientID ids.ClientID, visitorID ids.VisitorID, emailHash string) ([]ids.VisitorID, error)
}

// ConfigStore supplies the active model settings per client.
type ConfigStore interface {
	ModelSettings(ctx context.Context, clientID ids.ClientID) (model.Settings, error)
}

// ResultSink durably stores one attribution batch. Implementations should
// make the batch write atomic where the backing store supports it.
type ResultSink interface {
	WriteResults(ctx context.Context, results []credit.AttributionResult) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Run summarizes one completed attribution run.
type Run struct {
	ConversionID    ids.ConversionID           `json:"conversion_id"`
	Model           model.Model                `json:"model"`
	FallbackApplied bool                       `json:"fallback_applied,omitempty"`
	TouchpointCount int                        `json:"touchpoint_count"`
	DroppedCount    int                        `json:"dropped_count,omitempty"`
	Direct          bool                       `json:"direct"`
	Results         []credit.AttributionResult `json:"results"`
	Duration        time.Duration              `json:"-"`
}

// Deps wires the engine's collaborators. Events, Identity, Config, Sink and
// Logger are required; Metrics and Clock are optional.
type Deps struct {
	Events   EventStore
	Identity IdentityResolver
	Config   ConfigStore
	Sink     ResultSink
	Logger   log.Logger
	Metrics  *metric.Metrics
	Clock    Clock

	// DefaultModel applies to clients with no stored settings. Empty or
	// unknown names resolve to last_touch.
	DefaultModel model.Model

	// IOTimeout bounds each collaborator call. Defaults to 5s.
	IOTimeout time.Duration
}

// Engine coordinates the pure attribution core with its collaborators.
// Safe for concurrent use across conversions.
type Engine struct {
	events   EventStore
	identity IdentityResolver
	config   ConfigStore
	sink     ResultSink

	log       log.Logger
	metrics   *metric.Metrics
	clock     Clock
	defaults  model.Settings
	ioTimeout time.Duration

	breakers *breakerSet
	dedupe   *dedupeGuard
}

// New creates an Engine from deps.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = log.NoOp()
	}
	clock := deps.Clock
	if clock == nil {
		clock = systemClock{}
	}
	timeout := deps.IOTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	spec, err := model.Resolve(string(deps.DefaultModel))
	if err != nil {
		spec, _ = model.Resolve(string(model.LastTouch))
	}
	return &Engine{
		events:    deps.Events,
		identity:  deps.Identity,
		config:    deps.Config,
		sink:      deps.Sink,
		log:       logger,
		metrics:   deps.Metrics,
		clock:     clock,
		defaults:  spec.Defaults(),
		ioTimeout: timeout,
		breakers:  newBreakerSet(logger),
		dedupe:    newDedupeGuard(),
	}
}

// Process runs attribution for one conversion and persists the results.
// A second call for the same (conversion, model) returns ErrDuplicateRun.
func (e *Engine) Process(ctx context.Context, conv event.Conversion) (*Run, error) {
	started := e.clock.Now()

	settings, fallback := e.resolveSettings(ctx, conv.ClientID)

	if err := e.dedupe.begin(conv.ID, settings.Model); err != nil {
		return nil, err
	}

	visitors, err := e.resolveIdentity(ctx, conv)
	if err != nil {
		e.dedupe.forget(conv.ID, settings.Model)
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	tps, dropped, err := e.gatherTouchpoints(ctx, conv, visitors, settings.LookbackWindowDays)
	if err != nil {
		e.dedupe.forget(conv.ID, settings.Model)
		return nil, fmt.Errorf("gather touchpoints: %w", err)
	}

	if settings.MinTouchesRequired > 0 && len(tps) < settings.MinTouchesRequired {
		e.log.Debug("below minimum touch count, attributing direct",
			log.String("conversion", string(conv.ID)),
			log.Int("touchpoints", len(tps)),
			log.Int("required", settings.MinTouchesRequired))
		tps = nil
	}

	weights, err := attribution.ComputeWeights(tps, settings)
	if err != nil {
		e.dedupe.forget(conv.ID, settings.Model)
		return nil, fmt.Errorf("compute weights: %w", err)
	}

	results := credit.Allocate(weights, tps, conv, settings.Model, e.clock.Now())

	if err := e.writeResults(ctx, results); err != nil {
		e.dedupe.forget(conv.ID, settings.Model)
		if e.metrics != nil {
			e.metrics.SinkFailures.Inc()
		}
		return nil, fmt.Errorf("persist results: %w", err)
	}

	run := &Run{
		ConversionID:    conv.ID,
		Model:           settings.Model,
		FallbackApplied: fallback,
		TouchpointCount: len(tps),
		DroppedCount:    dropped,
		Direct:          len(tps) == 0,
		Results:         results,
		Duration:        e.clock.Now().Sub(started),
	}

	e.recordMetrics(run)
	e.log.Info("attribution complete",
		log.String("conversion", string(conv.ID)),
		log.String("model", string(run.Model)),
		log.Int("touchpoints", run.TouchpointCount),
		log.Int("results", len(run.Results)))

	return run, nil
}

// Forget clears the in-process idempotency record so a conversion can be
// reprocessed deliberately. The caller owns any resulting duplicate rows in
// sinks without a uniqueness constraint.
func (e *Engine) Forget(convID ids.ConversionID, m model.Model) {
	e.dedupe.forget(convID, m)
}

// resolveSettings fetches the client's model settings. Clients with no
// stored config get the engine's default model; a stored config naming an
// unknown model falls back to last_touch.
func (e *Engine) resolveSettings(ctx context.Context, clientID ids.ClientID) (model.Settings, bool) {
	cctx, cancel := context.WithTimeout(ctx, e.ioTimeout)
	defer cancel()

	settings, err := e.config.ModelSettings(cctx, clientID)
	if err != nil {
		if !errors.Is(err, ErrSettingsNotFound) {
			e.log.Warn("config store unavailable, using default model settings",
				log.String("client", string(clientID)),
				log.String("model", string(e.defaults.Model)),
				log.Err(err))
		}
		return e.defaults, false
	}

	if _, err := model.Resolve(string(settings.Model)); err != nil {
		e.log.Warn("unknown model configured, falling back to last_touch",
			log.String("client", string(clientID)),
			log.String("model", string(settings.Model)))
		if e.metrics != nil {
			e.metrics.ModelFallbacks.Inc()
		}
		spec, _ := model.Resolve(string(model.LastTouch))
		fallback := spec.Defaults()
		if settings.LookbackWindowDays >= 1 && settings.LookbackWindowDays <= 90 {
			fallback.LookbackWindowDays = settings.LookbackWindowDays
		}
		return fallback, true
	}

	return settings, false
}

func (e *Engine) resolveIdentity(ctx context.Context, conv event.Conversion) ([]ids.VisitorID, error) {
	cctx, cancel := context.WithTimeout(ctx, e.ioTimeout)
	defer cancel()

	out, err := e.breakers.identity.Execute(func() (interface{}, error) {
		return e.identity.Resolve(cctx, conv.ClientID, conv.VisitorID, conv.EmailHash)
	})
	if err != nil {
		return nil, err
	}
	return out.([]ids.VisitorID), nil
}

// gatherTouchpoints fetches raw events strictly before the conversion
// instant, normalizes them, and returns the batch sorted ascending.
func (e *Engine) gatherTouchpoints(
	ctx context.Context,
	conv event.Conversion,
	visitors []ids.VisitorID,
	lookbackDays int,
) ([]touchpoint.Touchpoint, int, error) {
	from := conv.Timestamp.AddDate(0, 0, -lookbackDays)
	to := conv.Timestamp

	cctx, cancel := context.WithTimeout(ctx, e.ioTimeout)
	defer cancel()

	fetchStart := e.clock.Now()
	out, err := e.breakers.events.Execute(func() (interface{}, error) {
		return e.events.EventsInWindow(cctx, conv.ClientID, visitors, from, to)
	})
	if err != nil {
		return nil, 0, err
	}
	raws := out.([]event.RawEvent)
	if e.metrics != nil {
		e.metrics.StoreLatency.Observe(e.clock.Now().Sub(fetchStart).Seconds())
	}

	tps, dropped := touchpoint.NormalizeBatch(raws)
	if dropped > 0 {
		e.log.Warn("dropped malformed touchpoints",
			log.String("conversion", string(conv.ID)),
			log.Int("dropped", dropped))
		if e.metrics != nil {
			e.metrics.MalformedDropped.Add(float64(dropped))
		}
	}

	sort.SliceStable(tps, func(i, j int) bool {
		return tps[i].Timestamp.Before(tps[j].Timestamp)
	})

	return tps, dropped, nil
}

func (e *Engine) writeResults(ctx context.Context, results []credit.AttributionResult) error {
	cctx, cancel := context.WithTimeout(ctx, e.ioTimeout)
	defer cancel()

	_, err := e.breakers.sink.Execute(func() (interface{}, error) {
		return nil, e.sink.WriteResults(cctx, results)
	})
	return err
}

func (e *Engine) recordMetrics(run *Run) {
	if e.metrics == nil {
		return
	}
	e.metrics.ConversionsProcessed.Inc()
	e.metrics.TouchpointsConsidered.Add(float64(run.TouchpointCount))
	e.metrics.ResultsWritten.Add(float64(len(run.Results)))
	e.metrics.RunsByModel.WithLabelValues(string(run.Model)).Inc()
	e.metrics.AttributionDuration.Observe(run.Duration.Seconds())
	if run.Direct {
		e.metrics.DirectConversions.Inc()
	}
}
