// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mocks "github.com/adxyz/attrib/internal/testing/storage"
	"github.com/adxyz/attrib/pkg/engine"
	"github.com/adxyz/attrib/pkg/event"
	"github.com/adxyz/attrib/pkg/ids"
	"github.com/adxyz/attrib/pkg/log"
	"github.com/adxyz/attrib/pkg/model"
)

var convTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	events   *mocks.MockEventStore
	identity *mocks.MockIdentityResolver
	config   *mocks.MockConfigStore
	sink     *mocks.MockResultSink
	engine   *engine.Engine
}

func newFixture(settings model.Settings) *fixture {
	f := &fixture{
		events:   &mocks.MockEventStore{},
		identity: &mocks.MockIdentityResolver{},
		config:   &mocks.MockConfigStore{Settings: settings},
		sink:     &mocks.MockResultSink{},
	}
	f.engine = engine.New(engine.Deps{
		Events:   f.events,
		Identity: f.identity,
		Config:   f.config,
		Sink:     f.sink,
		Logger:   log.NoOp(),
		Clock:    mocks.FixedClock{At: convTime},
	})
	return f
}

func rawEvent(id string, ts time.Time, source string) event.RawEvent {
	return event.RawEvent{
		ID:        ids.EventID(id),
		ClientID:  "client-1",
		VisitorID: "vis-1",
		EventType: "page_view",
		Timestamp: ts.Format(time.RFC3339),
		UTMSource: source,
	}
}

func conversion(value float64) event.Conversion {
	return event.Conversion{
		ID:        "conv-1",
		ClientID:  "client-1",
		VisitorID: "vis-1",
		Value:     &value,
		Currency:  "USD",
		Timestamp: convTime,
	}
}

func TestProcessLinearRun(t *testing.T) {
	require := require.New(t)

	f := newFixture(model.Settings{Model: model.Linear, LookbackWindowDays: 30})
	f.events.Events = []event.RawEvent{
		rawEvent("e1", convTime.Add(-48*time.Hour), "google"),
		rawEvent("e2", convTime.Add(-24*time.Hour), "email"),
	}

	run, err := f.engine.Process(context.Background(), conversion(100))
	require.NoError(err)

	require.Equal(model.Linear, run.Model)
	require.False(run.FallbackApplied)
	require.False(run.Direct)
	require.Equal(2, run.TouchpointCount)
	require.Len(run.Results, 2)

	sum := 0.0
	for _, r := range run.Results {
		sum += r.Weight
	}
	require.InDelta(1.0, sum, 1e-9)
	require.Len(f.sink.Batches, 1)
}

func TestProcessWindowBounds(t *testing.T) {
	require := require.New(t)

	f := newFixture(model.Settings{Model: model.Linear, LookbackWindowDays: 7})
	f.events.Events = []event.RawEvent{
		rawEvent("too-old", convTime.Add(-8*24*time.Hour), "google"),
		rawEvent("in-window", convTime.Add(-3*24*time.Hour), "email"),
		// The conversion instant itself is excluded: window is half-open.
		rawEvent("at-conversion", convTime, "sms"),
	}

	run, err := f.engine.Process(context.Background(), conversion(50))
	require.NoError(err)

	require.Equal(convTime.AddDate(0, 0, -7), f.events.LastFrom)
	require.Equal(convTime, f.events.LastTo)
	require.Equal(1, run.TouchpointCount)
	require.Equal(ids.EventID("in-window"), *run.Results[0].AttributedEvent)
}

func TestProcessDirectWhenNoTouchpoints(t *testing.T) {
	require := require.New(t)

	f := newFixture(model.Settings{Model: model.LastTouch, LookbackWindowDays: 30})

	run, err := f.engine.Process(context.Background(), conversion(75))
	require.NoError(err)

	require.True(run.Direct)
	require.Len(run.Results, 1)
	require.True(run.Results[0].IsDirect())
	require.Equal(1.0, run.Results[0].Weight)
	require.Equal("direct", run.Results[0].Source)
}

func TestProcessUnknownModelFallsBack(t *testing.T) {
	require := require.New(t)

	f := newFixture(model.Settings{Model: "markov_chain", LookbackWindowDays: 14})
	f.events.Events = []event.RawEvent{
		rawEvent("e1", convTime.Add(-time.Hour), "google"),
		rawEvent("e2", convTime.Add(-30*time.Minute), "email"),
	}

	run, err := f.engine.Process(context.Background(), conversion(10))
	require.NoError(err)

	require.True(run.FallbackApplied)
	require.Equal(model.LastTouch, run.Model)
	// The valid lookback from the broken config is honored.
	require.Equal(convTime.AddDate(0, 0, -14), f.events.LastFrom)
	require.Len(run.Results, 1)
	require.Equal(ids.EventID("e2"), *run.Results[0].AttributedEvent)
}

func TestProcessMissingConfigUsesDefaults(t *testing.T) {
	require := require.New(t)

	f := newFixture(model.Settings{})
	f.config.Err = engine.ErrSettingsNotFound
	f.events.Events = []event.RawEvent{rawEvent("e1", convTime.Add(-time.Hour), "google")}

	run, err := f.engine.Process(context.Background(), conversion(10))
	require.NoError(err)

	require.Equal(model.LastTouch, run.Model)
	require.False(run.FallbackApplied)
	require.Equal(convTime.AddDate(0, 0, -model.DefaultLookbackDays), f.events.LastFrom)
}

func TestProcessConfiguredDefaultModel(t *testing.T) {
	require := require.New(t)

	f := &fixture{
		events:   &mocks.MockEventStore{},
		identity: &mocks.MockIdentityResolver{},
		config:   &mocks.MockConfigStore{Err: engine.ErrSettingsNotFound},
		sink:     &mocks.MockResultSink{},
	}
	f.engine = engine.New(engine.Deps{
		Events:       f.events,
		Identity:     f.identity,
		Config:       f.config,
		Sink:         f.sink,
		Logger:       log.NoOp(),
		Clock:        mocks.FixedClock{At: convTime},
		DefaultModel: model.Linear,
	})
	f.events.Events = []event.RawEvent{
		rawEvent("e1", convTime.Add(-2*time.Hour), "google"),
		rawEvent("e2", convTime.Add(-time.Hour), "email"),
	}

	run, err := f.engine.Process(context.Background(), conversion(100))
	require.NoError(err)

	require.Equal(model.Linear, run.Model)
	require.False(run.FallbackApplied)
	require.Len(run.Results, 2)
	for _, r := range run.Results {
		require.InDelta(0.5, r.Weight, 1e-9)
	}
}

func TestProcessDuplicateRejected(t *testing.T) {
	require := require.New(t)

	f := newFixture(model.Settings{Model: model.Linear, LookbackWindowDays: 30})
	f.events.Events = []event.RawEvent{rawEvent("e1", convTime.Add(-time.Hour), "google")}

	_, err := f.engine.Process(context.Background(), conversion(10))
	require.NoError(err)

	_, err = f.engine.Process(context.Background(), conversion(10))
	require.ErrorIs(err, engine.ErrDuplicateRun)
	require.Len(f.sink.Batches, 1)
}

func TestForgetAllowsReprocess(t *testing.T) {
	require := require.New(t)

	f := newFixture(model.Settings{Model: model.Linear, LookbackWindowDays: 30})

	_, err := f.engine.Process(context.Background(), conversion(10))
	require.NoError(err)

	f.engine.Forget("conv-1", model.Linear)

	_, err = f.engine.Process(context.Background(), conversion(10))
	require.NoError(err)
	require.Len(f.sink.Batches, 2)
}

func TestProcessSameConversionDifferentModels(t *testing.T) {
	require := require.New(t)

	f := newFixture(model.Settings{Model: model.FirstTouch, LookbackWindowDays: 30})
	f.events.Events = []event.RawEvent{rawEvent("e1", convTime.Add(-time.Hour), "google")}

	_, err := f.engine.Process(context.Background(), conversion(10))
	require.NoError(err)

	// Switching the client's model makes this a distinct run.
	f.config.Settings = model.Settings{Model: model.LastTouch, LookbackWindowDays: 30}
	_, err = f.engine.Process(context.Background(), conversion(10))
	require.NoError(err)
	require.Len(f.sink.Batches, 2)
}

func TestProcessMinTouchesForcesDirect(t *testing.T) {
	require := require.New(t)

	f := newFixture(model.Settings{Model: model.Linear, LookbackWindowDays: 30, MinTouchesRequired: 3})
	f.events.Events = []event.RawEvent{
		rawEvent("e1", convTime.Add(-2*time.Hour), "google"),
		rawEvent("e2", convTime.Add(-time.Hour), "email"),
	}

	run, err := f.engine.Process(context.Background(), conversion(10))
	require.NoError(err)

	require.True(run.Direct)
	require.Len(run.Results, 1)
	require.True(run.Results[0].IsDirect())
}

func TestProcessDropsMalformedRows(t *testing.T) {
	require := require.New(t)

	f := newFixture(model.Settings{Model: model.Linear, LookbackWindowDays: 30})
	f.events.Events = []event.RawEvent{
		rawEvent("e1", convTime.Add(-2*time.Hour), "google"),
		{ID: "e2", ClientID: "client-1", VisitorID: "vis-1", Timestamp: "garbage"},
	}

	run, err := f.engine.Process(context.Background(), conversion(10))
	require.NoError(err)

	require.Equal(1, run.TouchpointCount)
	require.Equal(1, run.DroppedCount)
}

func TestProcessSortsUnorderedEvents(t *testing.T) {
	require := require.New(t)

	f := newFixture(model.Settings{Model: model.FirstTouch, LookbackWindowDays: 30})
	f.events.Events = []event.RawEvent{
		rawEvent("later", convTime.Add(-time.Hour), "email"),
		rawEvent("earlier", convTime.Add(-5*time.Hour), "google"),
	}

	run, err := f.engine.Process(context.Background(), conversion(10))
	require.NoError(err)

	require.Len(run.Results, 1)
	require.Equal(ids.EventID("earlier"), *run.Results[0].AttributedEvent)
}

func TestProcessUsesResolvedIdentitySet(t *testing.T) {
	require := require.New(t)

	f := newFixture(model.Settings{Model: model.Linear, LookbackWindowDays: 30})
	f.identity.Set = []ids.VisitorID{"vis-1", "vis-2"}
	other := rawEvent("e-other", convTime.Add(-time.Hour), "email")
	other.VisitorID = "vis-2"
	f.events.Events = []event.RawEvent{
		rawEvent("e1", convTime.Add(-2*time.Hour), "google"),
		other,
	}

	run, err := f.engine.Process(context.Background(), conversion(10))
	require.NoError(err)
	require.Equal(2, run.TouchpointCount)
}

func TestProcessSinkFailure(t *testing.T) {
	require := require.New(t)

	f := newFixture(model.Settings{Model: model.Linear, LookbackWindowDays: 30})
	f.sink.Err = errors.New("disk full")

	_, err := f.engine.Process(context.Background(), conversion(10))
	require.Error(err)

	// The failed run releases its dedupe slot so a retry can succeed.
	f.sink.Err = nil
	_, err = f.engine.Process(context.Background(), conversion(10))
	require.NoError(err)
}

func TestProcessIdentityFailure(t *testing.T) {
	require := require.New(t)

	f := newFixture(model.Settings{Model: model.Linear, LookbackWindowDays: 30})
	f.identity.Err = errors.New("identity store down")

	_, err := f.engine.Process(context.Background(), conversion(10))
	require.Error(err)
	require.Empty(f.sink.Batches)
}

func TestProcessEventStoreFailure(t *testing.T) {
	require := require.New(t)

	f := newFixture(model.Settings{Model: model.Linear, LookbackWindowDays: 30})
	f.events.Err = errors.New("query timeout")

	_, err := f.engine.Process(context.Background(), conversion(10))
	require.Error(err)
	require.Empty(f.sink.Batches)
}
