// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/database"

	"github.com/adxyz/attrib/pkg/credit"
	"github.com/adxyz/attrib/pkg/engine"
	"github.com/adxyz/attrib/pkg/event"
	"github.com/adxyz/attrib/pkg/ids"
	"github.com/adxyz/attrib/pkg/model"
	"github.com/adxyz/attrib/pkg/touchpoint"
)

// Key layout. Event keys embed a zero-padded unix-nano timestamp so a prefix
// scan yields rows in time order.
const (
	eventPrefix      = "evt/"
	conversionPrefix = "cnv/"
	resultPrefix     = "res/"
	identityPrefix   = "idn/"
	configPrefix     = "cfg/"
)

// ErrConversionNotFound is returned when a conversion id has no record.
var ErrConversionNotFound = errors.New("conversion not found")

// KV implements the engine's collaborator interfaces (event store, result
// sink, config store) plus the identity link store over one Storage.
type KV struct {
	store *Storage
}

// NewKV wraps store with the domain accessors.
func NewKV(store *Storage) *KV {
	return &KV{store: store}
}

// Close releases the underlying database.
func (k *KV) Close() error {
	return k.store.Close()
}

func eventKey(clientID ids.ClientID, visitorID ids.VisitorID, ts time.Time, id ids.EventID) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%020d/%s", eventPrefix, clientID, visitorID, ts.UnixNano(), id))
}

func visitorEventPrefix(clientID ids.ClientID, visitorID ids.VisitorID) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/", eventPrefix, clientID, visitorID))
}

// AppendEvent stores one raw tracker event. Events with an unparsable
// timestamp are keyed by arrival time; normalization decides their fate.
func (k *KV) AppendEvent(ctx context.Context, raw event.RawEvent) error {
	ts, err := touchpoint.ParseTimestamp(raw.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	return k.store.putJSON(eventKey(raw.ClientID, raw.VisitorID, ts, raw.ID), raw)
}

// EventsInWindow returns raw events for the visitor set with
// from <= timestamp < to. Rows with corrupt payloads are skipped.
func (k *KV) EventsInWindow(ctx context.Context, clientID ids.ClientID, visitors []ids.VisitorID, from, to time.Time) ([]event.RawEvent, error) {
	var out []event.RawEvent
	for _, visitor := range visitors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		it := k.store.NewIteratorWithPrefix(visitorEventPrefix(clientID, visitor))
		for it.Next() {
			var raw event.RawEvent
			if err := jsonUnmarshal(it.Value(), &raw); err != nil {
				continue
			}
			ts, err := touchpoint.ParseTimestamp(raw.Timestamp)
			if err != nil {
				// Keep it; the normalizer reports it as malformed.
				out = append(out, raw)
				continue
			}
			if ts.Before(from) || !ts.Before(to) {
				continue
			}
			out = append(out, raw)
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RecordConversion persists a conversion event. Conversions are written once
// and never mutated.
func (k *KV) RecordConversion(ctx context.Context, conv event.Conversion) error {
	return k.store.putJSON([]byte(conversionPrefix+string(conv.ID)), conv)
}

// Conversion loads a conversion by id.
func (k *KV) Conversion(ctx context.Context, id ids.ConversionID) (event.Conversion, error) {
	var conv event.Conversion
	err := k.store.getJSON([]byte(conversionPrefix+string(id)), &conv)
	if errors.Is(err, database.ErrNotFound) {
		return conv, fmt.Errorf("%w: %s", ErrConversionNotFound, id)
	}
	return conv, err
}

func resultKey(convID ids.ConversionID, m model.Model) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", resultPrefix, convID, m))
}

// WriteResults stores the whole batch under one key, so the write is atomic
// and a reprocessed conversion overwrites rather than duplicates.
func (k *KV) WriteResults(ctx context.Context, results []credit.AttributionResult) error {
	if len(results) == 0 {
		return nil
	}
	return k.store.putJSON(resultKey(results[0].ConversionID, results[0].AttributionModel), results)
}

// ResultsFor returns every stored result row for a conversion, across models.
func (k *KV) ResultsFor(ctx context.Context, convID ids.ConversionID) ([]credit.AttributionResult, error) {
	var out []credit.AttributionResult
	it := k.store.NewIteratorWithPrefix([]byte(resultPrefix + string(convID) + "/"))
	defer it.Release()
	for it.Next() {
		var batch []credit.AttributionResult
		if err := jsonUnmarshal(it.Value(), &batch); err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, it.Error()
}

func identityKey(clientID ids.ClientID, emailHash string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", identityPrefix, clientID, emailHash))
}

// Link records that emailHash was observed on visitorID.
func (k *KV) Link(ctx context.Context, clientID ids.ClientID, emailHash string, visitorID ids.VisitorID) error {
	var visitors []ids.VisitorID
	err := k.store.getJSON(identityKey(clientID, emailHash), &visitors)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}
	for _, v := range visitors {
		if v == visitorID {
			return nil
		}
	}
	visitors = append(visitors, visitorID)
	return k.store.putJSON(identityKey(clientID, emailHash), visitors)
}

// Visitors returns every visitor linked to emailHash.
func (k *KV) Visitors(ctx context.Context, clientID ids.ClientID, emailHash string) ([]ids.VisitorID, error) {
	var visitors []ids.VisitorID
	err := k.store.getJSON(identityKey(clientID, emailHash), &visitors)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	return visitors, err
}

// ModelSettings returns the client's stored model configuration.
func (k *KV) ModelSettings(ctx context.Context, clientID ids.ClientID) (model.Settings, error) {
	var settings model.Settings
	err := k.store.getJSON([]byte(configPrefix+string(clientID)), &settings)
	if errors.Is(err, database.ErrNotFound) {
		return settings, engine.ErrSettingsNotFound
	}
	return settings, err
}

// SetModelSettings stores validated model settings for a client.
func (k *KV) SetModelSettings(ctx context.Context, clientID ids.ClientID, settings model.Settings) error {
	return k.store.putJSON([]byte(configPrefix+string(clientID)), settings)
}
