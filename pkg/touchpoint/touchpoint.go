// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package touchpoint converts raw stored tracker events into the canonical
// touchpoint shape the attribution calculator consumes.
package touchpoint

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adxyz/attrib/pkg/event"
	"github.com/adxyz/attrib/pkg/ids"
)

// ErrMalformedTouchpoint is returned when a raw event cannot be normalized.
// Callers drop the offending row and keep the rest of the batch.
var ErrMalformedTouchpoint = errors.New("malformed touchpoint")

// DirectSource is the channel assigned when no UTM source was captured.
const DirectSource = "direct"

// Touchpoint is a canonical marketing interaction, ordered by Timestamp.
type Touchpoint struct {
	ID        ids.EventID `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	Medium    string      `json:"medium,omitempty"`
	Campaign  string      `json:"campaign,omitempty"`
	AdID      string      `json:"ad_id,omitempty"`
}

// Normalize shapes a raw event into a Touchpoint. Pure; no side effects.
func Normalize(raw event.RawEvent) (Touchpoint, error) {
	if raw.ID.IsEmpty() {
		return Touchpoint{}, fmt.Errorf("%w: missing event id", ErrMalformedTouchpoint)
	}

	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return Touchpoint{}, fmt.Errorf("%w: unparsable timestamp %q", ErrMalformedTouchpoint, raw.Timestamp)
	}

	source := raw.UTMSource
	if source == "" {
		source = DirectSource
	}

	return Touchpoint{
		ID:        raw.ID,
		Timestamp: ts,
		Source:    source,
		Medium:    raw.UTMMedium,
		Campaign:  raw.UTMCampaign,
		AdID:      resolveAdID(raw),
	}, nil
}

// ParseTimestamp accepts RFC3339 (with or without fractional seconds) and
// unix epoch milliseconds, the two formats the browser tracker emits.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	millis, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis).UTC(), nil
}

// resolveAdID picks the first non-empty click identifier in fixed priority
// order: gclid, fbclid, ttclid, msclkid. Later identifiers are ignored even
// when present.
func resolveAdID(raw event.RawEvent) string {
	for _, id := range []string{raw.GCLID, raw.FBCLID, raw.TTCLID, raw.MSCLKID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// NormalizeBatch normalizes a slice of raw events, returning the touchpoints
// that survived and the count of malformed rows dropped.
func NormalizeBatch(raws []event.RawEvent) ([]Touchpoint, int) {
	tps := make([]Touchpoint, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		tp, err := Normalize(raw)
		if err != nil {
			dropped++
			continue
		}
		tps = append(tps, tp)
	}
	return tps, dropped
}
