// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package credit converts attribution weights into monetary credit rows.
// Weight math stays in float64; money is decimal from the moment a
// conversion value enters the picture.
package credit

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/adxyz/attrib/pkg/event"
	"github.com/adxyz/attrib/pkg/ids"
	"github.com/adxyz/attrib/pkg/model"
	"github.com/adxyz/attrib/pkg/touchpoint"
)

// CreditPrecision is the decimal places credit amounts are rounded to.
const CreditPrecision = 6

// AttributionResult is one persisted credit row: one per attributed
// touchpoint, or a single synthetic "direct" row when no touchpoints
// preceded the conversion. Rows are written once and never updated.
type AttributionResult struct {
	ConversionID     ids.ConversionID `json:"conversion_id" db:"conversion_id"`
	VisitorID        ids.VisitorID    `json:"visitor_id" db:"visitor_id"`
	AttributedEvent  *ids.EventID     `json:"attributed_event_id" db:"attributed_event_id"`
	AttributionModel model.Model      `json:"attribution_model" db:"attribution_model"`
	Weight           float64          `json:"attribution_weight" db:"attribution_weight"`
	Source           string           `json:"source" db:"source"`
	Medium           string           `json:"medium,omitempty" db:"medium"`
	Campaign         string           `json:"campaign,omitempty" db:"campaign"`
	AdID             string           `json:"ad_id,omitempty" db:"ad_id"`
	Credit           decimal.Decimal  `json:"credit" db:"credit"`
	Timestamp        time.Time        `json:"timestamp" db:"ts"`
}

// IsDirect reports whether the row is the zero-touchpoint fallback.
func (r AttributionResult) IsDirect() bool {
	return r.AttributedEvent == nil
}

// Allocate multiplies weights by the conversion value to produce one result
// row per nonzero-weight touchpoint, in touchpoint order. An empty weight
// map produces exactly one direct row carrying the full value.
func Allocate(
	weights map[ids.EventID]float64,
	tps []touchpoint.Touchpoint,
	conv event.Conversion,
	m model.Model,
	now time.Time,
) []AttributionResult {
	value := decimal.Zero
	if conv.Value != nil {
		value = decimal.NewFromFloat(*conv.Value)
	}

	if len(weights) == 0 {
		return []AttributionResult{{
			ConversionID:     conv.ID,
			VisitorID:        conv.VisitorID,
			AttributedEvent:  nil,
			AttributionModel: m,
			Weight:           1.0,
			Source:           touchpoint.DirectSource,
			Credit:           value.Round(CreditPrecision),
			Timestamp:        now,
		}}
	}

	results := make([]AttributionResult, 0, len(weights))
	for _, tp := range tps {
		w, ok := weights[tp.ID]
		if !ok || w == 0 {
			continue
		}
		eventID := tp.ID
		results = append(results, AttributionResult{
			ConversionID:     conv.ID,
			VisitorID:        conv.VisitorID,
			AttributedEvent:  &eventID,
			AttributionModel: m,
			Weight:           w,
			Source:           tp.Source,
			Medium:           tp.Medium,
			Campaign:         tp.Campaign,
			AdID:             tp.AdID,
			Credit:           value.Mul(decimal.NewFromFloat(w)).Round(CreditPrecision),
			Timestamp:        now,
		})
	}
	return results
}

// TotalCredit sums the credit across a result batch.
func TotalCredit(results []AttributionResult) decimal.Decimal {
	total := decimal.Zero
	for _, r := range results {
		total = total.Add(r.Credit)
	}
	return total
}
