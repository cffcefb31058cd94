// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package attribution implements the weight computation at the heart of the
// pipeline: given an ordered touchpoint sequence and a validated model
// configuration, distribute a total weight of 1.0 across the touchpoints.
//
// The computation is pure and stateless. Zero-weight touchpoints are omitted
// from the returned map, so first_touch over N touchpoints yields a single
// entry rather than N-1 zeros.
package attribution

import (
	"errors"
	"fmt"
	"math"

	"github.com/adxyz/attrib/pkg/ids"
	"github.com/adxyz/attrib/pkg/model"
	"github.com/adxyz/attrib/pkg/touchpoint"
)

var (
	// ErrUnorderedTouchpoints reports a caller contract violation: the
	// sequence must be pre-sorted ascending by timestamp.
	ErrUnorderedTouchpoints = errors.New("touchpoints not in ascending timestamp order")

	// ErrInvalidWeight reports malformed numeric input (NaN or negative)
	// that would otherwise surface as NaN weights.
	ErrInvalidWeight = errors.New("invalid weight input")
)

const hoursPerDay = 24.0

// ComputeWeights distributes a total weight of 1.0 across tps according to
// settings.Model. The input must be sorted ascending by timestamp. An empty
// input returns an empty map; the caller owns the direct-credit fallback.
//
// For any non-empty input the returned weights sum to 1.0 within 1e-9
// relative tolerance.
func ComputeWeights(tps []touchpoint.Touchpoint, settings model.Settings) (map[ids.EventID]float64, error) {
	if len(tps) == 0 {
		return map[ids.EventID]float64{}, nil
	}
	if err := checkOrdered(tps); err != nil {
		return nil, err
	}

	switch settings.Model {
	case model.FirstTouch:
		return singleTouchWeights(tps[0].ID), nil
	case model.LastTouch:
		return singleTouchWeights(tps[len(tps)-1].ID), nil
	case model.Linear:
		return linearWeights(tps), nil
	case model.TimeDecay:
		return timeDecayWeights(tps, settings.TimeDecay)
	case model.PositionBased:
		return positionBasedWeights(tps, settings.PositionBased), nil
	case model.Custom:
		return customWeights(tps, settings.Custom)
	default:
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownModel, settings.Model)
	}
}

// checkOrdered asserts the caller's sort contract.
func checkOrdered(tps []touchpoint.Touchpoint) error {
	for i := 1; i < len(tps); i++ {
		if tps[i].Timestamp.Before(tps[i-1].Timestamp) {
			return fmt.Errorf("%w: index %d precedes index %d", ErrUnorderedTouchpoints, i, i-1)
		}
	}
	return nil
}

func singleTouchWeights(id ids.EventID) map[ids.EventID]float64 {
	return map[ids.EventID]float64{id: 1.0}
}

func linearWeights(tps []touchpoint.Touchpoint) map[ids.EventID]float64 {
	weights := make(map[ids.EventID]float64, len(tps))
	share := 1.0 / float64(len(tps))
	for _, tp := range tps {
		weights[tp.ID] = share
	}
	return weights
}

// timeDecayWeights gives touchpoint i a raw weight of base^daysBefore where
// daysBefore is the fractional-day gap to the most recent touchpoint, then
// normalizes. Equal timestamps degenerate to linear.
func timeDecayWeights(tps []touchpoint.Touchpoint, td *model.TimeDecaySettings) (map[ids.EventID]float64, error) {
	base := model.DefaultDecayBase
	if td != nil && td.DecayBase != 0 {
		base = td.DecayBase
	}
	if math.IsNaN(base) || base <= 0 || base > 1 {
		return nil, fmt.Errorf("%w: decay base %v", ErrInvalidWeight, base)
	}

	last := tps[len(tps)-1].Timestamp
	raw := make([]float64, len(tps))
	total := 0.0
	for i, tp := range tps {
		daysBefore := last.Sub(tp.Timestamp).Hours() / hoursPerDay
		raw[i] = math.Pow(base, daysBefore)
		total += raw[i]
	}

	weights := make(map[ids.EventID]float64, len(tps))
	for i, tp := range tps {
		weights[tp.ID] = raw[i] / total
	}
	return weights, nil
}

// positionBasedWeights assigns the configured first/last weights and splits
// the middle weight evenly across interior touchpoints.
//
// Degenerate cases, decided and kept stable:
//   - N=1: the sole touchpoint is first, last, and middle at once; it takes
//     the full 1.0.
//   - N=2: there is no interior, so the middle weight is redistributed onto
//     first and last in proportion to their configured weights.
func positionBasedWeights(tps []touchpoint.Touchpoint, pb *model.PositionBasedSettings) map[ids.EventID]float64 {
	if pb == nil {
		defaults := model.Spec{Model: model.PositionBased}.Defaults()
		pb = defaults.PositionBased
	}

	n := len(tps)
	weights := make(map[ids.EventID]float64, n)

	switch n {
	case 1:
		weights[tps[0].ID] = 1.0
	case 2:
		firstLast := pb.FirstTouchWeight + pb.LastTouchWeight
		if firstLast <= 0 {
			// Middle-only configuration; split evenly.
			weights[tps[0].ID] = 0.5
			weights[tps[1].ID] = 0.5
			break
		}
		scale := 1.0 / firstLast
		weights[tps[0].ID] = pb.FirstTouchWeight * scale
		weights[tps[1].ID] = pb.LastTouchWeight * scale
	default:
		middleShare := pb.MiddleTouchWeight / float64(n-2)
		weights[tps[0].ID] = pb.FirstTouchWeight
		for _, tp := range tps[1 : n-1] {
			weights[tp.ID] = middleShare
		}
		weights[tps[n-1].ID] = pb.LastTouchWeight
	}

	dropZeros(weights)
	return weights
}

// customWeights looks up each touchpoint's source in the configured channel
// weights and normalizes across the touchpoints present. Sources absent from
// the mapping contribute nothing. When no touchpoint matches any channel the
// model falls back to last_touch semantics.
func customWeights(tps []touchpoint.Touchpoint, cs *model.CustomSettings) (map[ids.EventID]float64, error) {
	if cs == nil || len(cs.Weights) == 0 {
		return singleTouchWeights(tps[len(tps)-1].ID), nil
	}

	raw := make([]float64, len(tps))
	total := 0.0
	for i, tp := range tps {
		w := cs.Weights[tp.Source]
		if math.IsNaN(w) || w < 0 {
			return nil, fmt.Errorf("%w: channel %q weight %v", ErrInvalidWeight, tp.Source, w)
		}
		raw[i] = w
		total += w
	}

	if total == 0 {
		return singleTouchWeights(tps[len(tps)-1].ID), nil
	}

	weights := make(map[ids.EventID]float64, len(tps))
	for i, tp := range tps {
		if raw[i] == 0 {
			continue
		}
		weights[tp.ID] = raw[i] / total
	}
	return weights, nil
}

// dropZeros removes zero-weight entries so the omit-zero convention holds
// for every model.
func dropZeros(weights map[ids.EventID]float64) {
	for id, w := range weights {
		if w == 0 {
			delete(weights, id)
		}
	}
}
