// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package model defines the attribution model catalog: the six supported
// models, their settings, defaults, and configuration-time validation.
package model

import (
	"errors"
	"fmt"
	"math"
)

// Model names an attribution weighting scheme.
type Model string

// Supported attribution models.
const (
	FirstTouch    Model = "first_touch"
	LastTouch     Model = "last_touch"
	Linear        Model = "linear"
	TimeDecay     Model = "time_decay"
	PositionBased Model = "position_based"
	Custom        Model = "custom"
)

// ErrUnknownModel is returned when a model name is not in the registry.
// The orchestrator recovers by falling back to last_touch.
var ErrUnknownModel = errors.New("unknown attribution model")

const (
	// DefaultLookbackDays is applied when a client has no stored settings.
	DefaultLookbackDays = 30

	// DefaultDecayBase is the per-day decay factor for time_decay.
	DefaultDecayBase = 0.7

	// WeightSumTolerance bounds the position_based weight-sum check.
	WeightSumTolerance = 0.001
)

// TimeDecaySettings carries the time_decay-specific knobs.
type TimeDecaySettings struct {
	// DecayBase is the per-day multiplicative decay, in (0.1, 1.0].
	DecayBase float64 `json:"decay_base" yaml:"decay_base"`
}

// PositionBasedSettings carries the position_based role weights. The three
// weights must sum to 1 within WeightSumTolerance.
type PositionBasedSettings struct {
	FirstTouchWeight  float64 `json:"first_touch_weight" yaml:"first_touch_weight"`
	LastTouchWeight   float64 `json:"last_touch_weight" yaml:"last_touch_weight"`
	MiddleTouchWeight float64 `json:"middle_touch_weight" yaml:"middle_touch_weight"`
}

// CustomSettings maps channel (source) names to relative weights.
type CustomSettings struct {
	Weights map[string]float64 `json:"weights" yaml:"weights"`
}

// Settings is the validated configuration for one client's active model.
// Exactly the sub-struct matching Model is set; the others stay nil, so an
// invalid field combination cannot be represented once validated.
type Settings struct {
	Model              Model `json:"model" yaml:"model"`
	LookbackWindowDays int   `json:"lookback_window_days" yaml:"lookback_window_days"`
	MinTouchesRequired int   `json:"min_touches_required,omitempty" yaml:"min_touches_required,omitempty"`

	TimeDecay     *TimeDecaySettings     `json:"time_decay,omitempty" yaml:"time_decay,omitempty"`
	PositionBased *PositionBasedSettings `json:"position_based,omitempty" yaml:"position_based,omitempty"`
	Custom        *CustomSettings        `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// ValidationError describes a settings field that failed a range or
// consistency check.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid setting %s: %s", e.Field, e.Reason)
}

// Spec describes one registered model: its defaults and validation rules.
type Spec struct {
	Model       Model
	Description string
}

var registry = map[Model]Spec{
	FirstTouch:    {Model: FirstTouch, Description: "full credit to the earliest touchpoint"},
	LastTouch:     {Model: LastTouch, Description: "full credit to the most recent touchpoint"},
	Linear:        {Model: Linear, Description: "equal credit to every touchpoint"},
	TimeDecay:     {Model: TimeDecay, Description: "exponentially more credit to recent touchpoints"},
	PositionBased: {Model: PositionBased, Description: "fixed credit to first and last, remainder split across the middle"},
	Custom:        {Model: Custom, Description: "per-channel weights normalized across observed touchpoints"},
}

// Resolve looks up a model by name.
func Resolve(name string) (Spec, error) {
	spec, ok := registry[Model(name)]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return spec, nil
}

// All returns every registered spec in a stable order.
func All() []Spec {
	out := make([]Spec, 0, len(registry))
	for _, m := range []Model{FirstTouch, LastTouch, Linear, TimeDecay, PositionBased, Custom} {
		out = append(out, registry[m])
	}
	return out
}

// Defaults returns a fully populated Settings for the spec's model.
func (s Spec) Defaults() Settings {
	settings := Settings{
		Model:              s.Model,
		LookbackWindowDays: DefaultLookbackDays,
	}
	switch s.Model {
	case TimeDecay:
		settings.TimeDecay = &TimeDecaySettings{DecayBase: DefaultDecayBase}
	case PositionBased:
		settings.PositionBased = &PositionBasedSettings{
			FirstTouchWeight:  0.4,
			LastTouchWeight:   0.4,
			MiddleTouchWeight: 0.2,
		}
	case Custom:
		settings.Custom = &CustomSettings{Weights: map[string]float64{}}
	}
	return settings
}

// Validate enforces the field ranges and the position_based weight-sum rule.
// It is called at configuration time; the calculator trusts its output.
func (s Spec) Validate(settings Settings) error {
	if settings.Model != s.Model {
		return &ValidationError{Field: "model", Reason: fmt.Sprintf("settings are for %q, spec is %q", settings.Model, s.Model)}
	}
	if settings.LookbackWindowDays < 1 || settings.LookbackWindowDays > 90 {
		return &ValidationError{Field: "lookback_window_days", Reason: "must be between 1 and 90"}
	}
	if settings.MinTouchesRequired != 0 && (settings.MinTouchesRequired < 1 || settings.MinTouchesRequired > 10) {
		return &ValidationError{Field: "min_touches_required", Reason: "must be between 1 and 10"}
	}

	switch s.Model {
	case TimeDecay:
		if settings.TimeDecay != nil {
			base := settings.TimeDecay.DecayBase
			if math.IsNaN(base) || base < 0.1 || base > 1.0 {
				return &ValidationError{Field: "decay_base", Reason: "must be between 0.1 and 1.0"}
			}
		}
	case PositionBased:
		if settings.PositionBased == nil {
			return &ValidationError{Field: "position_based", Reason: "weights are required"}
		}
		pb := settings.PositionBased
		for field, w := range map[string]float64{
			"first_touch_weight":  pb.FirstTouchWeight,
			"last_touch_weight":   pb.LastTouchWeight,
			"middle_touch_weight": pb.MiddleTouchWeight,
		} {
			if math.IsNaN(w) || w < 0 || w > 1 {
				return &ValidationError{Field: field, Reason: "must be between 0 and 1"}
			}
		}
		sum := pb.FirstTouchWeight + pb.LastTouchWeight + pb.MiddleTouchWeight
		if math.Abs(sum-1.0) > WeightSumTolerance {
			return &ValidationError{Field: "position_based", Reason: fmt.Sprintf("weights sum to %.4f, expected 1.0", sum)}
		}
	case Custom:
		if settings.Custom == nil || len(settings.Custom.Weights) == 0 {
			return &ValidationError{Field: "custom.weights", Reason: "at least one channel weight is required"}
		}
		for channel, w := range settings.Custom.Weights {
			if math.IsNaN(w) || w < 0 {
				return &ValidationError{Field: "custom.weights." + channel, Reason: "must be a non-negative number"}
			}
		}
	}

	// Cross-model exclusivity: only the matching sub-struct may be set.
	if s.Model != TimeDecay && settings.TimeDecay != nil {
		return &ValidationError{Field: "time_decay", Reason: fmt.Sprintf("not valid for model %q", s.Model)}
	}
	if s.Model != PositionBased && settings.PositionBased != nil {
		return &ValidationError{Field: "position_based", Reason: fmt.Sprintf("not valid for model %q", s.Model)}
	}
	if s.Model != Custom && settings.Custom != nil {
		return &ValidationError{Field: "custom", Reason: fmt.Sprintf("not valid for model %q", s.Model)}
	}

	return nil
}

// ValidateSettings resolves the model named in settings and validates against
// its spec in one step.
func ValidateSettings(settings Settings) error {
	spec, err := Resolve(string(settings.Model))
	if err != nil {
		return err
	}
	return spec.Validate(settings)
}
