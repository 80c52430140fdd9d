// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package input

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/multierr"

	"github.com/Thermoquad/turntable/pkg/turnproto"
)

// Action is what a mapped control does
type Action string

const (
	ActionCircular    Action = "circular"
	ActionStop        Action = "stop"
	ActionStart       Action = "start"
	ActionGetPosition Action = "get_position"
)

// AxisSettings converts an analog stick value into a velocity
type AxisSettings struct {
	Axis turnproto.Axis `yaml:"axis"`

	MinValue  float64    `yaml:"min_value"`
	MaxValue  float64    `yaml:"max_value"`
	ZeroRange [2]float64 `yaml:"zero_range"`

	MinSpeed      float32 `yaml:"min_speed"` // rpm
	MaxSpeed      float32 `yaml:"max_speed"`
	MinSpeedDelta float32 `yaml:"min_speed_delta"`
	Flip          bool    `yaml:"flip"`
}

// Speed maps value to a signed rpm. Values inside the zero range map to 0;
// any other value maps linearly onto [MinSpeed, MaxSpeed] in the
// direction of its deflection.
func (s AxisSettings) Speed(value float64) float32 {
	if value >= s.ZeroRange[0] && value <= s.ZeroRange[1] {
		return 0
	}

	v := (value - s.MinValue) / (s.MaxValue - s.MinValue)
	v = 2 * (v - 0.5)
	if math.Abs(v) < 1e-6 {
		return 0
	}
	v = math.Max(-1, math.Min(1, v))

	speed := s.MinSpeed + float32(math.Abs(v))*(s.MaxSpeed-s.MinSpeed)
	if v < 0 {
		speed = -speed
	}
	if s.Flip {
		speed = -speed
	}
	return speed
}

// Validate checks the settings
func (s AxisSettings) Validate() error {
	if s.MaxValue <= s.MinValue {
		return fmt.Errorf("max_value %g must exceed min_value %g", s.MaxValue, s.MinValue)
	}
	if s.ZeroRange[0] > s.ZeroRange[1] {
		return fmt.Errorf("zero_range [%g, %g] is inverted", s.ZeroRange[0], s.ZeroRange[1])
	}
	if s.MinSpeed < 0 || s.MaxSpeed < s.MinSpeed {
		return fmt.Errorf("speed range [%g, %g] is invalid", s.MinSpeed, s.MaxSpeed)
	}
	return nil
}

// Binding maps a control code to an action
type Binding struct {
	Code   string        `yaml:"code"`
	Action Action        `yaml:"action"`
	Axis   *AxisSettings `yaml:"axis_settings,omitempty"`
}

// Mapping is the set of bindings
type Mapping []Binding

// DefaultMapping binds a Linux gamepad: left stick X to the turntable,
// south button starts a run, east stops, north queries the position.
func DefaultMapping() Mapping {
	return Mapping{
		{
			Code:   "ABS_X",
			Action: ActionCircular,
			Axis: &AxisSettings{
				Axis:          turnproto.AxisTurntable,
				MinValue:      0,
				MaxValue:      255,
				ZeroRange:     [2]float64{118, 138},
				MinSpeed:      1,
				MaxSpeed:      20,
				MinSpeedDelta: 0.5,
			},
		},
		{Code: "BTN_SOUTH", Action: ActionStart},
		{Code: "BTN_EAST", Action: ActionStop},
		{Code: "BTN_NORTH", Action: ActionGetPosition},
	}
}

// Validate checks every binding
func (m Mapping) Validate() error {
	seen := make(map[string]bool, len(m))
	var errs []error
	for _, b := range m {
		if b.Code == "" {
			errs = append(errs, errors.New("binding without code"))
			continue
		}
		if seen[b.Code] {
			errs = append(errs, fmt.Errorf("%s: bound twice", b.Code))
		}
		seen[b.Code] = true

		switch b.Action {
		case ActionCircular:
			if b.Axis == nil {
				errs = append(errs, fmt.Errorf("%s: circular action needs axis_settings", b.Code))
			} else if err := b.Axis.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", b.Code, err))
			}
		case ActionStop, ActionStart, ActionGetPosition:
		default:
			errs = append(errs, fmt.Errorf("%s: unknown action %q", b.Code, b.Action))
		}
	}
	return multierr.Combine(errs...)
}

// Find returns the first binding for action
func (m Mapping) Find(action Action) (Binding, bool) {
	for _, b := range m {
		if b.Action == action {
			return b, true
		}
	}
	return Binding{}, false
}

func (m Mapping) lookup(code string) (Binding, bool) {
	for _, b := range m {
		if b.Code == code {
			return b, true
		}
	}
	return Binding{}, false
}
