// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package conditioner

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/relabs-tech/tilt_bridge/internal/sample"
)

// ErrNonFiniteSample is returned by Update when a raw reading carries NaN or
// Inf. The sample is dropped and the filter state is left unchanged.
var ErrNonFiniteSample = errors.New("non-finite sample")

// alpha is the EMA smoothing coefficient. It is an internal tuning constant,
// not a config knob: 0.20 settles the filter within a few 100 ms tick periods.
const alpha = 0.20

// State is the conditioner lifecycle. The progression is strictly one-way;
// a transport disconnect does not reset calibration.
type State int

const (
	Uncalibrated State = iota
	Calibrating
	Active
)

func (s State) String() string {
	switch s {
	case Uncalibrated:
		return "uncalibrated"
	case Calibrating:
		return "calibrating"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CommandPair is one conditioned output frame: throttle and steer, each
// always finite and within [-1, +1].
type CommandPair struct {
	Throttle float64 `json:"throttle"`
	Steer    float64 `json:"steer"`
}

// Bias is the zero-reference computed once during calibration, immutable for
// the rest of the session.
type Bias struct {
	Roll  float64
	Pitch float64
}

// Params are the user-facing shaping knobs, validated at startup.
type Params struct {
	XScale   float64 // steering axis normalization scale, > 0
	ZScale   float64 // throttle axis normalization scale, > 0
	Deadzone float64 // [0, 1)
	Expo     float64 // >= 1.0
	InvertX  bool
	InvertZ  bool
}

// Conditioner turns raw two-axis samples into shaped, bounded command pairs.
// It owns the bias and the smoothed filter state exclusively; the ingest path
// mutates it through Update while the tick path reads snapshots through
// Latest, so both are guarded by one RWMutex.
type Conditioner struct {
	params Params

	mu       sync.RWMutex
	state    State
	bias     Bias
	emaRoll  float64
	emaPitch float64
	out      CommandPair
	dropped  uint64
}

func New(params Params) *Conditioner {
	return &Conditioner{params: params, state: Uncalibrated}
}

// StartCalibration moves Uncalibrated -> Calibrating. Repeat calls once past
// Uncalibrated are no-ops.
func (c *Conditioner) StartCalibration() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Uncalibrated {
		c.state = Calibrating
	}
}

// Activate commits the calibrated bias and moves Calibrating -> Active.
// There is no transition back; activation with any other current state is an
// error so illegal lifecycles surface instead of silently re-zeroing.
func (c *Conditioner) Activate(bias Bias) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Calibrating {
		return fmt.Errorf("cannot activate from state %s", c.state)
	}
	c.bias = bias
	c.state = Active
	return nil
}

// State returns the current lifecycle state.
func (c *Conditioner) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Update folds one raw sample into the filter and recomputes the command
// pair. Only valid in Active; earlier states drop the sample. Non-finite
// readings are discarded with ErrNonFiniteSample, filter state unchanged.
func (c *Conditioner) Update(s sample.RawSample) error {
	if !s.Finite() {
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		return ErrNonFiniteSample
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Active {
		return fmt.Errorf("update in state %s ignored", c.state)
	}

	// Center on the calibrated zero, then smooth.
	c.emaRoll = alpha*(s.Roll-c.bias.Roll) + (1-alpha)*c.emaRoll
	c.emaPitch = alpha*(s.Pitch-c.bias.Pitch) + (1-alpha)*c.emaPitch

	steer := mapAxis(c.emaRoll, c.params.XScale, c.params.Deadzone, c.params.Expo)
	throttle := mapAxis(c.emaPitch, c.params.ZScale, c.params.Deadzone, c.params.Expo)

	if c.params.InvertX {
		steer = -steer
	}
	if c.params.InvertZ {
		throttle = -throttle
	}

	c.out = CommandPair{Throttle: throttle, Steer: steer}
	return nil
}

// Latest returns the most recent command pair without blocking the ingest
// path. Before activation it is the neutral pair, so the emitter can keep
// the actuator's streaming parser fed during calibration.
func (c *Conditioner) Latest() CommandPair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != Active {
		return CommandPair{}
	}
	return c.out
}

// Dropped returns how many non-finite samples have been discarded.
func (c *Conditioner) Dropped() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dropped
}

// mapAxis shapes one smoothed, centered axis value into [-1, +1]:
// normalize by scale, clamp, apply the deadzone with a continuous rescale at
// its boundary, then the expo power curve which preserves sign and bound.
func mapAxis(v, scale, deadzone, expo float64) float64 {
	x := clamp(v/math.Max(1e-6, scale), -1, 1)

	ax := math.Abs(x)
	if ax < deadzone {
		return 0.0
	}
	x = math.Copysign((ax-deadzone)/(1.0-deadzone), x)

	if expo != 1.0 {
		x = math.Copysign(math.Pow(math.Abs(x), expo), x)
	}

	return clamp(x, -1, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}
