package sample

import "math"

// RawSample is a single two-axis tilt reading delivered by the sensor.
// Units and range are sensor-native; calibration and centering treat them
// as opaque finite floats.
type RawSample struct {
	Roll  float64 `json:"roll"`  // steering axis
	Pitch float64 `json:"pitch"` // throttle axis
}

// Finite reports whether both axes carry usable values. NaN or Inf readings
// are dropped notifications, never propagated into the filter.
func (s RawSample) Finite() bool {
	return !math.IsNaN(s.Roll) && !math.IsInf(s.Roll, 0) &&
		!math.IsNaN(s.Pitch) && !math.IsInf(s.Pitch, 0)
}

// Handler consumes one delivered sample. It is called from the source's
// delivery goroutine and must not block.
type Handler func(RawSample)

// Source is the sensor's notify-subscribe capability. Samples arrive
// event-driven at irregular intervals; there is no polling of sensor state.
// A Source accepts exactly one subscriber.
type Source interface {
	Subscribe(Handler) error
	Close() error
}
