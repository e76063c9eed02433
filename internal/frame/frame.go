// Package frame implements the actuator wire format: one text line per
// command, "<throttle>,<steer>:\n". The colon terminator is load-bearing —
// the actuator side reads a byte stream and uses it to detect that a full
// line arrived.
package frame

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/relabs-tech/tilt_bridge/internal/conditioner"
)

// Terminator closes every frame, ahead of the newline.
const Terminator = ':'

// Encode serializes a command pair as "%.2f,%.2f:\n". Upstream already
// guarantees both values are in [-1, 1]; the clamp here is the last line of
// defense before bytes hit the wire.
func Encode(cmd conditioner.CommandPair) string {
	return fmt.Sprintf("%.2f,%.2f:\n", clamp(cmd.Throttle), clamp(cmd.Steer))
}

// Decode parses one frame line back into a command pair. It mirrors the
// actuator firmware: require the colon terminator, split on the comma, parse
// two floats. Used by the console/web subscribers and in tests.
func Decode(line string) (conditioner.CommandPair, error) {
	line = strings.TrimSuffix(line, "\n")
	body, ok := strings.CutSuffix(line, string(Terminator))
	if !ok {
		return conditioner.CommandPair{}, fmt.Errorf("frame %q: missing %q terminator", line, Terminator)
	}

	thrStr, steerStr, ok := strings.Cut(body, ",")
	if !ok {
		return conditioner.CommandPair{}, fmt.Errorf("frame %q: missing comma separator", line)
	}

	thr, err := strconv.ParseFloat(thrStr, 64)
	if err != nil {
		return conditioner.CommandPair{}, fmt.Errorf("frame %q: bad throttle: %w", line, err)
	}
	steer, err := strconv.ParseFloat(steerStr, 64)
	if err != nil {
		return conditioner.CommandPair{}, fmt.Errorf("frame %q: bad steer: %w", line, err)
	}

	return conditioner.CommandPair{Throttle: thr, Steer: steer}, nil
}

// Mix applies the actuator's differential drive formula, for display and
// verification. The actuator computes the same thing from decoded frames:
// left = (throttle+steer)*100, right = (throttle-steer)*100, both clamped
// to [-100, 100].
func Mix(cmd conditioner.CommandPair) (left, right float64) {
	left = clamp100((cmd.Throttle + cmd.Steer) * 100)
	right = clamp100((cmd.Throttle - cmd.Steer) * 100)
	return left, right
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func clamp100(v float64) float64 {
	if v > 100 {
		return 100
	}
	if v < -100 {
		return -100
	}
	return v
}
