package conditioner

import (
	"errors"
	"sync"

	"github.com/relabs-tech/tilt_bridge/internal/sample"
)

// ErrInsufficientData means the sensor delivered no usable sample during the
// calibration window. Startup must abort rather than run with an undefined
// zero-reference.
var ErrInsufficientData = errors.New("calibration: no samples received during window")

// Calibrator accumulates raw readings while the operator holds the sensor
// still and yields the arithmetic mean as the zero bias. The average is over
// received samples, not wall-clock time, so irregular delivery spacing does
// not skew it; bounding the window in time is the caller's job.
type Calibrator struct {
	mu       sync.Mutex
	sumRoll  float64
	sumPitch float64
	count    int
	dropped  uint64
}

func NewCalibrator() *Calibrator {
	return &Calibrator{}
}

// Add folds one raw sample into the running mean. Non-finite readings are
// counted and discarded with ErrNonFiniteSample, same as on the active path.
func (c *Calibrator) Add(s sample.RawSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !s.Finite() {
		c.dropped++
		return ErrNonFiniteSample
	}
	c.sumRoll += s.Roll
	c.sumPitch += s.Pitch
	c.count++
	return nil
}

// Count returns how many samples contributed so far.
func (c *Calibrator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Dropped returns how many non-finite samples were discarded during the
// window.
func (c *Calibrator) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Bias returns the mean of the observed readings, or ErrInsufficientData if
// nothing arrived during the window.
func (c *Calibrator) Bias() (Bias, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		return Bias{}, ErrInsufficientData
	}
	n := float64(c.count)
	return Bias{Roll: c.sumRoll / n, Pitch: c.sumPitch / n}, nil
}
