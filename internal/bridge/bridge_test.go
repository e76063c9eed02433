package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relabs-tech/tilt_bridge/internal/conditioner"
	"github.com/relabs-tech/tilt_bridge/internal/frame"
	"github.com/relabs-tech/tilt_bridge/internal/sample"
	"github.com/relabs-tech/tilt_bridge/internal/transport"
)

// fakeSource hands delivered samples straight to the subscriber, like a
// notification callback would.
type fakeSource struct {
	mu sync.Mutex
	fn sample.Handler
}

func (f *fakeSource) Subscribe(fn sample.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
	return nil
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) Emit(s sample.RawSample) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeSource) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fn != nil
}

// fakeWriter records written lines. It can fail a number of upcoming writes
// or make every write take a fixed time.
type fakeWriter struct {
	mu       sync.Mutex
	lines    []string
	failNext int
	delay    time.Duration
}

func (f *fakeWriter) WriteLine(line string) error {
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return fmt.Errorf("%w: injected failure", transport.ErrWriteFailed)
	}
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func (f *fakeWriter) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.lines))
	copy(out, f.lines)
	return out
}

func (f *fakeWriter) failWrites(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

func (f *fakeWriter) slowWrites(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func testParams() conditioner.Params {
	return conditioner.Params{XScale: 30, ZScale: 30, Deadzone: 0.10, Expo: 1.4}
}

func newTestBridge(window, tick time.Duration) (*Bridge, *fakeSource, *fakeWriter) {
	src := &fakeSource{}
	writer := &fakeWriter{}
	b := New(Options{
		Conditioner:       conditioner.New(testParams()),
		Source:            src,
		Writer:            writer,
		CalibrationWindow: window,
		tickPeriod:        tick,
	})
	return b, src, writer
}

// startBridge launches Run with a deadline and returns a channel carrying
// its result.
func startBridge(b *Bridge, d time.Duration) (<-chan error, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	return done, cancel
}

// waitSubscribed blocks until the bridge has registered its sample handler.
func waitSubscribed(t *testing.T, src *fakeSource) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !src.subscribed() {
		if time.Now().After(deadline) {
			t.Fatal("bridge never subscribed to the source")
		}
		time.Sleep(time.Millisecond)
	}
}

// feedContinuously emits the sample every interval until the returned stop
// function is called.
func feedContinuously(src *fakeSource, s sample.RawSample, interval time.Duration) (stop func()) {
	ch := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				return
			case <-time.After(interval):
				src.Emit(s)
			}
		}
	}()
	return func() { close(ch) }
}

func waitDone(t *testing.T, done <-chan error, d time.Duration) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(d + time.Second):
		t.Fatal("bridge did not stop after context deadline")
		return nil
	}
}

// With samples arriving well above the tick rate, exactly one emission per
// tick period: no double emission, no starvation.
func TestSchedulerLiveness(t *testing.T) {
	const runFor = 300 * time.Millisecond
	b, src, writer := newTestBridge(20*time.Millisecond, 10*time.Millisecond)

	done, cancel := startBridge(b, runFor)
	defer cancel()
	waitSubscribed(t, src)
	stop := feedContinuously(src, sample.RawSample{Roll: 5, Pitch: 5}, 2*time.Millisecond)
	defer stop()

	if err := waitDone(t, done, runFor); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	got := len(writer.Lines())
	// 300ms / 10ms = 30 expected emissions; allow scheduling slack both ways.
	if got < 20 || got > 35 {
		t.Fatalf("emitted %d frames in %s with 10ms ticks, want ~30", got, runFor)
	}
}

// While calibration is still running the scheduler emits neutral frames so
// the actuator's streaming parser stays fed.
func TestNeutralFramesDuringCalibration(t *testing.T) {
	b, src, writer := newTestBridge(100*time.Millisecond, 10*time.Millisecond)

	done, cancel := startBridge(b, 160*time.Millisecond)
	defer cancel()
	waitSubscribed(t, src)
	stop := feedContinuously(src, sample.RawSample{Roll: 10, Pitch: -5}, 5*time.Millisecond)
	defer stop()

	if err := waitDone(t, done, 160*time.Millisecond); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	lines := writer.Lines()
	if len(lines) < 5 {
		t.Fatalf("only %d frames emitted, want at least 5 during calibration", len(lines))
	}
	// The first few frames fall inside the 100ms calibration window.
	for _, line := range lines[:5] {
		if line != "0.00,0.00:\n" {
			t.Fatalf("frame during calibration = %q, want neutral", line)
		}
	}
}

// No samples in the window: startup aborts with ErrInsufficientData before
// any non-neutral command can ever be sent.
func TestCalibrationFailsWithoutSamples(t *testing.T) {
	b, _, writer := newTestBridge(30*time.Millisecond, 10*time.Millisecond)

	done, cancel := startBridge(b, 500*time.Millisecond)
	defer cancel()

	err := waitDone(t, done, 500*time.Millisecond)
	if !errors.Is(err, conditioner.ErrInsufficientData) {
		t.Fatalf("Run = %v, want ErrInsufficientData", err)
	}

	for _, line := range writer.Lines() {
		if line != "0.00,0.00:\n" {
			t.Fatalf("non-neutral frame %q emitted by uncalibrated bridge", line)
		}
	}
}

// A transport write slower than the tick period delays frames, never ticks:
// the scheduler keeps full cadence while writes run at the transport's own
// pace, with the waiting frame replaced rather than queued.
func TestSlowTransportDoesNotStallTicks(t *testing.T) {
	const runFor = 300 * time.Millisecond
	src := &fakeSource{}
	writer := &fakeWriter{}
	writer.slowWrites(50 * time.Millisecond)

	var ticks atomic.Uint64
	b := New(Options{
		Conditioner:       conditioner.New(testParams()),
		Source:            src,
		Writer:            writer,
		CalibrationWindow: 20 * time.Millisecond,
		tickPeriod:        10 * time.Millisecond,
		onTick:            func() { ticks.Add(1) },
	})

	done, cancel := startBridge(b, runFor)
	defer cancel()
	waitSubscribed(t, src)
	stop := feedContinuously(src, sample.RawSample{Roll: 5, Pitch: 5}, 2*time.Millisecond)
	defer stop()

	if err := waitDone(t, done, runFor); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	// 300ms / 10ms = 30 ticks at full cadence; a scheduler blocked behind
	// 50ms writes would manage ~6.
	if got := ticks.Load(); got < 20 {
		t.Fatalf("only %d ticks in %s with 10ms period and 50ms writes, scheduler stalled", got, runFor)
	}
	// Writes are paced by the transport, so at most ~6 complete; more means
	// frames were queued instead of replaced.
	if got := len(writer.Lines()); got > 10 {
		t.Fatalf("%d writes completed with 50ms write latency over %s, frames were queued", got, runFor)
	}
}

// Non-finite readings delivered during the calibration window are dropped
// and show up in the stats, same as drops on the active path.
func TestNonFiniteDuringCalibrationIsCounted(t *testing.T) {
	b, src, _ := newTestBridge(60*time.Millisecond, 10*time.Millisecond)

	done, cancel := startBridge(b, 150*time.Millisecond)
	defer cancel()
	waitSubscribed(t, src)

	src.Emit(sample.RawSample{Roll: math.NaN(), Pitch: 1})
	src.Emit(sample.RawSample{Roll: 1, Pitch: math.Inf(1)})
	stop := feedContinuously(src, sample.RawSample{Roll: 10, Pitch: -5}, 5*time.Millisecond)
	defer stop()

	if err := waitDone(t, done, 150*time.Millisecond); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if got := b.Stats().DroppedSamples; got != 2 {
		t.Fatalf("DroppedSamples = %d, want 2", got)
	}
}

// One failed write mid-stream: that tick's frame is dropped, every later
// tick still fires and writes once the transport recovers.
func TestTransportFailureIsolation(t *testing.T) {
	const runFor = 300 * time.Millisecond
	b, src, writer := newTestBridge(20*time.Millisecond, 10*time.Millisecond)

	done, cancel := startBridge(b, runFor)
	defer cancel()
	waitSubscribed(t, src)
	stop := feedContinuously(src, sample.RawSample{Roll: 5, Pitch: 5}, 2*time.Millisecond)
	defer stop()

	// Let a few frames through, then break the transport for one write.
	time.Sleep(100 * time.Millisecond)
	writer.failWrites(1)

	if err := waitDone(t, done, runFor); err != nil {
		t.Fatalf("Run returned error after write failure: %v", err)
	}

	stats := b.Stats()
	if stats.WriteFailures != 1 {
		t.Fatalf("WriteFailures = %d, want 1", stats.WriteFailures)
	}
	if stats.Emitted == 0 || uint64(len(writer.Lines())) != stats.Emitted {
		t.Fatalf("Emitted = %d, recorded lines = %d", stats.Emitted, len(writer.Lines()))
	}
	// Writes resumed after the injected failure.
	if stats.Emitted < 15 {
		t.Fatalf("only %d frames emitted over %s, emission did not recover", stats.Emitted, runFor)
	}
}

// End to end through the pipeline: calibrate on a held-still reading, then
// keep feeding the same reading and expect the stream to settle at neutral.
func TestCalibrationThenActivePipeline(t *testing.T) {
	const runFor = 300 * time.Millisecond
	b, src, writer := newTestBridge(50*time.Millisecond, 10*time.Millisecond)

	done, cancel := startBridge(b, runFor)
	defer cancel()
	waitSubscribed(t, src)
	stop := feedContinuously(src, sample.RawSample{Roll: 10, Pitch: -5}, 5*time.Millisecond)
	defer stop()

	if err := waitDone(t, done, runFor); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	lines := writer.Lines()
	if len(lines) == 0 {
		t.Fatal("no frames emitted")
	}
	last := lines[len(lines)-1]
	cmd, err := frame.Decode(last)
	if err != nil {
		t.Fatalf("emitted frame %q does not decode: %v", last, err)
	}
	if cmd.Throttle != 0 || cmd.Steer != 0 {
		t.Fatalf("held-at-bias stream settled at %q, want neutral", strings.TrimSpace(last))
	}
}
