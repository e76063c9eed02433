// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package bridge runs the sensor-to-actuator pipeline: an ingest path fed by
// sensor notifications and a fixed-rate scheduler emitting framed commands.
// The two converge only on the conditioner's guarded state, and neither ever
// blocks the other.
package bridge

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/tilt_bridge/internal/conditioner"
	"github.com/relabs-tech/tilt_bridge/internal/frame"
	"github.com/relabs-tech/tilt_bridge/internal/sample"
	"github.com/relabs-tech/tilt_bridge/internal/transport"
)

// TickPeriod is the fixed emission cadence. The actuator firmware expects a
// 10 Hz stream; this is part of the downstream contract, not a tuning knob.
const TickPeriod = 100 * time.Millisecond

// statsInterval is how often the reporter logs emission counters.
const statsInterval = 5 * time.Second

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Emitted        uint64 // frames written successfully
	WriteFailures  uint64 // frames whose write did not complete
	DroppedSamples uint64 // non-finite samples discarded
}

// Options wires a Bridge together.
type Options struct {
	Conditioner       *conditioner.Conditioner
	Source            sample.Source
	Writer            transport.LineWriter
	CalibrationWindow time.Duration

	// OnEmit, when set, observes every successfully written command pair
	// (used for MQTT telemetry). Must not block.
	OnEmit func(conditioner.CommandPair)

	// tickPeriod overrides TickPeriod; only tests set this.
	tickPeriod time.Duration

	// onTick observes every scheduler tick before the frame is handed to
	// the emitter; only tests set this.
	onTick func()
}

// pendingFrame is one encoded frame waiting for the emitter, paired with the
// command it was built from for the OnEmit hook.
type pendingFrame struct {
	line string
	cmd  conditioner.CommandPair
}

// Bridge owns the pipeline lifecycle: calibration window, activation, then
// concurrent ingest and emission until the context is cancelled.
type Bridge struct {
	cond   *conditioner.Conditioner
	cal    *conditioner.Calibrator
	src    sample.Source
	writer transport.LineWriter
	window time.Duration
	period time.Duration
	onEmit func(conditioner.CommandPair)
	onTick func()

	// pending is the one-slot mailbox between scheduler and emitter. The
	// scheduler replaces a frame still waiting on a slow transport, so a
	// stalled write costs stale frames, never tick cadence.
	pending chan pendingFrame

	emitted       atomic.Uint64
	writeFailures atomic.Uint64
}

func New(opts Options) *Bridge {
	period := opts.tickPeriod
	if period == 0 {
		period = TickPeriod
	}
	return &Bridge{
		cond:    opts.Conditioner,
		cal:     conditioner.NewCalibrator(),
		src:     opts.Source,
		writer:  opts.Writer,
		window:  opts.CalibrationWindow,
		period:  period,
		onEmit:  opts.OnEmit,
		onTick:  opts.onTick,
		pending: make(chan pendingFrame, 1),
	}
}

// Run executes the whole pipeline and blocks until ctx is cancelled or a
// fatal startup error occurs. Steady-state write failures are counted and
// logged, never returned.
func (b *Bridge) Run(parent context.Context) error {
	b.cond.StartCalibration()

	// Sole consumer of the sensor's notification capability. Samples are
	// routed by lifecycle state: into the calibrator until the bias is
	// fixed, into the conditioner afterwards.
	if err := b.src.Subscribe(b.ingest); err != nil {
		return fmt.Errorf("subscribe to sensor: %w", err)
	}
	defer b.src.Close()

	// The scheduler starts immediately: while calibration is still running it
	// emits neutral frames, keeping the actuator's streaming parser fed. A
	// failed calibration cancels the group and aborts startup.
	g, ctx := errgroup.WithContext(parent)
	g.Go(func() error { return b.calibrate(ctx) })
	g.Go(func() error { return b.runScheduler(ctx) })
	g.Go(func() error { return b.runEmitter(ctx) })
	g.Go(func() error { return b.runStatsReporter(ctx) })

	err := g.Wait()
	if parent.Err() != nil {
		// Whole-pipeline teardown requested from outside; nothing to drain.
		return nil
	}
	return err
}

// ingest is the notification handler. It never blocks: conditioner updates
// are a mutex-guarded scalar fold, calibrator adds are a running sum.
func (b *Bridge) ingest(s sample.RawSample) {
	switch b.cond.State() {
	case conditioner.Calibrating:
		// Non-finite samples are counted inside Add, same as on the
		// active path.
		_ = b.cal.Add(s)
	case conditioner.Active:
		// Non-finite samples are dropped inside Update and show up in
		// the stats; nothing else to do per notification.
		_ = b.cond.Update(s)
	}
}

// calibrate holds the conditioner in Calibrating for the window, then
// commits the bias. The window is wall-clock bounded: a sensor that stops
// notifying fails with ErrInsufficientData instead of hanging startup.
// It returns nil once the conditioner is Active; the scheduler keeps running
// concurrently throughout.
func (b *Bridge) calibrate(ctx context.Context) error {
	log.Printf("calibrating zero bias: hold the sensor still for %s", b.window)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.window):
	}

	bias, err := b.cal.Bias()
	if err != nil {
		return fmt.Errorf("%w (%d samples in %s window)", err, b.cal.Count(), b.window)
	}
	if err := b.cond.Activate(bias); err != nil {
		return err
	}

	log.Printf("calibration done: bias roll=%.1f pitch=%.1f (%d samples)", bias.Roll, bias.Pitch, b.cal.Count())
	return nil
}

// runScheduler fires every tick period, reads the latest command pair and
// hands one encoded frame to the emitter. Missed ticks are not replayed, and
// a frame the emitter has not picked up yet is replaced, never queued behind:
// the tick loop does no I/O, so a slow transport cannot delay the next tick.
func (b *Bridge) runScheduler(ctx context.Context) error {
	ticker := time.NewTicker(b.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if b.onTick != nil {
				b.onTick()
			}
			cmd := b.cond.Latest()
			f := pendingFrame{line: frame.Encode(cmd), cmd: cmd}
			select {
			case b.pending <- f:
			default:
				// Stale frame still waiting; latest value wins.
				select {
				case <-b.pending:
				default:
				}
				select {
				case b.pending <- f:
				default:
				}
			}
		}
	}
}

// runEmitter drains the mailbox and writes one frame per entry. A failed
// write only drops that frame; the emitter keeps draining either way.
func (b *Bridge) runEmitter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-b.pending:
			if err := b.writer.WriteLine(f.line); err != nil {
				b.writeFailures.Add(1)
				log.Printf("frame write failed, frame dropped: %v", err)
				continue
			}
			b.emitted.Add(1)
			if b.onEmit != nil {
				b.onEmit(f.cmd)
			}
		}
	}
}

// runStatsReporter periodically logs the counters so transport hiccups and
// dropped samples are observable without being fatal.
func (b *Bridge) runStatsReporter(ctx context.Context) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s := b.Stats()
			log.Printf("stats: emitted=%d write_failures=%d dropped_samples=%d state=%s",
				s.Emitted, s.WriteFailures, s.DroppedSamples, b.cond.State())
		}
	}
}

// Stats returns a snapshot of the pipeline counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Emitted:        b.emitted.Load(),
		WriteFailures:  b.writeFailures.Load(),
		DroppedSamples: b.cond.Dropped() + b.cal.Dropped(),
	}
}
