// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sample

import (
	"errors"
	"math"
	"sync"
	"time"
)

type mockSource struct {
	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	started bool
}

// NewMockSource creates a mock tilt source that delivers smooth changing
// values at roughly the given interval, with a little timing jitter so the
// consumer sees the same irregular cadence a real sensor produces.
func NewMockSource(interval time.Duration) Source {
	return &mockSource{interval: interval}
}

func (m *mockSource) Subscribe(fn Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("mock source: already subscribed")
	}
	m.started = true
	m.stop = make(chan struct{})
	stop := m.stop

	go func() {
		start := time.Now()
		n := 0
		for {
			select {
			case <-stop:
				return
			case <-time.After(m.jittered(n)):
				elapsed := time.Since(start).Seconds()
				fn(RawSample{
					Roll:  20 * math.Sin(elapsed),
					Pitch: 15 * math.Cos(elapsed*0.7),
				})
				n++
			}
		}
	}()
	return nil
}

// jittered staggers delivery so consecutive gaps differ by up to ±25%.
func (m *mockSource) jittered(n int) time.Duration {
	frac := 0.75 + 0.5*float64(n%5)/4.0
	return time.Duration(float64(m.interval) * frac)
}

func (m *mockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		close(m.stop)
		m.started = false
	}
	return nil
}
