// Package timectrl paces the harness run loop against the wall clock. The
// simulation itself is untimed; a pacer only inserts real delays between
// ticks so a run can be watched live or slowed for demos.
package timectrl

import (
	"context"
	"fmt"
	"time"
)

// Mode describes how the pacer advances between ticks.
type Mode int

const (
	// RealTime waits one wall-clock interval per simulation tick.
	RealTime Mode = iota
	// Accelerated runs as fast as the loop allows, only honouring
	// context cancellation.
	Accelerated
)

// Pacer implements the harness's per-tick pacing hook.
type Pacer struct {
	mode Mode
	wait time.Duration
}

// NewAccelerated returns a pacer that never sleeps.
func NewAccelerated() *Pacer {
	return &Pacer{mode: Accelerated}
}

// NewRealTime returns a pacer that sleeps dt of simulation time scaled by
// speedup: with dt of 10s and a speedup of 10, each tick takes one wall
// second.
func NewRealTime(dt float64, speedup float64) (*Pacer, error) {
	if dt <= 0 {
		return nil, fmt.Errorf("timectrl: non-positive dt %v", dt)
	}
	if speedup <= 0 {
		return nil, fmt.Errorf("timectrl: non-positive speedup %v", speedup)
	}
	return &Pacer{
		mode: RealTime,
		wait: time.Duration(dt / speedup * float64(time.Second)),
	}, nil
}

// Wait reports the wall-clock interval per tick (zero when accelerated).
func (p *Pacer) Wait() time.Duration { return p.wait }

// Pace blocks until the next tick should start, or until ctx is cancelled.
func (p *Pacer) Pace(ctx context.Context) error {
	if p.mode == Accelerated || p.wait <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
