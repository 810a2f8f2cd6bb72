// Package control provides the pluggable control strategies wired into the
// harness through the core.Controller contract.
package control

import (
	"fmt"

	"github.com/hydronetics/watergrid-simulator/core"
)

// PID is a proportional-integral-derivative controller with output clamping
// and integrator anti-windup. Internal state (integrator, previous error) is
// owned exclusively by the instance; one PID must not be shared between
// wirings.
type PID struct {
	Kp float64
	Ki float64
	Kd float64

	Setpoint  float64
	MinOutput float64
	MaxOutput float64

	integral float64
	prevErr  float64
	hasPrev  bool
}

// NewPID constructs a PID controller. MinOutput must be below MaxOutput.
func NewPID(kp, ki, kd, setpoint, minOutput, maxOutput float64) (*PID, error) {
	if minOutput >= maxOutput {
		return nil, fmt.Errorf("control: min output %v must be below max output %v", minOutput, maxOutput)
	}
	return &PID{
		Kp:        kp,
		Ki:        ki,
		Kd:        kd,
		Setpoint:  setpoint,
		MinOutput: minOutput,
		MaxOutput: maxOutput,
	}, nil
}

// ComputeControlAction returns the clamped control signal for the observed
// process variable. The integrator freezes while the output saturates;
// without that, any actuator saturation causes unbounded overshoot.
func (p *PID) ComputeControlAction(obs core.Observation, dt float64) (float64, error) {
	if dt <= 0 {
		return 0, fmt.Errorf("control: non-positive dt %v", dt)
	}
	pv, ok := obs[core.ObservationProcessVariable]
	if !ok {
		return 0, fmt.Errorf("control: observation missing %q", core.ObservationProcessVariable)
	}

	e := p.Setpoint - pv

	deriv := 0.0
	if p.hasPrev {
		deriv = (e - p.prevErr) / dt
	}

	candidate := p.integral + e*dt
	raw := p.Kp*e + p.Ki*candidate + p.Kd*deriv

	out := raw
	if out > p.MaxOutput {
		out = p.MaxOutput
	} else if out < p.MinOutput {
		out = p.MinOutput
	}

	if out == raw {
		p.integral = candidate
	}

	p.prevErr = e
	p.hasPrev = true
	return out, nil
}

// SetSetpoint retargets the controller without resetting its state.
func (p *PID) SetSetpoint(v float64) { p.Setpoint = v }

// Reset clears the integrator and previous-error memory.
func (p *PID) Reset() {
	p.integral = 0
	p.prevErr = 0
	p.hasPrev = false
}
