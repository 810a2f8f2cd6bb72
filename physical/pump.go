package physical

import (
	"sync"

	"github.com/hydronetics/watergrid-simulator/core"
)

// PumpConfig holds the static parameters of a Pump.
type PumpConfig struct {
	RatedFlow float64
}

// Pump is an on/off actuator: a control signal at or above 0.5 switches it
// on, anything lower switches it off. When on it moves its rated flow,
// scaled by efficiency.
type Pump struct {
	name string
	cfg  PumpConfig

	mu         sync.Mutex
	on         bool
	inflow     float64
	outflow    float64
	efficiency float64
}

// NewPump constructs a pump from an initial state. Recognised initial keys:
// status (0/1), inflow, outflow.
func NewPump(name string, initial core.State, cfg PumpConfig) *Pump {
	p := &Pump{name: name, cfg: cfg, efficiency: 1}
	p.SetState(initial)
	return p
}

// Name returns the component's name.
func (p *Pump) Name() string { return p.name }

// GetState implements core.Component.
func (p *Pump) GetState() core.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Pump) stateLocked() core.State {
	status := 0.0
	if p.on {
		status = 1
	}
	return core.State{
		StateStatus:       status,
		StateInflow:       p.inflow,
		core.StateOutflow: p.outflow,
	}
}

// SetState implements core.Component.
func (p *Pump) SetState(s core.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.on = s[StateStatus] >= 0.5
	p.inflow = s[StateInflow]
	p.outflow = s[core.StateOutflow]
}

// SetInflow implements core.FlowAccumulator.
func (p *Pump) SetInflow(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflow = v
}

// Inflow implements core.FlowAccumulator.
func (p *Pump) Inflow() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflow
}

// SetEfficiency scales the pump's effective rated flow; used by
// actuator-degradation effects. Values are clamped to [0, 1].
func (p *Pump) SetEfficiency(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.efficiency = clamp01(v)
}

// Efficiency returns the current efficiency factor.
func (p *Pump) Efficiency() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.efficiency
}

// Step switches the pump per the control signal and recomputes outflow.
func (p *Pump) Step(action core.Action, dt float64) (core.State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := action[core.ActionControlSignal]; ok {
		p.on = v >= 0.5
	}

	if p.on {
		p.outflow = p.cfg.RatedFlow * p.efficiency
	} else {
		p.outflow = 0
	}

	return p.stateLocked(), nil
}
