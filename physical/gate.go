package physical

import (
	"sync"

	"github.com/hydronetics/watergrid-simulator/bus"
	"github.com/hydronetics/watergrid-simulator/core"
)

// GateConfig holds the static parameters of a Gate.
type GateConfig struct {
	MaxFlowRate float64
}

// Gate is an actuated release: outflow is opening times the rated maximum
// flow, scaled by actuator efficiency. Opening is commanded through the
// "control_signal" action, or through a bus topic when wired with
// ListenControl.
type Gate struct {
	name string
	cfg  GateConfig

	mu         sync.Mutex
	opening    float64
	inflow     float64
	outflow    float64
	efficiency float64
	pending    *float64 // bus-delivered command, consumed on next Step
}

// NewGate constructs a gate from an initial state. Recognised initial keys:
// opening, inflow, outflow.
func NewGate(name string, initial core.State, cfg GateConfig) *Gate {
	g := &Gate{name: name, cfg: cfg, efficiency: 1}
	g.SetState(initial)
	return g
}

// Name returns the component's name.
func (g *Gate) Name() string { return g.name }

// ListenControl subscribes the gate to a control topic. The payload's
// "control_signal" value becomes the commanded opening on the next Step.
// Bus delivery may happen on a background goroutine, so the command is
// staged rather than applied immediately.
func (g *Gate) ListenControl(b *bus.Bus, topic string) error {
	return b.Subscribe(topic, func(p bus.Payload) {
		v, ok := p.Float(core.ActionControlSignal)
		if !ok {
			return
		}
		g.mu.Lock()
		g.pending = &v
		g.mu.Unlock()
	})
}

// GetState implements core.Component.
func (g *Gate) GetState() core.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return core.State{
		StateOpening:      g.opening,
		StateInflow:       g.inflow,
		core.StateOutflow: g.outflow,
	}
}

// SetState implements core.Component.
func (g *Gate) SetState(s core.State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opening = clamp01(s[StateOpening])
	g.inflow = s[StateInflow]
	g.outflow = s[core.StateOutflow]
}

// SetInflow implements core.FlowAccumulator.
func (g *Gate) SetInflow(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflow = v
}

// Inflow implements core.FlowAccumulator.
func (g *Gate) Inflow() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflow
}

// SetEfficiency scales the gate's effective flow capacity; used by
// actuator-degradation effects. Values are clamped to [0, 1].
func (g *Gate) SetEfficiency(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.efficiency = clamp01(v)
}

// Efficiency returns the current efficiency factor.
func (g *Gate) Efficiency() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.efficiency
}

// Step applies the commanded opening (action beats a staged bus command) and
// recomputes outflow.
func (g *Gate) Step(action core.Action, dt float64) (core.State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending != nil {
		g.opening = clamp01(*g.pending)
		g.pending = nil
	}
	if v, ok := action[core.ActionControlSignal]; ok {
		g.opening = clamp01(v)
	}

	g.outflow = g.opening * g.cfg.MaxFlowRate * g.efficiency

	return core.State{
		StateOpening:      g.opening,
		StateInflow:       g.inflow,
		core.StateOutflow: g.outflow,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
