// Package physical holds the reference physical components used to exercise
// the harness's component contract. The bodies are deliberately simple mass
// balances; engineering-grade storage and head-flow curves live outside the
// core and plug in through the same contract.
package physical

import (
	"sync"

	"github.com/hydronetics/watergrid-simulator/core"
)

// State keys shared by the reference components.
const (
	StateVolume     = "volume"
	StateWaterLevel = "water_level"
	StateInflow     = "inflow"
	StateOpening    = "opening"
	StateStatus     = "status"
)

// ReservoirConfig holds the static parameters of a Reservoir.
type ReservoirConfig struct {
	SurfaceArea float64
	MaxCapacity float64 // 0 means unbounded
}

// Reservoir is a storage component: volume integrates inflow minus released
// outflow, floored at zero. Water level is derived from volume and surface
// area.
type Reservoir struct {
	name string
	cfg  ReservoirConfig

	mu      sync.Mutex
	volume  float64
	level   float64
	inflow  float64
	outflow float64
}

// NewReservoir constructs a reservoir from an initial state. Recognised
// initial keys: volume, water_level, inflow, outflow.
func NewReservoir(name string, initial core.State, cfg ReservoirConfig) *Reservoir {
	r := &Reservoir{name: name, cfg: cfg}
	r.SetState(initial)
	return r
}

// Name returns the component's name.
func (r *Reservoir) Name() string { return r.name }

// GetState implements core.Component.
func (r *Reservoir) GetState() core.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return core.State{
		StateVolume:       r.volume,
		StateWaterLevel:   r.level,
		StateInflow:       r.inflow,
		core.StateOutflow: r.outflow,
	}
}

// SetState implements core.Component.
func (r *Reservoir) SetState(s core.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volume = s[StateVolume]
	r.level = s[StateWaterLevel]
	r.inflow = s[StateInflow]
	r.outflow = s[core.StateOutflow]
}

// SetInflow implements core.FlowAccumulator.
func (r *Reservoir) SetInflow(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflow = v
}

// Inflow implements core.FlowAccumulator.
func (r *Reservoir) Inflow() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflow
}

// Step advances the water balance by dt. An "outflow" action overrides the
// released outflow, and a wired controller's "control_signal" commands the
// release directly; otherwise the previous release is held.
func (r *Reservoir) Step(action core.Action, dt float64) (core.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := action[core.ActionOutflow]; ok {
		r.outflow = v
	}
	if v, ok := action[core.ActionControlSignal]; ok {
		r.outflow = v
	}
	if r.outflow < 0 {
		r.outflow = 0
	}

	r.volume += (r.inflow - r.outflow) * dt
	if r.volume < 0 {
		r.volume = 0
	}
	if r.cfg.MaxCapacity > 0 && r.volume > r.cfg.MaxCapacity {
		r.volume = r.cfg.MaxCapacity
	}
	if r.cfg.SurfaceArea > 0 {
		r.level = r.volume / r.cfg.SurfaceArea
	}

	return core.State{
		StateVolume:       r.volume,
		StateWaterLevel:   r.level,
		StateInflow:       r.inflow,
		core.StateOutflow: r.outflow,
	}, nil
}
