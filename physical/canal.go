package physical

import (
	"sync"

	"github.com/hydronetics/watergrid-simulator/core"
)

// CanalConfig holds the static parameters of a Canal.
type CanalConfig struct {
	// DischargeCoefficient is the fraction of stored volume released per
	// unit of time (linear-reservoir routing).
	DischargeCoefficient float64
	// SurfaceArea converts stored volume to water level; 0 disables the
	// derived level.
	SurfaceArea float64
}

// Canal routes flow with linear storage attenuation: outflow is proportional
// to stored volume, so a pulse of inflow arrives downstream smeared over
// several ticks.
type Canal struct {
	name string
	cfg  CanalConfig

	mu      sync.Mutex
	volume  float64
	level   float64
	inflow  float64
	outflow float64
}

// NewCanal constructs a canal from an initial state. Recognised initial keys:
// volume, inflow, outflow.
func NewCanal(name string, initial core.State, cfg CanalConfig) *Canal {
	c := &Canal{name: name, cfg: cfg}
	c.SetState(initial)
	return c
}

// Name returns the component's name.
func (c *Canal) Name() string { return c.name }

// GetState implements core.Component.
func (c *Canal) GetState() core.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return core.State{
		StateVolume:       c.volume,
		StateWaterLevel:   c.level,
		StateInflow:       c.inflow,
		core.StateOutflow: c.outflow,
	}
}

// SetState implements core.Component.
func (c *Canal) SetState(s core.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volume = s[StateVolume]
	c.level = s[StateWaterLevel]
	c.inflow = s[StateInflow]
	c.outflow = s[core.StateOutflow]
}

// SetInflow implements core.FlowAccumulator.
func (c *Canal) SetInflow(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflow = v
}

// Inflow implements core.FlowAccumulator.
func (c *Canal) Inflow() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflow
}

// Step routes the stored volume by dt. Outflow is computed from the volume
// at the start of the tick, then the balance is integrated; the release
// never exceeds what is available.
func (c *Canal) Step(action core.Action, dt float64) (core.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outflow = c.cfg.DischargeCoefficient * c.volume
	if dt > 0 && c.outflow*dt > c.volume+c.inflow*dt {
		c.outflow = c.volume/dt + c.inflow
	}

	c.volume += (c.inflow - c.outflow) * dt
	if c.volume < 0 {
		c.volume = 0
	}
	if c.cfg.SurfaceArea > 0 {
		c.level = c.volume / c.cfg.SurfaceArea
	}

	return core.State{
		StateVolume:       c.volume,
		StateWaterLevel:   c.level,
		StateInflow:       c.inflow,
		core.StateOutflow: c.outflow,
	}, nil
}
