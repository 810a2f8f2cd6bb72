// Package disturbance injects time-windowed perturbations into a running
// simulation: inflow overrides, sensor noise, actuator degradation, and
// network impairment. Effects are typed values applied through a dispatch
// table keyed by disturbance type; targets declare what they support through
// small capability interfaces.
package disturbance

import (
	"fmt"
	"time"

	"github.com/hydronetics/watergrid-simulator/bus"
	"github.com/hydronetics/watergrid-simulator/core"
)

// Type identifies a disturbance class in the effect dispatch table.
type Type string

const (
	TypeInflowOverride      Type = "inflow_override"
	TypeSensorNoise         Type = "sensor_noise"
	TypeActuatorDegradation Type = "actuator_degradation"
	TypeNetworkImpairment   Type = "network_impairment"
)

// NoisePerturbable is implemented by perception agents that can corrupt
// their published observations.
type NoisePerturbable interface {
	SetObservationNoise(key string, stddev float64)
	ObservationNoise(key string) float64
}

// EfficiencyScalable is implemented by actuators whose effective capacity
// can be scaled down.
type EfficiencyScalable interface {
	SetEfficiency(v float64)
	Efficiency() float64
}

// TargetResolver looks up disturbance targets by id. *core.Harness
// satisfies it.
type TargetResolver interface {
	Component(id string) (core.Component, bool)
	AgentByID(id string) (core.Agent, bool)
}

// Effect is one applied perturbation. Effects sharing a Key stack instead of
// clobbering each other: the most recently activated value wins, and the
// pre-disturbance baseline is restored only when the last of them
// deactivates.
type Effect interface {
	// Key names the piece of target state the effect mutates.
	Key() string
	// Baseline captures the target's pre-disturbance state and returns
	// the restore function invoked once the effect stack for Key drains.
	Baseline() func()
	// Apply asserts the effect's value on the target.
	Apply() error
	// Update re-asserts per-tick effects while active.
	Update(now float64)
}

type buildDeps struct {
	resolver TargetResolver
	bus      *bus.Bus
}

type buildFunc func(cfg Config, deps buildDeps) (Effect, error)

var effectBuilders = map[Type]buildFunc{
	TypeInflowOverride:      buildInflowOverride,
	TypeSensorNoise:         buildSensorNoise,
	TypeActuatorDegradation: buildActuatorDegradation,
	TypeNetworkImpairment:   buildNetworkImpairment,
}

// KnownType reports whether t has a registered effect builder.
func KnownType(t Type) bool {
	_, ok := effectBuilders[t]
	return ok
}

func paramFloat(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func paramString(params map[string]any, key string) (string, bool) {
	v, ok := params[key].(string)
	return v, ok
}

// inflowOverride pins a FlowAccumulator's inflow to a fixed rate for the
// window's duration. The override is re-applied every tick because inflow
// schedule agents also write the same field.
type inflowOverride struct {
	targetID string
	target   core.FlowAccumulator
	rate     float64
}

func buildInflowOverride(cfg Config, deps buildDeps) (Effect, error) {
	comp, ok := deps.resolver.Component(cfg.TargetID)
	if !ok {
		return nil, fmt.Errorf("unknown component %q", cfg.TargetID)
	}
	acc, ok := comp.(core.FlowAccumulator)
	if !ok {
		return nil, fmt.Errorf("component %q does not accept inflow", cfg.TargetID)
	}
	rate, ok := paramFloat(cfg.Parameters, "inflow_rate")
	if !ok {
		return nil, fmt.Errorf("missing parameter %q", "inflow_rate")
	}
	return &inflowOverride{targetID: cfg.TargetID, target: acc, rate: rate}, nil
}

func (e *inflowOverride) Key() string { return "inflow/" + e.targetID }

func (e *inflowOverride) Baseline() func() {
	orig := e.target.Inflow()
	return func() { e.target.SetInflow(orig) }
}

func (e *inflowOverride) Apply() error {
	e.target.SetInflow(e.rate)
	return nil
}

func (e *inflowOverride) Update(float64) { e.target.SetInflow(e.rate) }

// sensorNoise corrupts one observation key on a perception agent with
// zero-mean gaussian noise. Stddev defaults to the disturbance intensity
// when not given explicitly.
type sensorNoise struct {
	targetID string
	target   NoisePerturbable
	key      string
	stddev   float64
}

func buildSensorNoise(cfg Config, deps buildDeps) (Effect, error) {
	a, ok := deps.resolver.AgentByID(cfg.TargetID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", cfg.TargetID)
	}
	np, ok := a.(NoisePerturbable)
	if !ok {
		return nil, fmt.Errorf("agent %q does not support observation noise", cfg.TargetID)
	}
	key, ok := paramString(cfg.Parameters, "key")
	if !ok {
		return nil, fmt.Errorf("missing parameter %q", "key")
	}
	stddev := cfg.Intensity
	if v, ok := paramFloat(cfg.Parameters, "stddev"); ok {
		stddev = v
	}
	return &sensorNoise{targetID: cfg.TargetID, target: np, key: key, stddev: stddev}, nil
}

func (e *sensorNoise) Key() string { return "noise/" + e.targetID + "/" + e.key }

func (e *sensorNoise) Baseline() func() {
	orig := e.target.ObservationNoise(e.key)
	return func() { e.target.SetObservationNoise(e.key, orig) }
}

func (e *sensorNoise) Apply() error {
	e.target.SetObservationNoise(e.key, e.stddev)
	return nil
}

func (e *sensorNoise) Update(float64) {}

// actuatorDegradation scales an actuator's efficiency down for the window's
// duration. Efficiency is 1 - intensity unless an explicit "efficiency"
// parameter is given. The pre-disturbance efficiency is restored on exit.
type actuatorDegradation struct {
	targetID   string
	target     EfficiencyScalable
	efficiency float64
}

func buildActuatorDegradation(cfg Config, deps buildDeps) (Effect, error) {
	comp, ok := deps.resolver.Component(cfg.TargetID)
	if !ok {
		return nil, fmt.Errorf("unknown component %q", cfg.TargetID)
	}
	es, ok := comp.(EfficiencyScalable)
	if !ok {
		return nil, fmt.Errorf("component %q does not support efficiency scaling", cfg.TargetID)
	}
	eff := 1 - cfg.Intensity
	if v, ok := paramFloat(cfg.Parameters, "efficiency"); ok {
		eff = v
	}
	if eff < 0 || eff > 1 {
		return nil, fmt.Errorf("efficiency %v outside [0, 1]", eff)
	}
	return &actuatorDegradation{targetID: cfg.TargetID, target: es, efficiency: eff}, nil
}

func (e *actuatorDegradation) Key() string { return "efficiency/" + e.targetID }

func (e *actuatorDegradation) Baseline() func() {
	orig := e.target.Efficiency()
	return func() { e.target.SetEfficiency(orig) }
}

func (e *actuatorDegradation) Apply() error {
	e.target.SetEfficiency(e.efficiency)
	return nil
}

func (e *actuatorDegradation) Update(float64) {}

// networkImpairment installs a drop/delay rule on a bus topic. TargetID is
// the topic (or a dot-prefix of topics). Recognised parameters: drop_rate,
// delay_s, jitter_s; drop_rate defaults to the disturbance intensity.
type networkImpairment struct {
	bus   *bus.Bus
	topic string
	rule  bus.Impairment
}

func buildNetworkImpairment(cfg Config, deps buildDeps) (Effect, error) {
	if deps.bus == nil {
		return nil, fmt.Errorf("no bus attached to the disturbance manager")
	}
	rule := bus.Impairment{DropRate: cfg.Intensity}
	if v, ok := paramFloat(cfg.Parameters, "drop_rate"); ok {
		rule.DropRate = v
	}
	if v, ok := paramFloat(cfg.Parameters, "delay_s"); ok {
		rule.Delay = time.Duration(v * float64(time.Second))
	}
	if v, ok := paramFloat(cfg.Parameters, "jitter_s"); ok {
		rule.Jitter = time.Duration(v * float64(time.Second))
	}
	return &networkImpairment{bus: deps.bus, topic: cfg.TargetID, rule: rule}, nil
}

func (e *networkImpairment) Key() string { return "impairment/" + e.topic }

func (e *networkImpairment) Baseline() func() {
	prior, had := e.bus.Impairment(e.topic)
	return func() {
		if had {
			_ = e.bus.SetImpairment(e.topic, prior)
			return
		}
		e.bus.ClearImpairment(e.topic)
	}
}

func (e *networkImpairment) Apply() error {
	return e.bus.SetImpairment(e.topic, e.rule)
}

func (e *networkImpairment) Update(float64) {}
