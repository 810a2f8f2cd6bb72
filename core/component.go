package core

// State maps a component's state keys to numeric values. Boolean flags are
// encoded as 0/1. A State returned by Step is a complete replacement for the
// component's prior state, never a partial merge.
type State map[string]float64

// Clone returns an independent copy of the state.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Action carries per-tick inputs into a component's Step. Components ignore
// keys they do not recognise.
type Action map[string]float64

// Action keys recognised by the reference components.
const (
	ActionControlSignal  = "control_signal"
	ActionOutflow        = "outflow"
	ActionUpstreamHead   = "upstream_head"
	ActionDownstreamHead = "downstream_head"
)

// StateOutflow is the state key the harness reads to propagate flow to
// downstream components within the same tick.
const StateOutflow = "outflow"

// Component is a named, stateful simulated physical entity. Components are
// owned exclusively by the harness registry; their lifetime spans one run.
type Component interface {
	// GetState returns a copy of the component's current state.
	GetState() State
	// SetState replaces the component's state wholesale.
	SetState(State)
	// Step advances the component by dt given the tick's action and
	// returns the new state.
	Step(action Action, dt float64) (State, error)
}

// FlowAccumulator is implemented by components whose inflow is fed from the
// aggregated outflow of their upstream neighbours. The harness only calls
// SetInflow on components that have at least one upstream connection;
// head components keep whatever inflow was set externally.
type FlowAccumulator interface {
	SetInflow(v float64)
	Inflow() float64
}

// Agent is an independent behavioural unit invoked once per tick. Agents
// interact with components only through the message bus or through object
// references supplied at construction. A returned error is logged and the
// tick continues for the remaining agents.
type Agent interface {
	ID() string
	Run(now float64) error
}

// Prioritized is an optional Agent capability. Agents with lower priority
// values run earlier in the tick; agents without the capability default to
// priority 0. Ties keep registration order.
type Prioritized interface {
	Priority() int
}

// Observation carries the observed signal(s) into a controller.
type Observation map[string]float64

// ObservationProcessVariable is the key under which the harness places the
// observed signal when invoking a wired controller.
const ObservationProcessVariable = "process_variable"

// Controller wraps a pluggable control strategy behind a single operation.
// Implementations own their internal state (integrator, previous error) and
// must clamp their output to the configured bounds.
type Controller interface {
	ComputeControlAction(obs Observation, dt float64) (float64, error)
}
