package core

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hydronetics/watergrid-simulator/internal/logging"
	"github.com/hydronetics/watergrid-simulator/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config describes the simulated time window of a run. Times are in seconds
// of simulated time.
type Config struct {
	StartTime float64 // defaults to 0
	EndTime   float64
	Dt        float64
}

// TickCount derives the number of ticks in the configured window.
func (c Config) TickCount() int {
	return int(math.Ceil((c.EndTime - c.StartTime) / c.Dt))
}

func (c Config) validate() error {
	if c.Dt <= 0 {
		return fmt.Errorf("harness: dt must be positive, got %v", c.Dt)
	}
	if c.EndTime <= c.StartTime {
		return fmt.Errorf("harness: end_time %v must be after start_time %v", c.EndTime, c.StartTime)
	}
	return nil
}

// TickUpdater is driven once per tick with the current simulated time. The
// disturbance manager implements it; the harness stays decoupled from the
// concrete disturbance types.
type TickUpdater interface {
	Update(now float64)
}

// ActiveCounter is an optional TickUpdater capability used to surface how
// many disturbances are currently active.
type ActiveCounter interface {
	ActiveCount() int
}

// Pacer optionally paces the run loop against wall clock between ticks.
type Pacer interface {
	Pace(ctx context.Context) error
}

type connection struct {
	upstream   string
	downstream string
}

type wiring struct {
	id             string
	controller     Controller
	controlledID   string
	observedID     string
	observationKey string
}

// Harness owns the component registry, connection topology, controller
// wirings, and agent list, and drives the per-tick stepping protocol. All
// harness state is owned by the goroutine calling Run; only the message bus
// carries cross-goroutine traffic.
type Harness struct {
	cfg     Config
	log     logging.Logger
	metrics *observability.SimCollector
	pacer   Pacer

	components map[string]Component
	ids        []string // registration order
	conns      []connection
	upstreams  map[string][]string

	controllers  []wiring
	byControlled map[string][]int

	agents     []Agent
	agentOrder []Agent

	disturbances TickUpdater
	lastActive   int

	built bool
	order []string // topological stepping order, valid after Build
	now   float64
	runID string

	history []Snapshot
}

// HarnessOption configures a Harness.
type HarnessOption func(*Harness)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) HarnessOption {
	return func(h *Harness) {
		if log != nil {
			h.log = log
		}
	}
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(m *observability.SimCollector) HarnessOption {
	return func(h *Harness) { h.metrics = m }
}

// WithPacer paces the run loop against wall clock (real-time mode).
func WithPacer(p Pacer) HarnessOption {
	return func(h *Harness) { h.pacer = p }
}

// NewHarness constructs an empty harness for the given time window.
func NewHarness(cfg Config, opts ...HarnessOption) (*Harness, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	h := &Harness{
		cfg:          cfg,
		log:          logging.Noop(),
		components:   make(map[string]Component),
		upstreams:    make(map[string][]string),
		byControlled: make(map[string][]int),
		now:          cfg.StartTime,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// AddComponent registers a component under id. It fails if the id is already
// taken or the harness has been built.
func (h *Harness) AddComponent(id string, c Component) error {
	if h.built {
		return fmt.Errorf("add component %q: %w", id, ErrAlreadyBuilt)
	}
	if id == "" {
		return fmt.Errorf("harness: empty component id")
	}
	if c == nil {
		return fmt.Errorf("harness: nil component %q", id)
	}
	if _, exists := h.components[id]; exists {
		return fmt.Errorf("harness: component %q already exists", id)
	}
	h.components[id] = c
	h.ids = append(h.ids, id)
	h.metrics.SetComponentCount(len(h.components))
	return nil
}

// AddConnection records a directed edge: upstream's outflow becomes part of
// downstream's inflow. Both ids must already be registered.
func (h *Harness) AddConnection(upstreamID, downstreamID string) error {
	if h.built {
		return fmt.Errorf("add connection %q -> %q: %w", upstreamID, downstreamID, ErrAlreadyBuilt)
	}
	if upstreamID == downstreamID {
		return fmt.Errorf("harness: self-loop on %q", upstreamID)
	}
	if _, ok := h.components[upstreamID]; !ok {
		return fmt.Errorf("harness: unknown upstream component %q", upstreamID)
	}
	if _, ok := h.components[downstreamID]; !ok {
		return fmt.Errorf("harness: unknown downstream component %q", downstreamID)
	}
	h.conns = append(h.conns, connection{upstream: upstreamID, downstream: downstreamID})
	h.upstreams[downstreamID] = append(h.upstreams[downstreamID], upstreamID)
	return nil
}

// AddController records a controller wiring: the signal observationKey read
// from observedID's state is fed to ctrl, and the resulting control action is
// applied to controlledID on every tick.
func (h *Harness) AddController(controllerID string, ctrl Controller, controlledID, observedID, observationKey string) error {
	if h.built {
		return fmt.Errorf("add controller %q: %w", controllerID, ErrAlreadyBuilt)
	}
	if ctrl == nil {
		return fmt.Errorf("harness: nil controller %q", controllerID)
	}
	if observationKey == "" {
		return fmt.Errorf("harness: controller %q has empty observation key", controllerID)
	}
	if _, ok := h.components[controlledID]; !ok {
		return fmt.Errorf("harness: controller %q references unknown controlled component %q", controllerID, controlledID)
	}
	if _, ok := h.components[observedID]; !ok {
		return fmt.Errorf("harness: controller %q references unknown observed component %q", controllerID, observedID)
	}
	h.controllers = append(h.controllers, wiring{
		id:             controllerID,
		controller:     ctrl,
		controlledID:   controlledID,
		observedID:     observedID,
		observationKey: observationKey,
	})
	h.byControlled[controlledID] = append(h.byControlled[controlledID], len(h.controllers)-1)
	return nil
}

// AddAgent appends an agent to the run list. Agents run once per tick in
// registration order, unless they declare a priority.
func (h *Harness) AddAgent(a Agent) error {
	if h.built {
		return fmt.Errorf("add agent: %w", ErrAlreadyBuilt)
	}
	if a == nil {
		return fmt.Errorf("harness: nil agent")
	}
	h.agents = append(h.agents, a)
	return nil
}

// SetDisturbanceUpdater installs the per-tick disturbance hook. It is driven
// after agents and before the physical step of each tick.
func (h *Harness) SetDisturbanceUpdater(u TickUpdater) {
	h.disturbances = u
}

// Component looks up a registered component by id.
func (h *Harness) Component(id string) (Component, bool) {
	c, ok := h.components[id]
	return c, ok
}

// AgentByID looks up a registered agent by id.
func (h *Harness) AgentByID(id string) (Agent, bool) {
	for _, a := range h.agents {
		if a.ID() == id {
			return a, true
		}
	}
	return nil, false
}

// ComponentIDs returns registered component ids in registration order.
func (h *Harness) ComponentIDs() []string {
	out := make([]string, len(h.ids))
	copy(out, h.ids)
	return out
}

// Order returns the topological stepping order computed by Build.
func (h *Harness) Order() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// Now returns the current simulated time.
func (h *Harness) Now() float64 { return h.now }

// RunID returns the id of the current (or last) run, empty before Run.
func (h *Harness) RunID() string { return h.runID }

// Build computes the topological stepping order over the connection graph
// (Kahn's algorithm) and freezes the topology. A cycle is a fatal
// configuration error reported as *CyclicTopologyError.
func (h *Harness) Build() error {
	if h.built {
		return ErrAlreadyBuilt
	}

	indegree := make(map[string]int, len(h.components))
	downstreams := make(map[string][]string, len(h.components))
	for _, id := range h.ids {
		indegree[id] = 0
	}
	for _, c := range h.conns {
		indegree[c.downstream]++
		downstreams[c.upstream] = append(downstreams[c.upstream], c.downstream)
	}

	// Seed the queue in registration order so the resulting order is
	// deterministic for a given build sequence.
	var queue []string
	for _, id := range h.ids {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(h.components))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, down := range downstreams[id] {
			indegree[down]--
			if indegree[down] == 0 {
				queue = append(queue, down)
			}
		}
	}

	if len(order) != len(h.components) {
		var remaining []string
		for _, id := range h.ids {
			if indegree[id] > 0 {
				remaining = append(remaining, id)
			}
		}
		return &CyclicTopologyError{Remaining: remaining}
	}

	h.order = order
	h.agentOrder = sortAgents(h.agents)
	h.built = true
	return nil
}

func sortAgents(agents []Agent) []Agent {
	out := make([]Agent, len(agents))
	copy(out, agents)
	sort.SliceStable(out, func(i, j int) bool {
		return agentPriority(out[i]) < agentPriority(out[j])
	})
	return out
}

func agentPriority(a Agent) int {
	if p, ok := a.(Prioritized); ok {
		return p.Priority()
	}
	return 0
}

// Step advances every component by dt, in topological order. Each component
// sees the aggregated outflow its upstream neighbours produced earlier in
// this same tick; there is no one-tick propagation lag.
func (h *Harness) Step(dt float64) error {
	if !h.built {
		return ErrNotBuilt
	}

	outflows := make(map[string]float64, len(h.order))
	for _, id := range h.order {
		comp := h.components[id]

		if ups := h.upstreams[id]; len(ups) > 0 {
			inflow := 0.0
			for _, up := range ups {
				inflow += outflows[up]
			}
			if fa, ok := comp.(FlowAccumulator); ok {
				fa.SetInflow(inflow)
			}
		}

		action := Action{}
		for _, wi := range h.byControlled[id] {
			w := h.controllers[wi]
			observed := h.components[w.observedID]
			obs := Observation{
				ObservationProcessVariable: observed.GetState()[w.observationKey],
			}
			u, err := w.controller.ComputeControlAction(obs, dt)
			if err != nil {
				// No control action this tick; the component steps
				// with whatever state it already has.
				h.log.Warn(context.Background(), "controller failed",
					logging.String("controller_id", w.id),
					logging.String("component_id", id),
					logging.Float64("time", h.now),
					logging.String("error", err.Error()),
				)
				continue
			}
			action[ActionControlSignal] = u
		}

		newState, err := comp.Step(action, dt)
		if err != nil {
			return fmt.Errorf("harness: step component %q at t=%v: %w", id, h.now, err)
		}
		outflows[id] = newState[StateOutflow]
	}
	return nil
}

// Run drives the whole simulation: for every tick, agents run first, then
// the disturbance updater, then the physical step, then a snapshot is
// appended to history and time advances by dt. A component step error aborts
// the run; agent errors are logged and the tick continues. The run can be
// stopped between ticks by cancelling ctx.
func (h *Harness) Run(ctx context.Context) error {
	if !h.built {
		return ErrNotBuilt
	}

	ctx, runID := logging.EnsureRunID(ctx)
	h.runID = runID
	log := h.log.With(logging.String("run_id", runID))

	tracer := otel.Tracer("watergrid-simulator/core")
	ctx, span := tracer.Start(ctx, "harness.run", trace.WithAttributes(
		attribute.Float64("sim.start_time", h.cfg.StartTime),
		attribute.Float64("sim.end_time", h.cfg.EndTime),
		attribute.Float64("sim.dt", h.cfg.Dt),
		attribute.Int("sim.components", len(h.components)),
		attribute.Int("sim.agents", len(h.agents)),
	))
	defer span.End()

	log.Info(ctx, "simulation starting",
		logging.Float64("start_time", h.cfg.StartTime),
		logging.Float64("end_time", h.cfg.EndTime),
		logging.Float64("dt", h.cfg.Dt),
		logging.Int("ticks", h.cfg.TickCount()),
	)

	ticks := h.cfg.TickCount()
	for i := 0; i < ticks; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tickStart := time.Now()

		for _, a := range h.agentOrder {
			h.runAgent(ctx, log, a)
		}

		if h.disturbances != nil {
			h.disturbances.Update(h.now)
			if ac, ok := h.disturbances.(ActiveCounter); ok {
				if n := ac.ActiveCount(); n != h.lastActive {
					span.AddEvent("disturbance activity changed", trace.WithAttributes(
						attribute.Int("active", n),
						attribute.Float64("sim.time", h.now),
					))
					h.metrics.SetActiveDisturbances(n)
					h.lastActive = n
				}
			}
		}

		if err := h.Step(h.cfg.Dt); err != nil {
			span.RecordError(err)
			log.Error(ctx, "run aborted", logging.String("error", err.Error()))
			return err
		}

		states := make(map[string]State, len(h.components))
		for id, comp := range h.components {
			states[id] = comp.GetState().Clone()
		}
		h.history = append(h.history, Snapshot{Time: h.now, States: states})

		h.metrics.ObserveTick(time.Since(tickStart))
		h.now += h.cfg.Dt

		if h.pacer != nil {
			if err := h.pacer.Pace(ctx); err != nil {
				return err
			}
		}
	}

	log.Info(ctx, "simulation complete",
		logging.Int("snapshots", len(h.history)),
		logging.Float64("final_time", h.now),
	)
	return nil
}

func (h *Harness) runAgent(ctx context.Context, log logging.Logger, a Agent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(ctx, "agent panicked",
				logging.String("agent_id", a.ID()),
				logging.Float64("time", h.now),
				logging.Any("panic", r),
			)
			h.metrics.IncAgentError(a.ID())
		}
	}()
	if err := a.Run(h.now); err != nil {
		log.Warn(ctx, "agent failed",
			logging.String("agent_id", a.ID()),
			logging.Float64("time", h.now),
			logging.String("error", err.Error()),
		)
		h.metrics.IncAgentError(a.ID())
	}
}
