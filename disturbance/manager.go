package disturbance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hydronetics/watergrid-simulator/bus"
	"github.com/hydronetics/watergrid-simulator/internal/logging"
)

// Config is the registration record for one disturbance.
type Config struct {
	ID        string
	Type      Type
	TargetID  string
	StartTime float64
	EndTime   float64
	// Intensity in [0, 1] parameterises the effect when no explicit
	// parameter overrides it (drop rate, noise stddev, 1-efficiency).
	Intensity float64
	// Parameters carries type-specific settings; see the effect builders
	// for the recognised keys.
	Parameters map[string]any
}

func (c Config) validate() error {
	if c.ID == "" {
		return errors.New("disturbance: empty id")
	}
	if !KnownType(c.Type) {
		return fmt.Errorf("disturbance: %s: unknown type %q", c.ID, c.Type)
	}
	if c.TargetID == "" {
		return fmt.Errorf("disturbance: %s: empty target id", c.ID)
	}
	if c.EndTime <= c.StartTime {
		return fmt.Errorf("disturbance: %s: end time %v not after start time %v", c.ID, c.EndTime, c.StartTime)
	}
	if c.Intensity < 0 || c.Intensity > 1 {
		return fmt.Errorf("disturbance: %s: intensity %v outside [0, 1]", c.ID, c.Intensity)
	}
	return nil
}

// State is a disturbance's position in its lifecycle.
type State string

const (
	// StatePending means the window has not opened yet.
	StatePending State = "pending"
	// StateActive means the effect is currently applied.
	StateActive State = "active"
	// StateDone means the window has closed; a done disturbance is never
	// reactivated unless re-registered under a new id.
	StateDone State = "done"
	// StateDisabled means activation failed (missing target, malformed
	// parameters); the disturbance is a permanent no-op, logged once.
	StateDisabled State = "disabled"
)

type entry struct {
	cfg    Config
	state  State
	effect Effect
}

// effectStack tracks the active effects that mutate one piece of target
// state (one effect Key). The first activation captures the restore
// function; deactivations hand over to the most recently activated
// survivor, and the baseline is restored only when the stack drains.
type effectStack struct {
	restore func()
	entries []*entry
}

// Manager owns the disturbance registry and drives each disturbance through
// its window state machine once per tick. It implements the harness's
// TickUpdater and ActiveCounter hooks. Not safe for concurrent use; it is
// driven by the single-threaded tick loop.
type Manager struct {
	mu       sync.Mutex
	resolver TargetResolver
	bus      *bus.Bus
	log      logging.Logger
	entries  map[string]*entry
	order    []string
	stacks   map[string]*effectStack
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger attaches a structured logger to the manager.
func WithLogger(log logging.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithBus attaches the message bus, enabling network-impairment effects.
func WithBus(b *bus.Bus) ManagerOption {
	return func(m *Manager) { m.bus = b }
}

// NewManager constructs a manager resolving targets through r.
func NewManager(r TargetResolver, opts ...ManagerOption) *Manager {
	m := &Manager{
		resolver: r,
		log:      logging.Noop(),
		entries:  make(map[string]*entry),
		stacks:   make(map[string]*effectStack),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a disturbance. Window and intensity are validated eagerly;
// the target is only resolved when the window opens, so disturbances may be
// registered before their targets. Registration during a run is allowed.
func (m *Manager) Register(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[cfg.ID]; exists {
		return fmt.Errorf("disturbance: duplicate id %q", cfg.ID)
	}
	m.entries[cfg.ID] = &entry{cfg: cfg, state: StatePending}
	m.order = append(m.order, cfg.ID)
	return nil
}

// Update drives every disturbance's state machine for simulation time now.
// Overlapping disturbances that mutate the same target state compose: the
// most recently activated one wins, and the pre-disturbance baseline is
// restored once the last of them closes.
func (m *Manager) Update(now float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		e := m.entries[id]
		switch e.state {
		case StatePending:
			if now >= e.cfg.EndTime {
				// Window already passed, e.g. registered late.
				e.state = StateDone
				continue
			}
			if now >= e.cfg.StartTime {
				m.activateLocked(e, now)
			}
		case StateActive:
			if now >= e.cfg.EndTime || now < e.cfg.StartTime {
				m.popLocked(e)
				e.effect = nil
				e.state = StateDone
				m.log.Info(context.Background(), "disturbance deactivated",
					logging.String("disturbance_id", e.cfg.ID),
					logging.Float64("time", now),
				)
				continue
			}
			// Per-tick re-assertion is reserved for the stack top so an
			// overlapping earlier window cannot overwrite the later one.
			if m.topLocked(e) {
				e.effect.Update(now)
			}
		}
	}
}

func (m *Manager) activateLocked(e *entry, now float64) {
	build := effectBuilders[e.cfg.Type]
	effect, err := build(e.cfg, buildDeps{resolver: m.resolver, bus: m.bus})
	if err == nil {
		err = m.pushLocked(e, effect)
	}
	if err != nil {
		e.state = StateDisabled
		m.log.Warn(context.Background(), "disturbance disabled",
			logging.String("disturbance_id", e.cfg.ID),
			logging.String("type", string(e.cfg.Type)),
			logging.String("target_id", e.cfg.TargetID),
			logging.String("error", err.Error()),
		)
		return
	}

	e.effect = effect
	e.state = StateActive
	m.log.Info(context.Background(), "disturbance activated",
		logging.String("disturbance_id", e.cfg.ID),
		logging.String("type", string(e.cfg.Type)),
		logging.String("target_id", e.cfg.TargetID),
		logging.Float64("time", now),
	)
}

// pushLocked stacks the effect on its key and applies it. The first effect
// on a key captures the baseline before anything is mutated.
func (m *Manager) pushLocked(e *entry, effect Effect) error {
	key := effect.Key()
	st, ok := m.stacks[key]
	if !ok {
		st = &effectStack{restore: effect.Baseline()}
	}
	if err := effect.Apply(); err != nil {
		return err
	}
	m.stacks[key] = st
	st.entries = append(st.entries, e)
	return nil
}

// popLocked removes e from its effect stack. The most recently activated
// survivor re-asserts its value; when the stack drains, the baseline
// captured at the first activation is restored.
func (m *Manager) popLocked(e *entry) {
	key := e.effect.Key()
	st, ok := m.stacks[key]
	if !ok {
		return
	}
	for i, se := range st.entries {
		if se == e {
			st.entries = append(st.entries[:i], st.entries[i+1:]...)
			break
		}
	}
	if len(st.entries) > 0 {
		_ = st.entries[len(st.entries)-1].effect.Apply()
		return
	}
	st.restore()
	delete(m.stacks, key)
}

// topLocked reports whether e is the most recently activated effect on its
// key.
func (m *Manager) topLocked(e *entry) bool {
	st, ok := m.stacks[e.effect.Key()]
	return ok && len(st.entries) > 0 && st.entries[len(st.entries)-1] == e
}

// ActiveCount reports how many disturbances are currently active.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.state == StateActive {
			n++
		}
	}
	return n
}

// StatusEntry is one row of the manager's status snapshot.
type StatusEntry struct {
	ID        string
	Type      Type
	TargetID  string
	StartTime float64
	EndTime   float64
	State     State
}

// Status returns a snapshot of every registered disturbance in registration
// order.
func (m *Manager) Status() []StatusEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StatusEntry, 0, len(m.order))
	for _, id := range m.order {
		e := m.entries[id]
		out = append(out, StatusEntry{
			ID:        e.cfg.ID,
			Type:      e.cfg.Type,
			TargetID:  e.cfg.TargetID,
			StartTime: e.cfg.StartTime,
			EndTime:   e.cfg.EndTime,
			State:     e.state,
		})
	}
	return out
}
