package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/hydronetics/watergrid-simulator/bus"
	"github.com/hydronetics/watergrid-simulator/core"
	"github.com/hydronetics/watergrid-simulator/internal/logging"
)

// Dispatch is a supervisory override: it watches an observed value on the
// bus and, while the value sits at or above the engage threshold, publishes
// a forced command each tick on the command topic. Local control agents on
// the same topic are overridden as long as dispatch runs after them; give
// the dispatch agent a higher priority value to guarantee that ordering.
type Dispatch struct {
	id           string
	bus          *bus.Bus
	commandTopic string
	engage       float64
	release      float64
	override     float64
	priority     int
	log          logging.Logger

	mu      sync.Mutex
	latest  *float64
	engaged bool
}

// DispatchOption configures a Dispatch agent.
type DispatchOption func(*Dispatch)

// WithDispatchLogger attaches a logger for engage/release transitions.
func WithDispatchLogger(log logging.Logger) DispatchOption {
	return func(d *Dispatch) {
		if log != nil {
			d.log = log
		}
	}
}

// WithDispatchPriority sets the agent's run priority.
func WithDispatchPriority(p int) DispatchOption {
	return func(d *Dispatch) { d.priority = p }
}

// NewDispatch constructs the agent and subscribes it to obsTopic, watching
// obsKey. It engages when the value reaches engage and releases when it
// drops below release; release must not exceed engage (equal values mean no
// hysteresis). While engaged it publishes override as the control signal.
func NewDispatch(id string, b *bus.Bus, obsTopic, obsKey, commandTopic string, engage, release, override float64, opts ...DispatchOption) (*Dispatch, error) {
	if release > engage {
		return nil, fmt.Errorf("agent: %s: release threshold %v above engage threshold %v", id, release, engage)
	}
	d := &Dispatch{
		id:           id,
		bus:          b,
		commandTopic: commandTopic,
		engage:       engage,
		release:      release,
		override:     override,
		priority:     10,
		log:          logging.Noop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	err := b.Subscribe(obsTopic, func(p bus.Payload) {
		v, ok := p.Float(obsKey)
		if !ok {
			return
		}
		d.mu.Lock()
		d.latest = &v
		d.mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("agent: %s: subscribe %q: %w", id, obsTopic, err)
	}
	return d, nil
}

// ID implements core.Agent.
func (d *Dispatch) ID() string { return d.id }

// Priority implements core.Prioritized.
func (d *Dispatch) Priority() int { return d.priority }

// Engaged reports whether the override is currently active.
func (d *Dispatch) Engaged() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engaged
}

// Run implements core.Agent.
func (d *Dispatch) Run(now float64) error {
	d.mu.Lock()
	if d.latest == nil {
		d.mu.Unlock()
		return nil
	}
	v := *d.latest
	was := d.engaged
	if d.engaged {
		if v < d.release {
			d.engaged = false
		}
	} else if v >= d.engage {
		d.engaged = true
	}
	engaged := d.engaged
	d.mu.Unlock()

	if engaged != was {
		if engaged {
			d.log.Warn(context.Background(), "emergency override engaged",
				logging.String("agent_id", d.id),
				logging.Float64("observed", v),
				logging.Float64("time", now),
			)
		} else {
			d.log.Info(context.Background(), "emergency override released",
				logging.String("agent_id", d.id),
				logging.Float64("observed", v),
				logging.Float64("time", now),
			)
		}
	}

	if !engaged {
		return nil
	}
	return d.bus.Publish(d.commandTopic, bus.Payload{
		core.ActionControlSignal: d.override,
		PayloadTimestamp:         now,
	})
}
