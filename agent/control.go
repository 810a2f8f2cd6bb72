package agent

import (
	"fmt"
	"sync"

	"github.com/hydronetics/watergrid-simulator/bus"
	"github.com/hydronetics/watergrid-simulator/core"
)

// LocalControl closes a control loop over the bus: it subscribes to an
// observation topic, feeds the latest observed value into a controller each
// tick, and publishes the resulting control signal on an action topic.
// Until the first observation arrives, Run is a no-op.
type LocalControl struct {
	id          string
	bus         *bus.Bus
	actionTopic string
	ctrl        core.Controller
	dt          float64

	mu     sync.Mutex
	latest *float64
}

// NewLocalControl constructs the agent and subscribes it to obsTopic,
// watching obsKey in arriving payloads. dt is the control interval used for
// the controller's integration and differentiation.
func NewLocalControl(id string, b *bus.Bus, obsTopic, obsKey, actionTopic string, ctrl core.Controller, dt float64) (*LocalControl, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("agent: %s: nil controller", id)
	}
	if dt <= 0 {
		return nil, fmt.Errorf("agent: %s: non-positive dt %v", id, dt)
	}
	a := &LocalControl{
		id:          id,
		bus:         b,
		actionTopic: actionTopic,
		ctrl:        ctrl,
		dt:          dt,
	}
	err := b.Subscribe(obsTopic, func(p bus.Payload) {
		v, ok := p.Float(obsKey)
		if !ok {
			return
		}
		a.mu.Lock()
		a.latest = &v
		a.mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("agent: %s: subscribe %q: %w", id, obsTopic, err)
	}
	return a, nil
}

// ID implements core.Agent.
func (a *LocalControl) ID() string { return a.id }

// Run implements core.Agent.
func (a *LocalControl) Run(now float64) error {
	a.mu.Lock()
	latest := a.latest
	a.mu.Unlock()
	if latest == nil {
		return nil
	}

	out, err := a.ctrl.ComputeControlAction(core.Observation{
		core.ObservationProcessVariable: *latest,
	}, a.dt)
	if err != nil {
		return fmt.Errorf("agent: %s: controller: %w", a.id, err)
	}

	return a.bus.Publish(a.actionTopic, bus.Payload{
		core.ActionControlSignal: out,
		PayloadTimestamp:         now,
	})
}
