// Package agent provides the concrete agent runtime: perception twins,
// local control loops, supervisory dispatch, and scripted inflow sources.
// Agents interact with the rest of the system through the message bus and
// the object references handed to them at construction.
package agent

import (
	"math/rand"
	"sync"

	"github.com/hydronetics/watergrid-simulator/bus"
	"github.com/hydronetics/watergrid-simulator/core"
)

// PayloadTimestamp is the payload key under which publishing agents record
// the simulation time of the observation.
const PayloadTimestamp = "timestamp"

// DigitalTwin mirrors a physical component onto the bus: each tick it reads
// the component state and publishes it on the configured topic. Observation
// noise can be injected per state key, modelling a degraded sensor.
type DigitalTwin struct {
	id    string
	comp  core.Component
	bus   *bus.Bus
	topic string

	mu    sync.Mutex
	noise map[string]float64 // state key -> gaussian stddev
	rng   *rand.Rand
}

// TwinOption configures a DigitalTwin.
type TwinOption func(*DigitalTwin)

// WithTwinSeed fixes the noise generator's seed for reproducible runs.
func WithTwinSeed(seed int64) TwinOption {
	return func(t *DigitalTwin) { t.rng = rand.New(rand.NewSource(seed)) }
}

// NewDigitalTwin constructs a twin publishing comp's state on topic.
func NewDigitalTwin(id string, comp core.Component, b *bus.Bus, topic string, opts ...TwinOption) *DigitalTwin {
	t := &DigitalTwin{
		id:    id,
		comp:  comp,
		bus:   b,
		topic: topic,
		noise: make(map[string]float64),
		rng:   rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID implements core.Agent.
func (t *DigitalTwin) ID() string { return t.id }

// Topic returns the topic the twin publishes on.
func (t *DigitalTwin) Topic() string { return t.topic }

// SetObservationNoise adds zero-mean gaussian noise with the given standard
// deviation to the named state key in every subsequent publication.
func (t *DigitalTwin) SetObservationNoise(key string, stddev float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if stddev <= 0 {
		delete(t.noise, key)
		return
	}
	t.noise[key] = stddev
}

// ObservationNoise reports the standard deviation currently injected for
// key, 0 when none.
func (t *DigitalTwin) ObservationNoise(key string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.noise[key]
}

// ClearObservationNoise removes all injected noise.
func (t *DigitalTwin) ClearObservationNoise() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.noise = make(map[string]float64)
}

// Run implements core.Agent: read, perturb, publish.
func (t *DigitalTwin) Run(now float64) error {
	state := t.comp.GetState()

	t.mu.Lock()
	for key, stddev := range t.noise {
		if v, ok := state[key]; ok {
			state[key] = v + t.rng.NormFloat64()*stddev
		}
	}
	t.mu.Unlock()

	payload := make(bus.Payload, len(state)+1)
	for k, v := range state {
		payload[k] = v
	}
	payload[PayloadTimestamp] = now
	return t.bus.Publish(t.topic, payload)
}
