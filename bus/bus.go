package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hydronetics/watergrid-simulator/internal/logging"
	"github.com/hydronetics/watergrid-simulator/internal/observability"
)

// ErrClosed is returned by Subscribe and Publish after Shutdown.
var ErrClosed = errors.New("bus: closed")

// Payload is the opaque key/value body of a message. The bus never inspects
// payload contents except to attach delivery metadata when impairment
// simulation is active.
type Payload map[string]any

// Float reads a numeric payload value, tolerating int-typed entries.
func (p Payload) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
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

// Handler receives published payloads. Handlers registered on a topic are
// invoked synchronously, in subscription order, on the publisher's goroutine
// (or on the delivery worker's goroutine for delayed messages).
type Handler func(payload Payload)

// Bus is a topic-based publish/subscribe registry. Delivery is best-effort:
// no backpressure, no ordering guarantee across topics. A handler that panics
// does not prevent delivery to the remaining handlers unless the bus was
// constructed with WithFailFast.
type Bus struct {
	mu          sync.RWMutex
	subs        map[string][]Handler
	impairments map[string]Impairment
	closed      bool

	failFast bool

	log     logging.Logger
	metrics *observability.BusCollector

	delivery deliveryQueue
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger attaches a structured logger to the bus.
func WithLogger(log logging.Logger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

// WithMetrics attaches a Prometheus collector to the bus.
func WithMetrics(m *observability.BusCollector) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithFailFast makes a handler panic abort the current delivery and surface
// as an error from Publish, instead of the default log-and-continue.
func WithFailFast() Option {
	return func(b *Bus) { b.failFast = true }
}

// WithPollInterval tunes how often the delivery worker checks for due
// messages. Shorter intervals improve delay accuracy at the cost of CPU.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.delivery.poll = d
		}
	}
}

// New constructs an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:        make(map[string][]Handler),
		impairments: make(map[string]Impairment),
		log:         logging.Noop(),
	}
	b.delivery.init(b)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler to be invoked for every publish on topic.
// Multiple handlers per topic are allowed. Subscribing the same handler twice
// registers it twice: it will be invoked once per registration.
func (b *Bus) Subscribe(topic string, h Handler) error {
	if topic == "" {
		return errors.New("bus: empty topic")
	}
	if h == nil {
		return errors.New("bus: nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.subs[topic] = append(b.subs[topic], h)
	return nil
}

// Publish delivers payload to every handler currently subscribed on topic.
// When an impairment rule matches the topic, the message may instead be
// dropped or deferred onto the background delivery worker.
func (b *Bus) Publish(topic string, payload Payload) error {
	if topic == "" {
		return errors.New("bus: empty topic")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	imp, impaired := b.lookupImpairmentLocked(topic)
	b.mu.RUnlock()

	b.metrics.IncPublished()

	if impaired {
		verdict := imp.judge()
		switch verdict.outcome {
		case outcomeDrop:
			b.metrics.IncDropped()
			b.log.Debug(context.Background(), "message dropped by impairment rule",
				logging.String("topic", topic),
			)
			return nil
		case outcomeDelay:
			b.metrics.IncDelayed()
			b.delivery.enqueue(topic, payload, verdict.delay)
			return nil
		}
	}

	return b.deliver(topic, payload)
}

// deliver fans the payload out to a snapshot of the topic's handlers. The
// snapshot makes it safe for handlers to subscribe during delivery, and for
// the delivery worker to run concurrently with main-loop subscriptions.
func (b *Bus) deliver(topic string, payload Payload) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.subs[topic]))
	copy(handlers, b.subs[topic])
	b.mu.RUnlock()

	for i, h := range handlers {
		if err := b.invoke(h, payload); err != nil {
			if b.failFast {
				return fmt.Errorf("bus: handler %d on topic %q: %w", i, topic, err)
			}
			b.log.Warn(context.Background(), "bus handler failed",
				logging.String("topic", topic),
				logging.Int("handler_index", i),
				logging.String("error", err.Error()),
			)
		}
		b.metrics.IncDelivered()
	}
	return nil
}

func (b *Bus) invoke(h Handler, payload Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	h(payload)
	return nil
}

// Shutdown stops the delivery worker, discards pending delayed deliveries,
// and marks the bus closed. Subscribing or publishing afterwards returns
// ErrClosed. Shutdown is idempotent.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.delivery.stop()
}

// SubscriberCount reports how many handlers are registered on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func copyPayload(p Payload) Payload {
	out := make(Payload, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}
