package bus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hydronetics/watergrid-simulator/internal/logging"
)

// MetaDelayInfo is the payload key under which the delivery worker attaches a
// DelayInfo record to deferred messages. It is added to a shallow copy of the
// payload; the publisher's map is never mutated.
const MetaDelayInfo = "_network_delay_info"

// DelayInfo describes how a delivered message was deferred.
type DelayInfo struct {
	PublishedAt time.Time
	Delay       time.Duration
}

// Impairment is a per-topic network impairment rule used to simulate
// unreliable transport: messages are dropped with probability DropRate, and
// surviving messages are deferred by Delay plus a uniform jitter in
// [0, Jitter).
type Impairment struct {
	DropRate float64
	Delay    time.Duration
	Jitter   time.Duration
}

// SetImpairment installs an impairment rule for topic. The rule applies to
// the topic itself and, dot-hierarchically, to any topic it prefixes
// ("state" matches "state.reservoir"). Installing a rule for a topic that
// already has one replaces it.
func (b *Bus) SetImpairment(topic string, imp Impairment) error {
	if topic == "" {
		return errors.New("bus: empty topic")
	}
	if imp.DropRate < 0 || imp.DropRate > 1 {
		return fmt.Errorf("bus: drop rate %v outside [0,1]", imp.DropRate)
	}
	if imp.Delay < 0 || imp.Jitter < 0 {
		return fmt.Errorf("bus: negative delay for topic %q", topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.impairments[topic] = imp
	return nil
}

// ClearImpairment removes the impairment rule for topic, if any.
func (b *Bus) ClearImpairment(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.impairments, topic)
}

// Impairment returns the rule installed for exactly topic, without the
// dot-prefix matching Publish applies.
func (b *Bus) Impairment(topic string) (Impairment, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	imp, ok := b.impairments[topic]
	return imp, ok
}

// lookupImpairmentLocked finds the most specific rule matching topic.
// Caller must hold b.mu (read or write).
func (b *Bus) lookupImpairmentLocked(topic string) (Impairment, bool) {
	if imp, ok := b.impairments[topic]; ok {
		return imp, true
	}
	var best string
	var bestImp Impairment
	for ruleTopic, imp := range b.impairments {
		if strings.HasPrefix(topic, ruleTopic+".") && len(ruleTopic) > len(best) {
			best = ruleTopic
			bestImp = imp
		}
	}
	return bestImp, best != ""
}

type outcome int

const (
	outcomePass outcome = iota
	outcomeDrop
	outcomeDelay
)

type verdict struct {
	outcome outcome
	delay   time.Duration
}

var impairRand = struct {
	sync.Mutex
	*rand.Rand
}{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}

func (imp Impairment) judge() verdict {
	impairRand.Lock()
	roll := impairRand.Float64()
	jitter := impairRand.Float64()
	impairRand.Unlock()

	if imp.DropRate > 0 && roll < imp.DropRate {
		return verdict{outcome: outcomeDrop}
	}
	delay := imp.Delay + time.Duration(jitter*float64(imp.Jitter))
	if delay > 0 {
		return verdict{outcome: outcomeDelay, delay: delay}
	}
	return verdict{outcome: outcomePass}
}

// defaultPollInterval balances delivery latency accuracy against CPU usage
// of the background worker.
const defaultPollInterval = time.Millisecond

// pendingDelivery is a message waiting out its simulated network delay.
type pendingDelivery struct {
	topic   string
	payload Payload
	due     time.Time
}

// deliveryQueue holds deferred messages ordered by due time and owns the
// background worker that fires them once their due time has passed. The
// worker is started lazily on the first deferred message and stopped by
// Bus.Shutdown.
type deliveryQueue struct {
	bus *Bus

	mu      sync.Mutex
	pending []*pendingDelivery // ordered by due, earliest first
	poll    time.Duration
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func (q *deliveryQueue) init(b *Bus) {
	q.bus = b
	q.poll = defaultPollInterval
}

func (q *deliveryQueue) enqueue(topic string, payload Payload, delay time.Duration) {
	msg := copyPayload(payload)
	msg[MetaDelayInfo] = DelayInfo{PublishedAt: time.Now(), Delay: delay}

	d := &pendingDelivery{
		topic:   topic,
		payload: msg,
		due:     time.Now().Add(delay),
	}

	q.mu.Lock()
	q.insertLocked(d)
	q.bus.metrics.SetPendingDeliveries(len(q.pending))
	if !q.started {
		q.started = true
		q.done = make(chan struct{})
		q.wg.Add(1)
		go q.run(q.done)
	}
	q.mu.Unlock()
}

// insertLocked keeps pending ordered by due time. Caller must hold q.mu.
func (q *deliveryQueue) insertLocked(d *pendingDelivery) {
	idx := sort.Search(len(q.pending), func(i int) bool {
		return !q.pending[i].due.Before(d.due)
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = d
}

func (q *deliveryQueue) popDue(now time.Time) []*pendingDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < len(q.pending) && !q.pending[n].due.After(now) {
		n++
	}
	if n == 0 {
		return nil
	}
	due := q.pending[:n:n]
	q.pending = q.pending[n:]
	q.bus.metrics.SetPendingDeliveries(len(q.pending))
	return due
}

func (q *deliveryQueue) run(done <-chan struct{}) {
	defer q.wg.Done()
	for {
		select {
		case <-done:
			return
		case <-time.After(q.poll):
		}
		// Deliver outside the queue lock so handlers may publish or
		// subscribe without deadlocking. There is no publisher left to
		// return a fail-fast error to, so it is logged here instead.
		for _, d := range q.popDue(time.Now()) {
			if err := q.bus.deliver(d.topic, d.payload); err != nil {
				q.bus.log.Warn(context.Background(), "delayed delivery failed",
					logging.String("topic", d.topic),
					logging.String("error", err.Error()),
				)
			}
		}
	}
}

// stop halts the worker and discards any pending deliveries.
func (q *deliveryQueue) stop() {
	q.mu.Lock()
	if q.started {
		close(q.done)
		q.started = false
	}
	q.pending = nil
	q.bus.metrics.SetPendingDeliveries(0)
	q.mu.Unlock()
	q.wg.Wait()
}
