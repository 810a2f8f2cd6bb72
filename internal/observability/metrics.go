package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SimCollector bundles Prometheus metrics for the simulation harness and
// disturbance manager.
type SimCollector struct {
	gatherer prometheus.Gatherer

	TickDuration       prometheus.Histogram
	TicksTotal         prometheus.Counter
	Components         prometheus.Gauge
	ActiveDisturbances prometheus.Gauge
	AgentErrors        *prometheus.CounterVec
}

// NewSimCollector registers harness Prometheus metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	tickDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_tick_duration_seconds",
		Help:    "Wall-clock duration of one simulation tick (agents, disturbances, physical step, snapshot).",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
	tickDuration, err := registerHistogram(reg, tickDuration, "sim_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	ticksTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_ticks_total",
		Help: "Cumulative number of completed simulation ticks.",
	})
	ticksTotal, err = registerCounter(reg, ticksTotal, "sim_ticks_total")
	if err != nil {
		return nil, err
	}

	components, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_components_registered",
		Help: "Current number of physical components registered with the harness.",
	}), "sim_components_registered")
	if err != nil {
		return nil, err
	}

	activeDisturbances, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_disturbances_active",
		Help: "Number of disturbances currently inside their activation window.",
	}), "sim_disturbances_active")
	if err != nil {
		return nil, err
	}

	agentErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_agent_errors_total",
		Help: "Total number of recovered agent errors, labeled by agent id.",
	}, []string{"agent_id"})
	agentErrors, err = registerCounterVec(reg, agentErrors, "sim_agent_errors_total")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:           gatherer,
		TickDuration:       tickDuration,
		TicksTotal:         ticksTotal,
		Components:         components,
		ActiveDisturbances: activeDisturbances,
		AgentErrors:        agentErrors,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveTick records one completed tick and its duration.
func (c *SimCollector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	if c.TickDuration != nil {
		c.TickDuration.Observe(d.Seconds())
	}
	if c.TicksTotal != nil {
		c.TicksTotal.Inc()
	}
}

// SetComponentCount updates the registered-components gauge.
func (c *SimCollector) SetComponentCount(n int) {
	if c == nil || c.Components == nil {
		return
	}
	c.Components.Set(float64(n))
}

// SetActiveDisturbances updates the active-disturbance gauge.
func (c *SimCollector) SetActiveDisturbances(n int) {
	if c == nil || c.ActiveDisturbances == nil {
		return
	}
	c.ActiveDisturbances.Set(float64(n))
}

// IncAgentError counts one recovered agent error.
func (c *SimCollector) IncAgentError(agentID string) {
	if c == nil || c.AgentErrors == nil {
		return
	}
	c.AgentErrors.WithLabelValues(agentID).Inc()
}

// BusCollector exposes message-bus Prometheus metrics, including the
// impairment-mode delivery counters.
type BusCollector struct {
	gatherer prometheus.Gatherer

	Published         prometheus.Counter
	Delivered         prometheus.Counter
	Dropped           prometheus.Counter
	Delayed           prometheus.Counter
	PendingDeliveries prometheus.Gauge
}

// NewBusCollector registers bus metrics against the provided registerer.
func NewBusCollector(reg prometheus.Registerer) (*BusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	published := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_messages_published_total",
		Help: "Total number of messages published on the bus.",
	})
	published, err := registerCounter(reg, published, "bus_messages_published_total")
	if err != nil {
		return nil, err
	}

	delivered := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_messages_delivered_total",
		Help: "Total number of handler invocations performed by the bus.",
	})
	delivered, err = registerCounter(reg, delivered, "bus_messages_delivered_total")
	if err != nil {
		return nil, err
	}

	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_messages_dropped_total",
		Help: "Total number of messages dropped by impairment rules.",
	})
	dropped, err = registerCounter(reg, dropped, "bus_messages_dropped_total")
	if err != nil {
		return nil, err
	}

	delayed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_messages_delayed_total",
		Help: "Total number of messages deferred by impairment rules.",
	})
	delayed, err = registerCounter(reg, delayed, "bus_messages_delayed_total")
	if err != nil {
		return nil, err
	}

	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bus_pending_deliveries",
		Help: "Number of delayed messages waiting in the delivery queue.",
	}), "bus_pending_deliveries")
	if err != nil {
		return nil, err
	}

	return &BusCollector{
		gatherer:          gatherer,
		Published:         published,
		Delivered:         delivered,
		Dropped:           dropped,
		Delayed:           delayed,
		PendingDeliveries: pending,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *BusCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// IncPublished counts one publish call.
func (c *BusCollector) IncPublished() {
	if c == nil || c.Published == nil {
		return
	}
	c.Published.Inc()
}

// IncDelivered counts one handler invocation.
func (c *BusCollector) IncDelivered() {
	if c == nil || c.Delivered == nil {
		return
	}
	c.Delivered.Inc()
}

// IncDropped counts one message dropped by an impairment rule.
func (c *BusCollector) IncDropped() {
	if c == nil || c.Dropped == nil {
		return
	}
	c.Dropped.Inc()
}

// IncDelayed counts one message deferred by an impairment rule.
func (c *BusCollector) IncDelayed() {
	if c == nil || c.Delayed == nil {
		return
	}
	c.Delayed.Inc()
}

// SetPendingDeliveries updates the delayed-queue depth gauge.
func (c *BusCollector) SetPendingDeliveries(n int) {
	if c == nil || c.PendingDeliveries == nil {
		return
	}
	c.PendingDeliveries.Set(float64(n))
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
