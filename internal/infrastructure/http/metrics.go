package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rezkam/fleetq/internal/application/events"
)

// Metrics exposes the orchestrator's operational counters. Event counts are
// fed by a bus subscription, so the collector is just another observer and
// never touches the queue engine's write path.
type Metrics struct {
	Registry *prometheus.Registry

	eventsTotal *prometheus.CounterVec
	sub         *events.Subscription
}

// NewMetrics builds the registry and starts consuming bus events.
func NewMetrics(bus *events.Bus) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: registry,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetq_events_total",
			Help: "Status-change events by kind.",
		}, []string{"kind"}),
	}
	registry.MustRegister(m.eventsTotal)

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fleetq_bus_dropped_lossy_total",
		Help: "Lossy heartbeat events dropped for slow subscribers.",
	}, func() float64 { return float64(bus.DroppedLossy()) }))
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fleetq_bus_disconnected_subscribers_total",
		Help: "Durable-stream subscribers disconnected for falling behind.",
	}, func() float64 { return float64(bus.Disconnected()) }))
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fleetq_bus_published_total",
		Help: "Events published to the bus.",
	}, func() float64 { return float64(bus.Published()) }))

	// A generous buffer: metrics lag is preferable to drops, and drops are
	// preferable to back-pressure.
	m.sub = bus.Subscribe(events.SubscribeOptions{Buffer: 4096})
	go m.consume()
	return m
}

func (m *Metrics) consume() {
	for ev := range m.sub.C {
		m.eventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	}
}

// Close stops the bus subscription.
func (m *Metrics) Close() {
	m.sub.Close()
}
