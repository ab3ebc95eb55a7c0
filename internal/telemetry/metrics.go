package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the dashboard client and the
// dev backend. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reconnects      prometheus.Counter
	reconnectDelay  prometheus.Histogram
	framesDropped   *prometheus.CounterVec
	eventsReceived  *prometheus.CounterVec
	refreshFailures *prometheus.CounterVec
	connected       prometheus.Gauge
	pollTicks       *prometheus.CounterVec
}

// MustNewMetrics registers the collectors on reg, reusing collectors that are
// already registered under the same name. Other registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentdash",
			Subsystem: "live_updates",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled by the live update channel.",
		}),
		reconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentdash",
			Subsystem: "live_updates",
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay chosen before each reconnect attempt.",
			Buckets:   []float64{1, 2, 4, 8, 16, 30},
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdash",
			Subsystem: "live_updates",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded without reaching a handler.",
		}, []string{"reason"}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdash",
			Subsystem: "live_updates",
			Name:      "events_received_total",
			Help:      "Live update events delivered to handlers.",
		}, []string{"type"}),
		refreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdash",
			Subsystem: "directory",
			Name:      "refresh_failures_total",
			Help:      "Agent directory fetches that failed after retries.",
		}, []string{"resource"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentdash",
			Subsystem: "live_updates",
			Name:      "connected",
			Help:      "1 while the live update channel is connected.",
		}),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdash",
			Subsystem: "requirements",
			Name:      "poll_ticks_total",
			Help:      "Processing state polls by outcome.",
		}, []string{"outcome"}),
	}

	m.reconnects = register(reg, m.reconnects)
	m.reconnectDelay = register(reg, m.reconnectDelay)
	m.framesDropped = register(reg, m.framesDropped)
	m.eventsReceived = register(reg, m.eventsReceived)
	m.refreshFailures = register(reg, m.refreshFailures)
	m.connected = register(reg, m.connected)
	m.pollTicks = register(reg, m.pollTicks)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

func (m *Metrics) ObserveReconnect(delaySeconds float64) {
	if m == nil {
		return
	}
	m.reconnects.Inc()
	m.reconnectDelay.Observe(delaySeconds)
}

func (m *Metrics) IncFrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncEventReceived(eventType string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncRefreshFailure(resource string) {
	if m == nil {
		return
	}
	m.refreshFailures.WithLabelValues(resource).Inc()
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) IncPollTick(outcome string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(outcome).Inc()
}
