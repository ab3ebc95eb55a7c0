package telemetry

import "github.com/prometheus/client_golang/prometheus"

// ServerMetrics covers the dev backend. A nil *ServerMetrics records nothing.
type ServerMetrics struct {
	requests        *prometheus.CounterVec
	liveClients     prometheus.Gauge
	eventsBroadcast prometheus.Counter
	simulationTicks prometheus.Counter
}

func MustNewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &ServerMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdash",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"route", "code"}),
		liveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentdash",
			Subsystem: "server",
			Name:      "live_clients",
			Help:      "Open websocket connections.",
		}),
		eventsBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentdash",
			Subsystem: "server",
			Name:      "events_broadcast_total",
			Help:      "Live update events handed to the websocket fan-out.",
		}),
		simulationTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentdash",
			Subsystem: "server",
			Name:      "simulation_ticks_total",
			Help:      "Simulation worker iterations.",
		}),
	}
	m.requests = register(reg, m.requests)
	m.liveClients = register(reg, m.liveClients)
	m.eventsBroadcast = register(reg, m.eventsBroadcast)
	m.simulationTicks = register(reg, m.simulationTicks)
	return m
}

func (m *ServerMetrics) IncRequest(route string, code string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, code).Inc()
}

func (m *ServerMetrics) AddLiveClient(delta float64) {
	if m == nil {
		return
	}
	m.liveClients.Add(delta)
}

func (m *ServerMetrics) IncEventBroadcast() {
	if m == nil {
		return
	}
	m.eventsBroadcast.Inc()
}

func (m *ServerMetrics) IncSimulationTick() {
	if m == nil {
		return
	}
	m.simulationTicks.Inc()
}
