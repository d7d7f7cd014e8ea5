package device

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the link counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	chunks      prometheus.Counter
	bytes       prometheus.Counter
	lines       *prometheus.CounterVec
	events      *prometheus.CounterVec
	overflows   prometheus.Counter
	commands    *prometheus.CounterVec
	connected   prometheus.Gauge
	disconnects *prometheus.CounterVec
}

// NewMetrics creates and registers link metrics. A nil registerer disables
// metrics and returns nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afterburner",
			Subsystem: "link",
			Name:      "chunks_total",
			Help:      "Byte chunks read from the controller port",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afterburner",
			Subsystem: "link",
			Name:      "bytes_total",
			Help:      "Bytes read from the controller port",
		}),
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afterburner",
			Subsystem: "link",
			Name:      "lines_total",
			Help:      "Framed lines by classification",
		}, []string{"kind"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afterburner",
			Subsystem: "link",
			Name:      "events_total",
			Help:      "Dispatched events by type",
		}, []string{"event"}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afterburner",
			Subsystem: "link",
			Name:      "framing_overflows_total",
			Help:      "Oversized lines discarded by the framer",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afterburner",
			Subsystem: "link",
			Name:      "commands_total",
			Help:      "Commands sent to the controller by type and result",
		}, []string{"type", "result"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "afterburner",
			Subsystem: "link",
			Name:      "connected",
			Help:      "1 while a controller port is open",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afterburner",
			Subsystem: "link",
			Name:      "disconnects_total",
			Help:      "Disconnects by reason (requested, lost)",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.chunks, m.bytes, m.lines, m.events, m.overflows, m.commands, m.connected, m.disconnects)
	return m
}

func (m *Metrics) chunk(n int) {
	if m == nil {
		return
	}
	m.chunks.Inc()
	m.bytes.Add(float64(n))
}

func (m *Metrics) line(kind string) {
	if m == nil {
		return
	}
	m.lines.WithLabelValues(kind).Inc()
}

func (m *Metrics) event(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}

func (m *Metrics) overflow() {
	if m == nil {
		return
	}
	m.overflows.Inc()
}

func (m *Metrics) command(typ, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(typ, result).Inc()
}

func (m *Metrics) setConnected(on bool) {
	if m == nil {
		return
	}
	if on {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) disconnect(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
}
