package instrument

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes dispatcher activity to Prometheus. One Metrics instance is
// shared by every Manager in the process; series are labelled by instrument.
type Metrics struct {
	commandsProcessed *prometheus.CounterVec
	commandsFailed    *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	connected         *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors on reg. Pass
// prometheus.DefaultRegisterer for the usual global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commandsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "instrument_commands_processed_total",
			Help: "Commands executed, including failed ones",
		}, []string{"instrument", "command"}),
		commandsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "instrument_commands_failed_total",
			Help: "Commands that returned an error",
		}, []string{"instrument", "command"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "instrument_reconnects_total",
			Help: "Successful (re)connections",
		}, []string{"instrument"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "instrument_queue_depth",
			Help: "Commands waiting per priority lane",
		}, []string{"instrument", "priority"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "instrument_connected",
			Help: "1 while the instrument link is up",
		}, []string{"instrument"}),
	}
	reg.MustRegister(m.commandsProcessed, m.commandsFailed, m.reconnects, m.queueDepth, m.connected)
	return m
}

func (m *Metrics) commandDone(instrument string, t CommandType, ok bool) {
	m.commandsProcessed.WithLabelValues(instrument, t.String()).Inc()
	if !ok {
		m.commandsFailed.WithLabelValues(instrument, t.String()).Inc()
	}
}

func (m *Metrics) reconnected(instrument string) {
	m.reconnects.WithLabelValues(instrument).Inc()
}

func (m *Metrics) setDepths(instrument string, depths [numPriorities]int) {
	for p, d := range depths {
		m.queueDepth.WithLabelValues(instrument, Priority(p).String()).Set(float64(d))
	}
}

func (m *Metrics) setConnected(instrument string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.connected.WithLabelValues(instrument).Set(v)
}
