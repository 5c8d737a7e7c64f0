package smtpsrv

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Prometheus collectors a Server updates as connections
// come and go. A nil *metrics (the zero value returned when no Registerer
// is configured) makes every method a no-op, so callers that don't want
// metrics don't pay for them.
type metrics struct {
	connections  prometheus.Counter
	active       prometheus.Gauge
	commands     *prometheus.CounterVec
	replies      *prometheus.CounterVec
	tlsSessions  *prometheus.CounterVec
	authAttempts *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}

	m := &metrics{
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smtpd",
			Name:      "connections_total",
			Help:      "Total number of accepted connections.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "smtpd",
			Name:      "active_connections",
			Help:      "Number of connections currently being served.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smtpd",
			Name:      "commands_total",
			Help:      "Total number of commands dispatched, by verb.",
		}, []string{"verb"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smtpd",
			Name:      "replies_total",
			Help:      "Total number of replies sent, by status class.",
		}, []string{"class"}),
		tlsSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smtpd",
			Name:      "tls_sessions_total",
			Help:      "Total number of sessions, by TLS state.",
		}, []string{"tls"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smtpd",
			Name:      "auth_attempts_total",
			Help:      "Total number of AUTH attempts, by outcome.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.connections, m.active, m.commands, m.replies,
		m.tlsSessions, m.authAttempts)
	return m
}

func (m *metrics) connectionAccepted() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.active.Inc()
}

func (m *metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.active.Dec()
}

func (m *metrics) command(verb string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(verb).Inc()
}

func (m *metrics) reply(code int) {
	if m == nil {
		return
	}
	class := "2xx"
	switch {
	case code >= 500:
		class = "5xx"
	case code >= 400:
		class = "4xx"
	case code >= 300:
		class = "3xx"
	}
	m.replies.WithLabelValues(class).Inc()
}

func (m *metrics) tls(active bool) {
	if m == nil {
		return
	}
	state := "plain"
	if active {
		state = "tls"
	}
	m.tlsSessions.WithLabelValues(state).Inc()
}

func (m *metrics) auth(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.authAttempts.WithLabelValues(result).Inc()
}
