package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	tlsConnectionTotal prometheus.Counter
	smtpsConnections   prometheus.Gauge

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec

	// Command metrics
	commandsTotal *prometheus.CounterVec

	// Message transaction metrics
	messagesAcceptedTotal *prometheus.CounterVec
	messagesRejectedTotal *prometheus.CounterVec
	messageSizeBytes      prometheus.Histogram

	// statistics counters
	kickTotal     prometheus.Counter
	tempfailTotal prometheus.Counter
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtp_connections_total",
			Help: "Total number of SMTP connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smtp_connections_active",
			Help: "Number of currently active SMTP connections.",
		}),
		tlsConnectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtp_tls_total",
			Help: "Total number of TLS connections established via STARTTLS.",
		}),
		smtpsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smtp_smtps_total",
			Help: "Number of active implicit-TLS (SMTPS) connections.",
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtp_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"domain", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtp_commands_total",
			Help: "Total number of SMTP commands processed.",
		}, []string{"command"}),

		messagesAcceptedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtp_messages_accepted_total",
			Help: "Total number of messages accepted for delivery.",
		}, []string{"routing_tag"}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtp_messages_rejected_total",
			Help: "Total number of messages rejected.",
		}, []string{"routing_tag", "reason"}),
		messageSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smtp_message_size_bytes",
			Help:    "Size of accepted messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),

		kickTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtp_kick_total",
			Help: "Total number of sessions disposed for lack of forward progress.",
		}),
		tempfailTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtp_tempfail_total",
			Help: "Total number of transient infrastructure failures.",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionTotal,
		c.smtpsConnections,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.messagesAcceptedTotal,
		c.messagesRejectedTotal,
		c.messageSizeBytes,
		c.kickTotal,
		c.tempfailTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// TLSConnectionEstablished increments the TLS connection counter.
func (c *PrometheusCollector) TLSConnectionEstablished() {
	c.tlsConnectionTotal.Inc()
}

// SMTPSConnectionOpened increments the active SMTPS gauge.
func (c *PrometheusCollector) SMTPSConnectionOpened() {
	c.smtpsConnections.Inc()
}

// SMTPSConnectionClosed decrements the active SMTPS gauge.
func (c *PrometheusCollector) SMTPSConnectionClosed() {
	c.smtpsConnections.Dec()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(authDomain string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(authDomain, result).Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

// MessageAccepted increments the accepted-message counter and observes its size.
func (c *PrometheusCollector) MessageAccepted(routingTag string, sizeBytes int64) {
	c.messagesAcceptedTotal.WithLabelValues(routingTag).Inc()
	c.messageSizeBytes.Observe(float64(sizeBytes))
}

// MessageRejected increments the rejected-message counter.
func (c *PrometheusCollector) MessageRejected(routingTag string, reason string) {
	c.messagesRejectedTotal.WithLabelValues(routingTag, reason).Inc()
}

// Kick increments the kick counter (smtp.kick).
func (c *PrometheusCollector) Kick() {
	c.kickTotal.Inc()
}

// Tempfail increments the tempfail counter (smtp.tempfail).
func (c *PrometheusCollector) Tempfail() {
	c.tempfailTotal.Inc()
}
