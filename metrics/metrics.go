// Package metrics exposes Prometheus counters for the SMTP front end.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpfront_connection_total",
			Help: "Incoming SMTP connections, by result: accepted, ratelimited.",
		},
		[]string{"result"},
	)
	metricActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtpfront_active_sessions",
			Help: "SMTP sessions currently open.",
		},
	)
	metricCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpfront_command_total",
			Help: "SMTP commands handled, by command and reply code.",
		},
		[]string{
			"cmd",
			"code",
		},
	)
	metricProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpfront_protocol_errors_total",
			Help: "Rejected lines, known values: syntax, unknown, lineending, nonascii, toolong, sequence, other.",
		},
		[]string{"error"},
	)
	metricTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpfront_transaction_total",
			Help: "Completed DATA transactions, known values: accepted, rejected, ratelimited, storeerror.",
		},
		[]string{"result"},
	)
	metricSessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smtpfront_session_duration_seconds",
			Help:    "Duration of SMTP sessions in seconds.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
	)
)

// ConnectionOpened counts a connection and marks a session active.
func ConnectionOpened() {
	metricConnection.WithLabelValues("accepted").Inc()
	metricActiveSessions.Inc()
}

// ConnectionRateLimited counts a connection turned away before the greeting.
func ConnectionRateLimited() {
	metricConnection.WithLabelValues("ratelimited").Inc()
}

// ConnectionClosed records the end of a session opened with ConnectionOpened.
func ConnectionClosed(duration time.Duration) {
	metricActiveSessions.Dec()
	metricSessionDuration.Observe(duration.Seconds())
}

// Command counts one handled command line.
func Command(cmd string, code int) {
	metricCommands.WithLabelValues(cmd, strconv.Itoa(code)).Inc()
}

// ProtocolError counts one rejected line.
func ProtocolError(class string) {
	metricProtocolErrors.WithLabelValues(class).Inc()
}

// Transaction counts a finished DATA phase.
func Transaction(result string) {
	metricTransactions.WithLabelValues(result).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
