package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCommandCounter(t *testing.T) {
	before := testutil.ToFloat64(metricCommands.WithLabelValues("MAIL", "250"))

	Command("MAIL", 250)
	Command("MAIL", 250)

	assert.Equal(t, before+2, testutil.ToFloat64(metricCommands.WithLabelValues("MAIL", "250")))
}

func TestConnectionLifecycle(t *testing.T) {
	active := testutil.ToFloat64(metricActiveSessions)
	accepted := testutil.ToFloat64(metricConnection.WithLabelValues("accepted"))

	ConnectionOpened()
	assert.Equal(t, active+1, testutil.ToFloat64(metricActiveSessions))

	ConnectionClosed(time.Second)
	assert.Equal(t, active, testutil.ToFloat64(metricActiveSessions))
	assert.Equal(t, accepted+1, testutil.ToFloat64(metricConnection.WithLabelValues("accepted")))
}

func TestProtocolErrorAndTransaction(t *testing.T) {
	syntax := testutil.ToFloat64(metricProtocolErrors.WithLabelValues("syntax"))
	stored := testutil.ToFloat64(metricTransactions.WithLabelValues("accepted"))

	ProtocolError("syntax")
	Transaction("accepted")

	assert.Equal(t, syntax+1, testutil.ToFloat64(metricProtocolErrors.WithLabelValues("syntax")))
	assert.Equal(t, stored+1, testutil.ToFloat64(metricTransactions.WithLabelValues("accepted")))
}

func TestHandlerServesMetrics(t *testing.T) {
	ConnectionRateLimited()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `smtpfront_connection_total{result="ratelimited"}`))
}
