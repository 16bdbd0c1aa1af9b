package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersUseBoundedTopicLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Reconnect("channel:user:42")
	m.Reconnect("channel:user:43")
	m.Degraded("channel:presence:lobby")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconnects.WithLabelValues("channel:user")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.degraded.WithLabelValues("channel:presence")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Reconnect("x")
		m.Degraded("x")
		m.PublishFailed("x")
		m.CallEnded("x")
		m.MessageSent()
	})
}
