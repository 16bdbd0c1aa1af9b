package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters of the realtime layer. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	reconnects      *prometheus.CounterVec
	degraded        *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	callOutcomes    *prometheus.CounterVec
	messagesSent    prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amora",
			Subsystem: "realtime",
			Name:      "reconnect_attempts_total",
			Help:      "Subscription reconnect attempts by topic prefix.",
		}, []string{"topic"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amora",
			Subsystem: "realtime",
			Name:      "degraded_total",
			Help:      "Subscriptions that exhausted reconnects and degraded to polling.",
		}, []string{"topic"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amora",
			Subsystem: "realtime",
			Name:      "publish_failures_total",
			Help:      "Publishes dropped after all retries.",
		}, []string{"event"}),
		callOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amora",
			Subsystem: "call",
			Name:      "outcomes_total",
			Help:      "Finished call attempts by end reason.",
		}, []string{"reason"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amora",
			Subsystem: "chat",
			Name:      "messages_sent_total",
			Help:      "Messages persisted by Send.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.reconnects, m.degraded, m.publishFailures, m.callOutcomes, m.messagesSent)
	}
	return m
}

// Handler returns an http.Handler for Prometheus scraping
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Reconnect(topic string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(topicLabel(topic)).Inc()
}

func (m *Metrics) Degraded(topic string) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(topicLabel(topic)).Inc()
}

func (m *Metrics) PublishFailed(event string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(event).Inc()
}

func (m *Metrics) CallEnded(reason string) {
	if m == nil {
		return
	}
	m.callOutcomes.WithLabelValues(reason).Inc()
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

// topicLabel keeps label cardinality bounded: "channel:user:42" -> "channel:user".
func topicLabel(topic string) string {
	colons := 0
	for i := 0; i < len(topic); i++ {
		if topic[i] == ':' {
			colons++
			if colons == 2 {
				return topic[:i]
			}
		}
	}
	return topic
}
