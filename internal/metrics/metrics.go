// Package metrics exposes Prometheus counters for consumed deliveries and
// gateway outcomes. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	deliveries *prometheus.CounterVec
	gateway    *prometheus.CounterVec
	tokens     *prometheus.CounterVec
	reconnects prometheus.Counter
}

// New registers the service counters on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bunny",
			Name:      "deliveries_total",
			Help:      "Queue deliveries handled, by queue and routing result.",
		}, []string{"queue", "result"}),
		gateway: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bunny",
			Name:      "gateway_calls_total",
			Help:      "Push gateway calls, by platform and outcome.",
		}, []string{"platform", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bunny",
			Name:      "gateway_tokens_total",
			Help:      "Device tokens submitted to push gateways, by platform and fate.",
		}, []string{"platform", "fate"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bunny",
			Name:      "broker_reconnects_total",
			Help:      "Broker sessions lost and re-established.",
		}),
	}
	reg.MustRegister(m.deliveries, m.gateway, m.tokens, m.reconnects)
	return m
}

func (m *Metrics) Delivery(queue, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(queue, result).Inc()
}

func (m *Metrics) GatewayCall(platform, outcome string) {
	if m == nil {
		return
	}
	m.gateway.WithLabelValues(platform, outcome).Inc()
}

func (m *Metrics) Tokens(platform, fate string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.tokens.WithLabelValues(platform, fate).Add(float64(n))
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
