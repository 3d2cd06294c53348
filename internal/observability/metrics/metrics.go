package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes counters/histograms for the conversation pipeline.
type Metrics struct {
	inboundTotal   *prometheus.CounterVec
	outboundTotal  *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
	nluLatency     *prometheus.HistogramVec
	nluFallbacks   prometheus.Counter
	backendTotal   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "webhook",
			Name:      "inbound_total",
			Help:      "Total inbound webhook deliveries",
		}, []string{"event_type", "status"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Total outbound sends",
		}, []string{"kind", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "concierge",
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "Latency of webhook request handling",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		nluLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "concierge",
			Subsystem: "nlu",
			Name:      "classify_latency_seconds",
			Help:      "Latency of NLU classification calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		nluFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "nlu",
			Name:      "fallback_total",
			Help:      "Turns degraded to pending-intent or guardrail replies",
		}),
		backendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "backend",
			Name:      "calls_total",
			Help:      "Backend operations by terminal outcome",
		}, []string{"op", "outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.outboundTotal, m.webhookLatency, m.nluLatency, m.nluFallbacks, m.backendTotal)
	return m
}

func (m *Metrics) ObserveInbound(eventType, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) ObserveWebhookLatency(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(eventType).Observe(seconds)
}

func (m *Metrics) ObserveOutbound(kind, status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ObserveNLULatency(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.nluLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) ObserveNLUFallback() {
	if m == nil {
		return
	}
	m.nluFallbacks.Inc()
}

func (m *Metrics) ObserveBackend(op, outcome string) {
	if m == nil {
		return
	}
	m.backendTotal.WithLabelValues(op, outcome).Inc()
}
