package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relaycore/relay-gateway/internal/types"
)

// Metrics holds all Prometheus metrics for the relay gateway.
type Metrics struct {
	RequestTotal       *prometheus.CounterVec
	RequestDurationMs  *prometheus.HistogramVec
	UpstreamLatencyMs  *prometheus.HistogramVec
	AttemptsPerRequest *prometheus.HistogramVec
	TokensTotal        *prometheus.CounterVec
	BridgeTotal        *prometheus.CounterVec
	CooldownTotal      *prometheus.CounterVec
	RateLimitHitTotal  *prometheus.CounterVec
	HealthScore        *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_request_total",
			Help: "Total number of requests processed by the gateway.",
		}, []string{"signature", "provider", "status"}),

		RequestDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_request_duration_ms",
			Help:    "Total request duration in milliseconds (including upstream latency).",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"signature", "provider"}),

		UpstreamLatencyMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_upstream_latency_ms",
			Help:    "Latency to first upstream response byte in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"provider", "endpoint"}),

		AttemptsPerRequest: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_attempts_per_request",
			Help:    "Candidates tried before a request settled.",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
		}, []string{"signature"}),

		TokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tokens_total",
			Help: "Total tokens processed.",
		}, []string{"provider", "direction"}),

		BridgeTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bridge_total",
			Help: "Requests whose transport shape was bridged between stream and sync.",
		}, []string{"signature", "direction"}),

		CooldownTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_cooldown_total",
			Help: "Base URL transitions into cooling_down.",
		}, []string{"provider_type"}),

		RateLimitHitTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_ratelimit_hit_total",
			Help: "Requests rejected by the per-key rate limiter.",
		}, []string{"org"}),

		HealthScore: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_key_health_score",
			Help: "EMA health score per upstream key, 0 to 1.",
		}, []string{"key"}),
	}
}

// ObserveOutcome records the metrics derived from one request outcome.
func (m *Metrics) ObserveOutcome(o types.Outcome) {
	sig := o.Signature.String()

	m.RequestTotal.WithLabelValues(sig, o.ProviderID, string(o.Status)).Inc()
	m.RequestDurationMs.WithLabelValues(sig, o.ProviderID).
		Observe(float64(o.TotalDuration.Milliseconds()))
	m.UpstreamLatencyMs.WithLabelValues(o.ProviderID, o.EndpointID).
		Observe(float64(o.UpstreamLatency.Milliseconds()))
	m.AttemptsPerRequest.WithLabelValues(sig).Observe(float64(o.Attempts))

	if o.Usage.InputTokens > 0 {
		m.TokensTotal.WithLabelValues(o.ProviderID, "input").Add(float64(o.Usage.InputTokens))
	}
	if o.Usage.OutputTokens > 0 {
		m.TokensTotal.WithLabelValues(o.ProviderID, "output").Add(float64(o.Usage.OutputTokens))
	}

	if o.Bridged {
		direction := "stream_to_sync"
		if o.Streamed {
			direction = "sync_to_stream"
		}
		m.BridgeTotal.WithLabelValues(sig, direction).Inc()
	}
}

// RecordCooldown counts one base URL entering cooling_down.
func (m *Metrics) RecordCooldown(providerType string) {
	m.CooldownTotal.WithLabelValues(providerType).Inc()
}

// SetHealthScore publishes the current health score for an upstream key.
func (m *Metrics) SetHealthScore(keyID string, score float64) {
	m.HealthScore.WithLabelValues(keyID).Set(score)
}

// RecordRateLimitHit counts one request rejected by the rate limiter.
func (m *Metrics) RecordRateLimitHit(org string) {
	m.RateLimitHitTotal.WithLabelValues(org).Inc()
}

// StatusLabel formats an HTTP status for use as a metric label.
func StatusLabel(code int) string { return strconv.Itoa(code) }
