// Package metrics exposes Prometheus counters/gauges for the gateway's
// pipeline and adapter activity, plus a gopsutil-backed system snapshot,
// grounded on the teacher's metrics registry and system tracker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors the gateway exports.
type Registry struct {
	MessagesIngested   *prometheus.CounterVec
	MessagesDelivered  *prometheus.CounterVec
	DeliveryFailures   *prometheus.CounterVec
	RateLimitHits      *prometheus.CounterVec
	SuspiciousInputs   *prometheus.CounterVec
	AllowlistDrops     *prometheus.CounterVec
	AIDispatchTier     *prometheus.CounterVec
	AIDispatchFailures *prometheus.CounterVec
	HeartbeatCycles    prometheus.Counter
	HeartbeatDelivered prometheus.Counter
	ActiveAdapters     prometheus.Gauge
}

// NewRegistry creates and registers the gateway's Prometheus collectors.
func NewRegistry() *Registry {
	return &Registry{
		MessagesIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_messages_ingested_total",
			Help: "Total number of canonical messages handed to the pipeline, by channel",
		}, []string{"channel"}),
		MessagesDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_messages_delivered_total",
			Help: "Total number of replies successfully delivered, by channel",
		}, []string{"channel"}),
		DeliveryFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_delivery_failures_total",
			Help: "Total number of adapter delivery failures, by channel",
		}, []string{"channel"}),
		RateLimitHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total number of rate-limit denials, by channel",
		}, []string{"channel"}),
		SuspiciousInputs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_suspicious_inputs_total",
			Help: "Total number of validated-unsafe inputs, by channel and threat kind",
		}, []string{"channel", "threat"}),
		AllowlistDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_allowlist_drops_total",
			Help: "Total number of messages silently dropped by the allowlist gate, by channel",
		}, []string{"channel"}),
		AIDispatchTier: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ai_dispatch_tier_total",
			Help: "Total number of AI dispatch calls resolved per tier",
		}, []string{"tier"}),
		AIDispatchFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ai_dispatch_failures_total",
			Help: "Total number of AI dispatch calls that fell through to the generic apology",
		}, []string{"channel"}),
		HeartbeatCycles: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_heartbeat_cycles_total",
			Help: "Total number of heartbeat cycles that actually ran (excludes refused overlaps)",
		}),
		HeartbeatDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_heartbeat_delivered_total",
			Help: "Total number of proactive messages delivered by the heartbeat engine",
		}),
		ActiveAdapters: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_adapters",
			Help: "Number of channel adapters currently initialized and active",
		}),
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
