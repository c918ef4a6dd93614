// Package metrics registers the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	AdmissionAllowed  *prometheus.CounterVec
	AdmissionDenied   *prometheus.CounterVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	CacheStores       prometheus.Counter
	ActiveConnections prometheus.Gauge
	ModerationBlocked prometheus.Counter
	FilterBlocked     prometheus.Counter
	StreamErrors      *prometheus.CounterVec
	CompletionTokens  *prometheus.CounterVec
}

// New creates and registers the gateway collectors on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a private
// registry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AdmissionAllowed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_admission_allowed_total",
			Help: "Total number of admitted requests",
		}, []string{"provider"}),
		AdmissionDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_admission_denied_total",
			Help: "Total number of rate-limited requests",
		}, []string{"provider"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Total number of response cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Total number of response cache misses",
		}),
		CacheStores: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_stores_total",
			Help: "Total number of responses stored in the cache",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Current number of active streaming connections",
		}),
		ModerationBlocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_moderation_blocked_total",
			Help: "Total number of requests blocked by moderation",
		}),
		FilterBlocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_filter_blocked_total",
			Help: "Total number of requests blocked by filter rules",
		}),
		StreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_stream_errors_total",
			Help: "Total number of upstream streaming failures",
		}, []string{"provider"}),
		CompletionTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_completion_tokens_total",
			Help: "Total completion tokens delivered, by provider",
		}, []string{"provider"}),
	}
}
