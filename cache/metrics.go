package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts how the interceptor answered requests. All vectors are
// labelled by policy.
type Metrics struct {
	Hits      *prometheus.CounterVec
	Misses    *prometheus.CounterVec
	Fallbacks *prometheus.CounterVec
	Timeouts  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Hits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_sync",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Requests answered from a cache.",
		}, []string{"policy"}),
		Misses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_sync",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache lookups that found nothing.",
		}, []string{"policy"}),
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_sync",
			Subsystem: "cache",
			Name:      "offline_fallbacks_total",
			Help:      "Requests answered with the offline page or a synthesized response.",
		}, []string{"policy"}),
		Timeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_sync",
			Subsystem: "cache",
			Name:      "network_timeouts_total",
			Help:      "Network-first fetches that lost the race against the timeout.",
		}, []string{"policy"}),
	}
}
