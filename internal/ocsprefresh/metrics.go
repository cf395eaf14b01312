package ocsprefresh

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the refresh engine's Prometheus collectors.
type Metrics struct {
	Fetches       *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	Rounds        *prometheus.CounterVec
	NextRefresh   prometheus.Gauge
	CacheEntries  prometheus.Gauge
	CAStatus      *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigtrust",
			Subsystem: "ocsp",
			Name:      "fetches_total",
			Help:      "OCSP fetches by result (success, failure, timeout, invalid).",
		}, []string{"result"}),

		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sigtrust",
			Subsystem: "ocsp",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of OCSP fetches.",
			Buckets:   prometheus.DefBuckets,
		}),

		Rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigtrust",
			Subsystem: "ocsp",
			Name:      "refresh_rounds_total",
			Help:      "Refresh rounds by result.",
		}, []string{"result"}),

		NextRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sigtrust",
			Subsystem: "ocsp",
			Name:      "next_refresh_seconds",
			Help:      "Delay until the next scheduled refresh round.",
		}),

		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sigtrust",
			Subsystem: "ocsp",
			Name:      "cache_entries",
			Help:      "Number of cached OCSP responses.",
		}),

		CAStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sigtrust",
			Subsystem: "ocsp",
			Name:      "ca_ok",
			Help:      "1 if the last refresh for the CA succeeded, 0 otherwise.",
		}, []string{"ca"}),
	}
	if reg != nil {
		reg.MustRegister(m.Fetches, m.FetchDuration, m.Rounds, m.NextRefresh, m.CacheEntries, m.CAStatus)
	}
	return m
}
