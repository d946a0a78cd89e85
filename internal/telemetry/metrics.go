package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SensorAttempts counts sensor reads by accuracy mode and outcome
	SensorAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geofix",
			Name:      "sensor_attempts_total",
			Help:      "Total number of location sensor reads",
		},
		[]string{"mode", "outcome"},
	)

	// ProviderResults counts IP-geolocation provider responses by result
	ProviderResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geofix",
			Name:      "ip_provider_results_total",
			Help:      "Total number of IP-geolocation provider responses",
		},
		[]string{"provider", "result"},
	)

	// RaceDuration observes the wall clock time of IP-location races
	RaceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "geofix",
			Name:      "ip_race_duration_seconds",
			Help:      "Duration of IP-location races",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 4, 5, 7.5},
		},
	)

	// Resolutions counts fixes that became current, by source
	Resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geofix",
			Name:      "resolutions_total",
			Help:      "Total number of fixes applied as current location",
		},
		[]string{"source"},
	)

	// Failures counts resolution failures surfaced to the user
	Failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geofix",
			Name:      "failures_total",
			Help:      "Total number of resolution failures surfaced to the user",
		},
		[]string{"reason"},
	)

	// Discarded counts async results dropped because a newer request superseded them
	Discarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geofix",
			Name:      "superseded_results_total",
			Help:      "Total number of async results discarded after being superseded",
		},
		[]string{"path"},
	)

	once sync.Once
)

// InitMetrics registers all metrics with the global Prometheus registry.
// Safe to call more than once.
func InitMetrics() {
	once.Do(func() {
		prometheus.DefaultRegisterer.Register(SensorAttempts)
		prometheus.DefaultRegisterer.Register(ProviderResults)
		prometheus.DefaultRegisterer.Register(RaceDuration)
		prometheus.DefaultRegisterer.Register(Resolutions)
		prometheus.DefaultRegisterer.Register(Failures)
		prometheus.DefaultRegisterer.Register(Discarded)
	})
}
