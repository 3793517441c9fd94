package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	engineLaunches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_engine_launches_total",
			Help: "Total number of engine process launches.",
		},
	)

	engineReadyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_engine_ready_seconds",
			Help:    "Duration from engine launch to first successful readiness probe, in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
	)

	engineUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_engine_up",
			Help: "1 when the engine process is ready, 0 otherwise.",
		},
	)

	eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_engine_events_total",
			Help: "Total number of JSON events received on engine event channels.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(engineLaunches)
	prometheus.MustRegister(engineReadyDuration)
	prometheus.MustRegister(engineUp)
	prometheus.MustRegister(eventsReceived)
}
