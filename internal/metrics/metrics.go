package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotagw_admissions_total",
			Help: "Admission decisions by result and response code",
		},
		[]string{"result", "code"}, // allowed|denied , 1000|3001|4001|...
	)

	AdmissionFailOpenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quotagw_admission_fail_open_total",
			Help: "Requests admitted without a reservation because the quota store was unavailable",
		},
	)

	UsageRecordFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quotagw_usage_record_failures_total",
			Help: "Usage records that could not be written after a call was admitted",
		},
	)

	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotagw_upstream_requests_total",
			Help: "Calls to upstream analyzers by provider and outcome",
		},
		[]string{"provider", "outcome"}, // ok|error|rejected|breaker_open
	)

	UsageEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotagw_usage_events_total",
			Help: "Usage events lifecycle counter by stage",
		},
		[]string{"stage"}, // recorded|published|publish_failed|stored|store_failed
	)

	StoreLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotagw_store_latency_seconds",
			Help:    "Latency of quota store reservations by backend",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"backend"}, // memory|redis|mysql
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		AdmissionsTotal,
		AdmissionFailOpenTotal,
		UsageRecordFailuresTotal,
		UpstreamRequestsTotal,
		UsageEventsTotal,
		StoreLatency,
	)
}
