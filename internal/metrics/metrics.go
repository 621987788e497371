package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_sent_total",
			Help: "Total jobs delivered",
		},
		[]string{"kind"},
	)

	JobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_failures_total",
			Help: "Total failed delivery attempts",
		},
		[]string{"kind", "class"},
	)

	JobRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_retries_total",
			Help: "Total failed attempts left pending for a later sweep",
		},
		[]string{"kind"},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Duration of delivery sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)

	CredentialRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_rate_limited_total",
			Help: "Total cool-downs started per credential",
		},
		[]string{"credential"},
	)

	CredentialKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "credential_pool_keys",
			Help: "Credentials per health state",
		},
		[]string{"health"},
	)

	LimiterRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_limiter_running",
			Help: "Units of work currently admitted",
		},
	)

	LimiterQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_limiter_queued",
			Help: "Units of work waiting for admission",
		},
	)
)

func Init() {
	prometheus.MustRegister(JobsSent)
	prometheus.MustRegister(JobFailures)
	prometheus.MustRegister(JobRetries)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(CredentialRateLimited)
	prometheus.MustRegister(CredentialKeys)
	prometheus.MustRegister(LimiterRunning)
	prometheus.MustRegister(LimiterQueued)
}
