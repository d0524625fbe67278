package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeviceEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flashagent",
			Name:      "device_events_total",
			Help:      "Arrival and removal edges emitted by the device monitor.",
		},
		[]string{"type"},
	)

	EnumerationErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flashagent",
			Name:      "enumeration_errors_total",
			Help:      "Device enumeration rounds that failed and were skipped.",
		},
	)

	JobsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flashagent",
			Name:      "jobs_started_total",
			Help:      "Download jobs started since process start.",
		},
	)

	JobResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flashagent",
			Name:      "job_results_total",
			Help:      "Download jobs finished, by result.",
		},
		[]string{"result"},
	)

	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flashagent",
			Name:      "active_jobs",
			Help:      "Download jobs currently tracked by the agent.",
		},
	)
)

var registerOnce sync.Once

// Register registers the FlashAgent metrics into the default registry.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(DeviceEvents, EnumerationErrors, JobsStarted, JobResults, ActiveJobs)
	})
}
