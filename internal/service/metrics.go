package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the fixed set of signals every service cycle loop
// emits, labeled by service name so one registry serves every binary
// subcommand.
type Metrics struct {
	service string

	cyclesSuccess       *prometheus.CounterVec
	cyclesFailed        *prometheus.CounterVec
	errorsByKind        *prometheus.CounterVec
	consecutiveFailures *prometheus.GaugeVec
	lastCycleTimestamp  *prometheus.GaugeVec
	cycleDuration       *prometheus.HistogramVec
}

var (
	cyclesSuccessVec = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bigbrotr_cycles_success_total",
			Help: "Number of cycles a service completed without error",
		},
		[]string{"service"},
	)
	cyclesFailedVec = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bigbrotr_cycles_failed_total",
			Help: "Number of cycles a service completed with a non-cancellation error",
		},
		[]string{"service"},
	)
	errorsByKindVec = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bigbrotr_errors_total",
			Help: "Typed errors observed during a cycle, by error kind",
		},
		[]string{"service", "kind"},
	)
	consecutiveFailuresVec = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bigbrotr_consecutive_failures",
			Help: "Current consecutive-failure count, reset on the next successful cycle",
		},
		[]string{"service"},
	)
	lastCycleTimestampVec = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bigbrotr_last_cycle_timestamp_seconds",
			Help: "Unix timestamp of the last completed cycle, success or failure",
		},
		[]string{"service"},
	)
	cycleDurationVec = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bigbrotr_cycle_duration_seconds",
			Help:    "Wall time of one run_once cycle",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(
		cyclesSuccessVec,
		cyclesFailedVec,
		errorsByKindVec,
		consecutiveFailuresVec,
		lastCycleTimestampVec,
		cycleDurationVec,
	)
}

// NewMetrics scopes the shared registry's vectors to one service name.
func NewMetrics(serviceName string) *Metrics {
	return &Metrics{
		service:             serviceName,
		cyclesSuccess:       cyclesSuccessVec,
		cyclesFailed:        cyclesFailedVec,
		errorsByKind:        errorsByKindVec,
		consecutiveFailures: consecutiveFailuresVec,
		lastCycleTimestamp:  lastCycleTimestampVec,
		cycleDuration:       cycleDurationVec,
	}
}

func (m *Metrics) recordSuccess(d time.Duration) {
	m.cyclesSuccess.WithLabelValues(m.service).Inc()
	m.cycleDuration.WithLabelValues(m.service).Observe(d.Seconds())
	m.lastCycleTimestamp.WithLabelValues(m.service).Set(float64(time.Now().Unix()))
}

func (m *Metrics) recordFailure(d time.Duration, consecutive int) {
	m.cyclesFailed.WithLabelValues(m.service).Inc()
	m.cycleDuration.WithLabelValues(m.service).Observe(d.Seconds())
	m.lastCycleTimestamp.WithLabelValues(m.service).Set(float64(time.Now().Unix()))
	m.consecutiveFailures.WithLabelValues(m.service).Set(float64(consecutive))
}

func (m *Metrics) resetConsecutiveFailures() {
	m.consecutiveFailures.WithLabelValues(m.service).Set(0)
}

// IncErrorKind increments the errors_<kind> family a RunOnce
// implementation emits for a typed error it chose to count.
func (m *Metrics) IncErrorKind(kind string) {
	m.errorsByKind.WithLabelValues(m.service, kind).Inc()
}
