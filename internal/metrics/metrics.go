// Package metrics exposes the Prometheus collectors for the fleet
// controller: job throughput, submission latency, worker crashes, and pulse
// reconnects. Shape mirrors the teacher's internal/provisioner/metrics
// package (a package-level registry behind a mutex, reset for tests).
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsClaimed      *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	jobsPurged       prometheus.Counter
	testResults      *prometheus.CounterVec
	submissionAttempts *prometheus.CounterVec
	submissionLatency  prometheus.Histogram
	workerCrashes    *prometheus.CounterVec
	workerDisabled   *prometheus.CounterVec
	pulseReconnects  prometheus.Counter
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing the metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	r := reg
	mu.RUnlock()
	return promhttp.HandlerFor(r, promhttp.HandlerOpts{})
}

// ObserveJobClaimed records a successful claim-next for a device.
func ObserveJobClaimed(deviceID string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsClaimed != nil {
		jobsClaimed.WithLabelValues(deviceID).Inc()
	}
}

// ObserveJobCompleted records a job reaching job-completed.
func ObserveJobCompleted(deviceID string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsCompleted != nil {
		jobsCompleted.WithLabelValues(deviceID).Inc()
	}
}

// IncJobsPurged counts a job purged for exceeding MAX_ATTEMPTS.
func IncJobsPurged() {
	mu.RLock()
	defer mu.RUnlock()
	if jobsPurged != nil {
		jobsPurged.Inc()
	}
}

// ObserveTestResult records a test-item's terminal result status.
func ObserveTestResult(deviceID, result string) {
	mu.RLock()
	defer mu.RUnlock()
	if testResults != nil {
		testResults.WithLabelValues(deviceID, result).Inc()
	}
}

// ObserveSubmissionAttempt records one submitter POST attempt.
func ObserveSubmissionAttempt(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if submissionAttempts != nil {
		submissionAttempts.WithLabelValues(outcome).Inc()
	}
}

// ObserveSubmissionLatency records the wall time of a successful submission POST.
func ObserveSubmissionLatency(d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if submissionLatency != nil {
		submissionLatency.Observe(d.Seconds())
	}
}

// IncWorkerCrash records a dead-worker sweep finding a crashed worker.
func IncWorkerCrash(deviceID string) {
	mu.RLock()
	defer mu.RUnlock()
	if workerCrashes != nil {
		workerCrashes.WithLabelValues(deviceID).Inc()
	}
}

// IncWorkerDisabled records a device transitioning to DISABLED from a
// crash-budget exceedance.
func IncWorkerDisabled(deviceID string) {
	mu.RLock()
	defer mu.RUnlock()
	if workerDisabled != nil {
		workerDisabled.WithLabelValues(deviceID).Inc()
	}
}

// IncPulseReconnect records the consumer reconnecting after an error.
func IncPulseReconnect() {
	mu.RLock()
	defer mu.RUnlock()
	if pulseReconnects != nil {
		pulseReconnects.Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	jc := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autophone",
		Name:      "jobs_claimed_total",
		Help:      "Total jobs claimed by device.",
	}, []string{"device"})

	jd := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autophone",
		Name:      "jobs_completed_total",
		Help:      "Total jobs that reached job-completed, by device.",
	}, []string{"device"})

	jp := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autophone",
		Name:      "jobs_purged_total",
		Help:      "Total jobs purged for exceeding the attempt budget.",
	})

	tr := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autophone",
		Name:      "test_results_total",
		Help:      "Total test-item terminal results, by device and result.",
	}, []string{"device", "result"})

	sa := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autophone",
		Name:      "submission_attempts_total",
		Help:      "Total results-submission POST attempts, by outcome.",
	}, []string{"outcome"})

	sl := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "autophone",
		Name:      "submission_latency_seconds",
		Help:      "Latency of successful results-submission POSTs.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	wc := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autophone",
		Name:      "worker_crashes_total",
		Help:      "Total dead-worker sweeps that found a crashed worker, by device.",
	}, []string{"device"})

	wdis := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autophone",
		Name:      "worker_disabled_total",
		Help:      "Total devices disabled for exceeding the crash budget.",
	}, []string{"device"})

	pr := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autophone",
		Name:      "pulse_reconnects_total",
		Help:      "Total event-bus reconnects after a consumer error.",
	})

	registry.MustRegister(jc, jd, jp, tr, sa, sl, wc, wdis, pr)

	reg = registry
	jobsClaimed = jc
	jobsCompleted = jd
	jobsPurged = jp
	testResults = tr
	submissionAttempts = sa
	submissionLatency = sl
	workerCrashes = wc
	workerDisabled = wdis
	pulseReconnects = pr
}
