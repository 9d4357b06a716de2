package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "report_jobs_enqueued_total", Help: "Total enqueued jobs"}, []string{"type"})
	JobsClaimed      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "report_jobs_claimed_total", Help: "Jobs leased by a worker"}, []string{"type"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "report_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "report_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"type"})
	WorkerFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "report_jobs_retried_total", Help: "Jobs that failed and will retry"}, []string{"type"})
	WorkerTerminal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "report_jobs_failed_total", Help: "Jobs that failed terminally"}, []string{"type"})
	LeaseLost        = prometheus.NewCounter(prometheus.CounterOpts{Name: "report_job_leases_lost_total", Help: "Jobs whose lease was taken over mid-execution"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "report_queue_depth", Help: "Jobs ready to be claimed"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "report_jobs_inflight", Help: "Jobs currently leased by this process"})
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "report_job_duration_seconds",
		Help:    "Handler execution time",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600},
	}, []string{"type"})
	SectionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "report_sections_total", Help: "Section executions by final status"}, []string{"status"})
	PolicyIssues    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "report_policy_issues_total", Help: "Evidence policy issues raised by section executions"}, []string{"policy"})
	RunsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "report_runs_completed_total", Help: "Runs assembled into a final report"})
	ExportsReady    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "report_exports_total", Help: "Exports by format and outcome"}, []string{"format", "status"})
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			JobsClaimed,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerTerminal,
			LeaseLost,
			QueueDepthGauge,
			InFlightGauge,
			JobDuration,
			SectionOutcomes,
			PolicyIssues,
			RunsCompleted,
			ExportsReady,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
