package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitushen/modelprobe/internal/models"
)

const (
	subsystem = "modelprobe"

	probesTotal           = "probes_total"
	probeDurationSeconds  = "probe_duration_seconds"
	mutationsTotal        = "store_mutations_total"
	runErrorsTotal        = "run_errors_total"
	runsTotal             = "runs_total"
	endpointsByState      = "endpoints"
	livenessSweepsTotal   = "liveness_sweeps_total"
	lastRunDurationSecond = "last_run_duration_seconds"
)

func init() {
	prometheus.MustRegister(probes)
	prometheus.MustRegister(probeDuration)
	prometheus.MustRegister(mutations)
	prometheus.MustRegister(runErrors)
	prometheus.MustRegister(runs)
	prometheus.MustRegister(endpoints)
	prometheus.MustRegister(sweeps)
	prometheus.MustRegister(lastRunDuration)
}

var (
	// probes 按结果状态统计探测次数，mode 区分运行模式。
	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      probesTotal,
			Help:      "Total number of endpoint probes, labeled by status and run mode.",
		},
		[]string{"status", "mode"},
	)

	// probeDuration 记录单次探测耗时。探测包含最多三次带超时的请求，桶上限覆盖重试后的长尾。
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      probeDurationSeconds,
			Help:      "Histogram of endpoint probe duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	// mutations 统计实际写回存储的状态变更。
	mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      mutationsTotal,
			Help:      "Total number of endpoint state mutations applied, labeled by kind.",
		},
		[]string{"kind"},
	)

	runErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      runErrorsTotal,
			Help:      "Total number of per-endpoint errors (probe panics, persistence failures).",
		},
		[]string{"stage"},
	)

	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      runsTotal,
			Help:      "Total number of verification passes, labeled by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	// endpoints 是存储中各状态的端点数量，每次任务结束时刷新。
	endpoints = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      endpointsByState,
			Help:      "Number of endpoints in the store, labeled by state.",
		},
		[]string{"state"},
	)

	sweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      livenessSweepsTotal,
			Help:      "Total number of liveness sweep results, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	lastRunDuration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      lastRunDurationSecond,
			Help:      "Duration of the most recent verification pass in seconds.",
		},
	)
)

// ObserveProbe 记录一次探测结果。
func ObserveProbe(res models.ProbeResult, mode models.Mode) {
	probes.WithLabelValues(string(res.Status), string(mode)).Inc()
	probeDuration.WithLabelValues(string(res.Status)).Observe(res.Duration.Seconds())
}

// ObserveMutation 记录一次状态写回，kind 如 verified、invalidated、honeypot、inactive。
func ObserveMutation(kind string) {
	mutations.WithLabelValues(kind).Inc()
}

// ObserveError 记录一次单端点错误。
func ObserveError(stage string) {
	runErrors.WithLabelValues(stage).Inc()
}

// ObserveRun 记录一次完整任务。
func ObserveRun(mode models.Mode, summary models.RunSummary, err error) {
	outcome := "completed"
	if err != nil {
		outcome = "aborted"
	}
	runs.WithLabelValues(string(mode), outcome).Inc()
	lastRunDuration.Set(summary.Duration.Seconds())
}

// ObserveSweep 记录存活扫描结果。
func ObserveSweep(outcome string, n int) {
	sweeps.WithLabelValues(outcome).Add(float64(n))
}

// SetEndpointCounts 刷新各状态的端点数量。
func SetEndpointCounts(counts map[string]int) {
	for state, n := range counts {
		endpoints.WithLabelValues(state).Set(float64(n))
	}
}

// Handler 返回 Prometheus 抓取端点。
func Handler() http.Handler {
	return promhttp.Handler()
}
