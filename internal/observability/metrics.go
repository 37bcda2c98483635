package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type engineMetrics struct {
	writeQueueDepth   prometheus.Gauge
	writeJobsTotal    *prometheus.CounterVec
	writeJobDuration  prometheus.Histogram
	activeLanes       prometheus.Gauge
	agentRunTotal     *prometheus.CounterVec
	agentRunDuration  *prometheus.HistogramVec
	agentTurnsTotal   prometheus.Counter
	toolExecTotal     *prometheus.CounterVec
	toolExecDuration  *prometheus.HistogramVec
	aclDecisionsTotal *prometheus.CounterVec
	memoryOpDuration  *prometheus.HistogramVec
	hygienePruneTotal *prometheus.CounterVec
	skillsSelected    prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *engineMetrics
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		m := &engineMetrics{
			writeQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "himari_write_queue_depth",
				Help: "Current number of pending jobs in the durable write queue.",
			}),
			writeJobsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "himari_write_jobs_total",
					Help: "Total write jobs applied by name and status.",
				},
				[]string{"job", "status"},
			),
			writeJobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "himari_write_job_duration_seconds",
				Help:    "Apply duration of durable write jobs.",
				Buckets: prometheus.DefBuckets,
			}),
			activeLanes: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "himari_active_lanes",
				Help: "Number of lanes currently pending or active.",
			}),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "himari_agent_runs_total",
					Help: "Total agent runs by provider and outcome.",
				},
				[]string{"provider", "outcome"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "himari_agent_run_duration_seconds",
					Help:    "End-to-end agent run duration by provider.",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
				[]string{"provider"},
			),
			agentTurnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "himari_agent_turns_total",
				Help: "Total orchestration loop turns executed.",
			}),
			toolExecTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "himari_tool_executions_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "himari_tool_execution_duration_seconds",
					Help:    "Tool execution duration by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			aclDecisionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "himari_acl_decisions_total",
					Help: "ACL decisions by kind and result.",
				},
				[]string{"kind", "result"},
			),
			memoryOpDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "himari_memory_op_duration_seconds",
					Help:    "Memory recall/save duration by operation.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			hygienePruneTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "himari_hygiene_pruned_rows_total",
					Help: "Rows removed by retention hygiene by table.",
				},
				[]string{"table"},
			),
			skillsSelected: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "himari_skills_selected",
				Help:    "Number of skills selected per run.",
				Buckets: []float64{0, 1, 2, 3, 4, 5, 8},
			}),
		}

		prometheus.MustRegister(
			m.writeQueueDepth,
			m.writeJobsTotal,
			m.writeJobDuration,
			m.activeLanes,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentTurnsTotal,
			m.toolExecTotal,
			m.toolExecDuration,
			m.aclDecisionsTotal,
			m.memoryOpDuration,
			m.hygienePruneTotal,
			m.skillsSelected,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered forces metric registration. Components call it from their
// constructors so metrics exist before the first scrape.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns the HTTP handler exposing the metrics endpoint.
func Handler() http.Handler {
	getMetrics()
	return promhttp.Handler()
}

// SetWriteQueueDepth records the current durable write queue depth.
func SetWriteQueueDepth(depth int) {
	getMetrics().writeQueueDepth.Set(float64(depth))
}

// RecordWriteJob records one applied write job.
func RecordWriteJob(job string, d time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m := getMetrics()
	m.writeJobsTotal.WithLabelValues(job, status).Inc()
	m.writeJobDuration.Observe(d.Seconds())
}

// SetActiveLanes records the number of busy lanes.
func SetActiveLanes(n int) {
	getMetrics().activeLanes.Set(float64(n))
}

// RecordAgentRun records a finished agent run.
func RecordAgentRun(provider, outcome string, d time.Duration) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(provider, outcome).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordTurn counts one orchestration loop turn.
func RecordTurn() {
	getMetrics().agentTurnsTotal.Inc()
}

// RecordToolExecution records one tool execution.
func RecordToolExecution(tool, status string, d time.Duration) {
	m := getMetrics()
	m.toolExecTotal.WithLabelValues(tool, status).Inc()
	m.toolExecDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordACLDecision counts one policy decision.
func RecordACLDecision(kind string, allowed bool) {
	result := "allow"
	if !allowed {
		result = "deny"
	}
	getMetrics().aclDecisionsTotal.WithLabelValues(kind, result).Inc()
}

// RecordMemoryOp records a memory recall or save duration.
func RecordMemoryOp(op string, d time.Duration) {
	getMetrics().memoryOpDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordHygienePrune counts rows removed by retention hygiene.
func RecordHygienePrune(table string, rows int64) {
	if rows <= 0 {
		return
	}
	getMetrics().hygienePruneTotal.WithLabelValues(table).Add(float64(rows))
}

// RecordSkillsSelected records how many skills a run activated.
func RecordSkillsSelected(n int) {
	getMetrics().skillsSelected.Observe(float64(n))
}
