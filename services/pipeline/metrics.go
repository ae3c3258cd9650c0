package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	submitted     *prometheus.CounterVec
	distributed   *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	failed        *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
	retries       *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updatehub_updates_submitted_total",
			Help: "Updates accepted into the pipeline.",
		}, []string{"kind"}),
		distributed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updatehub_updates_distributed_total",
			Help: "Updates published to their component topic.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updatehub_updates_rejected_total",
			Help: "Updates stopped by governance or validation.",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updatehub_updates_failed_total",
			Help: "Updates abandoned after exhausting the retry budget.",
		}, []string{"kind"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updatehub_rollbacks_total",
			Help: "Rollback updates submitted.",
		}, []string{"kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updatehub_stage_retries_total",
			Help: "Per-stage retry attempts after transient errors.",
		}, []string{"stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "updatehub_stage_duration_seconds",
			Help:    "Wall time spent in each pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}
	reg.MustRegister(m.submitted, m.distributed, m.rejected, m.failed, m.rollbacks, m.retries, m.stageDuration)
	return m
}
