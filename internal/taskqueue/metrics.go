package taskqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/logfields"
)

const metricNamespace = "runledger"

const (
	executedMetricName = "tasks_executed_total"
	queuedMetricName   = "tasks_queued"
)

const (
	taskLabel    = "task"
	outcomeLabel = "outcome"
)

type metricCollector struct {
	logger   *zap.Logger
	executed *prometheus.CounterVec
	queued   prometheus.Gauge
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		executed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      executedMetricName,
				Help:      "count of executed tasks by their outcome",
			},
			[]string{taskLabel, outcomeLabel},
		),
		queued: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      queuedMetricName,
				Help:      "number of tasks that are ready for execution",
			},
		),
	}
}

func (m *metricCollector) ExecutedInc(task, outcome string) {
	cnt, err := m.executed.GetMetricWith(prometheus.Labels{taskLabel: task, outcomeLabel: outcome})
	if err != nil {
		m.logger.Warn(
			"could not record metric",
			zap.String("metric", executedMetricName),
			logfields.Event("recording_metric_failed"),
			zap.Error(err),
		)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) QueuedSet(n int) {
	m.queued.Set(float64(n))
}
