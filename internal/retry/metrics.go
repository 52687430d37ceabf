package retry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/logfields"
)

const metricNamespace = "runledger"

const (
	scheduledMetricName = "task_retries_scheduled_total"
	exhaustedMetricName = "task_retries_exhausted_total"
	permanentMetricName = "task_permanent_failures_total"
)

const (
	taskLabel  = "task"
	classLabel = "class"
)

type metricCollector struct {
	logger    *zap.Logger
	scheduled *prometheus.CounterVec
	exhausted *prometheus.CounterVec
	permanent *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		scheduled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      scheduledMetricName,
				Help:      "count of scheduled task retries",
			},
			[]string{taskLabel, classLabel},
		),
		exhausted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      exhaustedMetricName,
				Help:      "count of tasks that failed terminally after all retries",
			},
			[]string{taskLabel, classLabel},
		),
		permanent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      permanentMetricName,
				Help:      "count of tasks that failed with a non-retryable error",
			},
			[]string{taskLabel},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func errClass(outage bool) string {
	if outage {
		return "outage"
	}
	return "transient"
}

func (m *metricCollector) RetryScheduledInc(task string, outage bool) {
	cnt, err := m.scheduled.GetMetricWith(prometheus.Labels{taskLabel: task, classLabel: errClass(outage)})
	if err != nil {
		m.logGetMetricFailed(scheduledMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) RetriesExhaustedInc(task string, outage bool) {
	cnt, err := m.exhausted.GetMetricWith(prometheus.Labels{taskLabel: task, classLabel: errClass(outage)})
	if err != nil {
		m.logGetMetricFailed(exhaustedMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) PermanentFailureInc(task string) {
	cnt, err := m.permanent.GetMetricWith(prometheus.Labels{taskLabel: task})
	if err != nil {
		m.logGetMetricFailed(permanentMetricName, err)
		return
	}

	cnt.Inc()
}
