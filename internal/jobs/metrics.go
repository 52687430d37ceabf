package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/logfields"
)

const metricNamespace = "runledger"

const (
	invalidMetricName = "notifications_invalid_total"
	ignoredMetricName = "notifications_ignored_total"
	timeoutMetricName = "targets_timed_out_total"
	foreignMetricName = "notifications_foreign_total"
)

const stageLabel = "stage"

type metricCollector struct {
	logger  *zap.Logger
	invalid *prometheus.CounterVec
	ignored *prometheus.CounterVec
	timeout *prometheus.CounterVec
	foreign *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		invalid: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      invalidMetricName,
				Help:      "count of notifications with a status that is invalid for the stage",
			},
			[]string{stageLabel},
		),
		ignored: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      ignoredMetricName,
				Help:      "count of duplicated or out-of-order notifications",
			},
			[]string{stageLabel},
		),
		timeout: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      timeoutMetricName,
				Help:      "count of targets that were moved to error because they did not finish in time",
			},
			[]string{stageLabel},
		),
		foreign: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      foreignMetricName,
				Help:      "count of notifications for external ids that are not tracked",
			},
			[]string{stageLabel},
		),
	}
}

func (m *metricCollector) inc(vec *prometheus.CounterVec, metricName, stage string) {
	cnt, err := vec.GetMetricWith(prometheus.Labels{stageLabel: stage})
	if err != nil {
		m.logger.Warn(
			"could not record metric",
			zap.String("metric", metricName),
			logfields.Event("recording_metric_failed"),
			zap.Error(err),
		)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) InvalidNotificationInc(stage string) {
	m.inc(m.invalid, invalidMetricName, stage)
}

func (m *metricCollector) IgnoredNotificationInc(stage string) {
	m.inc(m.ignored, ignoredMetricName, stage)
}

func (m *metricCollector) TimeoutInc(stage string) {
	m.inc(m.timeout, timeoutMetricName, stage)
}

func (m *metricCollector) ForeignNotificationInc(stage string) {
	m.inc(m.foreign, foreignMetricName, stage)
}
