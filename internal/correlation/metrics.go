package correlation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/logfields"
)

const (
	metricNamespace          = "runledger"
	ambiguousMatchMetricName = "ambiguous_build_matches_total"
	stageLabel               = "stage"
)

type metricCollector struct {
	logger           *zap.Logger
	ambiguousMatches *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		ambiguousMatches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      ambiguousMatchMetricName,
				Help:      "count of build lookups where multiple builds had the same submission time",
			},
			[]string{stageLabel},
		),
	}
}

func (m *metricCollector) AmbiguousMatchInc(stage string) {
	cnt, err := m.ambiguousMatches.GetMetricWith(prometheus.Labels{stageLabel: stage})
	if err != nil {
		m.logger.Warn(
			"could not record metric",
			zap.String("metric", ambiguousMatchMetricName),
			logfields.Event("recording_metric_failed"),
			zap.Error(err),
		)
		return
	}

	cnt.Inc()
}
