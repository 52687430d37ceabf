package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/logfields"
)

const metricNamespace = "runledger"

const (
	transitionsMetricName   = "status_transitions_total"
	groupsMetricName        = "target_groups_created_total"
	runClonesMetricName     = "run_clones_total"
	notOursMetricName       = "unknown_external_ids_total"
	transitionRetryExceeded = "status_transition_conflicts_total"
)

const (
	stageLabel  = "stage"
	resultLabel = "result"
)

type metricCollector struct {
	logger      *zap.Logger
	transitions *prometheus.CounterVec
	groups      *prometheus.CounterVec
	runClones   *prometheus.CounterVec
	notOurs     *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		transitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      transitionsMetricName,
				Help:      "count of requested target status transitions by their result",
			},
			[]string{stageLabel, resultLabel},
		),
		groups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      groupsMetricName,
				Help:      "count of created target groups",
			},
			[]string{stageLabel},
		),
		runClones: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      runClonesMetricName,
				Help:      "count of runs that were cloned because the stage was already attached",
			},
			[]string{stageLabel},
		),
		notOurs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      notOursMetricName,
				Help:      "count of notifications for external ids that are not in the ledger",
			},
			[]string{stageLabel},
		),
		conflicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      transitionRetryExceeded,
				Help:      "count of status transitions that failed because of repeated concurrent modifications",
			},
			[]string{stageLabel},
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

func (m *metricCollector) TransitionInc(stage, result string) {
	cnt, err := m.transitions.GetMetricWith(prometheus.Labels{stageLabel: stage, resultLabel: result})
	if err != nil {
		m.logGetMetricFailed(transitionsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) stageInc(vec *prometheus.CounterVec, metricName, stage string) {
	cnt, err := vec.GetMetricWith(prometheus.Labels{stageLabel: stage})
	if err != nil {
		m.logGetMetricFailed(metricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) GroupCreatedInc(stage string) {
	m.stageInc(m.groups, groupsMetricName, stage)
}

func (m *metricCollector) RunClonedInc(stage string) {
	m.stageInc(m.runClones, runClonesMetricName, stage)
}

func (m *metricCollector) NotOursInc(stage string) {
	m.stageInc(m.notOurs, notOursMetricName, stage)
}

func (m *metricCollector) ConflictInc(stage string) {
	m.stageInc(m.conflicts, transitionRetryExceeded, stage)
}
