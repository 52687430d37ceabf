package jobs

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/event"
	"github.com/simplesurance/runledger/internal/ledger"
	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/retry"
	"github.com/simplesurance/runledger/internal/statemachine"
)

// statusUpdate is a status reported by an external system for a target.
type statusUpdate struct {
	Status  model.Status
	At      time.Time
	WebURL  string
	LogsURL string
}

func resultStage(ev *event.Dict) (model.Stage, string) {
	switch ev.Type {
	case event.TypeCoprBuildStart, event.TypeCoprBuildEnd:
		if ev.Target == model.SRPMTargetName {
			return model.StageSRPM, ""
		}
		return model.StageCoprBuild, ev.Target

	case event.TypeTestingFarmResult:
		return model.StageTestRun, ev.Target

	case event.TypeKojiTaskState:
		return model.StageKojiBuild, ev.Target

	default:
		return ev.Stage, ev.Target
	}
}

// processResult applies a status notification of an external system.
// Notifications for external IDs that are not in the ledger are ignored.
func (j *Jobs) processResult(ctx context.Context, ev *event.Dict) (retry.Result, error) {
	stage, name := resultStage(ev)
	logger := j.logger.With(ev.LogFields()...).With(logfields.Stage(string(stage)))

	t, err := j.ledger.FindTarget(ctx, stage, ev.ExternalID, name)
	if err != nil {
		if errors.Is(err, ledger.ErrNotOurs) {
			metrics.ForeignNotificationInc(string(stage))
			logger.Debug(
				"ignoring notification for unknown external id",
				logfields.Event("notification_not_ours"),
			)

			return retry.Completed(), nil
		}

		return retry.Result{}, err
	}

	upd := statusUpdate{
		WebURL:  ev.WebURL,
		LogsURL: ev.LogsURL,
		At:      j.now(),
	}

	if ev.Timestamp > 0 {
		upd.At = time.Unix(ev.Timestamp, 0)
	}

	if ev.Type == event.TypeCoprBuildStart {
		upd.Status = model.StatusRunning
	} else {
		upd.Status = normalizeStatus(stage, ev.Status)
	}

	return j.applyStatus(ctx, t, &upd)
}

// applyStatus records the reported status of the target and reports it.
// Duplicated and out-of-order updates are acknowledged without effect,
// updates with a status that is invalid for the stage are logged and
// acknowledged.
func (j *Jobs) applyStatus(ctx context.Context, t *model.Target, upd *statusUpdate) (retry.Result, error) {
	logger := j.logger.With(
		logfields.TargetID(t.ID),
		logfields.Stage(string(t.Stage)),
		logfields.Target(t.Name),
		logfields.ExternalID(t.ExternalID),
		zap.String("ledger.status_reported", string(upd.Status)),
	)

	if upd.Status == model.StatusRunning && !t.StartedAt.IsZero() {
		logger.Debug("start was already processed", logfields.Event("notification_duplicate_start"))
		return retry.Completed(), nil
	}

	if t.Stage == model.StageSRPM && statemachine.IsFinalState(t.Stage, upd.Status) {
		return j.applySRPMResult(ctx, t, upd)
	}

	changed, err := j.ledger.SetStatus(ctx, t, upd.Status)
	if err != nil {
		var invErr *statemachine.InvalidTransitionError
		if errors.As(err, &invErr) {
			metrics.InvalidNotificationInc(string(t.Stage))
			return retry.Completed(), nil
		}

		return retry.Result{}, err
	}

	if upd.Status == model.StatusRunning && t.StartedAt.IsZero() {
		if err := j.ledger.SetStartTime(ctx, t, upd.At); err != nil {
			return retry.Result{}, err
		}
	}

	if !changed {
		metrics.IgnoredNotificationInc(string(t.Stage))
		logger.Debug(
			"notification did not change the status",
			logfields.Event("notification_ignored"),
			logfields.Status(string(t.Status)),
		)

		return retry.Completed(), nil
	}

	if statemachine.IsFinalState(t.Stage, t.Status) {
		if err := j.ledger.SetEndTime(ctx, t, upd.At); err != nil {
			return retry.Result{}, err
		}
	}

	if err := j.ledger.SetURLs(ctx, t, upd.WebURL, upd.LogsURL); err != nil {
		return retry.Result{}, err
	}

	rep, pe, err := j.reporterForTarget(ctx, t)
	if err != nil {
		return retry.Result{}, err
	}

	j.reportTarget(ctx, rep, t, "")

	logger.Info(
		"target status changed",
		logfields.Event("target_status_changed"),
		logfields.Status(string(t.Status)),
	)

	if t.Stage == model.StageCoprBuild && t.Status == model.StatusSuccess && t.Data[dataWithTests] == "true" {
		if err := j.scheduleTestsForBuild(ctx, t, pe); err != nil {
			return retry.Result{}, err
		}
	}

	return retry.Completed(), nil
}

func (j *Jobs) applySRPMResult(ctx context.Context, srpm *model.Target, upd *statusUpdate) (retry.Result, error) {
	logger := j.logger.With(
		logfields.TargetID(srpm.ID),
		logfields.ExternalID(srpm.ExternalID),
	)

	changed, builds, err := j.ledger.SRPMFinished(ctx, srpm, upd.Status == model.StatusSuccess, upd.At)
	if err != nil {
		var invErr *statemachine.InvalidTransitionError
		if errors.As(err, &invErr) {
			metrics.InvalidNotificationInc(string(srpm.Stage))
			return retry.Completed(), nil
		}

		return retry.Result{}, err
	}

	if !changed {
		metrics.IgnoredNotificationInc(string(srpm.Stage))
		logger.Debug("srpm result was already processed", logfields.Event("notification_ignored"))
		return retry.Completed(), nil
	}

	if err := j.ledger.SetURLs(ctx, srpm, upd.WebURL, upd.LogsURL); err != nil {
		return retry.Result{}, err
	}

	rep, _, err := j.reporterForTarget(ctx, srpm)
	if err != nil {
		return retry.Result{}, err
	}

	j.reportTarget(ctx, rep, srpm, "")

	if srpm.Status == model.StatusSuccess {
		j.reportTargets(ctx, rep, builds, "RPM build is waiting to be started")
	} else {
		j.reportTargets(ctx, rep, builds, "SRPM build failed")
	}

	logger.Info(
		"srpm build finished",
		logfields.Event("srpm_build_finished"),
		logfields.Status(string(srpm.Status)),
		zap.Int("builds_changed", len(builds)),
	)

	return retry.Completed(), nil
}
