package jobs

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/backend"
	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/retry"
	"github.com/simplesurance/runledger/internal/statemachine"
	"github.com/simplesurance/runledger/internal/store"
	"github.com/simplesurance/runledger/internal/taskqueue"
)

// StartBabysitter schedules the first execution of the babysit task, it
// reschedules itself afterwards.
func (j *Jobs) StartBabysitter(ctx context.Context) error {
	return j.scheduler.Schedule(ctx, TaskBabysit, retry.Kwargs{}, j.babysitInterval)
}

// babysit polls the status of submitted unfinished targets that did not
// receive a notification for longer than the babysit interval. Targets
// that are unfinished for longer than the job timeout are moved to error.
func (j *Jobs) babysit(ctx context.Context, task *taskqueue.Task) (retry.Result, error) {
	err := j.Babysit(ctx)

	if ctx.Err() == nil {
		if err := j.scheduler.Schedule(ctx, TaskBabysit, retry.Kwargs{}, j.babysitInterval); err != nil {
			j.logger.Warn(
				"rescheduling babysitter failed",
				logfields.Event("babysit_reschedule_failed"),
				zap.Error(err),
			)
		}
	}

	if err != nil {
		return retry.Result{}, err
	}

	return retry.Completed(), nil
}

// Babysit executes one babysitter iteration.
func (j *Jobs) Babysit(ctx context.Context) error {
	var errs *multierror.Error

	now := j.now()

	for _, stage := range j.backends.Stages() {
		m, err := statemachine.For(stage)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		bs, err := j.backends.Get(stage)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		targets, err := j.store.ListTargets(ctx, &store.TargetFilter{
			Stage:           stage,
			Statuses:        m.NonFinal(),
			HasExternalID:   true,
			SubmittedBefore: now.Add(-j.babysitInterval),
		})
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		if stage == model.StageCoprBuild {
			srpmMachine, err := statemachine.For(model.StageSRPM)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}

			srpms, err := j.store.ListTargets(ctx, &store.TargetFilter{
				Stage:           model.StageSRPM,
				Statuses:        srpmMachine.NonFinal(),
				HasExternalID:   true,
				SubmittedBefore: now.Add(-j.babysitInterval),
			})
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}

			targets = append(srpms, targets...)
		}

		for _, t := range targets {
			if err := j.babysitTarget(ctx, bs, t); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", t, err))
			}
		}
	}

	return errs.ErrorOrNil()
}

func (j *Jobs) babysitTarget(ctx context.Context, bs backend.BuildSystem, t *model.Target) error {
	logger := j.logger.With(
		logfields.TargetID(t.ID),
		logfields.Stage(string(t.Stage)),
		logfields.ExternalID(t.ExternalID),
		logfields.Target(t.Name),
	)

	if j.now().Sub(t.SubmittedAt) > j.jobTimeout {
		changed, err := j.ledger.SetStatus(ctx, t, model.StatusError)
		if err != nil {
			return err
		}

		if !changed {
			return nil
		}

		if err := j.ledger.SetEndTime(ctx, t, j.now()); err != nil {
			return err
		}

		metrics.TimeoutInc(string(t.Stage))
		logger.Info(
			"target did not finish in time",
			logfields.Event("babysit_target_timeout"),
			zap.Duration("job_timeout", j.jobTimeout),
		)

		rep, _, err := j.reporterForTarget(ctx, t)
		if err != nil {
			return err
		}

		j.reportTarget(ctx, rep, t, fmt.Sprintf("%s did not finish within %s", stageNames[t.Stage], j.jobTimeout))

		return nil
	}

	st, err := bs.GetStatus(ctx, t.ExternalID)
	if err != nil {
		return err
	}

	upd := statusUpdate{
		Status:  normalizeStatus(t.Stage, string(st.TargetStatus(t.Name))),
		At:      j.now(),
		WebURL:  st.WebURL,
		LogsURL: st.LogsURL,
	}

	if upd.Status == model.StatusRunning && st.StartedAt != nil {
		upd.At = *st.StartedAt
	} else if st.FinishedAt != nil && statemachine.IsFinalState(t.Stage, upd.Status) {
		upd.At = *st.FinishedAt
	}

	if upd.Status == t.Status {
		return nil
	}

	logger.Debug(
		"babysitter retrieved new status",
		logfields.Event("babysit_status_retrieved"),
		logfields.Status(string(upd.Status)),
	)

	_, err = j.applyStatus(ctx, t, &upd)
	return err
}
