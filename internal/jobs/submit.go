package jobs

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/backend"
	"github.com/simplesurance/runledger/internal/ledger"
	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/retry"
	"github.com/simplesurance/runledger/internal/statemachine"
	"github.com/simplesurance/runledger/internal/taskqueue"
)

// submittedStatus is the status targets of a stage get when the external
// system accepted them. Stages that are missing keep their status until
// the first notification arrives.
var submittedStatus = map[model.Stage]model.Status{
	model.StageTestRun:     model.StatusQueued,
	model.StageBodhiUpdate: model.StatusRunning,
	model.StageSyncRelease: model.StatusRunning,
}

// initialStatus overrides the initial status of the state machine for
// groups created by stageJob.
var initialStatus = map[model.Stage]model.Status{
	model.StageKojiBuild: model.StatusPending,
}

// stageJob creates a target group of the stage for the configured targets
// and schedules the submission of every target.
// Stages that consume artifacts of another stage are attached to the most
// recent run of the project event that has a group of that stage.
func (j *Jobs) stageJob(ctx context.Context, task *taskqueue.Task) (retry.Result, error) {
	stage := model.Stage(task.Kwargs.String(kwargStage))
	if !stage.Valid() || stage == model.StageSRPM {
		return retry.Result{}, fmt.Errorf("invalid stage %q", stage)
	}

	pe, project, commit, err := j.projectEventArgs(ctx, task.Kwargs)
	if err != nil {
		return retry.Result{}, err
	}

	logger := j.logger.With(
		logfields.TaskID(task.ID),
		logfields.ProjectEventID(pe.ID),
		logfields.Stage(string(stage)),
	)

	names := j.stageTargets[stage]
	if len(names) == 0 {
		logger.Info("no targets configured for stage", logfields.Event("stage_job_no_targets"))
		return retry.Completed(), nil
	}

	continuation, err := j.upstreamRun(ctx, pe, stage)
	if err != nil {
		return retry.Result{}, err
	}

	run, err := j.ledger.GetOrCreateRunFor(ctx, pe, continuation)
	if err != nil {
		return retry.Result{}, err
	}

	specs := make([]*ledger.TargetSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, &ledger.TargetSpec{
			Name:      name,
			CommitSHA: commit,
			Status:    initialStatus[stage],
		})
	}

	g, err := j.ledger.CreateGroup(ctx, run, stage, specs)
	if err != nil {
		return retry.Result{}, err
	}

	rep := j.reporterFor(project, pe, commit)

	var errs *multierror.Error
	for _, t := range g.Targets {
		j.reportTarget(ctx, rep, t, "")

		if err := j.scheduler.Schedule(ctx, TaskSubmitTarget, retry.Kwargs{retry.KwargTargetID: t.ID}, 0); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("scheduling submission of %s failed: %w", t, err))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return retry.Result{}, err
	}

	logger.Info(
		"stage targets created",
		logfields.Event("stage_job_created"),
		logfields.RunID(g.Run.ID),
		logfields.GroupID(g.Group.ID),
		zap.Int("target_count", len(g.Targets)),
	)

	return retry.Completed(), nil
}

// upstreamRun returns the most recent run of the project event that
// references a group of a stage the stage depends on, nil if none exists.
func (j *Jobs) upstreamRun(ctx context.Context, pe *model.ProjectEvent, stage model.Stage) (*model.Run, error) {
	upstream := stage.Upstream()
	if len(upstream) == 0 {
		return nil, nil
	}

	runs, err := j.store.ListRunsByProjectEvent(ctx, pe.ID)
	if err != nil {
		return nil, err
	}

	for i := len(runs) - 1; i >= 0; i-- {
		for _, us := range upstream {
			if runs[i].GroupID(us) != 0 {
				return runs[i], nil
			}
		}
	}

	return nil, nil
}

// submitTarget submits one target to the external system of its stage.
// Targets that were already submitted or are in a final state are skipped,
// this makes resubmitted tasks idempotent.
func (j *Jobs) submitTarget(ctx context.Context, task *taskqueue.Task) (retry.Result, error) {
	targetID, err := requiredInt64(task.Kwargs, retry.KwargTargetID)
	if err != nil {
		return retry.Result{}, err
	}

	t, err := j.store.GetTarget(ctx, targetID)
	if err != nil {
		return retry.Result{}, fmt.Errorf("retrieving target %d failed: %w", targetID, err)
	}

	logger := j.logger.With(
		logfields.TaskID(task.ID),
		logfields.TargetID(t.ID),
		logfields.Stage(string(t.Stage)),
		logfields.Target(t.Name),
	)

	if t.ExternalID != "" || statemachine.IsFinalState(t.Stage, t.Status) || t.Status == model.StatusCancelRequested {
		logger.Debug(
			"target was already submitted or finished",
			logfields.Event("submit_target_skipped"),
			logfields.Status(string(t.Status)),
		)

		return retry.Completed(), nil
	}

	rep, pe, err := j.reporterForTarget(ctx, t)
	if err != nil {
		return retry.Result{}, err
	}

	project, err := j.store.GetProject(ctx, pe.ProjectID)
	if err != nil {
		return retry.Result{}, err
	}

	bs, err := j.backends.Get(t.Stage)
	if err != nil {
		return retry.Result{}, err
	}

	var sub *backend.Submission
	res, err := j.controller.Run(ctx, &retry.Attempt{
		TaskName:  task.Name,
		Kwargs:    task.Kwargs,
		Reporter:  rep,
		CheckName: checkName(t.Stage, t.Name),
		Action:    "Submitting the " + stageNames[t.Stage],
	}, func(ctx context.Context) error {
		var err error
		sub, err = bs.Submit(ctx, &backend.SubmitRequest{
			Stage:       t.Stage,
			Targets:     []string{t.Name},
			ProjectURL:  project.ProjectURL,
			CommitSHA:   t.CommitSHA,
			Owner:       t.Owner,
			ProjectName: t.ProjectName,
			Identifier:  t.Identifier,
			Scratch:     t.Scratch,
			Data:        t.Data,
		})
		return err
	})
	if err != nil {
		return retry.Result{}, err
	}

	switch res.Outcome {
	case retry.OutcomeRetryRequested:
		if m, err := statemachine.For(t.Stage); err == nil && m.Valid(model.StatusRetry) {
			if _, err := j.ledger.SetStatus(ctx, t, model.StatusRetry); err != nil {
				return res, err
			}
		}

		return res, nil

	case retry.OutcomeFailed:
		if _, err := j.ledger.SetStatus(ctx, t, model.StatusError); err != nil {
			return res, err
		}

		return res, nil
	}

	if err := j.ledger.SetSubmitted(ctx, t, sub.ExternalID, sub.WebURL); err != nil {
		return retry.Result{}, fmt.Errorf("recording submission of %s failed: %w", t, err)
	}

	if st, exists := submittedStatus[t.Stage]; exists {
		if _, err := j.ledger.SetStatus(ctx, t, st); err != nil {
			return retry.Result{}, err
		}
	}

	logger.Info(
		"target submitted",
		logfields.Event("target_submitted"),
		logfields.ExternalID(sub.ExternalID),
	)

	j.reportTarget(ctx, rep, t, "")

	return retry.Completed(), nil
}
