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
	"github.com/simplesurance/runledger/internal/report"
	"github.com/simplesurance/runledger/internal/retry"
	"github.com/simplesurance/runledger/internal/statemachine"
	"github.com/simplesurance/runledger/internal/taskqueue"
)

// coprBuild creates a run with an SRPM target and a copr build group and
// submits the build.
// A retried task resumes the run referenced by the run_id argument.
func (j *Jobs) coprBuild(ctx context.Context, task *taskqueue.Task) (retry.Result, error) {
	pe, project, commit, err := j.projectEventArgs(ctx, task.Kwargs)
	if err != nil {
		return retry.Result{}, err
	}

	logger := j.logger.With(
		logfields.TaskID(task.ID),
		logfields.ProjectEventID(pe.ID),
		logfields.Commit(commit),
	)

	rep := j.reporterFor(project, pe, commit)

	var srpm *model.Target
	var builds []*model.Target
	var run *model.Run

	runID, resumed, err := task.Kwargs.Int64(retry.KwargRunID)
	if err != nil {
		return retry.Result{}, err
	}

	if resumed {
		run, srpm, builds, err = j.resumeBuildRun(ctx, runID)
		if err != nil {
			return retry.Result{}, err
		}

		if srpm.ExternalID != "" || statemachine.IsFinalState(srpm.Stage, srpm.Status) {
			logger.Debug(
				"build of run was already submitted",
				logfields.Event("copr_build_already_submitted"),
				logfields.RunID(run.ID),
			)

			return retry.Completed(), nil
		}
	} else {
		inProgress, err := j.srpmInProgress(ctx, pe, commit)
		if err != nil {
			return retry.Result{}, err
		}

		failedOnly := kwargBool(task.Kwargs, kwargFailedOnly)
		if inProgress && !failedOnly {
			logger.Info(
				"build for commit is already in progress, not starting another one",
				logfields.Event("copr_build_in_progress"),
			)

			return retry.Completed(), nil
		}

		chroots, err := j.coprTargets(ctx, pe, commit, failedOnly)
		if err != nil {
			return retry.Result{}, err
		}

		if len(chroots) == 0 {
			logger.Info("no build targets", logfields.Event("copr_build_no_targets"))
			return retry.Completed(), nil
		}

		srpm, run, err = j.ledger.StartSRPMRun(ctx, pe, commit)
		if err != nil {
			return retry.Result{}, err
		}

		var data map[string]string
		if kwargBool(task.Kwargs, kwargWithTests) {
			data = map[string]string{dataWithTests: "true"}
		}

		specs := make([]*ledger.TargetSpec, 0, len(chroots))
		for _, c := range chroots {
			specs = append(specs, &ledger.TargetSpec{
				Name:        c,
				CommitSHA:   commit,
				Owner:       j.coprOwner,
				ProjectName: coprProjectName(project, pe),
				Data:        data,
			})
		}

		g, err := j.ledger.CreateGroup(ctx, run, model.StageCoprBuild, specs)
		if err != nil {
			return retry.Result{}, err
		}

		builds = g.Targets
		j.reportTarget(ctx, rep, srpm, "SRPM build is waiting to be submitted")
		j.reportTargets(ctx, rep, builds, "RPM build is waiting for the SRPM build")
	}

	logger = logger.With(logfields.RunID(run.ID))

	bs, err := j.backends.Get(model.StageCoprBuild)
	if err != nil {
		return retry.Result{}, err
	}

	all := append([]*model.Target{srpm}, builds...)
	names := make([]string, 0, len(builds))
	for _, b := range builds {
		names = append(names, b.Name)
	}

	var sub *backend.Submission
	res, err := j.controller.Run(ctx, &retry.Attempt{
		TaskName: task.Name,
		Kwargs:   task.Kwargs.With(retry.KwargRunID, run.ID),
		Reporter: &multiCheckReporter{reporter: rep, checkNames: checkNames(all...)},
		Action:   "Submitting the RPM build",
	}, func(ctx context.Context) error {
		var err error
		sub, err = bs.Submit(ctx, &backend.SubmitRequest{
			Stage:       model.StageCoprBuild,
			Targets:     names,
			ProjectURL:  project.ProjectURL,
			CommitSHA:   commit,
			Owner:       builds[0].Owner,
			ProjectName: builds[0].ProjectName,
		})
		return err
	})
	if err != nil {
		return retry.Result{}, err
	}

	switch res.Outcome {
	case retry.OutcomeRetryRequested:
		return res, nil

	case retry.OutcomeFailed:
		if _, err := j.ledger.FailUnfinished(ctx, all, model.StatusError); err != nil {
			return res, err
		}

		return res, nil
	}

	var errs *multierror.Error
	for _, t := range all {
		if err := j.ledger.SetSubmitted(ctx, t, sub.ExternalID, sub.WebURL); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("recording submission of %s failed: %w", t, err))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return retry.Result{}, err
	}

	logger.Info(
		"copr build submitted",
		logfields.Event("copr_build_submitted"),
		logfields.ExternalID(sub.ExternalID),
		zap.Strings("chroots", names),
	)

	j.reportTarget(ctx, rep, srpm, "SRPM build was submitted")

	return retry.Completed(), nil
}

func (j *Jobs) resumeBuildRun(ctx context.Context, runID int64) (*model.Run, *model.Target, []*model.Target, error) {
	run, err := j.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("retrieving run %d failed: %w", runID, err)
	}

	srpm, err := j.store.GetTarget(ctx, run.SRPMBuildID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("retrieving srpm of run %d failed: %w", runID, err)
	}

	builds, err := j.ledger.GroupTargets(ctx, run, model.StageCoprBuild)
	if err != nil {
		return nil, nil, nil, err
	}

	if len(builds) == 0 {
		return nil, nil, nil, fmt.Errorf("run %d has no copr builds", runID)
	}

	return run, srpm, builds, nil
}

// srpmInProgress returns true if a run of the project event has an
// unfinished SRPM build for the commit.
func (j *Jobs) srpmInProgress(ctx context.Context, pe *model.ProjectEvent, commit string) (bool, error) {
	runs, err := j.store.ListRunsByProjectEvent(ctx, pe.ID)
	if err != nil {
		return false, err
	}

	for _, run := range runs {
		if run.SRPMBuildID == 0 {
			continue
		}

		srpm, err := j.store.GetTarget(ctx, run.SRPMBuildID)
		if err != nil {
			return false, err
		}

		if srpm.CommitSHA == commit && !statemachine.IsFinalState(srpm.Stage, srpm.Status) {
			return true, nil
		}
	}

	return false, nil
}

// coprTargets returns the chroots to build. If failedOnly is true, only
// the chroots whose most recent build of the commit failed are returned.
func (j *Jobs) coprTargets(ctx context.Context, pe *model.ProjectEvent, commit string, failedOnly bool) ([]string, error) {
	all := j.mapper.BuildTargets()
	if !failedOnly {
		return all, nil
	}

	failed, err := j.matcher.FailedTargetNames(ctx, pe, commit, model.StageCoprBuild, model.StatusFailure, model.StatusError)
	if err != nil {
		return nil, err
	}

	if len(failed) == 0 {
		return all, nil
	}

	return failed, nil
}

// scheduleTestsForBuild schedules the tests that consume the artifacts of
// the successful build.
func (j *Jobs) scheduleTestsForBuild(ctx context.Context, build *model.Target, pe *model.ProjectEvent) error {
	kw := j.eventArgs(pe, build.CommitSHA)
	kw[kwargBuildTarget] = build.Name

	if err := j.scheduler.Schedule(ctx, TaskTests, kw, 0); err != nil {
		return fmt.Errorf("scheduling tests for %s failed: %w", build, err)
	}

	j.logger.Debug(
		"tests for build scheduled",
		logfields.Event("tests_for_build_scheduled"),
		logfields.TargetID(build.ID),
		logfields.Target(build.Name),
		logfields.PullRequest(prID(pe)),
	)

	return nil
}

var _ report.Reporter = &multiCheckReporter{}
