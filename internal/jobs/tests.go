package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/correlation"
	"github.com/simplesurance/runledger/internal/ledger"
	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/report"
	"github.com/simplesurance/runledger/internal/retry"
	"github.com/simplesurance/runledger/internal/taskqueue"
)

// tests creates test targets for the test targets whose builds succeeded
// and schedules their submission.
// The test group is attached to the run of the build, if that run already
// has a test group it is cloned.
// When the builds for some test targets are missing or failed, a new copr
// build is triggered, the tests are created when it finished.
func (j *Jobs) tests(ctx context.Context, task *taskqueue.Task) (retry.Result, error) {
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

	testTargets, err := j.testTargets(ctx, pe, commit, task.Kwargs)
	if err != nil {
		return retry.Result{}, err
	}

	if len(testTargets) == 0 {
		logger.Debug("no test targets", logfields.Event("tests_no_targets"))
		return retry.Completed(), nil
	}

	var otherBuilds map[string]*model.Target
	if ref := task.Kwargs.String(kwargOtherPR); ref != "" {
		otherBuilds, err = j.otherPRBuilds(ctx, project, ref)
		if err != nil {
			if errors.Is(err, correlation.ErrNoBuilds) {
				desc := fmt.Sprintf("No successful builds found in %s", ref)
				j.reportChecks(ctx, rep, model.StageTestRun, testTargets, report.StateError, desc)
				j.comment(ctx, rep, desc+", the tests were not started.")
				return retry.Failed(desc), nil
			}

			return retry.Result{}, err
		}
	}

	matches, err := j.matcher.MatchBuilds(ctx, j.mapper, &correlation.BuildQuery{
		Stage:       model.StageCoprBuild,
		Owner:       j.coprOwner,
		ProjectName: coprProjectName(project, pe),
		CommitSHA:   commit,
		BuildTarget: task.Kwargs.String(kwargBuildTarget),
	}, testTargets)
	if err != nil {
		return retry.Result{}, err
	}

	var ready []*correlation.Match
	var waiting []string
	needsBuild := false

	for _, m := range matches {
		switch {
		case m.Ready():
			ready = append(ready, m)
		case m.NeedsBuild():
			needsBuild = true
			waiting = append(waiting, m.TestTarget)
		default:
			waiting = append(waiting, m.TestTarget)
		}
	}

	if needsBuild && task.Kwargs.String(kwargBuildTarget) == "" {
		kw := j.eventArgs(pe, commit)
		kw[kwargWithTests] = true
		kw[kwargFailedOnly] = true

		if err := j.scheduler.Schedule(ctx, TaskCoprBuild, kw, 0); err != nil {
			return retry.Result{}, fmt.Errorf("scheduling copr build failed: %w", err)
		}

		logger.Info(
			"builds for tests are missing, copr build scheduled",
			logfields.Event("tests_build_scheduled"),
			zap.Strings("test_targets", waiting),
		)
	}

	if len(waiting) > 0 {
		j.reportChecks(ctx, rep, model.StageTestRun, waiting, report.StatePending, "Waiting for the RPM build")
	}

	if len(ready) == 0 {
		return retry.Completed(), nil
	}

	created, err := j.createTestGroups(ctx, ready, otherBuilds, commit)
	if err != nil {
		return retry.Result{}, err
	}

	var errs *multierror.Error
	for _, t := range created {
		j.reportTarget(ctx, rep, t, "Test run is waiting to be submitted")

		if err := j.scheduler.Schedule(ctx, TaskSubmitTarget, retry.Kwargs{retry.KwargTargetID: t.ID}, 0); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("scheduling submission of %s failed: %w", t, err))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return retry.Result{}, err
	}

	logger.Info(
		"test targets created",
		logfields.Event("tests_created"),
		zap.Int("target_count", len(created)),
	)

	return retry.Completed(), nil
}

func (j *Jobs) testTargets(ctx context.Context, pe *model.ProjectEvent, commit string, kw retry.Kwargs) ([]string, error) {
	if bt := kw.String(kwargBuildTarget); bt != "" {
		return j.mapper.BuildTarget2TestTargets(bt), nil
	}

	if kwargBool(kw, kwargFailedOnly) {
		failed, err := j.matcher.FailedTargetNames(
			ctx, pe, commit, model.StageTestRun,
			model.StatusFailed, model.StatusError, model.StatusNeedsInspection,
		)
		if err != nil {
			return nil, err
		}

		if len(failed) > 0 {
			return failed, nil
		}
	}

	return j.mapper.TestTargets(), nil
}

func (j *Jobs) otherPRBuilds(ctx context.Context, project *model.Project, ref string) (map[string]*model.Target, error) {
	prRef, err := correlation.ParsePRRef(ref)
	if err != nil {
		return nil, err
	}

	return j.matcher.BuildsFromOtherPR(ctx, project.InstanceURL, prRef)
}

// createTestGroups creates one test group per run of the matched builds and
// links the test targets to their builds.
func (j *Jobs) createTestGroups(
	ctx context.Context,
	matches []*correlation.Match,
	otherBuilds map[string]*model.Target,
	commit string,
) ([]*model.Target, error) {
	type runMatches struct {
		runID   int64
		run     *model.Run
		matches []*correlation.Match
	}

	var order []*runMatches
	byRun := map[int64]*runMatches{}

	for _, m := range matches {
		run, err := j.ledger.RunForTarget(ctx, m.Build)
		if err != nil {
			return nil, fmt.Errorf("retrieving run of %s failed: %w", m.Build, err)
		}

		rm, exists := byRun[run.ID]
		if !exists {
			rm = &runMatches{runID: run.ID, run: run}
			byRun[run.ID] = rm
			order = append(order, rm)
		}

		rm.matches = append(rm.matches, m)
	}

	var result []*model.Target

	for _, rm := range order {
		specs := make([]*ledger.TargetSpec, 0, len(rm.matches))
		for _, m := range rm.matches {
			data := map[string]string{
				dataBuildID:     m.Build.ExternalID,
				dataBuildTarget: m.BuildTarget,
			}

			if other, exists := otherBuilds[m.BuildTarget]; exists {
				data[dataOtherBuildID] = other.ExternalID
			}

			specs = append(specs, &ledger.TargetSpec{
				Name:      m.TestTarget,
				CommitSHA: commit,
				Data:      data,
			})
		}

		g, err := j.ledger.CreateGroup(ctx, rm.run, model.StageTestRun, specs)
		if err != nil {
			return nil, err
		}

		for i, t := range g.Targets {
			m := rm.matches[i]

			if err := j.store.LinkTargets(ctx, t.ID, m.Build.ID); err != nil {
				return nil, fmt.Errorf("linking %s to %s failed: %w", t, m.Build, err)
			}

			if other, exists := otherBuilds[m.BuildTarget]; exists {
				if err := j.store.LinkTargets(ctx, t.ID, other.ID); err != nil {
					return nil, fmt.Errorf("linking %s to %s failed: %w", t, other, err)
				}
			}
		}

		result = append(result, g.Targets...)
	}

	return result, nil
}

func (j *Jobs) reportChecks(ctx context.Context, rep report.Reporter, stage model.Stage, targets []string, state report.State, description string) {
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, checkName(stage, t))
	}

	mrep := multiCheckReporter{reporter: rep, checkNames: names}
	if err := mrep.Report(ctx, &report.Status{State: state, Description: description}); err != nil {
		j.logger.Warn(
			"reporting status failed",
			logfields.Event("status_report_failed"),
			logfields.Stage(string(stage)),
			zap.Error(err),
		)
	}
}

// comment posts a comment on the pull request, failures are logged.
func (j *Jobs) comment(ctx context.Context, rep report.Reporter, body string) {
	err := report.Comment(ctx, rep, body)
	if err != nil && !errors.Is(err, report.ErrCommentsUnsupported) {
		j.logger.Warn(
			"posting comment failed",
			logfields.Event("comment_failed"),
			zap.Error(err),
		)
	}
}
