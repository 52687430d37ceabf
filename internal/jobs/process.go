package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/correlation"
	"github.com/simplesurance/runledger/internal/event"
	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/retry"
	"github.com/simplesurance/runledger/internal/taskqueue"
)

// Enqueue validates the event and schedules its processing.
func (j *Jobs) Enqueue(ctx context.Context, ev *event.Dict) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	buf, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event failed: %w", err)
	}

	return j.scheduler.Schedule(ctx, TaskProcessEvent, retry.Kwargs{kwargEvent: string(buf)}, 0)
}

// job is a job that is scheduled for an event.
type job struct {
	Type       JobType
	FailedOnly bool
	OtherPR    string
}

func (j *Jobs) processEvent(ctx context.Context, task *taskqueue.Task) (retry.Result, error) {
	ev, err := event.FromJSON([]byte(task.Kwargs.String(kwargEvent)))
	if err != nil {
		j.logger.Warn(
			"ignoring invalid event",
			logfields.Event("event_invalid"),
			logfields.TaskID(task.ID),
			zap.Error(err),
		)

		return retry.Failed(err.Error()), nil
	}

	logger := j.logger.With(ev.LogFields()...)

	if ev.IsResult() {
		return j.processResult(ctx, ev)
	}

	jobs, err := j.jobsFor(ctx, ev)
	if err != nil {
		return retry.Result{}, err
	}

	if len(jobs) == 0 && !isNewPRCommit(ev) {
		logger.Debug("no jobs for event", logfields.Event("event_no_jobs"))
		return retry.Completed(), nil
	}

	var pe *model.ProjectEvent
	var project *model.Project

	res, err := j.controller.Run(ctx, &retry.Attempt{
		TaskName: task.Name,
		Kwargs:   task.Kwargs,
		Action:   "Resolving the project",
	}, func(ctx context.Context) error {
		var err error
		pe, project, err = j.resolver.ResolveDict(ctx, ev)
		return err
	})
	if err != nil || res.Outcome != retry.OutcomeCompleted {
		return res, err
	}

	logger = logger.With(
		logfields.ProjectEventID(pe.ID),
		logfields.RepositoryOwner(project.Namespace),
		logfields.Repository(project.RepoName),
	)

	commit := ev.CommitSHA
	if commit == "" {
		commit, err = j.matcher.LatestCommit(ctx, pe)
		if err != nil {
			return retry.Result{}, err
		}
	}

	if commit == "" {
		logger.Warn(
			"commit of event is unknown, no jobs are scheduled",
			logfields.Event("event_commit_unknown"),
		)

		return retry.Failed("commit of the event is unknown"), nil
	}

	if isNewPRCommit(ev) {
		if err := j.cancelSupersededTests(ctx, pe, commit); err != nil {
			logger.Warn(
				"canceling tests of previous commits failed",
				logfields.Event("cancel_superseded_tests_failed"),
				zap.Error(err),
			)
		}
	}

	var errs *multierror.Error
	withTests := containsJob(jobs, JobTests)

	for _, jb := range jobs {
		kw := j.eventArgs(pe, commit)
		taskName := ""

		switch jb.Type {
		case JobCoprBuild:
			taskName = TaskCoprBuild
			kw[kwargWithTests] = withTests
			kw[kwargFailedOnly] = jb.FailedOnly

		case JobTests:
			if containsJob(jobs, JobCoprBuild) {
				// tests are triggered when the builds finished
				continue
			}

			taskName = TaskTests
			kw[kwargFailedOnly] = jb.FailedOnly
			if jb.OtherPR != "" {
				kw[kwargOtherPR] = jb.OtherPR
			}

		default:
			stage, err := jobStage(jb.Type)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}

			taskName = TaskStageJob
			kw[kwargStage] = string(stage)
		}

		if err := j.scheduler.Schedule(ctx, taskName, kw, 0); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("scheduling %s failed: %w", taskName, err))
			continue
		}

		logger.Info(
			"job scheduled",
			logfields.Event("job_scheduled"),
			zap.String("job", string(jb.Type)),
			logfields.TaskName(taskName),
		)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return retry.Result{}, err
	}

	return retry.Completed(), nil
}

func isNewPRCommit(ev *event.Dict) bool {
	return ev.Type == event.TypePullRequest && ev.Action == "synchronize"
}

func containsJob(jobs []*job, jt JobType) bool {
	for _, jb := range jobs {
		if jb.Type == jt {
			return true
		}
	}

	return false
}

func jobStage(jt JobType) (model.Stage, error) {
	switch jt {
	case JobCoprBuild:
		return model.StageCoprBuild, nil
	case JobTests:
		return model.StageTestRun, nil
	case JobKojiBuild:
		return model.StageKojiBuild, nil
	case JobVMImageBuild:
		return model.StageVMImageBuild, nil
	case JobBodhiUpdate:
		return model.StageBodhiUpdate, nil
	case JobOSHScan:
		return model.StageOSHScan, nil
	case JobProposeDownstream:
		return model.StageSyncRelease, nil
	default:
		return "", fmt.Errorf("job %s has no stage", jt)
	}
}

// jobsFor returns the jobs for the event. For comments the jobs are
// determined by the command in the comment, for other events by the rules.
func (j *Jobs) jobsFor(ctx context.Context, ev *event.Dict) ([]*job, error) {
	switch ev.Type {
	case event.TypePullRequestComment, event.TypeIssueComment:
		return commentJobs(ev), nil
	}

	types, err := j.rules.Jobs(ctx, ev)
	if err != nil {
		return nil, err
	}

	result := make([]*job, 0, len(types))
	for _, t := range types {
		result = append(result, &job{Type: t})
	}

	return result, nil
}

func commentJobs(ev *event.Dict) []*job {
	cmd, args, ok := event.ParseComment(ev.Comment)
	if !ok {
		return nil
	}

	if ev.Type == event.TypeIssueComment {
		if cmd == event.CommandProposeDownstream {
			return []*job{{Type: JobProposeDownstream}}
		}

		return nil
	}

	switch cmd {
	case event.CommandBuild:
		return []*job{{Type: JobCoprBuild}, {Type: JobTests}}

	case event.CommandRebuildFailed:
		return []*job{{Type: JobCoprBuild, FailedOnly: true}, {Type: JobTests}}

	case event.CommandTest, event.CommandRetestFailed:
		jb := job{Type: JobTests, FailedOnly: cmd == event.CommandRetestFailed}

		for _, arg := range args {
			if _, err := correlation.ParsePRRef(arg); err == nil {
				jb.OtherPR = arg
				break
			}
		}

		return []*job{&jb}

	case event.CommandProposeDownstream:
		return []*job{{Type: JobProposeDownstream}}

	default:
		return nil
	}
}
