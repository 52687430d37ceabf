package jobs

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/report"
)

// multiCheckReporter reports the same status for multiple checks.
type multiCheckReporter struct {
	reporter   report.Reporter
	checkNames []string
}

func (r *multiCheckReporter) Report(ctx context.Context, status *report.Status) error {
	var errs *multierror.Error

	for _, name := range r.checkNames {
		st := *status
		st.CheckName = name

		if err := r.reporter.Report(ctx, &st); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	return errs.ErrorOrNil()
}

func checkNames(targets ...*model.Target) []string {
	result := make([]string, 0, len(targets))
	for _, t := range targets {
		result = append(result, checkName(t.Stage, t.Name))
	}

	return result
}

func (j *Jobs) reporterFor(project *model.Project, pe *model.ProjectEvent, commit string) report.Reporter {
	return j.reporters.ReporterFor(project, commit, prID(pe))
}

// reporterForTarget returns the reporter for the commit of the target.
func (j *Jobs) reporterForTarget(ctx context.Context, t *model.Target) (report.Reporter, *model.ProjectEvent, error) {
	pe, _, err := j.ledger.ProjectEventForTarget(ctx, t)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieving project event of %s failed: %w", t, err)
	}

	project, err := j.store.GetProject(ctx, pe.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieving project %d failed: %w", pe.ProjectID, err)
	}

	return j.reporterFor(project, pe, t.CommitSHA), pe, nil
}

// reportTarget reports the current status of the target. Failures are
// logged, not returned, a missed status report must not fail the
// processing of the notification.
func (j *Jobs) reportTarget(ctx context.Context, rep report.Reporter, t *model.Target, description string) {
	if description == "" {
		description = statusDescription(t.Stage, t.Status)
	}

	url := t.WebURL
	if url == "" {
		url = t.LogsURL
	}

	err := rep.Report(ctx, &report.Status{
		State:       reportState(t.Status),
		Description: description,
		CheckName:   checkName(t.Stage, t.Name),
		URL:         url,
	})
	if err != nil {
		j.logger.Warn(
			"reporting target status failed",
			logfields.Event("target_status_report_failed"),
			logfields.TargetID(t.ID),
			logfields.Stage(string(t.Stage)),
			logfields.Target(t.Name),
			zap.Error(err),
		)
	}
}

func (j *Jobs) reportTargets(ctx context.Context, rep report.Reporter, targets []*model.Target, description string) {
	for _, t := range targets {
		j.reportTarget(ctx, rep, t, description)
	}
}
