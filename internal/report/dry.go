package report

import (
	"context"

	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/model"
)

// DryFactory returns Reporters that only log the statuses.
type DryFactory struct {
	logger *zap.Logger
}

func NewDryFactory() *DryFactory {
	return &DryFactory{
		logger: zap.L().Named("dry_reporter"),
	}
}

func (f *DryFactory) ReporterFor(project *model.Project, commitSHA string, prID int) Reporter {
	return &dryReporter{
		logger: f.logger.With(
			logfields.RepositoryOwner(project.Namespace),
			logfields.Repository(project.RepoName),
			logfields.Commit(commitSHA),
			logfields.PullRequest(prID),
		),
	}
}

type dryReporter struct {
	logger *zap.Logger
}

func (r *dryReporter) Report(_ context.Context, status *Status) error {
	r.logger.Info(
		"simulated reporting status",
		logfields.Event("dry_report"),
		zap.String("report.state", string(status.State)),
		zap.String("report.description", status.Description),
		zap.String("report.check_name", status.CheckName),
		zap.String("report.url", status.URL),
	)

	return nil
}

func (r *dryReporter) Comment(_ context.Context, body string) error {
	r.logger.Info(
		"simulated posting comment",
		logfields.Event("dry_comment"),
		zap.String("report.comment", body),
	)

	return nil
}
