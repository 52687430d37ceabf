package report

import (
	"context"

	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/model"
)

// Runner runs a function until it succeeds or a non-retryable error happens.
type Runner interface {
	Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error
}

// RetryingFactory wraps the Reporters of a Factory, failed reports that can
// be retried are retried with Runner.
type RetryingFactory struct {
	factory Factory
	runner  Runner
}

func NewRetryingFactory(f Factory, runner Runner) *RetryingFactory {
	return &RetryingFactory{
		factory: f,
		runner:  runner,
	}
}

func (f *RetryingFactory) ReporterFor(project *model.Project, commitSHA string, prID int) Reporter {
	return &retryingReporter{
		reporter: f.factory.ReporterFor(project, commitSHA, prID),
		runner:   f.runner,
	}
}

type retryingReporter struct {
	reporter Reporter
	runner   Runner
}

func (r *retryingReporter) Report(ctx context.Context, status *Status) error {
	return r.runner.Run(ctx, func(ctx context.Context) error {
		return r.reporter.Report(ctx, status)
	}, []zap.Field{zap.String("report.check_name", status.CheckName)})
}

func (r *retryingReporter) Comment(ctx context.Context, body string) error {
	return r.runner.Run(ctx, func(ctx context.Context) error {
		return Comment(ctx, r.reporter, body)
	}, []zap.Field{zap.Int("report.comment_len", len(body))})
}
