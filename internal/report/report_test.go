package report_test

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/report"
	"github.com/simplesurance/runledger/internal/report/mocks"
)

type onceRetryRunner struct {
	calls int
}

func (r *onceRetryRunner) Run(ctx context.Context, fn func(context.Context) error, _ []zap.Field) error {
	for {
		r.calls++
		err := fn(ctx)
		if err == nil || r.calls > 1 {
			return err
		}
	}
}

func TestRetryingFactoryRetries(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	rep := mocks.NewMockReporter(mockctrl)
	factory := mocks.NewMockFactory(mockctrl)

	project := model.Project{Namespace: "packit", RepoName: "ogr"}
	status := report.Status{State: report.StatePending, CheckName: "rpm-build:fedora-rawhide-x86_64"}

	factory.EXPECT().ReporterFor(gomock.Eq(&project), gomock.Eq("abc"), gomock.Eq(1)).Return(rep)
	gomock.InOrder(
		rep.EXPECT().Report(gomock.Any(), gomock.Eq(&status)).Return(errors.New("503")),
		rep.EXPECT().Report(gomock.Any(), gomock.Eq(&status)).Return(nil),
	)

	runner := onceRetryRunner{}
	err := report.NewRetryingFactory(factory, &runner).
		ReporterFor(&project, "abc", 1).
		Report(context.Background(), &status)
	require.NoError(t, err)
	assert.Equal(t, 2, runner.calls)
}

func TestDryFactory(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := report.NewDryFactory().ReporterFor(&model.Project{Namespace: "packit", RepoName: "ogr"}, "abc", 0)
	assert.NoError(t, r.Report(context.Background(), &report.Status{State: report.StateSuccess}))
}

func TestCommentIsPassedThroughRetryingReporter(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	project := model.Project{Namespace: "packit", RepoName: "ogr"}
	r := report.NewRetryingFactory(report.NewDryFactory(), &onceRetryRunner{}).ReporterFor(&project, "abc", 3)

	assert.NoError(t, report.Comment(context.Background(), r, "No successful builds found"))
}

func TestCommentUnsupported(t *testing.T) {
	err := report.Comment(context.Background(), report.Nop{}, "hello")
	assert.ErrorIs(t, err, report.ErrCommentsUnsupported)
}
