package githubclt

import (
	"context"
	"errors"

	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/report"
)

// StatusFactory returns Reporters that report statuses as github commit
// statuses.
type StatusFactory struct {
	clt *Client
}

func NewStatusFactory(clt *Client) *StatusFactory {
	return &StatusFactory{clt: clt}
}

func (f *StatusFactory) ReporterFor(project *model.Project, commitSHA string, prID int) report.Reporter {
	return &statusReporter{
		clt:    f.clt,
		owner:  project.Namespace,
		repo:   project.RepoName,
		commit: commitSHA,
		prID:   prID,
	}
}

type statusReporter struct {
	clt    *Client
	owner  string
	repo   string
	commit string
	prID   int
}

func (r *statusReporter) Report(ctx context.Context, status *report.Status) error {
	if r.commit == "" {
		return errors.New("can not report status, commit is unknown")
	}

	return r.clt.CreateCommitStatus(
		ctx,
		r.owner,
		r.repo,
		r.commit,
		commitStatusState(status.State),
		status.CheckName,
		status.Description,
		status.URL,
	)
}

// Comment creates a comment on the pull request. If the commit is not part
// of a pull request report.ErrCommentsUnsupported is returned.
func (r *statusReporter) Comment(ctx context.Context, body string) error {
	if r.prID <= 0 {
		return report.ErrCommentsUnsupported
	}

	return r.clt.CreateIssueComment(ctx, r.owner, r.repo, r.prID, body)
}

// commitStatusState converts the state to one of the states github commit
// statuses support. Github has no running and neutral state for commit
// statuses.
func commitStatusState(s report.State) string {
	switch s {
	case report.StatePending, report.StateRunning:
		return "pending"
	case report.StateSuccess, report.StateNeutral:
		return "success"
	case report.StateFailure:
		return "failure"
	default:
		return "error"
	}
}
