// Package report defines how the state of work is reported back to the
// forge, e.g. as commit statuses.
package report

//go:generate mockgen -package mocks -destination mocks/report.go . Reporter,Factory

import (
	"context"
	"errors"

	"github.com/simplesurance/runledger/internal/model"
)

// State is the reported state of a check.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFailure State = "failure"
	StateError   State = "error"
	StateNeutral State = "neutral"
)

// Status is the state of one check.
type Status struct {
	State       State
	Description string
	CheckName   string
	URL         string
}

// Reporter reports statuses for a commit.
type Reporter interface {
	Report(ctx context.Context, status *Status) error
}

// Factory returns Reporters for commits of projects.
// prID is 0 if the commit does not belong to a pull request.
type Factory interface {
	ReporterFor(project *model.Project, commitSHA string, prID int) Reporter
}

// Nop is a Reporter that discards all statuses.
type Nop struct{}

func (Nop) Report(context.Context, *Status) error {
	return nil
}

// Commenter is implemented by Reporters that can post comments on the pull
// request of the commit.
type Commenter interface {
	Comment(ctx context.Context, body string) error
}

// ErrCommentsUnsupported is returned by Comment when the Reporter can not
// post comments.
var ErrCommentsUnsupported = errors.New("reporter does not support comments")

// Comment posts body via r if it implements Commenter.
func Comment(ctx context.Context, r Reporter, body string) error {
	c, ok := r.(Commenter)
	if !ok {
		return ErrCommentsUnsupported
	}

	return c.Comment(ctx, body)
}
