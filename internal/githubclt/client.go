// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/go-github/v43/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/runledger/internal/goorderr"
	"github.com/simplesurance/runledger/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// maxDescriptionLen is the maximum length of a commit status description
// that github accepts.
const maxDescriptionLen = 140

// New returns a new github api client.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is an github API client.
// All methods return a goorderr.RetryableError when an operation can be retried.
// This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// CreateCommitStatus creates or updates the commit status with the context
// for the commit.
// state must be one of "error", "failure", "pending" or "success".
func (clt *Client) CreateCommitStatus(ctx context.Context, owner, repo, commit, state, statusContext, description, targetURL string) error {
	status := github.RepoStatus{
		State:       &state,
		Context:     &statusContext,
		Description: github.String(truncate(description, maxDescriptionLen)),
	}

	if targetURL != "" {
		status.TargetURL = &targetURL
	}

	_, _, err := clt.restClt.Repositories.CreateStatus(ctx, owner, repo, commit, &status)
	if err != nil {
		return clt.wrapRetryableErrors(err)
	}

	clt.logger.Debug(
		"commit status created",
		logfields.Event("github_commit_status_created"),
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.Commit(commit),
		zap.String("github.status_context", statusContext),
		zap.String("github.status_state", state),
	)

	return nil
}

// CreateIssueComment creates a comment in a issue or pull request
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}

	return string(r[:maxLen-3]) + "..."
}

func (clt *Client) wrapRetryableErrors(err error) error {
	var rateLimitErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	var respErr *github.ErrorResponse

	switch {
	case err == nil:
		return nil

	case errors.As(err, &rateLimitErr):
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", rateLimitErr.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", rateLimitErr.Rate.Reset.Time),
		)

		return goorderr.NewRetryableError(err, rateLimitErr.Rate.Reset.Time)

	case errors.As(err, &abuseErr):
		clt.logger.Info(
			"secondary rate limit exceeded",
			logfields.Event("github_api_secondary_rate_limit_exceeded"),
			zap.Durationp("github_api_retry_after", abuseErr.RetryAfter),
		)

		if abuseErr.RetryAfter != nil {
			return goorderr.NewRetryableError(err, time.Now().Add(*abuseErr.RetryAfter))
		}

		return goorderr.NewRetryableAnytimeError(err)

	case errors.As(err, &respErr):
		if respErr.Response == nil {
			return err
		}

		code := respErr.Response.StatusCode
		if code >= 500 && code < 600 {
			return goorderr.NewRetryableAnytimeError(err)
		}

		reason := http.StatusText(code)
		if respErr.Message != "" {
			reason += ": " + respErr.Message
		}

		return goorderr.NewPermanentError(err, reason)
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			logfields.Event("github_graphql_status_code_parse_failed"),
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return goorderr.NewRetryableAnytimeError(err)
	}

	return err
}
