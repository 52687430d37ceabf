package githubclt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v43/github"
	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/runledger/internal/goorderr"
	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/report"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	restClt := github.NewClient(srv.Client())
	baseURL, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	restClt.BaseURL = baseURL

	return &Client{
		logger:     zap.L(),
		restClt:    restClt,
		graphQLClt: githubv4.NewEnterpriseClient(srv.URL+"/graphql", srv.Client()),
	}
}

func TestWrapRetryableErrorsGraphql(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	// is the same then in vendor/github.com/shurcooL/graphql/graphql.go do()
	clt := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(503)
	}))

	ref, err := clt.LookupProject(context.Background(), "https://github.com/packit/ogr")
	require.Error(t, err)
	assert.Nil(t, ref)

	var retryableErr *goorderr.RetryableError
	assert.ErrorAs(t, err, &retryableErr)
}

func TestWrapRetryableErrorsGraphqlWithNonStatusErr(t *testing.T) {
	err := errors.New("error")
	wrappedErr := (&Client{}).wrapGraphQLRetryableErrors(err)
	assert.Equal(t, err, wrappedErr)
}

func TestLookupProjectReturnsCanonicalName(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	clt := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables map[string]string `json:"variables"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		assert.Equal(t, "old-owner", req.Variables["owner"])
		assert.Equal(t, "ogr", req.Variables["name"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"repository":{
			"name":"ogr",
			"nameWithOwner":"packit/ogr",
			"url":"https://github.com/packit/ogr",
			"owner":{"login":"packit"}
		}}}`)
	}))

	ref, err := clt.LookupProject(context.Background(), "https://github.com/old-owner/ogr.git")
	require.NoError(t, err)
	assert.Equal(t, "packit", ref.Namespace)
	assert.Equal(t, "ogr", ref.RepoName)
	assert.Equal(t, "https://github.com/packit/ogr", ref.ProjectURL)
	assert.Equal(t, "https://github.com", ref.InstanceURL)
}

func TestStatusReporterCreatesCommitStatus(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var got github.RepoStatus
	clt := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/packit/ogr/statuses/abc", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{}`)
	}))

	rep := NewStatusFactory(clt).ReporterFor(&model.Project{Namespace: "packit", RepoName: "ogr"}, "abc", 1)
	err := rep.Report(context.Background(), &report.Status{
		State:       report.StateRunning,
		Description: "RPM build is in progress",
		CheckName:   "rpm-build:fedora-rawhide-x86_64",
		URL:         "https://copr.example/100",
	})
	require.NoError(t, err)

	assert.Equal(t, "pending", got.GetState())
	assert.Equal(t, "rpm-build:fedora-rawhide-x86_64", got.GetContext())
	assert.Equal(t, "https://copr.example/100", got.GetTargetURL())
}

func TestCreateCommitStatusErrors(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	code := http.StatusBadGateway
	clt := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, `{"message":"nope"}`)
	}))

	err := clt.CreateCommitStatus(context.Background(), "packit", "ogr", "abc", "success", "ctx", "", "")
	var retryableErr *goorderr.RetryableError
	assert.ErrorAs(t, err, &retryableErr)

	code = http.StatusUnprocessableEntity
	err = clt.CreateCommitStatus(context.Background(), "packit", "ogr", "abc", "success", "ctx", "", "")
	var permErr *goorderr.PermanentError
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, "Unprocessable Entity: nope", permErr.Reason)
}

func TestStatusReporterCommentRequiresPR(t *testing.T) {
	rep := NewStatusFactory(&Client{}).ReporterFor(&model.Project{Namespace: "packit", RepoName: "ogr"}, "abc", 0)
	err := report.Comment(context.Background(), rep, "hi")
	assert.ErrorIs(t, err, report.ErrCommentsUnsupported)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 5))
}

func TestCommitStatusState(t *testing.T) {
	assert.Equal(t, "pending", commitStatusState(report.StateRunning))
	assert.Equal(t, "success", commitStatusState(report.StateNeutral))
	assert.Equal(t, "failure", commitStatusState(report.StateFailure))
	assert.Equal(t, "error", commitStatusState(report.StateError))
}
