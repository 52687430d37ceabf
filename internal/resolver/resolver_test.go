package resolver_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/runledger/internal/event"
	"github.com/simplesurance/runledger/internal/goorderr"
	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/resolver"
	"github.com/simplesurance/runledger/internal/resolver/mocks"
	"github.com/simplesurance/runledger/internal/store/memstore"
)

func TestResolveIsIdempotent(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := resolver.New(memstore.New(), resolver.URLLookup{})
	desc := event.Descriptor{
		Kind:          model.EventKindPullRequest,
		ForgeObjectID: "342",
		ProjectURL:    "https://github.com/packit/ogr",
		CommitSHA:     "abcdef",
	}

	pe1, p1, err := r.Resolve(context.Background(), &desc)
	require.NoError(t, err)
	pe2, p2, err := r.Resolve(context.Background(), &desc)
	require.NoError(t, err)

	assert.Equal(t, pe1.ID, pe2.ID)
	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, "packit", p1.Namespace)
	assert.Equal(t, "ogr", p1.RepoName)
	assert.Equal(t, "https://github.com", p1.InstanceURL)
}

func TestResolveConcurrentlyReturnsSameEvent(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := resolver.New(memstore.New(), resolver.URLLookup{})
	desc := event.Descriptor{
		Kind:          model.EventKindBranchPush,
		ForgeObjectID: "main",
		ProjectURL:    "https://gitlab.com/redhat/centos-stream/rpms/python-ogr",
		CommitSHA:     "abcdef",
	}

	const workers = 8
	ids := make([]int64, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()

			pe, _, err := r.Resolve(context.Background(), &desc)
			if assert.NoError(t, err) {
				ids[i] = pe.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestNewCommitKeepsProjectEvent(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := resolver.New(memstore.New(), resolver.URLLookup{})
	d := event.Dict{Type: event.TypePullRequest, ProjectURL: "https://github.com/foo/bar", PRID: 42, CommitSHA: "aaa"}

	pe1, _, err := r.ResolveDict(context.Background(), &d)
	require.NoError(t, err)

	d.CommitSHA = "bbb"
	pe2, _, err := r.ResolveDict(context.Background(), &d)
	require.NoError(t, err)

	assert.Equal(t, pe1.ID, pe2.ID)
	assert.Equal(t, "aaa", pe2.CommitSHA)
}

func TestCommentResolvesToPullRequestEvent(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := resolver.New(memstore.New(), resolver.URLLookup{})

	pe1, _, err := r.ResolveDict(context.Background(), &event.Dict{
		Type:       event.TypePullRequest,
		ProjectURL: "https://github.com/foo/bar",
		PRID:       42,
		CommitSHA:  "aaa",
	})
	require.NoError(t, err)

	pe2, _, err := r.ResolveDict(context.Background(), &event.Dict{
		Type:       event.TypePullRequestComment,
		ProjectURL: "https://github.com/foo/bar",
		PRID:       42,
		Comment:    "/packit rebuild-failed",
	})
	require.NoError(t, err)

	assert.Equal(t, pe1.ID, pe2.ID)
	assert.Equal(t, "aaa", pe2.CommitSHA)
}

func TestLookupFailureReturnsProjectResolutionError(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	lookup := mocks.NewMockProjectLookup(mockctrl)
	lookup.EXPECT().
		LookupProject(gomock.Any(), gomock.Eq("https://github.com/packit/gone")).
		Return(nil, errors.New("repository not found"))

	r := resolver.New(memstore.New(), lookup)

	_, _, err := r.Resolve(context.Background(), &event.Descriptor{
		Kind:          model.EventKindPullRequest,
		ForgeObjectID: "1",
		ProjectURL:    "https://github.com/packit/gone",
	})

	var resErr *resolver.ProjectResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "https://github.com/packit/gone", resErr.ProjectURL)
}

func TestRetryableLookupFailureIsNotAResolutionError(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	lookup := mocks.NewMockProjectLookup(mockctrl)
	lookup.EXPECT().
		LookupProject(gomock.Any(), gomock.Any()).
		Return(nil, goorderr.NewRetryableAnytimeError(errors.New("503")))

	r := resolver.New(memstore.New(), lookup)

	_, _, err := r.Resolve(context.Background(), &event.Descriptor{
		Kind:          model.EventKindPullRequest,
		ForgeObjectID: "1",
		ProjectURL:    "https://github.com/packit/ogr",
	})

	var resErr *resolver.ProjectResolutionError
	assert.False(t, errors.As(err, &resErr))

	var retryErr *goorderr.RetryableError
	assert.ErrorAs(t, err, &retryErr)
}

func TestInvalidDescriptor(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := resolver.New(memstore.New(), resolver.URLLookup{})

	_, _, err := r.ResolveDict(context.Background(), &event.Dict{Type: event.TypePush, ProjectURL: "https://github.com/packit/ogr"})

	var resErr *resolver.ProjectResolutionError
	assert.ErrorAs(t, err, &resErr)
}

func TestParseProjectURL(t *testing.T) {
	ref, err := resolver.ParseProjectURL("https://gitlab.com/redhat/centos-stream/rpms/python-ogr.git")
	require.NoError(t, err)
	assert.Equal(t, "redhat/centos-stream/rpms", ref.Namespace)
	assert.Equal(t, "python-ogr", ref.RepoName)
	assert.Equal(t, "https://gitlab.com", ref.InstanceURL)
	assert.Equal(t, "https://gitlab.com/redhat/centos-stream/rpms/python-ogr", ref.ProjectURL)

	_, err = resolver.ParseProjectURL("https://github.com/packit")
	assert.Error(t, err)

	_, err = resolver.ParseProjectURL("github.com/packit/ogr")
	assert.Error(t, err)
}

func TestHostLookup(t *testing.T) {
	mockctrl := gomock.NewController(t)
	gh := mocks.NewMockProjectLookup(mockctrl)
	gh.EXPECT().
		LookupProject(gomock.Any(), gomock.Eq("https://github.com/Packit/OGR")).
		Return(&resolver.ProjectRef{Namespace: "packit", RepoName: "ogr", InstanceURL: "https://github.com", ProjectURL: "https://github.com/packit/ogr"}, nil)

	l := resolver.NewHostLookup(resolver.URLLookup{})
	l.Register("GitHub.com", gh)

	ref, err := l.LookupProject(context.Background(), "https://github.com/Packit/OGR")
	require.NoError(t, err)
	assert.Equal(t, "ogr", ref.RepoName)

	ref, err = l.LookupProject(context.Background(), "https://src.fedoraproject.org/rpms/ogr")
	require.NoError(t, err)
	assert.Equal(t, "rpms", ref.Namespace)
}
