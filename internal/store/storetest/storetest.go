// Package storetest provides a test suite that store.Store implementations
// must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/store"
)

// NewStoreFunc returns an empty store.
type NewStoreFunc func(t *testing.T) store.Store

// Run runs all tests of the suite against stores created by newStore.
func Run(t *testing.T, newStore NewStoreFunc) {
	tests := map[string]func(*testing.T, store.Store){
		"GetOrCreateProjectIsIdempotent":      testGetOrCreateProjectIsIdempotent,
		"GetOrCreateProjectEventIsIdempotent": testGetOrCreateProjectEventIsIdempotent,
		"ConcurrentGetOrCreateProjectEvent":   testConcurrentGetOrCreateProjectEvent,
		"NewCommitKeepsProjectEvent":          testNewCommitKeepsProjectEvent,
		"FirstCommitIsStoredWhenMissing":      testFirstCommitIsStoredWhenMissing,
		"NotFound":                            testNotFound,
		"AttachNewGroupClonesRun":             testAttachNewGroupClonesRun,
		"TargetsMostRecentFirst":              testTargetsMostRecentFirst,
		"TargetExternalIDIsUnique":            testTargetExternalIDIsUnique,
		"CompareAndSetStatus":                 testCompareAndSetStatus,
		"ConcurrentCompareAndSetStatus":       testConcurrentCompareAndSetStatus,
		"UpdateTarget":                        testUpdateTarget,
		"ListTargetsFilter":                   testListTargetsFilter,
		"LinkTargets":                         testLinkTargets,
		"RunBySRPM":                           testRunBySRPM,
	}

	for name, fn := range tests {
		fn := fn
		t.Run(name, func(t *testing.T) {
			fn(t, newStore(t))
		})
	}
}

func newProjectEvent(t *testing.T, s store.Store, prID string) (*model.Project, *model.ProjectEvent) {
	ctx := context.Background()

	p, err := s.GetOrCreateProject(ctx, "packit", "ogr", "https://github.com/packit/ogr", "https://github.com")
	require.NoError(t, err)

	ev, err := s.GetOrCreateProjectEvent(ctx, model.EventKindPullRequest, prID, p.ID, "abcdef")
	require.NoError(t, err)

	return p, ev
}

func newGroup(t *testing.T, s store.Store, stage model.Stage) (*model.TargetGroup, *model.Run) {
	ctx := context.Background()
	_, ev := newProjectEvent(t, s, "1")

	run := model.Run{ProjectEventID: ev.ID}
	require.NoError(t, s.CreateRun(ctx, &run))

	group, run2, err := s.AttachNewGroup(ctx, run.ID, stage)
	require.NoError(t, err)

	return group, run2
}

func testGetOrCreateProjectIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()

	p1, err := s.GetOrCreateProject(ctx, "packit", "ogr", "https://github.com/packit/ogr", "https://github.com")
	require.NoError(t, err)
	p2, err := s.GetOrCreateProject(ctx, "packit", "ogr", "https://github.com/packit/ogr", "https://github.com")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)

	p3, err := s.GetOrCreateProject(ctx, "packit", "ogr", "https://gitlab.com/packit/ogr", "https://gitlab.com")
	require.NoError(t, err)
	assert.NotEqual(t, p1.ID, p3.ID)

	found, err := s.FindProject(ctx, "packit", "ogr", "https://gitlab.com")
	require.NoError(t, err)
	assert.Equal(t, p3.ID, found.ID)
}

func testGetOrCreateProjectEventIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, ev1 := newProjectEvent(t, s, "342")

	ev2, err := s.GetOrCreateProjectEvent(ctx, model.EventKindPullRequest, "342", p.ID, "abcdef")
	require.NoError(t, err)
	assert.Equal(t, ev1.ID, ev2.ID)

	found, err := s.FindProjectEvent(ctx, model.EventKindPullRequest, "342", p.ID)
	require.NoError(t, err)
	assert.Equal(t, ev1.ID, found.ID)

	_, err = s.FindProjectEvent(ctx, model.EventKindPullRequest, "343", p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SetPackagesConfig(ctx, ev1.ID, []byte(`{"jobs":[]}`)))
	ev, err := s.GetProjectEvent(ctx, ev1.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"jobs":[]}`, string(ev.PackagesConfig))
}

func testNewCommitKeepsProjectEvent(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, ev1 := newProjectEvent(t, s, "42")

	ev2, err := s.GetOrCreateProjectEvent(ctx, model.EventKindPullRequest, "42", p.ID, "123456")
	require.NoError(t, err)
	assert.Equal(t, ev1.ID, ev2.ID)
	assert.Equal(t, "abcdef", ev2.CommitSHA)

	comment, err := s.GetOrCreateProjectEvent(ctx, model.EventKindPullRequest, "42", p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, ev1.ID, comment.ID)
	assert.Equal(t, "abcdef", comment.CommitSHA)
}

func testFirstCommitIsStoredWhenMissing(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, err := s.GetOrCreateProject(ctx, "packit", "ogr", "https://github.com/packit/ogr", "https://github.com")
	require.NoError(t, err)

	ev1, err := s.GetOrCreateProjectEvent(ctx, model.EventKindPullRequest, "51", p.ID, "")
	require.NoError(t, err)
	assert.Empty(t, ev1.CommitSHA)

	ev2, err := s.GetOrCreateProjectEvent(ctx, model.EventKindPullRequest, "51", p.ID, "abcdef")
	require.NoError(t, err)
	assert.Equal(t, ev1.ID, ev2.ID)
	assert.Equal(t, "abcdef", ev2.CommitSHA)
}

func testConcurrentGetOrCreateProjectEvent(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, err := s.GetOrCreateProject(ctx, "packit", "ogr", "https://github.com/packit/ogr", "https://github.com")
	require.NoError(t, err)

	const workers = 10
	ids := make([]int64, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()

			ev, err := s.GetOrCreateProjectEvent(ctx, model.EventKindPullRequest, "77", p.ID, "abcdef")
			if assert.NoError(t, err) {
				ids[i] = ev.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetRun(ctx, 4242)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetTarget(ctx, 4242)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetTargetByExternalID(ctx, model.StageTestRun, "does-not-exist", "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.FindProject(ctx, "a", "b", "https://example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testAttachNewGroupClonesRun(t *testing.T, s store.Store) {
	ctx := context.Background()
	buildGroup, run := newGroup(t, s, model.StageCoprBuild)
	assert.Equal(t, run.ID, buildGroup.RunID)
	assert.Equal(t, buildGroup.ID, run.GroupID(model.StageCoprBuild))

	testGroup1, run1, err := s.AttachNewGroup(ctx, run.ID, model.StageTestRun)
	require.NoError(t, err)
	assert.Equal(t, run.ID, run1.ID)
	assert.Equal(t, testGroup1.ID, run1.GroupID(model.StageTestRun))

	testGroup2, run2, err := s.AttachNewGroup(ctx, run.ID, model.StageTestRun)
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, run2.ID, "run was not cloned")
	assert.Equal(t, run2.ID, testGroup2.RunID)
	assert.Equal(t, testGroup2.ID, run2.GroupID(model.StageTestRun))
	assert.Equal(t, buildGroup.ID, run2.GroupID(model.StageCoprBuild))
	assert.Equal(t, run.ProjectEventID, run2.ProjectEventID)

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, testGroup1.ID, stored.GroupID(model.StageTestRun))

	runs, err := s.ListRunsByProjectEvent(ctx, run.ProjectEventID)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func testTargetsMostRecentFirst(t *testing.T, s store.Store) {
	ctx := context.Background()
	group, _ := newGroup(t, s, model.StageCoprBuild)

	base := time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC)

	targets := []*model.Target{
		{Stage: model.StageCoprBuild, GroupID: group.ID, Name: "fedora-rawhide-x86_64", ExternalID: "1", Status: model.StatusPending, SubmittedAt: base},
		{Stage: model.StageCoprBuild, GroupID: group.ID, Name: "fedora-rawhide-x86_64", ExternalID: "2", Status: model.StatusPending, SubmittedAt: base.Add(time.Minute)},
		{Stage: model.StageCoprBuild, GroupID: group.ID, Name: "fedora-rawhide-x86_64", ExternalID: "3", Status: model.StatusPending, SubmittedAt: base.Add(time.Minute)},
	}
	require.NoError(t, s.CreateTargets(ctx, targets))

	result, err := s.ListTargetsByGroup(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, result, 3)
	assert.Equal(t, "3", result[0].ExternalID)
	assert.Equal(t, "2", result[1].ExternalID)
	assert.Equal(t, "1", result[2].ExternalID)

	latest, err := s.GetTargetByExternalID(ctx, model.StageCoprBuild, "2", "")
	require.NoError(t, err)
	assert.Equal(t, targets[1].ID, latest.ID)
}

func testTargetExternalIDIsUnique(t *testing.T, s store.Store) {
	ctx := context.Background()
	group, _ := newGroup(t, s, model.StageCoprBuild)

	require.NoError(t, s.CreateTargets(ctx, []*model.Target{
		{Stage: model.StageCoprBuild, GroupID: group.ID, Name: "fedora-38-x86_64", ExternalID: "100", Status: model.StatusPending},
		{Stage: model.StageCoprBuild, GroupID: group.ID, Name: "fedora-39-x86_64", ExternalID: "100", Status: model.StatusPending},
		{Stage: model.StageCoprBuild, GroupID: group.ID, Name: "fedora-40-x86_64", Status: model.StatusPending},
		{Stage: model.StageCoprBuild, GroupID: group.ID, Name: "fedora-40-x86_64", Status: model.StatusPending},
	}))

	err := s.CreateTargets(ctx, []*model.Target{
		{Stage: model.StageCoprBuild, GroupID: group.ID, Name: "fedora-38-x86_64", ExternalID: "100", Status: model.StatusPending},
	})
	var conflictErr *store.ConflictError
	assert.ErrorAs(t, err, &conflictErr)

	byID, err := s.ListTargetsByExternalID(ctx, model.StageCoprBuild, "100")
	require.NoError(t, err)
	assert.Len(t, byID, 2)

	tgt, err := s.GetTargetByExternalID(ctx, model.StageCoprBuild, "100", "fedora-39-x86_64")
	require.NoError(t, err)
	assert.Equal(t, "fedora-39-x86_64", tgt.Name)
}

func testCompareAndSetStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	group, _ := newGroup(t, s, model.StageTestRun)

	tgt := model.Target{Stage: model.StageTestRun, GroupID: group.ID, Name: "fedora-rawhide-x86_64", Status: model.StatusNew}
	require.NoError(t, s.CreateTargets(ctx, []*model.Target{&tgt}))

	ok, err := s.CompareAndSetStatus(ctx, tgt.ID, model.StatusNew, model.StatusQueued)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSetStatus(ctx, tgt.ID, model.StatusNew, model.StatusRunning)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := s.GetTarget(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, stored.Status)
}

func testConcurrentCompareAndSetStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	group, _ := newGroup(t, s, model.StageCoprBuild)

	tgt := model.Target{Stage: model.StageCoprBuild, GroupID: group.ID, Name: "fedora-rawhide-x86_64", Status: model.StatusRunning}
	require.NoError(t, s.CreateTargets(ctx, []*model.Target{&tgt}))

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var successCnt int

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ok, err := s.CompareAndSetStatus(ctx, tgt.ID, model.StatusRunning, model.StatusSuccess)
			if assert.NoError(t, err) && ok {
				mu.Lock()
				successCnt++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successCnt)
}

func testUpdateTarget(t *testing.T, s store.Store) {
	ctx := context.Background()
	group, _ := newGroup(t, s, model.StageTestRun)

	tgt := model.Target{Stage: model.StageTestRun, GroupID: group.ID, Name: "fedora-rawhide-x86_64", Status: model.StatusNew}
	require.NoError(t, s.CreateTargets(ctx, []*model.Target{&tgt}))

	pipelineID := "a3b1c5"
	webURL := "https://artifacts.example.com/a3b1c5"
	started := time.Date(2023, 2, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpdateTarget(ctx, tgt.ID, &store.TargetUpdate{
		ExternalID: &pipelineID,
		WebURL:     &webURL,
		StartedAt:  &started,
		Data:       map[string]string{"identifier": "smoke"},
	}))

	stored, err := s.GetTargetByExternalID(ctx, model.StageTestRun, pipelineID, "")
	require.NoError(t, err)
	assert.Equal(t, tgt.ID, stored.ID)
	assert.Equal(t, webURL, stored.WebURL)
	assert.True(t, started.Equal(stored.StartedAt))
	assert.Equal(t, "smoke", stored.Data["identifier"])
	assert.True(t, stored.FinishedAt.IsZero())
}

func testListTargetsFilter(t *testing.T, s store.Store) {
	ctx := context.Background()
	group, run := newGroup(t, s, model.StageCoprBuild)

	now := time.Now().UTC()
	targets := []*model.Target{
		{Stage: model.StageCoprBuild, GroupID: group.ID, Name: "fedora-38-x86_64", ExternalID: "1", Owner: "packit", ProjectName: "ogr-342", CommitSHA: "abcdef", Status: model.StatusSuccess, SubmittedAt: now.Add(-2 * time.Hour)},
		{Stage: model.StageCoprBuild, GroupID: group.ID, Name: "fedora-39-x86_64", ExternalID: "1", Owner: "packit", ProjectName: "ogr-342", CommitSHA: "abcdef", Status: model.StatusFailure, SubmittedAt: now.Add(-time.Hour)},
		{Stage: model.StageCoprBuild, GroupID: group.ID, Name: "fedora-39-x86_64", Owner: "packit", ProjectName: "ogr-342", CommitSHA: "123456", Status: model.StatusPending, SubmittedAt: now},
	}
	require.NoError(t, s.CreateTargets(ctx, targets))

	result, err := s.ListTargets(ctx, &store.TargetFilter{
		Stage:       model.StageCoprBuild,
		Owner:       "packit",
		ProjectName: "ogr-342",
		CommitSHA:   "abcdef",
	})
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, "fedora-39-x86_64", result[0].Name)

	result, err = s.ListTargets(ctx, &store.TargetFilter{
		Stage:    model.StageCoprBuild,
		Statuses: []model.Status{model.StatusSuccess, model.StatusPending},
	})
	require.NoError(t, err)
	assert.Len(t, result, 2)

	result, err = s.ListTargets(ctx, &store.TargetFilter{
		ProjectEventID:  run.ProjectEventID,
		HasExternalID:   true,
		SubmittedBefore: now.Add(-90 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "fedora-38-x86_64", result[0].Name)
}

func testLinkTargets(t *testing.T, s store.Store) {
	ctx := context.Background()
	buildGroup, run := newGroup(t, s, model.StageCoprBuild)
	testGroup, _, err := s.AttachNewGroup(ctx, run.ID, model.StageTestRun)
	require.NoError(t, err)

	build := model.Target{Stage: model.StageCoprBuild, GroupID: buildGroup.ID, Name: "fedora-38-x86_64", Status: model.StatusSuccess}
	test := model.Target{Stage: model.StageTestRun, GroupID: testGroup.ID, Name: "fedora-38-x86_64", Status: model.StatusNew}
	require.NoError(t, s.CreateTargets(ctx, []*model.Target{&build, &test}))

	require.NoError(t, s.LinkTargets(ctx, test.ID, build.ID))
	require.NoError(t, s.LinkTargets(ctx, test.ID, build.ID))

	builds, err := s.ListLinkedBuilds(ctx, test.ID)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, build.ID, builds[0].ID)
}

func testRunBySRPM(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, ev := newProjectEvent(t, s, "5")

	srpm := model.Target{Stage: model.StageSRPM, Name: model.SRPMTargetName, Status: model.StatusPending}
	require.NoError(t, s.CreateTargets(ctx, []*model.Target{&srpm}))

	var runIDs []int64
	for i := 0; i < 2; i++ {
		run := model.Run{ProjectEventID: ev.ID, SRPMBuildID: srpm.ID}
		require.NoError(t, s.CreateRun(ctx, &run), fmt.Sprint(i))
		runIDs = append(runIDs, run.ID)
	}

	run, err := s.GetRunBySRPM(ctx, srpm.ID)
	require.NoError(t, err)
	assert.Equal(t, runIDs[0], run.ID)

	other := model.Run{ProjectEventID: ev.ID}
	require.NoError(t, s.CreateRun(ctx, &other))
	require.NoError(t, s.SetRunSRPM(ctx, other.ID, srpm.ID))

	stored, err := s.GetRun(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, srpm.ID, stored.SRPMBuildID)
}
