package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/statemachine"
	"github.com/simplesurance/runledger/internal/store/memstore"
)

func newTestLedger(t *testing.T) (*Ledger, *model.ProjectEvent) {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	ctx := context.Background()
	s := memstore.New()

	p, err := s.GetOrCreateProject(ctx, "packit", "ogr", "https://github.com/packit/ogr", "https://github.com")
	require.NoError(t, err)

	pe, err := s.GetOrCreateProjectEvent(ctx, model.EventKindPullRequest, "342", p.ID, "abcdef")
	require.NoError(t, err)

	return New(s), pe
}

func chrootSpecs(buildID string, status model.Status, chroots ...string) []*TargetSpec {
	specs := make([]*TargetSpec, 0, len(chroots))
	for _, c := range chroots {
		specs = append(specs, &TargetSpec{
			Name:        c,
			ExternalID:  buildID,
			CommitSHA:   "abcdef",
			Owner:       "packit",
			ProjectName: "ogr-342",
			Status:      status,
		})
	}

	return specs
}

func TestCreateGroupFansOutTargets(t *testing.T) {
	l, pe := newTestLedger(t)
	ctx := context.Background()

	run, err := l.GetOrCreateRunFor(ctx, pe, nil)
	require.NoError(t, err)

	g, err := l.CreateGroup(ctx, run, model.StageCoprBuild, chrootSpecs("1", "", "fedora-38-x86_64", "fedora-39-x86_64"))
	require.NoError(t, err)

	assert.Equal(t, run.ID, g.Run.ID)
	require.Len(t, g.Targets, 2)
	for _, tgt := range g.Targets {
		assert.Equal(t, model.StatusWaitingForSRPM, tgt.Status)
		assert.Equal(t, g.Group.ID, tgt.GroupID)
	}

	targets, err := l.GroupTargets(ctx, g.Run, model.StageCoprBuild)
	require.NoError(t, err)
	assert.Len(t, targets, 2)
}

func TestCreateGroupClonesRunWhenStageExists(t *testing.T) {
	l, pe := newTestLedger(t)
	ctx := context.Background()

	run, err := l.StartRun(ctx, pe)
	require.NoError(t, err)

	builds, err := l.CreateGroup(ctx, run, model.StageCoprBuild, chrootSpecs("1", "", "fedora-38-x86_64"))
	require.NoError(t, err)

	tests1, err := l.CreateGroup(ctx, builds.Run, model.StageTestRun, []*TargetSpec{{Name: "fedora-38-x86_64"}})
	require.NoError(t, err)
	assert.Equal(t, run.ID, tests1.Run.ID)

	tests2, err := l.CreateGroup(ctx, builds.Run, model.StageTestRun, []*TargetSpec{{Name: "fedora-38-x86_64"}})
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, tests2.Run.ID)
	assert.Equal(t, builds.Group.ID, tests2.Run.GroupID(model.StageCoprBuild))
	assert.Equal(t, model.StatusNew, tests2.Targets[0].Status)
}

func TestCreateGroupRejectsInvalidInput(t *testing.T) {
	l, pe := newTestLedger(t)
	ctx := context.Background()

	run, err := l.StartRun(ctx, pe)
	require.NoError(t, err)

	_, err = l.CreateGroup(ctx, run, model.StageCoprBuild, nil)
	assert.Error(t, err)

	_, err = l.CreateGroup(ctx, run, model.StageSRPM, []*TargetSpec{{Name: "x"}})
	assert.Error(t, err)

	_, err = l.CreateGroup(ctx, run, model.StageCoprBuild, []*TargetSpec{{Name: "x", Status: model.StatusPassed}})
	var transErr *statemachine.InvalidTransitionError
	assert.ErrorAs(t, err, &transErr)
}

func TestGetOrCreateRunForContinuation(t *testing.T) {
	l, pe := newTestLedger(t)
	ctx := context.Background()

	run, err := l.StartRun(ctx, pe)
	require.NoError(t, err)

	cont, err := l.GetOrCreateRunFor(ctx, pe, run)
	require.NoError(t, err)
	assert.Equal(t, run.ID, cont.ID)

	other := model.ProjectEvent{ID: pe.ID + 1000}
	_, err = l.GetOrCreateRunFor(ctx, &other, run)
	assert.Error(t, err)
}

func TestSetStatusGuards(t *testing.T) {
	l, pe := newTestLedger(t)
	ctx := context.Background()

	run, err := l.StartRun(ctx, pe)
	require.NoError(t, err)
	g, err := l.CreateGroup(ctx, run, model.StageCoprBuild, chrootSpecs("2", model.StatusPending, "fedora-rawhide-x86_64"))
	require.NoError(t, err)
	tgt := g.Targets[0]

	changed, err := l.SetStatus(ctx, tgt, model.StatusRunning)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = l.SetStatus(ctx, tgt, model.StatusPending)
	require.NoError(t, err)
	assert.False(t, changed, "backwards transition must be ignored")
	assert.Equal(t, model.StatusRunning, tgt.Status)

	changed, err = l.SetStatus(ctx, tgt, model.StatusSuccess)
	require.NoError(t, err)
	assert.True(t, changed)

	for _, st := range []model.Status{model.StatusSuccess, model.StatusFailure, model.StatusPending, model.StatusPassed} {
		changed, err = l.SetStatus(ctx, tgt, st)
		require.NoError(t, err)
		assert.False(t, changed, "status %s changed final target", st)
	}

	stored, err := l.Store().GetTarget(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, stored.Status)
}

func TestSetStatusInvalid(t *testing.T) {
	l, pe := newTestLedger(t)
	ctx := context.Background()

	run, err := l.StartRun(ctx, pe)
	require.NoError(t, err)
	g, err := l.CreateGroup(ctx, run, model.StageTestRun, []*TargetSpec{{Name: "fedora-rawhide-x86_64"}})
	require.NoError(t, err)

	_, err = l.SetStatus(ctx, g.Targets[0], model.StatusWaitingForSRPM)
	var transErr *statemachine.InvalidTransitionError
	assert.ErrorAs(t, err, &transErr)
}

func TestSetStatusUsesStoredStatus(t *testing.T) {
	l, pe := newTestLedger(t)
	ctx := context.Background()

	run, err := l.StartRun(ctx, pe)
	require.NoError(t, err)
	g, err := l.CreateGroup(ctx, run, model.StageCoprBuild, chrootSpecs("3", model.StatusPending, "fedora-rawhide-x86_64"))
	require.NoError(t, err)

	stale := *g.Targets[0]

	changed, err := l.SetStatus(ctx, g.Targets[0], model.StatusFailure)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = l.SetStatus(ctx, &stale, model.StatusSuccess)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.StatusFailure, stale.Status)
}

func TestConcurrentSetStatusOnlyOneWins(t *testing.T) {
	l, pe := newTestLedger(t)
	ctx := context.Background()

	run, err := l.StartRun(ctx, pe)
	require.NoError(t, err)
	g, err := l.CreateGroup(ctx, run, model.StageCoprBuild, chrootSpecs("4", model.StatusRunning, "fedora-rawhide-x86_64"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []model.Status

	for _, st := range []model.Status{model.StatusSuccess, model.StatusFailure, model.StatusSuccess, model.StatusError} {
		st := st
		tgt := *g.Targets[0]

		wg.Add(1)
		go func() {
			defer wg.Done()

			changed, err := l.SetStatus(ctx, &tgt, st)
			if assert.NoError(t, err) && changed {
				mu.Lock()
				winners = append(winners, st)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)

	stored, err := l.Store().GetTarget(ctx, g.Targets[0].ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], stored.Status)
}

func TestSRPMFinishedSuccessMovesWaitingBuildsToPending(t *testing.T) {
	l, pe := newTestLedger(t)
	ctx := context.Background()

	srpm, run, err := l.StartSRPMRun(ctx, pe, "abcdef")
	require.NoError(t, err)
	require.NoError(t, l.SetSubmitted(ctx, srpm, "10", ""))

	g, err := l.CreateGroup(ctx, run, model.StageCoprBuild, chrootSpecs("10", "", "fedora-38-x86_64", "fedora-39-x86_64"))
	require.NoError(t, err)

	changed, moved, err := l.SRPMFinished(ctx, srpm, true, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, moved, 2)

	targets, err := l.GroupTargets(ctx, g.Run, model.StageCoprBuild)
	require.NoError(t, err)
	for _, tgt := range targets {
		assert.Equal(t, model.StatusPending, tgt.Status)
	}

	changed, moved, err = l.SRPMFinished(ctx, srpm, true, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, moved)
}

func TestSRPMFinishedFailureFailsAllBuilds(t *testing.T) {
	l, pe := newTestLedger(t)
	ctx := context.Background()

	srpm, run, err := l.StartSRPMRun(ctx, pe, "abcdef")
	require.NoError(t, err)

	g, err := l.CreateGroup(ctx, run, model.StageCoprBuild, chrootSpecs("11", "", "fedora-38-x86_64", "fedora-39-x86_64", "epel-9-x86_64"))
	require.NoError(t, err)

	changed, failed, err := l.SRPMFinished(ctx, srpm, false, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, failed, 3)

	targets, err := l.GroupTargets(ctx, g.Run, model.StageCoprBuild)
	require.NoError(t, err)
	for _, tgt := range targets {
		assert.Equal(t, model.StatusFailure, tgt.Status)
	}

	stored, err := l.Store().GetTarget(ctx, srpm.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailure, stored.Status)
	assert.False(t, stored.FinishedAt.IsZero())
}

func TestCancelTests(t *testing.T) {
	l, pe := newTestLedger(t)
	ctx := context.Background()

	run, err := l.StartRun(ctx, pe)
	require.NoError(t, err)

	g, err := l.CreateGroup(ctx, run, model.StageTestRun, []*TargetSpec{
		{Name: "fedora-38-x86_64"},
		{Name: "fedora-39-x86_64"},
		{Name: "fedora-40-x86_64"},
	})
	require.NoError(t, err)

	submitted := g.Targets[0]
	require.NoError(t, l.SetSubmitted(ctx, submitted, "pipeline-1", ""))
	_, err = l.SetStatus(ctx, submitted, model.StatusRunning)
	require.NoError(t, err)

	done := g.Targets[2]
	_, err = l.SetStatus(ctx, done, model.StatusPassed)
	require.NoError(t, err)

	toCancel, err := l.CancelTests(ctx, []*model.Run{g.Run})
	require.NoError(t, err)
	require.Len(t, toCancel, 1)
	assert.Equal(t, submitted.ID, toCancel[0].ID)
	assert.Equal(t, model.StatusCancelRequested, toCancel[0].Status)

	unsubmitted, err := l.Store().GetTarget(ctx, g.Targets[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, unsubmitted.Status)

	stored, err := l.Store().GetTarget(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPassed, stored.Status)

	changed, err := l.SetStatus(ctx, toCancel[0], model.StatusCanceled)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestFindTargetNotOurs(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.FindTarget(context.Background(), model.StageTestRun, "foreign-pipeline", "")
	assert.ErrorIs(t, err, ErrNotOurs)
}

func TestRunForTarget(t *testing.T) {
	l, pe := newTestLedger(t)
	ctx := context.Background()

	srpm, run, err := l.StartSRPMRun(ctx, pe, "abcdef")
	require.NoError(t, err)

	g, err := l.CreateGroup(ctx, run, model.StageCoprBuild, chrootSpecs("12", "", "fedora-38-x86_64"))
	require.NoError(t, err)

	r, err := l.RunForTarget(ctx, srpm)
	require.NoError(t, err)
	assert.Equal(t, run.ID, r.ID)

	gotPE, r, err := l.ProjectEventForTarget(ctx, g.Targets[0])
	require.NoError(t, err)
	assert.Equal(t, run.ID, r.ID)
	assert.Equal(t, pe.ID, gotPE.ID)
}
