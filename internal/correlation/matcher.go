// Package correlation matches test targets to the builds whose artifacts
// they consume and selects the most recent targets of a set.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/store"
)

const loggerName = "correlation"

// BuildQuery identifies the builds of a commit in a build-system project.
type BuildQuery struct {
	Stage       model.Stage
	Owner       string
	ProjectName string
	CommitSHA   string
	// BuildTarget is matched first when it maps to a test target.
	BuildTarget string
}

// Match is the result of matching a test target to a build.
type Match struct {
	TestTarget  string
	BuildTarget string
	// Build is the most recent build of BuildTarget, nil if none exists.
	Build *model.Target
}

// Ready returns true if the matched build succeeded and the test can be
// submitted.
func (m *Match) Ready() bool {
	return m.Build != nil && m.Build.Status == model.StatusSuccess
}

// NeedsBuild returns true if no build exists or the most recent build
// failed, a new build must be triggered for the test.
func (m *Match) NeedsBuild() bool {
	if m.Build == nil {
		return true
	}

	switch m.Build.Status {
	case model.StatusFailure, model.StatusError, model.StatusCanceled:
		return true
	default:
		return false
	}
}

// Matcher queries the store to correlate targets.
type Matcher struct {
	store  store.Store
	logger *zap.Logger
}

func NewMatcher(s store.Store) *Matcher {
	return &Matcher{
		store:  s,
		logger: zap.L().Named(loggerName),
	}
}

// LatestBuild returns the most recent build of buildTarget for the query,
// regardless of its status. If no build exists, nil is returned.
//
// Builds are ordered by their submission time, builds with the same
// submission time by their insertion order. If multiple builds share the
// most recent submission time the match is ambiguous, it is counted and
// the last inserted one is returned.
func (m *Matcher) LatestBuild(ctx context.Context, q *BuildQuery, buildTarget string) (*model.Target, error) {
	stage := q.Stage
	if stage == "" {
		stage = model.StageCoprBuild
	}

	builds, err := m.store.ListTargets(ctx, &store.TargetFilter{
		Stage:       stage,
		Name:        buildTarget,
		Owner:       q.Owner,
		ProjectName: q.ProjectName,
		CommitSHA:   q.CommitSHA,
	})
	if err != nil {
		return nil, fmt.Errorf("querying builds failed: %w", err)
	}

	if len(builds) == 0 {
		return nil, nil
	}

	if len(builds) > 1 && builds[1].SubmittedAt.Equal(builds[0].SubmittedAt) {
		metrics.AmbiguousMatchInc(string(stage))
		m.logger.Info(
			"multiple builds have the same submission time, using the last inserted one",
			logfields.Event("build_match_ambiguous"),
			logfields.Target(buildTarget),
			logfields.Commit(q.CommitSHA),
			logfields.TargetID(builds[0].ID),
		)
	}

	return builds[0], nil
}

// MatchBuilds matches each test target to the most recent build of a build
// target it maps to.
// When multiple configured build targets map to a test target, the build
// target of the query is preferred, then one whose build succeeded, then
// one that has a build. Otherwise the order of
// Mapper.TestTarget2BuildTargets decides.
func (m *Matcher) MatchBuilds(ctx context.Context, mapper *Mapper, q *BuildQuery, testTargets []string) ([]*Match, error) {
	result := make([]*Match, 0, len(testTargets))

	for _, tt := range testTargets {
		match, err := m.matchBuild(ctx, mapper, q, tt)
		if err != nil {
			return nil, err
		}

		result = append(result, match)
	}

	return result, nil
}

func (m *Matcher) matchBuild(ctx context.Context, mapper *Mapper, q *BuildQuery, testTarget string) (*Match, error) {
	candidates := mapper.TestTarget2BuildTargets(testTarget)
	if len(candidates) == 0 {
		candidates = []string{mapper.TestTarget2BuildTarget(testTarget)}
	}

	for _, bt := range candidates {
		if q.BuildTarget != "" && bt == q.BuildTarget {
			build, err := m.LatestBuild(ctx, q, bt)
			if err != nil {
				return nil, err
			}

			return &Match{TestTarget: testTarget, BuildTarget: bt, Build: build}, nil
		}
	}

	var best *Match

	for _, bt := range candidates {
		build, err := m.LatestBuild(ctx, q, bt)
		if err != nil {
			return nil, err
		}

		match := &Match{TestTarget: testTarget, BuildTarget: bt, Build: build}
		if match.Ready() {
			return match, nil
		}

		if best == nil || (best.Build == nil && build != nil) {
			best = match
		}
	}

	return best, nil
}

// MostRecentByTarget returns per target name the target with the latest
// submission time. When multiple targets of a name have the same submission
// time, the one appearing first in targets is kept.
func MostRecentByTarget(targets []*model.Target) map[string]*model.Target {
	result := map[string]*model.Target{}

	for _, t := range targets {
		cur, exist := result[t.Name]
		if !exist || t.SubmittedAt.After(cur.SubmittedAt) {
			result[t.Name] = t
		}
	}

	return result
}

// FilterMostRecentNamesByStatus returns the sorted names of the targets whose
// most recent target has one of the statuses.
func FilterMostRecentNamesByStatus(targets []*model.Target, statuses ...model.Status) []string {
	want := make(map[model.Status]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}

	var result []string
	for name, t := range MostRecentByTarget(targets) {
		if _, exist := want[t.Status]; exist {
			result = append(result, name)
		}
	}

	sort.Strings(result)

	return result
}

// FailedTargetNames returns the names of the targets of the stage of the
// project event and commit whose most recent attempt has one of the
// statuses.
// It is used to rebuild or retest only what failed.
func (m *Matcher) FailedTargetNames(ctx context.Context, pe *model.ProjectEvent, commit string, stage model.Stage, statuses ...model.Status) ([]string, error) {
	targets, err := m.store.ListTargets(ctx, &store.TargetFilter{
		Stage:          stage,
		ProjectEventID: pe.ID,
		CommitSHA:      commit,
	})
	if err != nil {
		return nil, err
	}

	return FilterMostRecentNamesByStatus(targets, statuses...), nil
}

// LatestCommit returns the commit of the most recently created target that
// has one, or an empty string.
func LatestCommit(targets []*model.Target) string {
	var newest *model.Target

	for _, t := range targets {
		if t.CommitSHA == "" {
			continue
		}

		if newest == nil || t.ID > newest.ID {
			newest = t
		}
	}

	if newest == nil {
		return ""
	}

	return newest.CommitSHA
}

// LatestCommit returns the commit the most recent run of the project event
// was created for. When the event has no targets yet, the first commit of
// the event is returned.
func (m *Matcher) LatestCommit(ctx context.Context, pe *model.ProjectEvent) (string, error) {
	targets, err := m.store.ListTargets(ctx, &store.TargetFilter{ProjectEventID: pe.ID})
	if err != nil {
		return "", err
	}

	if commit := LatestCommit(targets); commit != "" {
		return commit, nil
	}

	return pe.CommitSHA, nil
}

// PRRef references a pull request of another project, in the format
// "namespace/repo#123".
type PRRef struct {
	Namespace string
	RepoName  string
	PRID      int
}

func (r *PRRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Namespace, r.RepoName, r.PRID)
}

// ParsePRRef parses a pull request reference of the format
// "namespace/repo#123".
func ParsePRRef(ref string) (*PRRef, error) {
	repoPart, prPart, found := strings.Cut(ref, "#")
	if !found {
		return nil, fmt.Errorf("pull request reference %q does not contain '#'", ref)
	}

	i := strings.LastIndex(repoPart, "/")
	if i <= 0 || i == len(repoPart)-1 {
		return nil, fmt.Errorf("pull request reference %q does not contain namespace/repository", ref)
	}

	prID, err := strconv.Atoi(prPart)
	if err != nil || prID <= 0 {
		return nil, fmt.Errorf("pull request reference %q contains an invalid pull request number", ref)
	}

	return &PRRef{
		Namespace: repoPart[:i],
		RepoName:  repoPart[i+1:],
		PRID:      prID,
	}, nil
}

// ErrNoBuilds is returned when a referenced pull request has no successful
// builds.
var ErrNoBuilds = errors.New("no successful builds found")

// BuildsFromOtherPR returns per build target the most recent successful copr
// build of the latest commit of a pull request in another project of the
// forge instance.
func (m *Matcher) BuildsFromOtherPR(ctx context.Context, instanceURL string, ref *PRRef) (map[string]*model.Target, error) {
	project, err := m.store.FindProject(ctx, ref.Namespace, ref.RepoName, instanceURL)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", ref, ErrNoBuilds)
		}

		return nil, err
	}

	ev, err := m.store.FindProjectEvent(ctx, model.EventKindPullRequest, strconv.Itoa(ref.PRID), project.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", ref, ErrNoBuilds)
		}

		return nil, err
	}

	targets, err := m.store.ListTargets(ctx, &store.TargetFilter{
		Stage:          model.StageCoprBuild,
		ProjectEventID: ev.ID,
	})
	if err != nil {
		return nil, err
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("%s: %w", ref, ErrNoBuilds)
	}

	latest := LatestCommit(targets)

	result := map[string]*model.Target{}
	for name, t := range MostRecentByTarget(targets) {
		if t.CommitSHA == latest && t.Status == model.StatusSuccess {
			result[name] = t
		}
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("%s: %w", ref, ErrNoBuilds)
	}

	return result, nil
}
