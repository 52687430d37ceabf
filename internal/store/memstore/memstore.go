// Package memstore provides an in-memory store.Store implementation.
// It is used when no database is configured and in tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/store"
)

type projectKey struct {
	instanceURL string
	namespace   string
	repoName    string
}

type eventKey struct {
	kind          model.EventKind
	forgeObjectID string
	projectID     int64
}

type targetKey struct {
	stage      model.Stage
	externalID string
	name       string
}

// Store is an in-memory store.Store. All records are copied on read and
// write, callers can not modify the stored records.
type Store struct {
	mu sync.Mutex

	now    func() time.Time
	lastID int64

	projects    map[int64]*model.Project
	projectKeys map[projectKey]int64

	events    map[int64]*model.ProjectEvent
	eventKeys map[eventKey]int64

	runs    map[int64]*model.Run
	groups  map[int64]*model.TargetGroup
	targets map[int64]*model.Target
	// targetSeq is the insertion order of targets
	targetSeq  map[int64]int64
	targetKeys map[targetKey]int64
	links      map[model.TargetLink]struct{}
}

type Option func(*Store)

// WithTimeFunc sets the function that returns the current time.
func WithTimeFunc(fn func() time.Time) Option {
	return func(s *Store) {
		s.now = fn
	}
}

func New(opts ...Option) *Store {
	s := Store{
		now:         time.Now,
		projects:    map[int64]*model.Project{},
		projectKeys: map[projectKey]int64{},
		events:      map[int64]*model.ProjectEvent{},
		eventKeys:   map[eventKey]int64{},
		runs:        map[int64]*model.Run{},
		groups:      map[int64]*model.TargetGroup{},
		targets:     map[int64]*model.Target{},
		targetSeq:   map[int64]int64{},
		targetKeys:  map[targetKey]int64{},
		links:       map[model.TargetLink]struct{}{},
	}

	for _, o := range opts {
		o(&s)
	}

	return &s
}

func (s *Store) nextID() int64 {
	s.lastID++
	return s.lastID
}

func (s *Store) GetOrCreateProject(_ context.Context, namespace, repoName, projectURL, instanceURL string) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := projectKey{instanceURL: instanceURL, namespace: namespace, repoName: repoName}
	if id, exist := s.projectKeys[key]; exist {
		p := *s.projects[id]
		return &p, nil
	}

	p := model.Project{
		ID:          s.nextID(),
		Namespace:   namespace,
		RepoName:    repoName,
		ProjectURL:  projectURL,
		InstanceURL: instanceURL,
	}

	s.projects[p.ID] = &p
	s.projectKeys[key] = p.ID

	result := p
	return &result, nil
}

func (s *Store) GetProject(_ context.Context, id int64) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exist := s.projects[id]
	if !exist {
		return nil, notFound("project", id)
	}

	result := *p
	return &result, nil
}

func (s *Store) FindProject(_ context.Context, namespace, repoName, instanceURL string) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exist := s.projectKeys[projectKey{instanceURL: instanceURL, namespace: namespace, repoName: repoName}]
	if !exist {
		return nil, fmt.Errorf("project %s/%s on %s: %w", namespace, repoName, instanceURL, store.ErrNotFound)
	}

	result := *s.projects[id]
	return &result, nil
}

func (s *Store) GetOrCreateProjectEvent(_ context.Context, kind model.EventKind, forgeObjectID string, projectID int64, firstCommitSHA string) (*model.ProjectEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exist := s.projects[projectID]; !exist {
		return nil, notFound("project", projectID)
	}

	key := eventKey{kind: kind, forgeObjectID: forgeObjectID, projectID: projectID}
	if id, exist := s.eventKeys[key]; exist {
		ev := s.events[id]
		if ev.CommitSHA == "" {
			ev.CommitSHA = firstCommitSHA
		}

		return copyEvent(ev), nil
	}

	ev := model.ProjectEvent{
		ID:            s.nextID(),
		Kind:          kind,
		ForgeObjectID: forgeObjectID,
		ProjectID:     projectID,
		CommitSHA:     firstCommitSHA,
		CreatedAt:     s.now(),
	}

	s.events[ev.ID] = &ev
	s.eventKeys[key] = ev.ID

	return copyEvent(&ev), nil
}

func (s *Store) GetProjectEvent(_ context.Context, id int64) (*model.ProjectEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, exist := s.events[id]
	if !exist {
		return nil, notFound("project event", id)
	}

	return copyEvent(ev), nil
}

func (s *Store) FindProjectEvent(_ context.Context, kind model.EventKind, forgeObjectID string, projectID int64) (*model.ProjectEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exist := s.eventKeys[eventKey{kind: kind, forgeObjectID: forgeObjectID, projectID: projectID}]
	if !exist {
		return nil, fmt.Errorf("%s event %s of project %d: %w", kind, forgeObjectID, projectID, store.ErrNotFound)
	}

	return copyEvent(s.events[id]), nil
}

func (s *Store) SetPackagesConfig(_ context.Context, projectEventID int64, cfg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, exist := s.events[projectEventID]
	if !exist {
		return notFound("project event", projectEventID)
	}

	ev.PackagesConfig = append([]byte(nil), cfg...)

	return nil
}

func (s *Store) CreateRun(_ context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exist := s.events[run.ProjectEventID]; !exist {
		return notFound("project event", run.ProjectEventID)
	}

	s.createRun(run)

	return nil
}

func (s *Store) createRun(run *model.Run) {
	run.ID = s.nextID()
	run.CreatedAt = s.now()
	s.runs[run.ID] = copyRun(run)
}

func (s *Store) GetRun(_ context.Context, id int64) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exist := s.runs[id]
	if !exist {
		return nil, notFound("run", id)
	}

	return copyRun(run), nil
}

func (s *Store) ListRunsByProjectEvent(_ context.Context, projectEventID int64) ([]*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*model.Run
	for _, run := range s.runs {
		if run.ProjectEventID == projectEventID {
			result = append(result, copyRun(run))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})

	return result, nil
}

func (s *Store) GetRunBySRPM(_ context.Context, srpmTargetID int64) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *model.Run
	for _, run := range s.runs {
		if run.SRPMBuildID != srpmTargetID {
			continue
		}

		if result == nil || run.ID < result.ID {
			result = run
		}
	}

	if result == nil {
		return nil, fmt.Errorf("run with srpm %d: %w", srpmTargetID, store.ErrNotFound)
	}

	return copyRun(result), nil
}

func (s *Store) SetRunSRPM(_ context.Context, runID, srpmTargetID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exist := s.runs[runID]
	if !exist {
		return notFound("run", runID)
	}

	if _, exist := s.targets[srpmTargetID]; !exist {
		return notFound("target", srpmTargetID)
	}

	run.SRPMBuildID = srpmTargetID

	return nil
}

func (s *Store) AttachNewGroup(_ context.Context, runID int64, stage model.Stage) (*model.TargetGroup, *model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exist := s.runs[runID]
	if !exist {
		return nil, nil, notFound("run", runID)
	}

	if run.GroupID(stage) != 0 {
		clone := run.Clone(stage)
		s.createRun(clone)
		run = s.runs[clone.ID]
	}

	group := model.TargetGroup{
		ID:        s.nextID(),
		Stage:     stage,
		RunID:     run.ID,
		CreatedAt: s.now(),
	}
	s.groups[group.ID] = &group
	run.SetGroupID(stage, group.ID)

	resultGroup := group
	return &resultGroup, copyRun(run), nil
}

func (s *Store) GetGroup(_ context.Context, id int64) (*model.TargetGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, exist := s.groups[id]
	if !exist {
		return nil, notFound("group", id)
	}

	result := *group
	return &result, nil
}

func (s *Store) CreateTargets(_ context.Context, targets []*model.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[targetKey]struct{}{}
	for _, t := range targets {
		if t.GroupID != 0 {
			if _, exist := s.groups[t.GroupID]; !exist {
				return notFound("group", t.GroupID)
			}
		}

		if t.ExternalID == "" {
			continue
		}

		key := targetKey{stage: t.Stage, externalID: t.ExternalID, name: t.Name}
		if _, exist := s.targetKeys[key]; exist {
			return &store.ConflictError{What: fmt.Sprintf("target %s/%s/%s", t.Stage, t.ExternalID, t.Name)}
		}

		if _, exist := seen[key]; exist {
			return &store.ConflictError{What: fmt.Sprintf("target %s/%s/%s", t.Stage, t.ExternalID, t.Name)}
		}
		seen[key] = struct{}{}
	}

	for _, t := range targets {
		t.ID = s.nextID()
		if t.SubmittedAt.IsZero() {
			t.SubmittedAt = s.now()
		}

		s.targets[t.ID] = copyTarget(t)
		s.targetSeq[t.ID] = int64(len(s.targetSeq))

		if t.ExternalID != "" {
			s.targetKeys[targetKey{stage: t.Stage, externalID: t.ExternalID, name: t.Name}] = t.ID
		}
	}

	return nil
}

func (s *Store) GetTarget(_ context.Context, id int64) (*model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exist := s.targets[id]
	if !exist {
		return nil, notFound("target", id)
	}

	return copyTarget(t), nil
}

func (s *Store) GetTargetByExternalID(_ context.Context, stage model.Stage, externalID, name string) (*model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name != "" {
		id, exist := s.targetKeys[targetKey{stage: stage, externalID: externalID, name: name}]
		if !exist {
			return nil, fmt.Errorf("%s target %s/%s: %w", stage, externalID, name, store.ErrNotFound)
		}

		return copyTarget(s.targets[id]), nil
	}

	result := s.filter(func(t *model.Target) bool {
		return t.Stage == stage && t.ExternalID == externalID
	})
	if len(result) == 0 {
		return nil, fmt.Errorf("%s target %s: %w", stage, externalID, store.ErrNotFound)
	}

	return result[0], nil
}

func (s *Store) ListTargetsByExternalID(_ context.Context, stage model.Stage, externalID string) ([]*model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filter(func(t *model.Target) bool {
		return t.Stage == stage && t.ExternalID == externalID
	}), nil
}

func (s *Store) ListTargetsByGroup(_ context.Context, groupID int64) ([]*model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filter(func(t *model.Target) bool {
		return t.GroupID == groupID
	}), nil
}

func (s *Store) ListTargets(_ context.Context, f *store.TargetFilter) ([]*model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var statuses map[model.Status]struct{}
	if len(f.Statuses) > 0 {
		statuses = make(map[model.Status]struct{}, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses[st] = struct{}{}
		}
	}

	return s.filter(func(t *model.Target) bool {
		if f.Stage != "" && t.Stage != f.Stage {
			return false
		}
		if f.Name != "" && t.Name != f.Name {
			return false
		}
		if f.Owner != "" && t.Owner != f.Owner {
			return false
		}
		if f.ProjectName != "" && t.ProjectName != f.ProjectName {
			return false
		}
		if f.CommitSHA != "" && t.CommitSHA != f.CommitSHA {
			return false
		}
		if f.HasExternalID && t.ExternalID == "" {
			return false
		}
		if !f.SubmittedBefore.IsZero() && !t.SubmittedAt.Before(f.SubmittedBefore) {
			return false
		}
		if statuses != nil {
			if _, exist := statuses[t.Status]; !exist {
				return false
			}
		}
		if f.ProjectEventID != 0 && s.projectEventIDOf(t) != f.ProjectEventID {
			return false
		}

		return true
	}), nil
}

func (s *Store) projectEventIDOf(t *model.Target) int64 {
	group, exist := s.groups[t.GroupID]
	if !exist {
		return 0
	}

	run, exist := s.runs[group.RunID]
	if !exist {
		return 0
	}

	return run.ProjectEventID
}

// filter returns copies of the targets for that fn returns true, most recent
// first.
func (s *Store) filter(fn func(*model.Target) bool) []*model.Target {
	var result []*model.Target

	for _, t := range s.targets {
		if fn(t) {
			result = append(result, copyTarget(t))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].SubmittedAt.Equal(result[j].SubmittedAt) {
			return result[i].SubmittedAt.After(result[j].SubmittedAt)
		}

		return s.targetSeq[result[i].ID] > s.targetSeq[result[j].ID]
	})

	return result
}

func (s *Store) CompareAndSetStatus(_ context.Context, targetID int64, from, to model.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exist := s.targets[targetID]
	if !exist {
		return false, notFound("target", targetID)
	}

	if t.Status != from {
		return false, nil
	}

	t.Status = to

	return true, nil
}

func (s *Store) UpdateTarget(_ context.Context, targetID int64, upd *store.TargetUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exist := s.targets[targetID]
	if !exist {
		return notFound("target", targetID)
	}

	if upd.ExternalID != nil && *upd.ExternalID != t.ExternalID {
		newKey := targetKey{stage: t.Stage, externalID: *upd.ExternalID, name: t.Name}
		if *upd.ExternalID != "" {
			if _, exist := s.targetKeys[newKey]; exist {
				return &store.ConflictError{What: fmt.Sprintf("target %s/%s/%s", t.Stage, *upd.ExternalID, t.Name)}
			}
		}

		if t.ExternalID != "" {
			delete(s.targetKeys, targetKey{stage: t.Stage, externalID: t.ExternalID, name: t.Name})
		}

		t.ExternalID = *upd.ExternalID
		if t.ExternalID != "" {
			s.targetKeys[newKey] = t.ID
		}
	}

	setString(&t.WebURL, upd.WebURL)
	setString(&t.LogsURL, upd.LogsURL)
	setString(&t.Owner, upd.Owner)
	setString(&t.ProjectName, upd.ProjectName)
	setTime(&t.SubmittedAt, upd.SubmittedAt)
	setTime(&t.StartedAt, upd.StartedAt)
	setTime(&t.FinishedAt, upd.FinishedAt)

	if upd.Data != nil {
		if t.Data == nil {
			t.Data = make(map[string]string, len(upd.Data))
		}
		for k, v := range upd.Data {
			t.Data[k] = v
		}
	}

	return nil
}

func (s *Store) LinkTargets(_ context.Context, testTargetID, buildTargetID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exist := s.targets[testTargetID]; !exist {
		return notFound("target", testTargetID)
	}

	if _, exist := s.targets[buildTargetID]; !exist {
		return notFound("target", buildTargetID)
	}

	s.links[model.TargetLink{TestTargetID: testTargetID, BuildTargetID: buildTargetID}] = struct{}{}

	return nil
}

func (s *Store) ListLinkedBuilds(_ context.Context, testTargetID int64) ([]*model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filter(func(t *model.Target) bool {
		_, exist := s.links[model.TargetLink{TestTargetID: testTargetID, BuildTargetID: t.ID}]
		return exist
	}), nil
}

func setString(dst *string, val *string) {
	if val != nil {
		*dst = *val
	}
}

func setTime(dst *time.Time, val *time.Time) {
	if val != nil {
		*dst = *val
	}
}

func notFound(what string, id int64) error {
	return fmt.Errorf("%s %d: %w", what, id, store.ErrNotFound)
}

func copyEvent(ev *model.ProjectEvent) *model.ProjectEvent {
	result := *ev
	result.PackagesConfig = append([]byte(nil), ev.PackagesConfig...)
	return &result
}

func copyRun(run *model.Run) *model.Run {
	result := *run
	result.Groups = make(map[model.Stage]int64, len(run.Groups))
	for k, v := range run.Groups {
		result.Groups[k] = v
	}

	return &result
}

func copyTarget(t *model.Target) *model.Target {
	result := *t
	if t.Data != nil {
		result.Data = make(map[string]string, len(t.Data))
		for k, v := range t.Data {
			result.Data[k] = v
		}
	}

	return &result
}
