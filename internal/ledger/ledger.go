// Package ledger records runs, their stage groups and targets and applies
// status transitions of targets.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/statemachine"
	"github.com/simplesurance/runledger/internal/store"
)

const loggerName = "ledger"

// ErrNotOurs is returned when a notification refers to an external ID that
// is not recorded in the ledger. Such notifications belong to work that was
// not submitted by us and must be ignored.
var ErrNotOurs = errors.New("external id is not tracked")

// Ledger creates and correlates runs, groups and targets.
type Ledger struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Ledger)

// WithTimeFunc sets the function that returns the current time.
func WithTimeFunc(fn func() time.Time) Option {
	return func(l *Ledger) {
		l.now = fn
	}
}

func New(s store.Store, opts ...Option) *Ledger {
	l := Ledger{
		store:  s,
		logger: zap.L().Named(loggerName),
		now:    time.Now,
	}

	for _, o := range opts {
		o(&l)
	}

	return &l
}

// Store returns the store the ledger uses.
func (l *Ledger) Store() store.Store {
	return l.store
}

// StartRun creates a new Run for the project event.
func (l *Ledger) StartRun(ctx context.Context, pe *model.ProjectEvent) (*model.Run, error) {
	run := model.Run{ProjectEventID: pe.ID}

	if err := l.store.CreateRun(ctx, &run); err != nil {
		return nil, fmt.Errorf("creating run failed: %w", err)
	}

	l.logger.Debug(
		"run created",
		logfields.Event("run_created"),
		logfields.ProjectEventID(pe.ID),
		logfields.RunID(run.ID),
	)

	return &run, nil
}

// GetOrCreateRunFor returns the run a new stage group for the project event
// is attached to.
// If continuationOf is nil, a new run is started. Otherwise continuationOf
// is returned, the group is attached to it by CreateGroup, which clones the
// run if it already has a group of the stage.
func (l *Ledger) GetOrCreateRunFor(ctx context.Context, pe *model.ProjectEvent, continuationOf *model.Run) (*model.Run, error) {
	if continuationOf == nil {
		return l.StartRun(ctx, pe)
	}

	if continuationOf.ProjectEventID != pe.ID {
		return nil, fmt.Errorf("run %d belongs to project event %d, not to %d", continuationOf.ID, continuationOf.ProjectEventID, pe.ID)
	}

	return continuationOf, nil
}

// StartSRPMRun creates a pending SRPM target and a new run referencing it.
func (l *Ledger) StartSRPMRun(ctx context.Context, pe *model.ProjectEvent, commitSHA string) (*model.Target, *model.Run, error) {
	srpm := model.Target{
		Stage:     model.StageSRPM,
		Name:      model.SRPMTargetName,
		Status:    model.StatusPending,
		CommitSHA: commitSHA,
	}

	if err := l.store.CreateTargets(ctx, []*model.Target{&srpm}); err != nil {
		return nil, nil, fmt.Errorf("creating srpm target failed: %w", err)
	}

	run := model.Run{ProjectEventID: pe.ID, SRPMBuildID: srpm.ID}
	if err := l.store.CreateRun(ctx, &run); err != nil {
		return nil, nil, fmt.Errorf("creating run failed: %w", err)
	}

	l.logger.Debug(
		"srpm run created",
		logfields.Event("srpm_run_created"),
		logfields.ProjectEventID(pe.ID),
		logfields.RunID(run.ID),
		logfields.TargetID(srpm.ID),
	)

	return &srpm, &run, nil
}

// TargetSpec describes a target of a group that is created.
type TargetSpec struct {
	Name        string
	CommitSHA   string
	Owner       string
	ProjectName string
	Identifier  string
	ExternalID  string
	Scratch     bool
	Data        map[string]string
	// Status is the initial status, if empty the initial status of the
	// stage is used.
	Status model.Status
}

// Group is a created TargetGroup with its targets and the run it is
// attached to.
type Group struct {
	Group   *model.TargetGroup
	Run     *model.Run
	Targets []*model.Target
}

// CreateGroup creates a TargetGroup of the stage with one target per spec
// and attaches it to run.
// If run already references a group of the stage, the group is attached to
// a clone of run instead, the returned Group.Run is the run it was attached
// to.
func (l *Ledger) CreateGroup(ctx context.Context, run *model.Run, stage model.Stage, specs []*TargetSpec) (*Group, error) {
	if stage == model.StageSRPM {
		return nil, errors.New("srpm targets are not part of a group")
	}

	if len(specs) == 0 {
		return nil, errors.New("no targets specified")
	}

	m, err := statemachine.For(stage)
	if err != nil {
		return nil, err
	}

	for _, spec := range specs {
		if spec.Status != "" && !m.Valid(spec.Status) {
			return nil, &statemachine.InvalidTransitionError{Stage: stage, To: spec.Status, Reason: "invalid initial status"}
		}
	}

	group, owner, err := l.store.AttachNewGroup(ctx, run.ID, stage)
	if err != nil {
		return nil, fmt.Errorf("creating %s group failed: %w", stage, err)
	}

	logger := l.logger.With(
		logfields.Stage(string(stage)),
		logfields.RunID(owner.ID),
		logfields.GroupID(group.ID),
		logfields.ProjectEventID(owner.ProjectEventID),
	)

	if owner.ID != run.ID {
		metrics.RunClonedInc(string(stage))
		logger.Debug(
			"run cloned, stage group already existed",
			logfields.Event("run_cloned"),
			zap.Int64("ledger.cloned_run_id", run.ID),
		)
	}

	now := l.now()
	targets := make([]*model.Target, 0, len(specs))
	for _, spec := range specs {
		status := spec.Status
		if status == "" {
			status = m.Initial()
		}

		targets = append(targets, &model.Target{
			Stage:       stage,
			GroupID:     group.ID,
			Name:        spec.Name,
			ExternalID:  spec.ExternalID,
			Status:      status,
			CommitSHA:   spec.CommitSHA,
			Owner:       spec.Owner,
			ProjectName: spec.ProjectName,
			Identifier:  spec.Identifier,
			Scratch:     spec.Scratch,
			Data:        spec.Data,
			SubmittedAt: now,
		})
	}

	if err := l.store.CreateTargets(ctx, targets); err != nil {
		return nil, fmt.Errorf("creating %s targets failed: %w", stage, err)
	}

	metrics.GroupCreatedInc(string(stage))
	logger.Debug(
		"target group created",
		logfields.Event("target_group_created"),
		zap.Int("target_count", len(targets)),
	)

	return &Group{Group: group, Run: owner, Targets: targets}, nil
}

// RunForTarget returns the run the target belongs to. For SRPM targets it is
// the first run referencing the SRPM.
func (l *Ledger) RunForTarget(ctx context.Context, t *model.Target) (*model.Run, error) {
	if t.Stage == model.StageSRPM {
		return l.store.GetRunBySRPM(ctx, t.ID)
	}

	group, err := l.store.GetGroup(ctx, t.GroupID)
	if err != nil {
		return nil, fmt.Errorf("retrieving group of target %d failed: %w", t.ID, err)
	}

	return l.store.GetRun(ctx, group.RunID)
}

// ProjectEventForTarget returns the project event of the run the target
// belongs to.
func (l *Ledger) ProjectEventForTarget(ctx context.Context, t *model.Target) (*model.ProjectEvent, *model.Run, error) {
	run, err := l.RunForTarget(ctx, t)
	if err != nil {
		return nil, nil, err
	}

	pe, err := l.store.GetProjectEvent(ctx, run.ProjectEventID)
	if err != nil {
		return nil, nil, err
	}

	return pe, run, nil
}

// FindTarget returns the target of the stage with the external ID and name.
// If name is empty, the most recent target with the external ID is
// returned.
// If no target exists, an error wrapping ErrNotOurs is returned.
func (l *Ledger) FindTarget(ctx context.Context, stage model.Stage, externalID, name string) (*model.Target, error) {
	t, err := l.store.GetTargetByExternalID(ctx, stage, externalID, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.NotOursInc(string(stage))
			return nil, fmt.Errorf("%s %s %s: %w", stage, externalID, name, ErrNotOurs)
		}

		return nil, err
	}

	return t, nil
}

// GroupTargets returns the targets of the group of the stage of the run,
// nil if the run does not reference a group of the stage.
func (l *Ledger) GroupTargets(ctx context.Context, run *model.Run, stage model.Stage) ([]*model.Target, error) {
	groupID := run.GroupID(stage)
	if groupID == 0 {
		return nil, nil
	}

	return l.store.ListTargetsByGroup(ctx, groupID)
}
