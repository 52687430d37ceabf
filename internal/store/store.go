// Package store defines the persistence interface of the run ledger.
//
// Implementations must guarantee the uniqueness of the natural keys
// (project, project event, target external ID) when called concurrently and
// must apply status changes atomically as compare-and-set operations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/simplesurance/runledger/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TargetFilter selects targets. Zero value fields are ignored.
type TargetFilter struct {
	Stage          model.Stage
	Name           string
	Owner          string
	ProjectName    string
	CommitSHA      string
	ProjectEventID int64
	Statuses       []model.Status
	// SubmittedBefore selects targets that were submitted before the
	// time.
	SubmittedBefore time.Time
	// HasExternalID selects only targets that were submitted to an
	// external system.
	HasExternalID bool
}

// TargetUpdate contains the target fields to update. Nil fields are not
// changed.
type TargetUpdate struct {
	ExternalID  *string
	WebURL      *string
	LogsURL     *string
	Owner       *string
	ProjectName *string
	SubmittedAt *time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Data        map[string]string
}

// Store persists projects, project events, runs, groups and targets.
//
// Operations that return multiple targets order them most recent first:
// descending by SubmittedAt, targets with the same SubmittedAt descending by
// their insertion order.
type Store interface {
	// GetOrCreateProject returns the project with the natural key
	// (instanceURL, namespace, repoName), it is created if it does not
	// exist.
	GetOrCreateProject(ctx context.Context, namespace, repoName, projectURL, instanceURL string) (*model.Project, error)
	GetProject(ctx context.Context, id int64) (*model.Project, error)
	// FindProject returns the project with the natural key or
	// ErrNotFound.
	FindProject(ctx context.Context, namespace, repoName, instanceURL string) (*model.Project, error)

	// GetOrCreateProjectEvent returns the project event with the natural
	// key (kind, forgeObjectID, projectID), it is created if it does not
	// exist. firstCommitSHA is only stored when the event is created or
	// when the stored commit is empty.
	GetOrCreateProjectEvent(ctx context.Context, kind model.EventKind, forgeObjectID string, projectID int64, firstCommitSHA string) (*model.ProjectEvent, error)
	GetProjectEvent(ctx context.Context, id int64) (*model.ProjectEvent, error)
	// FindProjectEvent returns the project event with the natural key or
	// ErrNotFound.
	FindProjectEvent(ctx context.Context, kind model.EventKind, forgeObjectID string, projectID int64) (*model.ProjectEvent, error)
	SetPackagesConfig(ctx context.Context, projectEventID int64, cfg []byte) error

	// CreateRun stores a new run, ID and CreatedAt of run are set.
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id int64) (*model.Run, error)
	ListRunsByProjectEvent(ctx context.Context, projectEventID int64) ([]*model.Run, error)
	// GetRunBySRPM returns the first run that references the SRPM
	// target.
	GetRunBySRPM(ctx context.Context, srpmTargetID int64) (*model.Run, error)
	// SetRunSRPM sets the SRPM reference of a run.
	SetRunSRPM(ctx context.Context, runID, srpmTargetID int64) error

	// AttachNewGroup creates a group of the stage and attaches it to the
	// run atomically. If the run already references a group of the stage,
	// a clone of the run is created (see model.Run.Clone) and the group is
	// attached to the clone. The group and the run it was attached to are
	// returned.
	AttachNewGroup(ctx context.Context, runID int64, stage model.Stage) (*model.TargetGroup, *model.Run, error)
	GetGroup(ctx context.Context, id int64) (*model.TargetGroup, error)

	// CreateTargets stores the targets, their IDs are set.
	// Targets with the same (Stage, ExternalID, Name) as an existing
	// target are rejected when ExternalID is not empty.
	CreateTargets(ctx context.Context, targets []*model.Target) error
	GetTarget(ctx context.Context, id int64) (*model.Target, error)
	// GetTargetByExternalID returns the target of the stage with the
	// external ID and name. If name is empty, the most recent target with
	// the external ID is returned.
	GetTargetByExternalID(ctx context.Context, stage model.Stage, externalID, name string) (*model.Target, error)
	ListTargetsByExternalID(ctx context.Context, stage model.Stage, externalID string) ([]*model.Target, error)
	ListTargetsByGroup(ctx context.Context, groupID int64) ([]*model.Target, error)
	ListTargets(ctx context.Context, filter *TargetFilter) ([]*model.Target, error)
	// CompareAndSetStatus sets the status of the target to to, if its
	// current status is from. It returns false if the status was not
	// from.
	CompareAndSetStatus(ctx context.Context, targetID int64, from, to model.Status) (bool, error)
	UpdateTarget(ctx context.Context, targetID int64, upd *TargetUpdate) error

	// LinkTargets associates a test target with a build target. Linking
	// an already linked pair is not an error.
	LinkTargets(ctx context.Context, testTargetID, buildTargetID int64) error
	ListLinkedBuilds(ctx context.Context, testTargetID int64) ([]*model.Target, error)
}

// ConflictError is returned when a record violates a uniqueness constraint.
type ConflictError struct {
	What string
	Err  error
}

func (e *ConflictError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s already exists", e.What)
	}

	return fmt.Sprintf("%s already exists: %s", e.What, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}
