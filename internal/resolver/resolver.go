// Package resolver maps forge event descriptors to canonical ProjectEvent
// records.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/event"
	"github.com/simplesurance/runledger/internal/goorderr"
	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/store"
)

const loggerName = "resolver"

// ProjectResolutionError is returned when the project of an event can not
// be resolved. Processing of the event must be aborted.
type ProjectResolutionError struct {
	ProjectURL string
	Err        error
}

func (e *ProjectResolutionError) Error() string {
	return fmt.Sprintf("resolving project %q failed: %s", e.ProjectURL, e.Err)
}

func (e *ProjectResolutionError) Unwrap() error {
	return e.Err
}

// Resolver creates or finds the ProjectEvent of forge events.
type Resolver struct {
	store  store.Store
	lookup ProjectLookup
	logger *zap.Logger
}

func New(s store.Store, lookup ProjectLookup) *Resolver {
	return &Resolver{
		store:  s,
		lookup: lookup,
		logger: zap.L().Named(loggerName),
	}
}

// Resolve returns the ProjectEvent for the descriptor.
// Resolving the same descriptor multiple times, also concurrently, returns
// the same ProjectEvent.
//
// If the project can not be resolved a ProjectResolutionError is returned.
// Errors of the lookup that can be retried are returned as
// goorderr.RetryableError instead.
func (r *Resolver) Resolve(ctx context.Context, desc *event.Descriptor) (*model.ProjectEvent, *model.Project, error) {
	logger := r.logger.With(
		logfields.ProjectURL(desc.ProjectURL),
		zap.String("event_kind", string(desc.Kind)),
		zap.String("forge_object_id", desc.ForgeObjectID),
		logfields.Commit(desc.CommitSHA),
	)

	if !desc.Kind.Valid() {
		return nil, nil, &ProjectResolutionError{
			ProjectURL: desc.ProjectURL,
			Err:        fmt.Errorf("unsupported event kind %q", desc.Kind),
		}
	}

	ref, err := r.lookup.LookupProject(ctx, desc.ProjectURL)
	if err != nil {
		var retryErr *goorderr.RetryableError
		if errors.As(err, &retryErr) {
			return nil, nil, fmt.Errorf("looking up project failed: %w", err)
		}

		logger.Info(
			"resolving project failed",
			logfields.Event("project_resolution_failed"),
			zap.Error(err),
		)

		return nil, nil, &ProjectResolutionError{ProjectURL: desc.ProjectURL, Err: err}
	}

	project, err := r.store.GetOrCreateProject(ctx, ref.Namespace, ref.RepoName, ref.ProjectURL, ref.InstanceURL)
	if err != nil {
		return nil, nil, fmt.Errorf("storing project failed: %w", err)
	}

	pe, err := r.store.GetOrCreateProjectEvent(ctx, desc.Kind, desc.ForgeObjectID, project.ID, desc.CommitSHA)
	if err != nil {
		return nil, nil, fmt.Errorf("storing project event failed: %w", err)
	}

	logger.Debug(
		"project event resolved",
		logfields.Event("project_event_resolved"),
		logfields.ProjectEventID(pe.ID),
	)

	return pe, project, nil
}

// ResolveDict resolves the forge object of the event dictionary.
func (r *Resolver) ResolveDict(ctx context.Context, d *event.Dict) (*model.ProjectEvent, *model.Project, error) {
	desc, err := d.Descriptor()
	if err != nil {
		return nil, nil, &ProjectResolutionError{ProjectURL: d.ProjectURL, Err: err}
	}

	return r.Resolve(ctx, desc)
}
