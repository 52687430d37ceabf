package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/statemachine"
	"github.com/simplesurance/runledger/internal/store"
)

// maxCASAttempts is how often a status transition is evaluated again when
// the status was changed concurrently.
const maxCASAttempts = 5

var errConcurrentModification = errors.New("status was modified concurrently")

func targetLogFields(t *model.Target) []zap.Field {
	return []zap.Field{
		logfields.TargetID(t.ID),
		logfields.Stage(string(t.Stage)),
		logfields.Target(t.Name),
		logfields.ExternalID(t.ExternalID),
	}
}

// SetStatus transitions the target to the status to.
// It returns true if the status was changed. False is returned when the
// target already had the status, is in a final state or the transition is
// an out-of-order update that would move it backwards.
// t.Status is updated to the stored status.
//
// An statemachine.InvalidTransitionError is returned when to is not a
// status of the stage of the target.
func (l *Ledger) SetStatus(ctx context.Context, t *model.Target, to model.Status) (bool, error) {
	m, err := statemachine.For(t.Stage)
	if err != nil {
		return false, err
	}

	logger := l.logger.With(targetLogFields(t)...).With(
		zap.String("ledger.status_from", string(t.Status)),
		zap.String("ledger.status_to", string(to)),
	)

	current := t.Status
	for i := 0; i < maxCASAttempts; i++ {
		decision, err := m.Decide(current, to)
		if err != nil {
			metrics.TransitionInc(string(t.Stage), "invalid")
			logger.Warn(
				"rejecting invalid status transition",
				logfields.Event("status_transition_invalid"),
				zap.Error(err),
			)

			return false, err
		}

		if decision != statemachine.Apply {
			metrics.TransitionInc(string(t.Stage), decision.String())
			logger.Debug(
				"status transition ignored",
				logfields.Event("status_transition_ignored"),
				zap.String("decision", decision.String()),
				zap.String("ledger.status_current", string(current)),
			)

			t.Status = current
			return false, nil
		}

		ok, err := l.store.CompareAndSetStatus(ctx, t.ID, current, to)
		if err != nil {
			return false, fmt.Errorf("storing status of target %d failed: %w", t.ID, err)
		}

		if ok {
			metrics.TransitionInc(string(t.Stage), decision.String())
			logger.Debug(
				"status changed",
				logfields.Event("status_changed"),
			)

			t.Status = to
			return true, nil
		}

		stored, err := l.store.GetTarget(ctx, t.ID)
		if err != nil {
			return false, fmt.Errorf("reloading target %d failed: %w", t.ID, err)
		}

		current = stored.Status
	}

	metrics.ConflictInc(string(t.Stage))

	return false, fmt.Errorf("setting status of target %d to %s failed: %w", t.ID, to, errConcurrentModification)
}

// SetStartTime records when the work of the target was started.
func (l *Ledger) SetStartTime(ctx context.Context, t *model.Target, ts time.Time) error {
	if err := l.store.UpdateTarget(ctx, t.ID, &store.TargetUpdate{StartedAt: &ts}); err != nil {
		return err
	}

	t.StartedAt = ts

	return nil
}

// SetEndTime records when the work of the target finished.
func (l *Ledger) SetEndTime(ctx context.Context, t *model.Target, ts time.Time) error {
	if err := l.store.UpdateTarget(ctx, t.ID, &store.TargetUpdate{FinishedAt: &ts}); err != nil {
		return err
	}

	t.FinishedAt = ts

	return nil
}

// SetSubmitted records the external ID and web URL the external system
// assigned to the target when it was submitted.
func (l *Ledger) SetSubmitted(ctx context.Context, t *model.Target, externalID, webURL string) error {
	now := l.now()

	upd := store.TargetUpdate{
		ExternalID:  &externalID,
		SubmittedAt: &now,
	}

	if webURL != "" {
		upd.WebURL = &webURL
	}

	if err := l.store.UpdateTarget(ctx, t.ID, &upd); err != nil {
		return err
	}

	t.ExternalID = externalID
	t.SubmittedAt = now
	if webURL != "" {
		t.WebURL = webURL
	}

	return nil
}

// SetURLs updates the web and logs URL of the target. Empty values are
// ignored.
func (l *Ledger) SetURLs(ctx context.Context, t *model.Target, webURL, logsURL string) error {
	var upd store.TargetUpdate

	if webURL != "" {
		upd.WebURL = &webURL
	}

	if logsURL != "" {
		upd.LogsURL = &logsURL
	}

	if upd.WebURL == nil && upd.LogsURL == nil {
		return nil
	}

	if err := l.store.UpdateTarget(ctx, t.ID, &upd); err != nil {
		return err
	}

	if webURL != "" {
		t.WebURL = webURL
	}

	if logsURL != "" {
		t.LogsURL = logsURL
	}

	return nil
}

// SetData merges data into the data of the target.
func (l *Ledger) SetData(ctx context.Context, t *model.Target, data map[string]string) error {
	if err := l.store.UpdateTarget(ctx, t.ID, &store.TargetUpdate{Data: data}); err != nil {
		return err
	}

	if t.Data == nil {
		t.Data = make(map[string]string, len(data))
	}

	for k, v := range data {
		t.Data[k] = v
	}

	return nil
}

// FailUnfinished transitions all targets that are not in a final state to
// the status to. It is used to complete a fan-out when a shared
// precondition failed. The targets that were changed are returned.
// All targets are processed also if transitions fail.
func (l *Ledger) FailUnfinished(ctx context.Context, targets []*model.Target, to model.Status) ([]*model.Target, error) {
	var changed []*model.Target
	var errs *multierror.Error

	for _, t := range targets {
		if statemachine.IsFinalState(t.Stage, t.Status) {
			continue
		}

		ok, err := l.SetStatus(ctx, t, to)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		if ok {
			changed = append(changed, t)
		}
	}

	return changed, errs.ErrorOrNil()
}

// dependentBuilds returns the build targets of all runs that reference the
// SRPM target.
func (l *Ledger) dependentBuilds(ctx context.Context, srpm *model.Target) ([]*model.Target, error) {
	first, err := l.store.GetRunBySRPM(ctx, srpm.ID)
	if err != nil {
		return nil, err
	}

	runs, err := l.store.ListRunsByProjectEvent(ctx, first.ProjectEventID)
	if err != nil {
		return nil, err
	}

	seen := map[int64]struct{}{}
	var result []*model.Target

	for _, run := range runs {
		if run.SRPMBuildID != srpm.ID {
			continue
		}

		for _, stage := range []model.Stage{model.StageCoprBuild, model.StageKojiBuild} {
			groupID := run.GroupID(stage)
			if groupID == 0 {
				continue
			}

			if _, exist := seen[groupID]; exist {
				continue
			}
			seen[groupID] = struct{}{}

			targets, err := l.store.ListTargetsByGroup(ctx, groupID)
			if err != nil {
				return nil, err
			}

			result = append(result, targets...)
		}
	}

	return result, nil
}

// SRPMFinished records the final status of the SRPM target and propagates it
// to the build targets waiting for it.
// When the SRPM build succeeded, the builds waiting for it become pending.
// When it failed, all unfinished builds fail.
// The returned bool is false if the SRPM already was in a final state, the
// targets are the builds whose status changed.
func (l *Ledger) SRPMFinished(ctx context.Context, srpm *model.Target, success bool, finishedAt time.Time) (bool, []*model.Target, error) {
	status := model.StatusFailure
	if success {
		status = model.StatusSuccess
	}

	changed, err := l.SetStatus(ctx, srpm, status)
	if err != nil {
		return false, nil, err
	}

	if !changed {
		return false, nil, nil
	}

	if err := l.SetEndTime(ctx, srpm, finishedAt); err != nil {
		return true, nil, fmt.Errorf("storing end time of srpm failed: %w", err)
	}

	builds, err := l.dependentBuilds(ctx, srpm)
	if err != nil {
		return true, nil, fmt.Errorf("retrieving builds of srpm failed: %w", err)
	}

	if !success {
		failed, err := l.FailUnfinished(ctx, builds, model.StatusFailure)
		return true, failed, err
	}

	var errs *multierror.Error
	var moved []*model.Target

	for _, b := range builds {
		if b.Status != model.StatusWaitingForSRPM {
			continue
		}

		ok, err := l.SetStatus(ctx, b, model.StatusPending)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		if ok {
			moved = append(moved, b)
		}
	}

	return true, moved, errs.ErrorOrNil()
}

// CancelTests requests the cancellation of all unfinished test targets of
// the runs.
// Targets that were never submitted are canceled directly. Submitted
// targets are transitioned to cancel_requested and returned, the caller
// must cancel them at the external system and record the result.
func (l *Ledger) CancelTests(ctx context.Context, runs []*model.Run) ([]*model.Target, error) {
	var toCancel []*model.Target
	var errs *multierror.Error

	for _, run := range runs {
		targets, err := l.GroupTargets(ctx, run, model.StageTestRun)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		for _, t := range targets {
			if statemachine.IsFinalState(t.Stage, t.Status) || t.Status == model.StatusCancelRequested {
				continue
			}

			to := model.StatusCancelRequested
			if t.ExternalID == "" {
				to = model.StatusCanceled
			}

			ok, err := l.SetStatus(ctx, t, to)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}

			if ok && to == model.StatusCancelRequested {
				toCancel = append(toCancel, t)
			}
		}
	}

	return toCancel, errs.ErrorOrNil()
}
