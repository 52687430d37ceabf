package jobs

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/model"
)

// cancelSupersededTests cancels the unfinished tests of the runs of the
// project event that test another commit than commit.
// Tests whose cancellation was not acknowledged by the test system stay in
// cancel_requested, the babysitter records their final status.
func (j *Jobs) cancelSupersededTests(ctx context.Context, pe *model.ProjectEvent, commit string) error {
	runs, err := j.store.ListRunsByProjectEvent(ctx, pe.ID)
	if err != nil {
		return fmt.Errorf("retrieving runs failed: %w", err)
	}

	superseded := make([]*model.Run, 0, len(runs))
	for _, run := range runs {
		if run.SRPMBuildID != 0 {
			srpm, err := j.store.GetTarget(ctx, run.SRPMBuildID)
			if err != nil {
				return fmt.Errorf("retrieving srpm of run %d failed: %w", run.ID, err)
			}

			if srpm.CommitSHA == commit {
				continue
			}
		}

		superseded = append(superseded, run)
	}

	if len(superseded) == 0 {
		return nil
	}

	toCancel, err := j.ledger.CancelTests(ctx, superseded)
	var errs *multierror.Error
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	if len(toCancel) == 0 {
		return errs.ErrorOrNil()
	}

	bs, err := j.backends.Get(model.StageTestRun)
	if err != nil {
		return multierror.Append(errs, err)
	}

	for _, t := range toCancel {
		logger := j.logger.With(
			logfields.TargetID(t.ID),
			logfields.ExternalID(t.ExternalID),
			logfields.Target(t.Name),
		)

		ok, err := bs.Cancel(ctx, t.ExternalID)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("canceling %s failed: %w", t, err))
			continue
		}

		if !ok {
			logger.Debug(
				"cancellation was not acknowledged",
				logfields.Event("test_cancel_not_acknowledged"),
			)
			continue
		}

		if _, err := j.ledger.SetStatus(ctx, t, model.StatusCanceled); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		if err := j.ledger.SetEndTime(ctx, t, j.now()); err != nil {
			errs = multierror.Append(errs, err)
		}

		logger.Info("test canceled", logfields.Event("test_canceled"), zap.String("commit_new", commit))
	}

	return errs.ErrorOrNil()
}
