// Package retry decides what happens when a task failed: it is rescheduled
// with an exponential backoff delay, or it fails terminally and the failure
// is reported.
package retry

//go:generate mockgen -package mocks -destination mocks/scheduler.go . Scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/goorderr"
	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/report"
)

const loggerName = "retry_controller"

// Scheduler enqueues a task for delayed execution.
type Scheduler interface {
	Schedule(ctx context.Context, taskName string, kwargs Kwargs, countdown time.Duration) error
}

// Attempt describes one execution of a task.
type Attempt struct {
	// TaskName and Kwargs are used to schedule the retry.
	// Kwargs must contain the state that is needed to resume the task
	// without creating duplicate ledger records, e.g. the run_id.
	TaskName string
	Kwargs   Kwargs

	// Reporter, when not nil, receives the status while the task waits
	// for its retry and the terminal failure.
	Reporter  report.Reporter
	CheckName string
	URL       string
	// Action is a short description of the executed operation, e.g.
	// "Submitting the Copr build".
	Action string
}

// Controller runs attempts of tasks and decides about retries.
type Controller struct {
	logger    *zap.Logger
	scheduler Scheduler
	policy    Policy
}

func NewController(scheduler Scheduler, policy Policy) *Controller {
	return &Controller{
		logger:    zap.L().Named(loggerName),
		scheduler: scheduler,
		policy:    policy,
	}
}

// Policy returns the retry policy of the controller.
func (c *Controller) Policy() Policy {
	return c.policy
}

// Run executes fn once and converts its error into a Result:
//   - no error: OutcomeCompleted
//   - goorderr.RetryableError: if the retry limit was not reached yet,
//     a retry with an incremented retry_count is scheduled, a pending status
//     reported and OutcomeRetryRequested returned. Otherwise a failure is
//     reported and OutcomeFailed returned.
//   - goorderr.PermanentError: an error is reported and OutcomeFailed
//     returned.
//
// Other errors and errors of the Scheduler are returned.
func (c *Controller) Run(ctx context.Context, a *Attempt, fn func(context.Context) error) (Result, error) {
	retryCount := a.Kwargs.RetryCount()
	logger := c.logger.With(
		logfields.TaskName(a.TaskName),
		logfields.RetryCount(retryCount),
	)

	err := fn(ctx)
	if err == nil {
		return Completed(), nil
	}

	logger = logger.With(zap.Error(err))

	var permErr *goorderr.PermanentError
	if errors.As(err, &permErr) {
		reason := permErr.Reason
		if reason == "" {
			reason = permErr.Error()
		}

		metrics.PermanentFailureInc(a.TaskName)
		logger.Info(
			"task failed with non-retryable error",
			logfields.Event("task_failed_permanently"),
		)

		c.report(ctx, logger, a, report.StateError, fmt.Sprintf("%s failed: %s", actionOrDefault(a), reason))

		return Failed(reason), nil
	}

	var retryErr *goorderr.RetryableError
	if !errors.As(err, &retryErr) {
		return Result{}, err
	}

	_, maxRetries := c.policy.limits(retryErr.Outage)
	if retryCount >= maxRetries {
		metrics.RetriesExhaustedInc(a.TaskName, retryErr.Outage)
		logger.Warn(
			"task failed, retry limit reached",
			logfields.Event("task_retries_exhausted"),
			zap.Int("max_retries", maxRetries),
		)

		reason := fmt.Sprintf("%s failed after %d retries: %s", actionOrDefault(a), retryCount, retryErr.Err)
		c.report(ctx, logger, a, report.StateFailure, reason)

		return Failed(reason), nil
	}

	delay := c.policy.Delay(retryCount, retryErr.Outage)
	if wait := time.Until(retryErr.After); wait > delay {
		delay = wait
	}

	kwargs := a.Kwargs.With(KwargRetryCount, retryCount+1)
	if err := c.scheduler.Schedule(ctx, a.TaskName, kwargs, delay); err != nil {
		return Result{}, fmt.Errorf("scheduling retry failed: %w", err)
	}

	metrics.RetryScheduledInc(a.TaskName, retryErr.Outage)
	logger.Info(
		"task failed, retry scheduled",
		logfields.Event("task_retry_scheduled"),
		zap.Duration("retry_in", delay),
		zap.Bool("outage", retryErr.Outage),
	)

	c.report(ctx, logger, a, report.StatePending, fmt.Sprintf(
		"%s failed, will be retried in %s", actionOrDefault(a), humanDuration(delay),
	))

	return RetryRequested(delay), nil
}

func (c *Controller) report(ctx context.Context, logger *zap.Logger, a *Attempt, state report.State, description string) {
	if a.Reporter == nil {
		return
	}

	err := a.Reporter.Report(ctx, &report.Status{
		State:       state,
		Description: description,
		CheckName:   a.CheckName,
		URL:         a.URL,
	})
	if err != nil {
		logger.Warn(
			"reporting status failed",
			logfields.Event("task_status_report_failed"),
			zap.NamedError("report_error", err),
		)
	}
}

func actionOrDefault(a *Attempt) string {
	if a.Action == "" {
		return a.TaskName
	}

	return a.Action
}

// humanDuration returns d rounded up to full minutes or, if it is shorter
// than a minute, to seconds.
func humanDuration(d time.Duration) string {
	if d < time.Minute {
		secs := int((d + time.Second - 1) / time.Second)
		if secs == 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", secs)
	}

	mins := int((d + time.Minute - 1) / time.Minute)
	if mins == 1 {
		return "1 minute"
	}

	return fmt.Sprintf("%d minutes", mins)
}
