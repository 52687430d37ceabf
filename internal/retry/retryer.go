package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/goorderr"
	"github.com/simplesurance/runledger/internal/logfields"
)

const (
	defRetryerTimeout           = 10 * time.Minute
	defBackoffInitialInterval   = 5 * time.Second
	defBackoffRandomizationFact = 0.5
)

// Retryer executes a function repeatedly in the current goroutine until it
// was successful or a cancel condition happened.
// It is used for short outbound calls, like reporting a status, that should
// not be rescheduled as a new task.
type Retryer struct {
	logger       *zap.Logger
	shutdownChan chan struct{}

	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named("retryer"),
		shutdownChan:               make(chan struct{}),
		defTimeout:                 defRetryerTimeout,
		backoffInitialInterval:     defBackoffInitialInterval,
		backoffRandomizationFactor: defBackoffRandomizationFact,
	}
}

// Run executes fn until it was successful, it returned an error that
// does not wrap goorderr.RetryableError or the execution was aborted via the
// context.
// If ctx has no deadline, the retries are aborted after a default timeout.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	if _, ok := ctx.Deadline(); !ok {
		var cancelFunc context.CancelFunc
		ctx, cancelFunc = context.WithTimeout(ctx, r.defTimeout)
		defer cancelFunc()
	}

	deadline, _ := ctx.Deadline()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Info(
				"execution cancelled",
				logfields.Event("retryer_execution_cancelled"),
				zap.Error(ctx.Err()),
			)

			return ctx.Err()

		case <-retryTimer.C:
			err := fn(ctx)
			if err == nil {
				logger.Debug(
					"executed successfully",
					logfields.Event("retryer_execution_succeeded"),
					zap.Duration("age", bo.GetElapsedTime()),
				)

				return nil
			}

			logger = logger.With(zap.Error(err))

			if errors.Is(err, context.Canceled) {
				logger.Info(
					"execution cancelled",
					logfields.Event("retryer_execution_cancelled"),
				)

				return err
			}

			var retryError *goorderr.RetryableError
			if !errors.As(err, &retryError) {
				logger.Debug(
					"execution failed, not retryable",
					logfields.Event("retryer_execution_failed"),
				)

				return err
			}

			if retryError.After.After(deadline) {
				logger.Warn(
					"execution failed, next possible retry time is after the deadline",
					logfields.Event("retryer_execution_failed"),
					zap.Time("earliest_allowed_retry", retryError.After),
					zap.Time("deadline", deadline),
				)

				return err
			}

			var retryIn time.Duration
			if retryError.After.IsZero() || !retryError.After.After(time.Now()) {
				retryIn = bo.NextBackOff()
			} else {
				retryIn = time.Until(retryError.After)
			}

			retryTimer.Reset(retryIn)
			logger.Info(
				"execution failed, retry scheduled",
				logfields.Event("retryer_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
				zap.Duration("age", bo.GetElapsedTime()),
			)

		case <-r.shutdownChan:
			logger.Info(
				"retryer terminating, execution cancelled",
				logfields.Event("retryer_execution_cancelled_shutdown"),
			)

			return errors.New("retryer was stopped")
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
