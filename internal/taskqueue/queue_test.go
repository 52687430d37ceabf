package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/runledger/internal/goorderr"
	"github.com/simplesurance/runledger/internal/retry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestQueue(t *testing.T, workers uint) *Queue {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	q := New(workers)
	t.Cleanup(q.Stop)

	return q
}

func TestScheduledTasksAreExecuted(t *testing.T) {
	q := newTestQueue(t, 3)

	var executed atomic.Int32
	q.Register("count", func(_ context.Context, task *Task) (retry.Result, error) {
		executed.Inc()
		return retry.Completed(), nil
	})
	q.Start()

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Schedule(context.Background(), "count", retry.Kwargs{"i": i}, 0))
	}

	assert.Eventually(t, func() bool { return executed.Load() == 20 }, 5*time.Second, 10*time.Millisecond)
}

func TestPanickingTaskDoesNotStopWorkers(t *testing.T) {
	q := newTestQueue(t, 1)

	var executed atomic.Int32
	q.Register("panic", func(context.Context, *Task) (retry.Result, error) {
		panic("nil map write")
	})
	q.Register("count", func(context.Context, *Task) (retry.Result, error) {
		executed.Inc()
		return retry.Completed(), nil
	})
	q.Start()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Schedule(context.Background(), "panic", retry.Kwargs{}, 0))
		require.NoError(t, q.Schedule(context.Background(), "count", retry.Kwargs{}, 0))
	}

	assert.Eventually(t, func() bool { return executed.Load() == 3 }, 5*time.Second, 10*time.Millisecond)
}

func TestCountdownDelaysExecution(t *testing.T) {
	q := newTestQueue(t, 1)

	executedAt := make(chan time.Time, 1)
	q.Register("delayed", func(context.Context, *Task) (retry.Result, error) {
		executedAt <- time.Now()
		return retry.Completed(), nil
	})
	q.Start()

	scheduledAt := time.Now()
	require.NoError(t, q.Schedule(context.Background(), "delayed", nil, 200*time.Millisecond))

	select {
	case ts := <-executedAt:
		assert.GreaterOrEqual(t, ts.Sub(scheduledAt), 200*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("task was not executed")
	}
}

func TestKwargsAreCopied(t *testing.T) {
	q := newTestQueue(t, 1)

	received := make(chan retry.Kwargs, 1)
	q.Register("args", func(_ context.Context, task *Task) (retry.Result, error) {
		received <- task.Kwargs
		return retry.Completed(), nil
	})
	q.Start()

	kw := retry.Kwargs{retry.KwargRunID: int64(7)}
	require.NoError(t, q.Schedule(context.Background(), "args", kw, 0))
	kw[retry.KwargRunID] = int64(8)

	select {
	case got := <-received:
		runID, ok, err := got.Int64(retry.KwargRunID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(7), runID)
	case <-time.After(5 * time.Second):
		t.Fatal("task was not executed")
	}
}

func TestScheduleRejectsUnserializableKwargs(t *testing.T) {
	q := newTestQueue(t, 1)
	q.Register("args", func(context.Context, *Task) (retry.Result, error) {
		return retry.Completed(), nil
	})

	err := q.Schedule(context.Background(), "args", retry.Kwargs{"ch": make(chan int)}, 0)
	assert.Error(t, err)
}

func TestScheduleUnknownTask(t *testing.T) {
	q := newTestQueue(t, 1)

	err := q.Schedule(context.Background(), "unknown", nil, 0)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestScheduleAfterStop(t *testing.T) {
	q := newTestQueue(t, 1)
	q.Register("noop", func(context.Context, *Task) (retry.Result, error) {
		return retry.Completed(), nil
	})
	q.Start()
	q.Stop()

	err := q.Schedule(context.Background(), "noop", nil, 0)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopCancelsDelayedTasks(t *testing.T) {
	q := newTestQueue(t, 1)

	var executed atomic.Bool
	q.Register("delayed", func(context.Context, *Task) (retry.Result, error) {
		executed.Store(true)
		return retry.Completed(), nil
	})
	q.Start()

	require.NoError(t, q.Schedule(context.Background(), "delayed", nil, 100*time.Millisecond))
	q.Stop()

	time.Sleep(300 * time.Millisecond)
	assert.False(t, executed.Load())
}

// TestRetryControllerReschedules runs a task whose handler fails with a
// transient error until the retry limit is reached.
func TestRetryControllerReschedules(t *testing.T) {
	q := newTestQueue(t, 2)

	ctrl := retry.NewController(q, retry.Policy{
		BaseInterval:       10 * time.Millisecond,
		MaxRetries:         2,
		OutageBaseInterval: 10 * time.Millisecond,
		OutageMaxRetries:   2,
	})

	var attempts atomic.Int32
	results := make(chan retry.Result, 3)

	q.Register("submit", func(ctx context.Context, task *Task) (retry.Result, error) {
		res, err := ctrl.Run(ctx, &retry.Attempt{TaskName: task.Name, Kwargs: task.Kwargs}, func(context.Context) error {
			attempts.Inc()
			return goorderr.NewRetryableAnytimeError(errors.New("connection refused"))
		})
		results <- res
		return res, err
	})
	q.Start()

	require.NoError(t, q.Schedule(context.Background(), "submit", retry.Kwargs{}, 0))

	var outcomes []retry.Outcome
	for i := 0; i < 3; i++ {
		select {
		case res := <-results:
			outcomes = append(outcomes, res.Outcome)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d attempts were executed", i)
		}
	}

	assert.Equal(t,
		[]retry.Outcome{retry.OutcomeRetryRequested, retry.OutcomeRetryRequested, retry.OutcomeFailed},
		outcomes,
	)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
}
