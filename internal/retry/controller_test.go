package retry_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/runledger/internal/goorderr"
	"github.com/simplesurance/runledger/internal/report"
	reportmocks "github.com/simplesurance/runledger/internal/report/mocks"
	"github.com/simplesurance/runledger/internal/retry"
	"github.com/simplesurance/runledger/internal/retry/mocks"
)

const taskName = "task.run_copr_build_handler"

func errUnableToConnect() error {
	return goorderr.NewOutageError(errors.New("unable to connect"))
}

func TestPolicyDelay(t *testing.T) {
	p := retry.DefaultPolicy()

	assert.Equal(t, 10*time.Second, p.Delay(0, false))
	assert.Equal(t, 20*time.Second, p.Delay(1, false))
	assert.Equal(t, 40*time.Second, p.Delay(2, false))

	assert.Equal(t, time.Minute, p.Delay(0, true))
	assert.Equal(t, 16*time.Minute, p.Delay(4, true))
}

func TestRunCompleted(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	sched := mocks.NewMockScheduler(mockctrl)

	ctrl := retry.NewController(sched, retry.DefaultPolicy())
	res, err := ctrl.Run(context.Background(), &retry.Attempt{TaskName: taskName}, func(context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, retry.OutcomeCompleted, res.Outcome)
}

// TestRetriesAreBounded runs a task whose outbound call fails every time
// with a transient error and max_retries=2.
func TestRetriesAreBounded(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	sched := mocks.NewMockScheduler(mockctrl)
	rep := reportmocks.NewMockReporter(mockctrl)

	policy := retry.Policy{
		BaseInterval:       10 * time.Second,
		MaxRetries:         2,
		OutageBaseInterval: 10 * time.Second,
		OutageMaxRetries:   2,
	}
	ctrl := retry.NewController(sched, policy)

	var scheduled []retry.Kwargs
	var delays []time.Duration
	sched.EXPECT().
		Schedule(gomock.Any(), gomock.Eq(taskName), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, kw retry.Kwargs, countdown time.Duration) error {
			scheduled = append(scheduled, kw)
			delays = append(delays, countdown)
			return nil
		}).
		Times(2)

	var reported []*report.Status
	rep.EXPECT().Report(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, st *report.Status) error {
			reported = append(reported, st)
			return nil
		}).
		Times(3)

	kwargs := retry.Kwargs{retry.KwargRunID: int64(5)}
	var results []retry.Result

	for i := 0; i < 3; i++ {
		res, err := ctrl.Run(context.Background(), &retry.Attempt{
			TaskName:  taskName,
			Kwargs:    kwargs,
			Reporter:  rep,
			CheckName: "rpm-build:fedora-rawhide-x86_64",
			Action:    "Submit of the Copr build",
		}, func(context.Context) error {
			return errUnableToConnect()
		})
		require.NoError(t, err)
		results = append(results, res)

		if res.Outcome == retry.OutcomeRetryRequested {
			kwargs = scheduled[len(scheduled)-1]
		}
	}

	assert.Equal(t, retry.OutcomeRetryRequested, results[0].Outcome)
	assert.Equal(t, retry.OutcomeRetryRequested, results[1].Outcome)
	assert.Equal(t, retry.OutcomeFailed, results[2].Outcome)

	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, delays)
	assert.Equal(t, 1, scheduled[0].RetryCount())
	assert.Equal(t, 2, scheduled[1].RetryCount())

	runID, ok, err := scheduled[1].Int64(retry.KwargRunID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5), runID)

	require.Len(t, reported, 3)
	assert.Equal(t, report.StatePending, reported[0].State)
	assert.Contains(t, reported[0].Description, "will be retried in 10 seconds")
	assert.Equal(t, report.StatePending, reported[1].State)
	assert.Equal(t, report.StateFailure, reported[2].State)
	assert.Contains(t, reported[2].Description, "after 2 retries")
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	sched := mocks.NewMockScheduler(mockctrl)
	rep := reportmocks.NewMockReporter(mockctrl)

	rep.EXPECT().Report(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, st *report.Status) error {
			assert.Equal(t, report.StateError, st.State)
			assert.Contains(t, st.Description, "grant builder permission")
			return nil
		})

	ctrl := retry.NewController(sched, retry.DefaultPolicy())
	res, err := ctrl.Run(context.Background(), &retry.Attempt{TaskName: taskName, Reporter: rep}, func(context.Context) error {
		return goorderr.NewPermanentError(errors.New("403"), "grant builder permission")
	})
	require.NoError(t, err)
	assert.Equal(t, retry.OutcomeFailed, res.Outcome)
	assert.Equal(t, "grant builder permission", res.Reason)
}

func TestUnclassifiedErrorIsReturned(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	sched := mocks.NewMockScheduler(mockctrl)

	errBug := errors.New("nil pointer")
	ctrl := retry.NewController(sched, retry.DefaultPolicy())
	_, err := ctrl.Run(context.Background(), &retry.Attempt{TaskName: taskName}, func(context.Context) error {
		return errBug
	})
	assert.ErrorIs(t, err, errBug)
}

func TestRetryAfterIsHonored(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	sched := mocks.NewMockScheduler(mockctrl)

	sched.EXPECT().Schedule(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ retry.Kwargs, countdown time.Duration) error {
			assert.Greater(t, countdown, 50*time.Minute)
			return nil
		})

	ctrl := retry.NewController(sched, retry.DefaultPolicy())
	res, err := ctrl.Run(context.Background(), &retry.Attempt{TaskName: taskName}, func(context.Context) error {
		return goorderr.NewRetryableError(errors.New("rate limited"), time.Now().Add(time.Hour))
	})
	require.NoError(t, err)
	assert.Equal(t, retry.OutcomeRetryRequested, res.Outcome)
}

func TestKwargsAfterJSONRoundtrip(t *testing.T) {
	kw := retry.Kwargs{retry.KwargTargetID: int64(42)}.With(retry.KwargRetryCount, 3)

	buf, err := json.Marshal(kw)
	require.NoError(t, err)

	var decoded retry.Kwargs
	require.NoError(t, json.Unmarshal(buf, &decoded))

	id, ok, err := decoded.Int64(retry.KwargTargetID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, 3, decoded.RetryCount())

	_, ok, err = decoded.Int64(retry.KwargRunID)
	require.NoError(t, err)
	assert.False(t, ok)
}
