package httpbackend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/runledger/internal/backend"
	"github.com/simplesurance/runledger/internal/goorderr"
	"github.com/simplesurance/runledger/internal/model"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return New("copr", srv.URL, "secret", WithHTTPClient(srv.Client()))
}

func TestSubmit(t *testing.T) {
	clt := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/jobs", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req backend.SubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, model.StageCoprBuild, req.Stage)
		assert.Equal(t, []string{"fedora-39-x86_64"}, req.Targets)

		_, _ = w.Write([]byte(`{"id": "123", "web_url": "https://copr.example.com/123"}`))
	})

	sub, err := clt.Submit(context.Background(), &backend.SubmitRequest{
		Stage:   model.StageCoprBuild,
		Targets: []string{"fedora-39-x86_64"},
	})
	require.NoError(t, err)
	assert.Equal(t, "123", sub.ExternalID)
	assert.Equal(t, "https://copr.example.com/123", sub.WebURL)
}

func TestGetStatus(t *testing.T) {
	clt := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/jobs/123", r.URL.Path)

		_, _ = w.Write([]byte(`{"status": "running", "targets": {"fedora-39-x86_64": "success"}}`))
	})

	st, err := clt.GetStatus(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, st.Status)
	assert.Equal(t, model.StatusSuccess, st.TargetStatus("fedora-39-x86_64"))
	assert.Equal(t, model.StatusRunning, st.TargetStatus("fedora-40-x86_64"))
}

func TestCancel(t *testing.T) {
	var calls int
	clt := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)

		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		w.WriteHeader(http.StatusConflict)
	})

	ok, err := clt.Cancel(context.Background(), "123")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = clt.Cancel(context.Background(), "123")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestErrorClassification(t *testing.T) {
	testcases := []struct {
		status    int
		retryable bool
		outage    bool
	}{
		{status: http.StatusServiceUnavailable, retryable: true, outage: true},
		{status: http.StatusTooManyRequests, retryable: true},
		{status: http.StatusInternalServerError, retryable: true},
		{status: http.StatusBadGateway, retryable: true},
		{status: http.StatusForbidden},
		{status: http.StatusNotFound},
		{status: http.StatusBadRequest},
	}

	for _, tc := range testcases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			clt := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "30")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte("nope"))
			})

			_, err := clt.GetStatus(context.Background(), "1")
			require.Error(t, err)

			var retryErr *goorderr.RetryableError
			var permErr *goorderr.PermanentError

			if !tc.retryable {
				assert.ErrorAs(t, err, &permErr)
				assert.False(t, errors.As(err, &retryErr))
				assert.Contains(t, permErr.Reason, "nope")
				return
			}

			require.ErrorAs(t, err, &retryErr)
			assert.Equal(t, tc.outage, retryErr.Outage)

			var httpErr *ErrorHTTPRequest
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tc.status, httpErr.Status)
		})
	}
}

func TestConnectionErrorIsOutage(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	clt := New("tf", url, "", WithHTTPClient(&http.Client{Timeout: time.Second}))

	_, err := clt.Submit(context.Background(), &backend.SubmitRequest{Stage: model.StageTestRun})

	var retryErr *goorderr.RetryableError
	require.ErrorAs(t, err, &retryErr)
	assert.True(t, retryErr.Outage)
}

func TestRetryAfterHeader(t *testing.T) {
	h := http.Header{}
	assert.True(t, retryAfter(h).IsZero())

	h.Set("Retry-After", "120")
	assert.WithinDuration(t, time.Now().Add(2*time.Minute), retryAfter(h), 5*time.Second)

	ts := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	h.Set("Retry-After", ts.Format(http.TimeFormat))
	assert.True(t, ts.Equal(retryAfter(h)))
}
