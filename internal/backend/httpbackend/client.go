// Package httpbackend is a client for remote build and test systems that
// provide a JSON HTTP API:
//
//	POST   <url>/jobs       submits a job
//	GET    <url>/jobs/<id>  returns the status of a job
//	DELETE <url>/jobs/<id>  cancels a job
package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/backend"
	"github.com/simplesurance/runledger/internal/goorderr"
	"github.com/simplesurance/runledger/internal/logfields"
)

const loggerName = "httpbackend"

const defTimeout = time.Minute

// Client is a backend.BuildSystem that communicates via HTTP.
type Client struct {
	name    string
	baseURL string
	token   string
	clt     *http.Client
	logger  *zap.Logger
}

type Option func(*Client)

// WithHTTPClient sets the http client that is used for requests.
func WithHTTPClient(clt *http.Client) Option {
	return func(c *Client) {
		c.clt = clt
	}
}

// New returns a client for the backend reachable at baseURL.
// If token is not empty it is sent as bearer token.
func New(name, baseURL, token string, opts ...Option) *Client {
	c := Client{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		clt:     &http.Client{Timeout: defTimeout},
		logger:  zap.L().Named(loggerName).With(zap.String("backend", name)),
	}

	for _, opt := range opts {
		opt(&c)
	}

	return &c
}

func (c *Client) String() string {
	return fmt.Sprintf("httpbackend %s (%s)", c.name, c.baseURL)
}

func (c *Client) jobURL(externalID string) string {
	return c.baseURL + "/jobs/" + url.PathEscape(externalID)
}

func (c *Client) Submit(ctx context.Context, req *backend.SubmitRequest) (*backend.Submission, error) {
	var result backend.Submission

	if err := c.do(ctx, http.MethodPost, c.baseURL+"/jobs", req, &result); err != nil {
		return nil, fmt.Errorf("submitting job failed: %w", err)
	}

	if result.ExternalID == "" {
		return nil, goorderr.NewPermanentError(errors.New("response contains no job id"), "invalid response from backend")
	}

	c.logger.Debug(
		"job submitted",
		logfields.Event("backend_job_submitted"),
		logfields.Stage(string(req.Stage)),
		logfields.ExternalID(result.ExternalID),
	)

	return &result, nil
}

func (c *Client) GetStatus(ctx context.Context, externalID string) (*backend.JobStatus, error) {
	var result backend.JobStatus

	if err := c.do(ctx, http.MethodGet, c.jobURL(externalID), nil, &result); err != nil {
		return nil, fmt.Errorf("retrieving job status failed: %w", err)
	}

	return &result, nil
}

func (c *Client) Cancel(ctx context.Context, externalID string) (bool, error) {
	err := c.do(ctx, http.MethodDelete, c.jobURL(externalID), nil, nil)
	if err != nil {
		var httpErr *ErrorHTTPRequest
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusConflict {
			// the job already finished
			return false, nil
		}

		return false, fmt.Errorf("canceling job failed: %w", err)
	}

	return true, nil
}

func (c *Client) do(ctx context.Context, method, reqURL string, reqBody, respBody any) error {
	var body io.Reader

	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return goorderr.NewPermanentError(err, "encoding request failed")
		}

		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return goorderr.NewPermanentError(err, "creating request failed")
	}

	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.clt.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return goorderr.NewOutageError(err)
	}

	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warn(
			"reading http response body failed",
			logfields.Event("backend_reading_response_body_failed"),
			zap.Int("http_response_code", resp.StatusCode),
			zap.Error(err),
		)

		return goorderr.NewRetryableAnytimeError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponseError(&ErrorHTTPRequest{
			Method: method,
			URL:    reqURL,
			Body:   buf,
			Status: resp.StatusCode,
		}, resp.Header)
	}

	if respBody == nil || len(bytes.TrimSpace(buf)) == 0 {
		return nil
	}

	if err := json.Unmarshal(buf, respBody); err != nil {
		return goorderr.NewPermanentError(err, "decoding response failed")
	}

	return nil
}
