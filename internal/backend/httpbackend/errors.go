package httpbackend

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/simplesurance/runledger/internal/goorderr"
)

// ErrorHTTPRequest is returned when the backend replied with a non-2xx
// status code.
type ErrorHTTPRequest struct {
	Method string
	URL    string
	Body   []byte
	Status int
}

func (e *ErrorHTTPRequest) Error() string {
	return fmt.Sprintf("%s %s failed with StatusCode: %d, response: %q", e.Method, e.URL, e.Status, string(e.Body))
}

// classifyResponseError wraps the error of a non-2xx response into the
// goorderr type that decides if it is retried.
func classifyResponseError(err *ErrorHTTPRequest, header http.Header) error {
	switch {
	case err.Status == http.StatusServiceUnavailable:
		outage := goorderr.NewOutageError(err)
		outage.After = retryAfter(header)
		return outage

	case err.Status == http.StatusTooManyRequests:
		return goorderr.NewRetryableError(err, retryAfter(header))

	case err.Status == http.StatusRequestTimeout, err.Status >= 500:
		return goorderr.NewRetryableAnytimeError(err)

	default:
		return goorderr.NewPermanentError(err, permanentReason(err))
	}
}

func permanentReason(err *ErrorHTTPRequest) string {
	body := strings.TrimSpace(string(err.Body))
	if len(body) > 200 {
		body = body[:200]
	}

	if body == "" {
		return http.StatusText(err.Status)
	}

	return fmt.Sprintf("%s: %s", http.StatusText(err.Status), body)
}

// retryAfter parses the Retry-After header, it supports the delay-seconds
// and HTTP-date formats.
// If the header is missing or invalid, the zero time is returned.
func retryAfter(header http.Header) time.Time {
	val := header.Get("Retry-After")
	if val == "" {
		return time.Time{}
	}

	if secs, err := strconv.Atoi(val); err == nil {
		return time.Now().Add(time.Duration(secs) * time.Second)
	}

	if ts, err := http.ParseTime(val); err == nil {
		return ts
	}

	return time.Time{}
}
