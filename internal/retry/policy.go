package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff"
)

// Policy defines how often and when failed tasks are retried.
type Policy struct {
	BaseInterval time.Duration
	MaxRetries   int

	// OutageBaseInterval and OutageMaxRetries apply to errors
	// that indicate that the remote system is unavailable.
	OutageBaseInterval time.Duration
	OutageMaxRetries   int
}

func DefaultPolicy() Policy {
	return Policy{
		BaseInterval:       10 * time.Second,
		MaxRetries:         2,
		OutageBaseInterval: time.Minute,
		OutageMaxRetries:   5,
	}
}

func (p *Policy) limits(outage bool) (time.Duration, int) {
	if outage {
		return p.OutageBaseInterval, p.OutageMaxRetries
	}

	return p.BaseInterval, p.MaxRetries
}

// Delay returns the time to wait before the retry that follows retryCount
// previous retries: base * 2^retryCount.
func (p *Policy) Delay(retryCount int, outage bool) time.Duration {
	base, _ := p.limits(outage)

	bo := backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Duration(math.MaxInt64),
		Clock:               backoff.SystemClock,
	}
	bo.Reset()

	var d time.Duration
	for i := 0; i <= retryCount; i++ {
		d = bo.NextBackOff()
	}

	return d
}
