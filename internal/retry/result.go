package retry

import (
	"fmt"
	"time"
)

// Outcome is the kind of a Result.
type Outcome int

const (
	// OutcomeCompleted means the task finished, successful or not, and
	// nothing has to be done anymore.
	OutcomeCompleted Outcome = iota
	// OutcomeRetryRequested means a new attempt of the task has been
	// scheduled.
	OutcomeRetryRequested
	// OutcomeFailed means the task failed terminally and the failure has
	// been reported.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetryRequested:
		return "retry_requested"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the result of an execution of a task.
type Result struct {
	Outcome Outcome
	// Delay is set when Outcome is OutcomeRetryRequested.
	Delay time.Duration
	// Reason is set when Outcome is OutcomeFailed.
	Reason string
}

func Completed() Result {
	return Result{Outcome: OutcomeCompleted}
}

func RetryRequested(delay time.Duration) Result {
	return Result{Outcome: OutcomeRetryRequested, Delay: delay}
}

func Failed(reason string) Result {
	return Result{Outcome: OutcomeFailed, Reason: reason}
}

func (r Result) String() string {
	switch r.Outcome {
	case OutcomeRetryRequested:
		return fmt.Sprintf("%s (in %s)", r.Outcome, r.Delay)
	case OutcomeFailed:
		return fmt.Sprintf("%s (%s)", r.Outcome, r.Reason)
	default:
		return r.Outcome.String()
	}
}
