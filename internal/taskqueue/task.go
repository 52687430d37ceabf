package taskqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/simplesurance/runledger/internal/retry"
)

// Task is a scheduled execution of a named handler.
type Task struct {
	ID          string
	Name        string
	Kwargs      retry.Kwargs
	ScheduledAt time.Time
	NotBefore   time.Time
}

// Handler executes a task.
type Handler func(ctx context.Context, task *Task) (retry.Result, error)

// copyKwargs returns a deep copy of kwargs that went through a JSON
// encoding, this ensures that only serializable arguments are passed and
// handlers can not share state via them.
func copyKwargs(kwargs retry.Kwargs) (retry.Kwargs, error) {
	buf, err := json.Marshal(kwargs)
	if err != nil {
		return nil, fmt.Errorf("kwargs are not serializable: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()

	result := retry.Kwargs{}
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding kwargs failed: %w", err)
	}

	return result, nil
}
