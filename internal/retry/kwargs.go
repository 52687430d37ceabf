package retry

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Well-known keys of task arguments.
const (
	KwargRetryCount = "retry_count"
	KwargRunID      = "run_id"
	KwargTargetID   = "target_id"
)

// Kwargs are the arguments of a task.
// Values must be serializable to JSON. After a value went through a JSON
// encoding its numbers are float64 or json.Number, the getters accept all of
// them.
type Kwargs map[string]any

// With returns a copy of k with key set to val.
func (k Kwargs) With(key string, val any) Kwargs {
	result := make(Kwargs, len(k)+1)
	for kk, v := range k {
		result[kk] = v
	}

	result[key] = val

	return result
}

// Int64 returns the value of key as int64.
// If key does not exist, 0 and false are returned.
func (k Kwargs) Int64(key string) (int64, bool, error) {
	v, exists := k[key]
	if !exists || v == nil {
		return 0, false, nil
	}

	switch val := v.(type) {
	case int:
		return int64(val), true, nil
	case int64:
		return val, true, nil
	case float64:
		return int64(val), true, nil
	case json.Number:
		i, err := val.Int64()
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	case string:
		i, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, false, fmt.Errorf("%s: unsupported type %T", key, v)
	}
}

// String returns the value of key as string.
func (k Kwargs) String(key string) string {
	v, exists := k[key]
	if !exists || v == nil {
		return ""
	}

	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprint(v)
}

// RetryCount returns the number of retries that happened before the
// current attempt.
func (k Kwargs) RetryCount() int {
	cnt, _, err := k.Int64(KwargRetryCount)
	if err != nil || cnt < 0 {
		return 0
	}

	return int(cnt)
}
