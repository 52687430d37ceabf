package logfields

import "go.uber.org/zap"

func ProjectEventID(val int64) zap.Field {
	return zap.Int64("ledger.project_event_id", val)
}

func RunID(val int64) zap.Field {
	return zap.Int64("ledger.run_id", val)
}

func GroupID(val int64) zap.Field {
	return zap.Int64("ledger.group_id", val)
}

func TargetID(val int64) zap.Field {
	return zap.Int64("ledger.target_id", val)
}

func Stage(val string) zap.Field {
	return zap.String("ledger.stage", val)
}

func Target(val string) zap.Field {
	return zap.String("ledger.target", val)
}

func ExternalID(val string) zap.Field {
	return zap.String("ledger.external_id", val)
}

func Status(val string) zap.Field {
	return zap.String("ledger.status", val)
}

func TaskName(val string) zap.Field {
	return zap.String("task.name", val)
}

func TaskID(val string) zap.Field {
	return zap.String("task.id", val)
}

func RetryCount(val int) zap.Field {
	return zap.Int("task.retry_count", val)
}
