package model

// Status is the state of a Target. The valid values and transitions depend on
// the Stage of the Target, see package statemachine.
type Status string

const (
	StatusWaitingForSRPM Status = "waiting_for_srpm"
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusSuccess        Status = "success"
	StatusFailure        Status = "failure"
	StatusError          Status = "error"
	StatusCanceled       Status = "canceled"

	StatusNew             Status = "new"
	StatusQueued          Status = "queued"
	StatusPassed          Status = "passed"
	StatusFailed          Status = "failed"
	StatusSkipped         Status = "skipped"
	StatusNeedsInspection Status = "needs_inspection"
	StatusRetry           Status = "retry"
	StatusCancelRequested Status = "cancel_requested"

	StatusBuilding     Status = "building"
	StatusUploading    Status = "uploading"
	StatusDistributing Status = "distributing"

	StatusSucceeded Status = "succeeded"

	StatusSubmitted Status = "submitted"
)
