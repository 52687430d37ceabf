package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/report"
)

func TestNormalizeStatus(t *testing.T) {
	testcases := []struct {
		stage  model.Stage
		in     string
		result model.Status
	}{
		{stage: model.StageCoprBuild, in: "succeeded", result: model.StatusSuccess},
		{stage: model.StageCoprBuild, in: "failed", result: model.StatusFailure},
		{stage: model.StageCoprBuild, in: "success", result: model.StatusSuccess},
		{stage: model.StageSRPM, in: "Failed", result: model.StatusFailure},
		{stage: model.StageKojiBuild, in: "CLOSED", result: model.StatusSuccess},
		{stage: model.StageKojiBuild, in: "OPEN", result: model.StatusRunning},
		{stage: model.StageKojiBuild, in: "FAILED", result: model.StatusFailure},
		{stage: model.StageTestRun, in: "passed", result: model.StatusPassed},
		{stage: model.StageTestRun, in: "cancelled", result: model.StatusCanceled},
		{stage: model.StageTestRun, in: "failed", result: model.StatusFailed},
		{stage: model.StageTestRun, in: "Error", result: model.StatusError},
		{stage: model.StageTestRun, in: "unknown", result: model.StatusError},
		{stage: model.StageTestRun, in: "complete", result: model.StatusError},
		{stage: model.StageOSHScan, in: "succeeded", result: model.StatusSucceeded},
		{stage: model.StageTestRun, in: "exploded", result: model.Status("exploded")},
	}

	for _, tc := range testcases {
		assert.Equal(t, tc.result, normalizeStatus(tc.stage, tc.in), "%s: %s", tc.stage, tc.in)
	}
}

func TestReportState(t *testing.T) {
	assert.Equal(t, report.StatePending, reportState(model.StatusRetry))
	assert.Equal(t, report.StatePending, reportState(model.StatusWaitingForSRPM))
	assert.Equal(t, report.StateRunning, reportState(model.StatusUploading))
	assert.Equal(t, report.StateSuccess, reportState(model.StatusPassed))
	assert.Equal(t, report.StateFailure, reportState(model.StatusFailed))
	assert.Equal(t, report.StateError, reportState(model.StatusNeedsInspection))
	assert.Equal(t, report.StateNeutral, reportState(model.StatusSkipped))
}

func TestCheckName(t *testing.T) {
	assert.Equal(t, "rpm-build:fedora-39-x86_64", checkName(model.StageCoprBuild, "fedora-39-x86_64"))
	assert.Equal(t, "rpm-build:srpm", checkName(model.StageSRPM, model.SRPMTargetName))
	assert.Equal(t, "testing-farm:fedora-39-x86_64", checkName(model.StageTestRun, "fedora-39-x86_64"))
}
