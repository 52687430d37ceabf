package jobs

import (
	"strings"

	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/report"
)

var coprStatuses = map[string]model.Status{
	"succeeded": model.StatusSuccess,
	"forked":    model.StatusSuccess,
	"skipped":   model.StatusSuccess,
	"failed":    model.StatusFailure,
	"cancelled": model.StatusCanceled,
	"importing": model.StatusPending,
	"starting":  model.StatusRunning,
}

// Koji task states.
var kojiStatuses = map[string]model.Status{
	"free":     model.StatusPending,
	"assigned": model.StatusPending,
	"open":     model.StatusRunning,
	"closed":   model.StatusSuccess,
	"canceled": model.StatusCanceled,
	"failed":   model.StatusFailure,
}

// Testing Farm results. A request state without a result, e.g. "complete",
// says nothing about the outcome of the tests.
var testingFarmStatuses = map[string]model.Status{
	"passed":    model.StatusPassed,
	"failed":    model.StatusFailed,
	"error":     model.StatusError,
	"skipped":   model.StatusSkipped,
	"unknown":   model.StatusError,
	"complete":  model.StatusError,
	"cancelled": model.StatusCanceled,
	"canceled":  model.StatusCanceled,
}

// normalizeStatus converts a status reported by an external system to the
// status of the stage. Statuses that are already statuses of the stage are
// returned unchanged, the validity is checked by the state machine.
func normalizeStatus(stage model.Stage, status string) model.Status {
	s := strings.ToLower(strings.TrimSpace(status))

	var m map[string]model.Status

	switch stage {
	case model.StageSRPM, model.StageCoprBuild:
		m = coprStatuses
	case model.StageKojiBuild:
		m = kojiStatuses
	case model.StageTestRun:
		m = testingFarmStatuses
	}

	if st, exists := m[s]; exists {
		return st
	}

	return model.Status(s)
}

// reportState returns the state that is reported for a target status.
func reportState(status model.Status) report.State {
	switch status {
	case model.StatusRunning,
		model.StatusBuilding,
		model.StatusUploading,
		model.StatusDistributing,
		model.StatusCancelRequested:
		return report.StateRunning

	case model.StatusSuccess, model.StatusPassed, model.StatusSucceeded, model.StatusSubmitted:
		return report.StateSuccess

	case model.StatusFailure, model.StatusFailed:
		return report.StateFailure

	case model.StatusError, model.StatusNeedsInspection:
		return report.StateError

	case model.StatusCanceled, model.StatusSkipped:
		return report.StateNeutral

	default:
		return report.StatePending
	}
}

var checkPrefixes = map[model.Stage]string{
	model.StageSRPM:         "rpm-build",
	model.StageCoprBuild:    "rpm-build",
	model.StageKojiBuild:    "koji-build",
	model.StageTestRun:      "testing-farm",
	model.StageVMImageBuild: "vm-image-build",
	model.StageBodhiUpdate:  "bodhi-update",
	model.StageOSHScan:      "osh-scan",
	model.StageSyncRelease:  "propose-downstream",
}

// checkName returns the name of the check the status of a target is
// reported as.
func checkName(stage model.Stage, target string) string {
	if stage == model.StageSRPM {
		return checkPrefixes[stage] + ":srpm"
	}

	prefix, exists := checkPrefixes[stage]
	if !exists {
		prefix = string(stage)
	}

	return prefix + ":" + target
}

var stageNames = map[model.Stage]string{
	model.StageSRPM:         "SRPM build",
	model.StageCoprBuild:    "RPM build",
	model.StageKojiBuild:    "Koji build",
	model.StageTestRun:      "Testing Farm run",
	model.StageVMImageBuild: "VM image build",
	model.StageBodhiUpdate:  "Bodhi update",
	model.StageOSHScan:      "OpenScanHub scan",
	model.StageSyncRelease:  "Propose downstream",
}

// statusDescription returns the human readable description of the status
// of a target.
func statusDescription(stage model.Stage, status model.Status) string {
	name := stageNames[stage]
	if name == "" {
		name = string(stage)
	}

	switch reportState(status) {
	case report.StateRunning:
		return name + " is in progress"
	case report.StateSuccess:
		return name + " succeeded"
	case report.StateFailure:
		return name + " failed"
	case report.StateError:
		return name + " failed with an error"
	case report.StateNeutral:
		return name + " was " + string(status)
	default:
		return name + " is waiting"
	}
}
