package model

// Stage is the kind of work a TargetGroup and its Targets represent.
type Stage string

const (
	StageSRPM         Stage = "srpm"
	StageCoprBuild    Stage = "copr_build"
	StageKojiBuild    Stage = "koji_build"
	StageTestRun      Stage = "test_run"
	StageVMImageBuild Stage = "vm_image_build"
	StageBodhiUpdate  Stage = "bodhi_update"
	StageOSHScan      Stage = "osh_scan"
	StageSyncRelease  Stage = "sync_release"
)

// GroupStages are the stages that a Run references through a TargetGroup.
// StageSRPM is referenced by the Run directly.
var GroupStages = []Stage{
	StageCoprBuild,
	StageKojiBuild,
	StageTestRun,
	StageVMImageBuild,
	StageBodhiUpdate,
	StageOSHScan,
	StageSyncRelease,
}

// upstreamStages lists per stage the stages whose results it consumes.
// When a Run is cloned to attach a second group of a stage, the clone keeps
// the references to the upstream groups.
var upstreamStages = map[Stage][]Stage{
	StageTestRun:      {StageCoprBuild, StageKojiBuild},
	StageOSHScan:      {StageCoprBuild},
	StageVMImageBuild: {StageCoprBuild},
	StageBodhiUpdate:  {StageKojiBuild},
}

// Upstream returns the stages that s depends on.
func (s Stage) Upstream() []Stage {
	return upstreamStages[s]
}

// Valid returns true if s is a known stage.
func (s Stage) Valid() bool {
	if s == StageSRPM {
		return true
	}

	for _, gs := range GroupStages {
		if gs == s {
			return true
		}
	}

	return false
}
