package model

import "time"

// Run is one end-to-end execution instance for a ProjectEvent. It references
// at most one SRPM target and at most one TargetGroup per stage.
// A zero ID means the reference is unset.
type Run struct {
	ID             int64
	ProjectEventID int64
	SRPMBuildID    int64
	Groups         map[Stage]int64
	CreatedAt      time.Time
}

// GroupID returns the ID of the group of the stage, 0 if the run does not
// reference one.
func (r *Run) GroupID(stage Stage) int64 {
	if r.Groups == nil {
		return 0
	}

	return r.Groups[stage]
}

// SetGroupID sets the reference to the group of the stage.
func (r *Run) SetGroupID(stage Stage, id int64) {
	if r.Groups == nil {
		r.Groups = map[Stage]int64{}
	}

	r.Groups[stage] = id
}

// Clone returns a copy of the run without the ID that keeps the SRPM
// reference and the references to the groups that stage consumes.
func (r *Run) Clone(stage Stage) *Run {
	clone := Run{
		ProjectEventID: r.ProjectEventID,
		SRPMBuildID:    r.SRPMBuildID,
	}

	for _, upstream := range stage.Upstream() {
		if id := r.GroupID(upstream); id != 0 {
			clone.SetGroupID(upstream, id)
		}
	}

	return &clone
}

// TargetGroup is the set of Targets of one stage that were fanned out
// together for a Run.
type TargetGroup struct {
	ID        int64
	Stage     Stage
	RunID     int64
	CreatedAt time.Time
}
