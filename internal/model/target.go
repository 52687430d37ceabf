package model

import (
	"fmt"
	"time"
)

// SRPMTargetName is the target name of SRPM builds. Build notifications use
// it as chroot for the SRPM part of a build.
const SRPMTargetName = "srpm-builds"

// Target is one unit of work of a stage, e.g. a copr build for one chroot or
// a test run for one test target.
type Target struct {
	ID      int64
	Stage   Stage
	GroupID int64
	// Name is the build target (chroot), the test target, the dist-git
	// branch or SRPMTargetName.
	Name string
	// ExternalID is the ID assigned by the external system, e.g. the copr
	// build ID or the testing-farm pipeline ID. It is empty until the
	// work was submitted.
	ExternalID string
	Status     Status
	CommitSHA  string
	// Owner and ProjectName identify the build-system project the target
	// was submitted to.
	Owner       string
	ProjectName string
	// Identifier distinguishes multiple test jobs for the same target.
	Identifier string
	WebURL     string
	LogsURL    string
	Scratch    bool
	Data       map[string]string

	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

func (t *Target) String() string {
	return fmt.Sprintf("%s:%d:%s", t.Stage, t.ID, t.Name)
}

// TargetLink associates a test target with the build target whose artifacts
// it tests.
type TargetLink struct {
	TestTargetID  int64
	BuildTargetID int64
}
