package model

import (
	"fmt"
	"time"
)

// Project is a git repository on a forge instance.
// (InstanceURL, Namespace, RepoName) is unique.
type Project struct {
	ID          int64
	Namespace   string
	RepoName    string
	ProjectURL  string
	InstanceURL string
}

func (p *Project) String() string {
	return fmt.Sprintf("%s/%s", p.Namespace, p.RepoName)
}

// EventKind is the kind of forge object a ProjectEvent is about.
type EventKind string

const (
	EventKindPullRequest  EventKind = "pull_request"
	EventKindBranchPush   EventKind = "branch_push"
	EventKindRelease      EventKind = "release"
	EventKindIssue        EventKind = "issue"
	EventKindKojiBuildTag EventKind = "koji_build_tag"
)

var eventKinds = map[EventKind]struct{}{
	EventKindPullRequest:  {},
	EventKindBranchPush:   {},
	EventKindRelease:      {},
	EventKindIssue:        {},
	EventKindKojiBuildTag: {},
}

// Valid returns true if k is one of the known event kinds.
func (k EventKind) Valid() bool {
	_, exist := eventKinds[k]
	return exist
}

// ProjectEvent is the canonical record of a forge object (pull request,
// branch, release, issue, koji tag) in a project.
//
// (Kind, ForgeObjectID, ProjectID) is unique. A pull request that receives
// new commits keeps its ProjectEvent, CommitSHA is the first commit that was
// seen. The commit of a run is recorded on its targets.
type ProjectEvent struct {
	ID            int64
	Kind          EventKind
	ForgeObjectID string
	ProjectID     int64
	CommitSHA     string
	// PackagesConfig is a snapshot of the package configuration that was
	// used when the event was processed.
	PackagesConfig []byte
	CreatedAt      time.Time
}
