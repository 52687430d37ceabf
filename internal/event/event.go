// Package event defines the normalized event dictionary that forge webhooks
// and build-system notifications are converted to.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/model"
)

// Type is the type of an event.
type Type string

const (
	TypePullRequest        Type = "pull_request"
	TypePullRequestComment Type = "pull_request_comment"
	TypePush               Type = "push"
	TypeRelease            Type = "release"
	TypeIssueComment       Type = "issue_comment"
	TypeKojiBuildTag       Type = "koji_build_tag"

	TypeCoprBuildStart    Type = "copr_build_start"
	TypeCoprBuildEnd      Type = "copr_build_end"
	TypeTestingFarmResult Type = "testing_farm_result"
	TypeKojiTaskState     Type = "koji_task_state"
	// TypeStageResult is the status notification of a stage that has no
	// dedicated notification type: vm image builds, bodhi updates, osh
	// scans and sync releases.
	TypeStageResult Type = "stage_result"
)

// Dict is the normalized representation of an event.
type Dict struct {
	Type       Type   `json:"event_type"`
	Actor      string `json:"actor,omitempty"`
	ProjectURL string `json:"project_url,omitempty"`
	CommitSHA  string `json:"commit_sha,omitempty"`
	// Action is the forge action of the event, e.g. "opened" or
	// "synchronize" for pull requests.
	Action     string `json:"action,omitempty"`
	PRID       int    `json:"pr_id,omitempty"`
	BranchName string `json:"branch_name,omitempty"`
	TagName    string `json:"tag_name,omitempty"`
	IssueID    int    `json:"issue_id,omitempty"`
	KojiTag    string `json:"koji_tag,omitempty"`
	Comment    string `json:"comment,omitempty"`

	// Stage is set for TypeStageResult events.
	Stage model.Stage `json:"stage,omitempty"`
	// ExternalID is the ID the external system assigned to the work the
	// notification is about: the copr build ID, testing-farm pipeline ID,
	// koji task ID, etc.
	ExternalID string `json:"external_id,omitempty"`
	// Target is the chroot or test target of the notification.
	Target  string `json:"target,omitempty"`
	Status  string `json:"status,omitempty"`
	WebURL  string `json:"web_url,omitempty"`
	LogsURL string `json:"logs_url,omitempty"`
	// Timestamp is the unix time when the reported status was reached.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// IsResult returns true if the event is a status notification of an
// external system.
func (d *Dict) IsResult() bool {
	switch d.Type {
	case TypeCoprBuildStart, TypeCoprBuildEnd, TypeTestingFarmResult, TypeKojiTaskState, TypeStageResult:
		return true
	default:
		return false
	}
}

// Validate returns an error if required fields for the event type are
// missing.
func (d *Dict) Validate() error {
	if d.Type == "" {
		return errors.New("event_type is empty")
	}

	if d.IsResult() {
		if d.ExternalID == "" {
			return fmt.Errorf("%s event: external_id is empty", d.Type)
		}

		if d.Type == TypeStageResult && !d.Stage.Valid() {
			return fmt.Errorf("%s event: invalid stage %q", d.Type, d.Stage)
		}

		return nil
	}

	if d.ProjectURL == "" {
		return fmt.Errorf("%s event: project_url is empty", d.Type)
	}

	_, err := d.Descriptor()
	return err
}

// Descriptor returns the descriptor that identifies the forge object the
// event is about.
func (d *Dict) Descriptor() (*Descriptor, error) {
	desc := Descriptor{
		ProjectURL: d.ProjectURL,
		CommitSHA:  d.CommitSHA,
		Actor:      d.Actor,
	}

	switch d.Type {
	case TypePullRequest, TypePullRequestComment:
		if d.PRID <= 0 {
			return nil, fmt.Errorf("%s event: pr_id is missing", d.Type)
		}
		desc.Kind = model.EventKindPullRequest
		desc.ForgeObjectID = strconv.Itoa(d.PRID)

	case TypePush:
		if d.BranchName == "" {
			return nil, fmt.Errorf("%s event: branch_name is missing", d.Type)
		}
		desc.Kind = model.EventKindBranchPush
		desc.ForgeObjectID = d.BranchName

	case TypeRelease:
		if d.TagName == "" {
			return nil, fmt.Errorf("%s event: tag_name is missing", d.Type)
		}
		desc.Kind = model.EventKindRelease
		desc.ForgeObjectID = d.TagName

	case TypeIssueComment:
		if d.IssueID <= 0 {
			return nil, fmt.Errorf("%s event: issue_id is missing", d.Type)
		}
		desc.Kind = model.EventKindIssue
		desc.ForgeObjectID = strconv.Itoa(d.IssueID)

	case TypeKojiBuildTag:
		if d.KojiTag == "" {
			return nil, fmt.Errorf("%s event: koji_tag is missing", d.Type)
		}
		desc.Kind = model.EventKindKojiBuildTag
		desc.ForgeObjectID = d.KojiTag

	default:
		return nil, fmt.Errorf("event type %q does not describe a forge object", d.Type)
	}

	return &desc, nil
}

// LogFields returns fields describing the event for log messages.
func (d *Dict) LogFields() []zap.Field {
	fields := []zap.Field{zap.String("event_type", string(d.Type))}

	if d.ProjectURL != "" {
		fields = append(fields, logfields.ProjectURL(d.ProjectURL))
	}
	if d.CommitSHA != "" {
		fields = append(fields, logfields.Commit(d.CommitSHA))
	}
	if d.PRID != 0 {
		fields = append(fields, logfields.PullRequest(d.PRID))
	}
	if d.ExternalID != "" {
		fields = append(fields, logfields.ExternalID(d.ExternalID))
	}
	if d.Target != "" {
		fields = append(fields, logfields.Target(d.Target))
	}

	return fields
}

// FromJSON unmarshals and validates a Dict.
func FromJSON(data []byte) (*Dict, error) {
	var d Dict

	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshaling event failed: %w", err)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}

	return &d, nil
}

// Descriptor identifies the forge object of an event.
type Descriptor struct {
	Kind          model.EventKind
	ForgeObjectID string
	ProjectURL    string
	CommitSHA     string
	Actor         string
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s %s@%s (%s)", d.Kind, d.ForgeObjectID, d.CommitSHA, d.ProjectURL)
}
