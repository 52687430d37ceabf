package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplesurance/runledger/internal/event"
)

func TestDefaultRules(t *testing.T) {
	testcases := []struct {
		name string
		ev   event.Dict
		jobs []JobType
	}{
		{
			name: "pr opened",
			ev:   event.Dict{Type: event.TypePullRequest, Action: "opened", PRID: 1},
			jobs: []JobType{JobCoprBuild, JobTests},
		},
		{
			name: "pr closed",
			ev:   event.Dict{Type: event.TypePullRequest, Action: "closed", PRID: 1},
		},
		{
			name: "push",
			ev:   event.Dict{Type: event.TypePush, BranchName: "main"},
			jobs: []JobType{JobCoprBuild},
		},
		{
			name: "release",
			ev:   event.Dict{Type: event.TypeRelease, TagName: "1.0.0"},
			jobs: []JobType{JobProposeDownstream},
		},
		{
			name: "koji tag",
			ev:   event.Dict{Type: event.TypeKojiBuildTag, KojiTag: "f39-build-side-1"},
			jobs: []JobType{JobBodhiUpdate},
		},
	}

	rules := DefaultRules()
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			jobs, err := rules.Jobs(context.Background(), &tc.ev)
			require.NoError(t, err)
			assert.Equal(t, tc.jobs, jobs)
		})
	}
}

func TestRulesJobsAreDeduplicated(t *testing.T) {
	r1, err := NewRule("r1", `.event_type == "push"`, []JobType{JobCoprBuild, JobOSHScan})
	require.NoError(t, err)

	r2, err := NewRule("r2", `.branch_name == "main"`, []JobType{JobOSHScan, JobVMImageBuild})
	require.NoError(t, err)

	jobs, err := Rules{r1, r2}.Jobs(context.Background(), &event.Dict{Type: event.TypePush, BranchName: "main"})
	require.NoError(t, err)
	assert.Equal(t, []JobType{JobCoprBuild, JobOSHScan, JobVMImageBuild}, jobs)
}

func TestRuleNonBoolResult(t *testing.T) {
	r, err := NewRule("r", `.branch_name`, []JobType{JobCoprBuild})
	require.NoError(t, err)

	_, err = r.Match(context.Background(), &event.Dict{Type: event.TypePush, BranchName: "main"})
	assert.Error(t, err)
}

func TestRuleMultipleResults(t *testing.T) {
	r, err := NewRule("r", `.event_type, .branch_name`, []JobType{JobCoprBuild})
	require.NoError(t, err)

	_, err = r.Match(context.Background(), &event.Dict{Type: event.TypePush, BranchName: "main"})
	assert.Error(t, err)
}

func TestNewRuleInvalid(t *testing.T) {
	_, err := NewRule("r", `.event_type ==`, []JobType{JobCoprBuild})
	assert.Error(t, err)

	_, err = NewRule("r", `true`, nil)
	assert.Error(t, err)

	_, err = NewRule("", `true`, []JobType{JobCoprBuild})
	assert.Error(t, err)
}

func TestParseJobType(t *testing.T) {
	jt, err := ParseJobType(" Copr_Build ")
	require.NoError(t, err)
	assert.Equal(t, JobCoprBuild, jt)

	_, err = ParseJobType("deploy")
	assert.Error(t, err)
}
