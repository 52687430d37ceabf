package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplesurance/runledger/internal/model"
)

func TestDescriptor(t *testing.T) {
	type testcase struct {
		name          string
		dict          Dict
		expectedKind  model.EventKind
		expectedForge string
	}

	testcases := []testcase{
		{
			name:          "pullRequest",
			dict:          Dict{Type: TypePullRequest, ProjectURL: "https://github.com/packit/ogr", PRID: 342, CommitSHA: "abc"},
			expectedKind:  model.EventKindPullRequest,
			expectedForge: "342",
		},
		{
			name:          "pullRequestComment",
			dict:          Dict{Type: TypePullRequestComment, ProjectURL: "https://github.com/packit/ogr", PRID: 7},
			expectedKind:  model.EventKindPullRequest,
			expectedForge: "7",
		},
		{
			name:          "push",
			dict:          Dict{Type: TypePush, ProjectURL: "https://github.com/packit/ogr", BranchName: "main"},
			expectedKind:  model.EventKindBranchPush,
			expectedForge: "main",
		},
		{
			name:          "release",
			dict:          Dict{Type: TypeRelease, ProjectURL: "https://github.com/packit/ogr", TagName: "0.1.0"},
			expectedKind:  model.EventKindRelease,
			expectedForge: "0.1.0",
		},
		{
			name:          "issue",
			dict:          Dict{Type: TypeIssueComment, ProjectURL: "https://github.com/packit/ogr", IssueID: 3},
			expectedKind:  model.EventKindIssue,
			expectedForge: "3",
		},
		{
			name:          "kojiTag",
			dict:          Dict{Type: TypeKojiBuildTag, ProjectURL: "https://src.fedoraproject.org/rpms/ogr", KojiTag: "f39-updates-candidate"},
			expectedKind:  model.EventKindKojiBuildTag,
			expectedForge: "f39-updates-candidate",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.dict.Validate())

			desc, err := tc.dict.Descriptor()
			require.NoError(t, err)
			assert.Equal(t, tc.expectedKind, desc.Kind)
			assert.Equal(t, tc.expectedForge, desc.ForgeObjectID)
			assert.Equal(t, tc.dict.ProjectURL, desc.ProjectURL)
		})
	}
}

func TestValidateErrors(t *testing.T) {
	testcases := map[string]Dict{
		"noType":          {},
		"noProjectURL":    {Type: TypePush, BranchName: "main"},
		"noPRID":          {Type: TypePullRequest, ProjectURL: "https://github.com/a/b"},
		"resultNoID":      {Type: TypeCoprBuildEnd},
		"resultBadStage":  {Type: TypeStageResult, ExternalID: "1", Stage: "deploy"},
		"unsupportedType": {Type: "deployment", ProjectURL: "https://github.com/a/b"},
	}

	for name, d := range testcases {
		d := d
		t.Run(name, func(t *testing.T) {
			assert.Error(t, d.Validate())
		})
	}
}

func TestFromJSON(t *testing.T) {
	d, err := FromJSON([]byte(`{"event_type":"copr_build_end","external_id":"2","target":"fedora-rawhide-x86_64","status":"success"}`))
	require.NoError(t, err)
	assert.True(t, d.IsResult())
	assert.Equal(t, "2", d.ExternalID)
	assert.Equal(t, "fedora-rawhide-x86_64", d.Target)

	_, err = FromJSON([]byte(`{`))
	assert.Error(t, err)
}

func TestParseComment(t *testing.T) {
	cmd, args, ok := ParseComment("LGTM\n/packit test packit/ogr#21\n")
	require.True(t, ok)
	assert.Equal(t, CommandTest, cmd)
	assert.Equal(t, []string{"packit/ogr#21"}, args)

	cmd, args, ok = ParseComment("/packit copr-build")
	require.True(t, ok)
	assert.Equal(t, CommandBuild, cmd)
	assert.Empty(t, args)

	_, _, ok = ParseComment("/packit explode")
	assert.False(t, ok)

	_, _, ok = ParseComment("just a comment")
	assert.False(t, ok)
}
