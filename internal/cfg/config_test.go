package cfg

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/retry"
)

const exampleConfig = `
http_server_listen_addr = ":8085"
github_webhook_endpoint = "/listener/github"
github_webhook_secret = "secret"
event_endpoint = "/listener/events"
metrics_endpoint = "/metrics"
log_format = "logfmt"
log_time_key = "time_iso8601"
log_level = "info"
database_url = "postgres://runledger@localhost/runledger"
copr_owner = "packit"

[retry]
base_interval = "5s"
max_retries = 0

[worker]
count = 8

[babysit]
interval = "2m"
job_timeout = "48h"

[[backend]]
name = "copr"
stage = "copr_build"
url = "https://copr.example"
token = "t0ken"
targets = ["fedora-39-x86_64", "epel-9-x86_64"]

[[backend]]
name = "testing-farm"
stage = "test_run"
url = "https://tf.example"

[tests]
use_internal_tf = true

[[tests.target]]
build_target = "epel-9-x86_64"
distros = ["centos-stream-9", "rhel-9"]

[[rule]]
name = "pull requests"
filter_query = '.event_type == "pull_request"'
job = ["copr_build", "tests"]
`

func TestLoad(t *testing.T) {
	c, err := Load(strings.NewReader(exampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8085", c.HTTPListenAddr)
	assert.Equal(t, "/listener/events", c.HTTPEventEndpoint)
	assert.Equal(t, uint(8), c.Worker.Count)
	require.Len(t, c.Backends, 2)
	assert.Equal(t, "t0ken", c.Backends[0].Token)
	require.Len(t, c.Rules, 1)
	assert.Equal(t, []string{"copr_build", "tests"}, c.Rules[0].Jobs)

	p, err := c.Retry.Policy()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, p.BaseInterval)
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, retry.DefaultPolicy().OutageBaseInterval, p.OutageBaseInterval)
	assert.Equal(t, retry.DefaultPolicy().OutageMaxRetries, p.OutageMaxRetries)

	interval, timeout, err := c.Babysit.Durations()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, interval)
	assert.Equal(t, 48*time.Hour, timeout)

	assert.Equal(t, map[model.Stage][]string{
		model.StageCoprBuild: {"fedora-39-x86_64", "epel-9-x86_64"},
	}, c.StageTargets())

	assert.True(t, c.Tests.UseInternalTF)
	assert.Equal(t, map[string][]string{"epel-9-x86_64": {"centos-stream-9", "rhel-9"}}, c.Tests.TestDistros())
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	testcases := map[string]string{
		"unknown stage": `
[[backend]]
name = "x"
stage = "nope"
url = "https://x.example"
`,
		"srpm backend": `
[[backend]]
name = "x"
stage = "srpm"
url = "https://x.example"
`,
		"duplicate stage": `
[[backend]]
name = "a"
stage = "copr_build"
url = "https://a.example"

[[backend]]
name = "b"
stage = "copr_build"
url = "https://b.example"
`,
		"rule without job": `
[[rule]]
name = "r"
filter_query = "true"
`,
		"invalid duration": `
[retry]
base_interval = "soon"
`,
		"negative retries": `
[retry]
max_retries = -1
`,
	}

	for name, config := range testcases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(config))
			assert.Error(t, err)
		})
	}
}
