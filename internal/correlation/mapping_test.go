package correlation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildTarget2TestTargets(t *testing.T) {
	m := NewMapper([]string{"fedora-rawhide-x86_64", "epel-8-x86_64", "epel-9-aarch64"}, nil, false)

	assert.Equal(t, []string{"fedora-rawhide-x86_64"}, m.BuildTarget2TestTargets("fedora-rawhide-x86_64"))
	assert.Equal(t, []string{"centos-stream-8-x86_64"}, m.BuildTarget2TestTargets("epel-8-x86_64"))
	assert.Equal(t, []string{"centos-stream-9-aarch64"}, m.BuildTarget2TestTargets("epel-9-aarch64"))
	assert.Equal(t, []string{"centos-7-x86_64"}, m.BuildTarget2TestTargets("epel-7-x86_64"))
}

func TestBuildTarget2TestTargetsInternal(t *testing.T) {
	m := NewMapper([]string{"epel-8-x86_64"}, nil, true)

	assert.Equal(t, []string{"rhel-8-x86_64"}, m.BuildTarget2TestTargets("epel-8-x86_64"))
	assert.Equal(t, []string{"centos-stream-9-x86_64"}, m.BuildTarget2TestTargets("epel-9-x86_64"))
}

func TestBuildTarget2TestTargetsConfiguredDistros(t *testing.T) {
	m := NewMapper(
		[]string{"epel-8-x86_64"},
		map[string][]string{"epel-8-x86_64": {"rhel-8", "centos-stream-8", "rhel-8"}},
		false,
	)

	assert.Equal(t, []string{"centos-stream-8-x86_64", "rhel-8-x86_64"}, m.BuildTarget2TestTargets("epel-8-x86_64"))
	assert.Equal(t, []string{"centos-stream-8-x86_64", "rhel-8-x86_64"}, m.TestTargets())
}

func TestTestTarget2BuildTarget(t *testing.T) {
	m := NewMapper([]string{"fedora-39-x86_64", "epel-8-x86_64"}, nil, false)

	assert.Equal(t, "epel-8-x86_64", m.TestTarget2BuildTarget("centos-stream-8-x86_64"))
	assert.Equal(t, "fedora-39-x86_64", m.TestTarget2BuildTarget("fedora-39-x86_64"))
	assert.Equal(t, "opensuse-tumbleweed-x86_64", m.TestTarget2BuildTarget("opensuse-tumbleweed-x86_64"))
}

func TestTestTarget2BuildTargetPrefersSameName(t *testing.T) {
	m := NewMapper(
		[]string{"epel-9-x86_64", "centos-stream-9-x86_64", "almalinux-9-x86_64"},
		map[string][]string{"almalinux-9-x86_64": {"centos-stream-9"}},
		false,
	)

	assert.Equal(
		t,
		[]string{"centos-stream-9-x86_64", "almalinux-9-x86_64", "epel-9-x86_64"},
		m.TestTarget2BuildTargets("centos-stream-9-x86_64"),
	)
	assert.Equal(t, "centos-stream-9-x86_64", m.TestTarget2BuildTarget("centos-stream-9-x86_64"))
	assert.Empty(t, m.TestTarget2BuildTargets("fedora-39-x86_64"))
}

func TestTargetWithoutArch(t *testing.T) {
	m := NewMapper(nil, nil, false)
	assert.Equal(t, []string{"rawhide"}, m.BuildTarget2TestTargets("rawhide"))
}
