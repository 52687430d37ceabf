package correlation

import (
	"sort"
	"strings"
)

// DefaultMappingTF maps build distributions that are not available as test
// environment to the distribution that is used for testing.
var DefaultMappingTF = map[string]string{
	"epel-6":  "centos-6",
	"epel-7":  "centos-7",
	"epel-8":  "centos-stream-8",
	"epel-9":  "centos-stream-9",
	"epel-10": "centos-stream-10",
}

// DefaultMappingInternalTF is the mapping that is used when tests are run in
// the internal testing environment.
var DefaultMappingInternalTF = map[string]string{
	"epel-6":  "rhel-6",
	"epel-7":  "rhel-7",
	"epel-8":  "rhel-8",
	"epel-9":  "centos-stream-9",
	"epel-10": "centos-stream-10",
}

// Mapper converts between build targets (e.g. "epel-8-x86_64") and test
// targets (e.g. "centos-stream-8-x86_64").
type Mapper struct {
	buildTargets []string
	distros      map[string][]string
	mapping      map[string]string
}

// NewMapper returns a Mapper for the configured build targets.
// distros optionally overrides per build target the distributions that it
// is tested on. If internal is true, DefaultMappingInternalTF is used instead
// of DefaultMappingTF.
func NewMapper(buildTargets []string, distros map[string][]string, internal bool) *Mapper {
	mapping := DefaultMappingTF
	if internal {
		mapping = DefaultMappingInternalTF
	}

	bt := append([]string(nil), buildTargets...)
	sort.Strings(bt)

	return &Mapper{
		buildTargets: bt,
		distros:      distros,
		mapping:      mapping,
	}
}

// BuildTargets returns the configured build targets, sorted.
func (m *Mapper) BuildTargets() []string {
	return append([]string(nil), m.buildTargets...)
}

// splitTarget splits a target into distribution and architecture at the last
// dash.
func splitTarget(target string) (distro, arch string) {
	i := strings.LastIndex(target, "-")
	if i < 0 {
		return target, ""
	}

	return target[:i], target[i+1:]
}

func joinTarget(distro, arch string) string {
	if arch == "" {
		return distro
	}

	return distro + "-" + arch
}

// BuildTarget2TestTargets returns the sorted test targets that the artifacts
// of a build target are tested on.
func (m *Mapper) BuildTarget2TestTargets(buildTarget string) []string {
	distro, arch := splitTarget(buildTarget)

	distros := m.distros[buildTarget]
	if len(distros) == 0 {
		mapped, exist := m.mapping[distro]
		if !exist {
			mapped = distro
		}

		distros = []string{mapped}
	}

	set := make(map[string]struct{}, len(distros))
	for _, d := range distros {
		set[joinTarget(d, arch)] = struct{}{}
	}

	result := make([]string, 0, len(set))
	for t := range set {
		result = append(result, t)
	}
	sort.Strings(result)

	return result
}

// TestTargets returns the sorted test targets of all configured build targets.
func (m *Mapper) TestTargets() []string {
	set := map[string]struct{}{}

	for _, bt := range m.buildTargets {
		for _, tt := range m.BuildTarget2TestTargets(bt) {
			set[tt] = struct{}{}
		}
	}

	result := make([]string, 0, len(set))
	for t := range set {
		result = append(result, t)
	}
	sort.Strings(result)

	return result
}

// TestTarget2BuildTargets returns the configured build targets whose
// artifacts are tested on testTarget. A build target with the same name as
// testTarget comes first, the others follow in sort order.
func (m *Mapper) TestTarget2BuildTargets(testTarget string) []string {
	var result []string

	for _, bt := range m.buildTargets {
		for _, tt := range m.BuildTarget2TestTargets(bt) {
			if tt != testTarget {
				continue
			}

			if bt == testTarget {
				result = append([]string{bt}, result...)
			} else {
				result = append(result, bt)
			}

			break
		}
	}

	return result
}

// TestTarget2BuildTarget returns the preferred build target whose artifacts
// are tested on testTarget, see TestTarget2BuildTargets. If none maps to it,
// testTarget is returned.
func (m *Mapper) TestTarget2BuildTarget(testTarget string) string {
	if bts := m.TestTarget2BuildTargets(testTarget); len(bts) > 0 {
		return bts[0]
	}

	return testTarget
}
