package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/simplesurance/runledger/internal/event"
)

// JobType is a kind of work that is triggered by a forge event.
type JobType string

const (
	JobCoprBuild         JobType = "copr_build"
	JobTests             JobType = "tests"
	JobKojiBuild         JobType = "koji_build"
	JobVMImageBuild      JobType = "vm_image_build"
	JobBodhiUpdate       JobType = "bodhi_update"
	JobOSHScan           JobType = "osh_scan"
	JobProposeDownstream JobType = "propose_downstream"
)

var jobTypes = map[JobType]struct{}{
	JobCoprBuild:         {},
	JobTests:             {},
	JobKojiBuild:         {},
	JobVMImageBuild:      {},
	JobBodhiUpdate:       {},
	JobOSHScan:           {},
	JobProposeDownstream: {},
}

// ParseJobType returns the JobType with the name s.
func ParseJobType(s string) (JobType, error) {
	jt := JobType(strings.ToLower(strings.TrimSpace(s)))
	if _, exists := jobTypes[jt]; !exists {
		return "", fmt.Errorf("unsupported job type: %q", s)
	}

	return jt, nil
}

// Rule defines the condition an event must fulfill and the jobs that are
// run for matching events.
type Rule struct {
	name        string
	filterQuery *gojq.Query
	jobs        []JobType
}

// NewRule creates a rule. jqQuery is a jq expression that is evaluated
// with the JSON representation of an event.Dict as input and must return
// a single boolean.
func NewRule(name, jqQuery string, jobs []JobType) (*Rule, error) {
	if name == "" {
		return nil, errors.New("rule name is empty")
	}

	if len(jobs) == 0 {
		return nil, fmt.Errorf("rule %s: no jobs defined", name)
	}

	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, fmt.Errorf("rule %s: parsing filter query failed: %w", name, err)
	}

	return &Rule{
		name:        name,
		filterQuery: query,
		jobs:        jobs,
	}, nil
}

func goJQIterToSlice(iter gojq.Iter) ([]any, []error) {
	var result []any
	var errors []error

	for {
		res, ok := iter.Next()
		if !ok {
			return result, errors
		}

		if err, isErr := res.(error); isErr {
			errors = append(errors, err)
			continue
		}

		result = append(result, res)
	}
}

func errString(errs []error) string {
	var result strings.Builder

	for i, err := range errs {
		if i > 0 {
			result.WriteString("; ")
		}

		result.WriteString(fmt.Sprintf("error %d: %s", i, err))
	}

	return result.String()
}

// toJQInput converts the event to the generic representation gojq
// operates on.
func toJQInput(ev *event.Dict) (any, error) {
	buf, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshaling event failed: %w", err)
	}

	var result any
	if err := json.Unmarshal(buf, &result); err != nil {
		return nil, fmt.Errorf("unmarshaling event failed: %w", err)
	}

	return result, nil
}

// Match returns true if the filter query of the rule evaluates to true for
// the event.
func (r *Rule) Match(ctx context.Context, ev *event.Dict) (bool, error) {
	input, err := toJQInput(ev)
	if err != nil {
		return false, err
	}

	return r.match(ctx, input)
}

func (r *Rule) match(ctx context.Context, input any) (bool, error) {
	result, errors := goJQIterToSlice(r.filterQuery.RunWithContext(ctx, input))
	if len(errors) != 0 {
		return false, fmt.Errorf("json query returned errors, query: %q, errors: %s", r.filterQuery.String(), errString(errors))
	}

	if len(result) == 0 {
		return false, fmt.Errorf("json query returned 0 results, expected 1, query: %q", r.filterQuery.String())
	}

	if len(result) > 1 {
		return false, fmt.Errorf("json query returned multiple results, expected 1, query: %q, result: '%+v'", r.filterQuery.String(), result)
	}

	val, ok := result[0].(bool)
	if !ok {
		return false, fmt.Errorf(
			"json query returned non-bool result: %+v (%T), query: %q",
			result[0], result[0], r.filterQuery.String(),
		)
	}

	return val, nil
}

// Jobs returns the jobs of the rule.
func (r *Rule) Jobs() []JobType {
	return r.jobs
}

func (r *Rule) String() string {
	return r.name
}

func (r *Rule) DetailedString() string {
	jobs := make([]string, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, string(j))
	}

	return fmt.Sprintf("Name: %s\nFilterQuery: %s\nJobs: %s\n", r.name, r.filterQuery, strings.Join(jobs, ", "))
}

// Rules is a list of rules.
type Rules []*Rule

// Jobs returns the deduplicated jobs of all rules matching the event, in
// the order of the rules.
func (rs Rules) Jobs(ctx context.Context, ev *event.Dict) ([]JobType, error) {
	input, err := toJQInput(ev)
	if err != nil {
		return nil, err
	}

	var result []JobType
	seen := map[JobType]struct{}{}

	for _, r := range rs {
		match, err := r.match(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("evaluating rule %s failed: %w", r, err)
		}

		if !match {
			continue
		}

		for _, j := range r.jobs {
			if _, exists := seen[j]; exists {
				continue
			}

			seen[j] = struct{}{}
			result = append(result, j)
		}
	}

	return result, nil
}

// DefaultRules returns the rules that are used when none are configured.
func DefaultRules() Rules {
	defs := []struct {
		name  string
		query string
		jobs  []JobType
	}{
		{
			name:  "pull-request",
			query: `.event_type == "pull_request" and (.action == "opened" or .action == "synchronize" or .action == "reopened")`,
			jobs:  []JobType{JobCoprBuild, JobTests},
		},
		{
			name:  "branch-push",
			query: `.event_type == "push"`,
			jobs:  []JobType{JobCoprBuild},
		},
		{
			name:  "release",
			query: `.event_type == "release"`,
			jobs:  []JobType{JobProposeDownstream},
		},
		{
			name:  "koji-build-tag",
			query: `.event_type == "koji_build_tag"`,
			jobs:  []JobType{JobBodhiUpdate},
		},
	}

	result := make(Rules, 0, len(defs))
	for _, d := range defs {
		r, err := NewRule(d.name, d.query, d.jobs)
		if err != nil {
			panic(err)
		}

		result = append(result, r)
	}

	return result
}

func (rs Rules) String() string {
	names := make([]string, 0, len(rs))
	for _, r := range rs {
		names = append(names, r.String())
	}

	return strings.Join(names, ", ")
}
