// Package backend defines the interface to the remote systems that execute
// builds, tests and other jobs.
package backend

//go:generate mockgen -package mocks -destination mocks/backend.go . BuildSystem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/simplesurance/runledger/internal/model"
)

// SubmitRequest describes a job that is submitted.
// One job can execute multiple targets, e.g. a Copr build for multiple
// chroots.
type SubmitRequest struct {
	Stage       model.Stage       `json:"stage"`
	Targets     []string          `json:"targets"`
	ProjectURL  string            `json:"project_url"`
	CommitSHA   string            `json:"commit_sha"`
	Owner       string            `json:"owner,omitempty"`
	ProjectName string            `json:"project_name,omitempty"`
	Identifier  string            `json:"identifier,omitempty"`
	Scratch     bool              `json:"scratch,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// Submission is the result of a successful submit.
type Submission struct {
	ExternalID string `json:"id"`
	WebURL     string `json:"web_url"`
}

// JobStatus is the state of a job in the remote system.
type JobStatus struct {
	Status model.Status `json:"status"`
	// Targets optionally contains the status of individual targets of the
	// job, if they differ from Status.
	Targets    map[string]model.Status `json:"targets,omitempty"`
	WebURL     string                  `json:"web_url,omitempty"`
	LogsURL    string                  `json:"logs_url,omitempty"`
	StartedAt  *time.Time              `json:"started_at,omitempty"`
	FinishedAt *time.Time              `json:"finished_at,omitempty"`
}

// TargetStatus returns the status of the target with the given name.
func (s *JobStatus) TargetStatus(name string) model.Status {
	if st, exists := s.Targets[name]; exists {
		return st
	}

	return s.Status
}

// BuildSystem submits and controls jobs of a remote system.
// Errors wrap goorderr.RetryableError when the operation can be retried
// and goorderr.PermanentError when it can not succeed.
type BuildSystem interface {
	Submit(ctx context.Context, req *SubmitRequest) (*Submission, error)
	GetStatus(ctx context.Context, externalID string) (*JobStatus, error)
	// Cancel requests cancellation of the job, it returns true if the
	// remote system acknowledged it.
	Cancel(ctx context.Context, externalID string) (bool, error)
}

// Registry maps stages to the BuildSystem that executes their jobs.
type Registry struct {
	mu       sync.RWMutex
	backends map[model.Stage]BuildSystem
}

func NewRegistry() *Registry {
	return &Registry{backends: map[model.Stage]BuildSystem{}}
}

func (r *Registry) Register(stage model.Stage, b BuildSystem) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.backends[stage] = b
}

// Get returns the BuildSystem for stage.
func (r *Registry) Get(stage model.Stage) (BuildSystem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, exists := r.backends[stage]
	if !exists {
		return nil, fmt.Errorf("no backend configured for stage %s", stage)
	}

	return b, nil
}

// Stages returns the stages that have a registered BuildSystem, sorted by
// name.
func (r *Registry) Stages() []model.Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]model.Stage, 0, len(r.backends))
	for s := range r.backends {
		result = append(result, s)
	}

	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })

	return result
}

func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stages := make([]string, 0, len(r.backends))
	for s := range r.backends {
		stages = append(stages, string(s))
	}
	sort.Strings(stages)

	return strings.Join(stages, ", ")
}
