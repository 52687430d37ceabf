// Package jobs contains the task handlers that turn events into runs,
// submit their targets to the build and test systems and apply the status
// notifications of these systems.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/backend"
	"github.com/simplesurance/runledger/internal/correlation"
	"github.com/simplesurance/runledger/internal/ledger"
	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/report"
	"github.com/simplesurance/runledger/internal/resolver"
	"github.com/simplesurance/runledger/internal/retry"
	"github.com/simplesurance/runledger/internal/store"
	"github.com/simplesurance/runledger/internal/taskqueue"
)

const loggerName = "jobs"

// Names of the tasks.
const (
	TaskProcessEvent = "process_event"
	TaskCoprBuild    = "copr_build"
	TaskTests        = "tests"
	TaskStageJob     = "stage_job"
	TaskSubmitTarget = "submit_target"
	TaskBabysit      = "babysit"
)

const (
	kwargEvent          = "event"
	kwargProjectEventID = "project_event_id"
	kwargCommitSHA      = "commit_sha"
	kwargStage          = "stage"
	kwargWithTests      = "with_tests"
	kwargFailedOnly     = "failed_only"
	kwargOtherPR        = "other_pr"
	kwargBuildTarget    = "build_target"
)

// Keys of model.Target.Data.
const (
	dataWithTests    = "with_tests"
	dataBuildID      = "build_id"
	dataBuildTarget  = "build_target"
	dataOtherBuildID = "other_pr_build_id"
)

const (
	defBabysitInterval = 5 * time.Minute
	defJobTimeout      = 7 * 24 * time.Hour
	defCoprOwner       = "packit"
)

// Config contains the dependencies and settings of Jobs.
type Config struct {
	Ledger    *ledger.Ledger
	Resolver  *resolver.Resolver
	Backends  *backend.Registry
	Reporters report.Factory
	Scheduler retry.Scheduler
	Policy    retry.Policy
	// Rules select the jobs for forge events, if nil DefaultRules() are
	// used.
	Rules Rules
	// Mapper maps build targets to test targets.
	Mapper *correlation.Mapper
	// StageTargets are the targets that jobs of a stage are run for,
	// e.g. the chroots of copr builds or the koji build targets.
	StageTargets map[model.Stage][]string
	CoprOwner    string

	BabysitInterval time.Duration
	JobTimeout      time.Duration
}

// Jobs provides the task handlers.
type Jobs struct {
	logger     *zap.Logger
	ledger     *ledger.Ledger
	store      store.Store
	resolver   *resolver.Resolver
	matcher    *correlation.Matcher
	mapper     *correlation.Mapper
	backends   *backend.Registry
	reporters  report.Factory
	scheduler  retry.Scheduler
	controller *retry.Controller
	rules      Rules

	stageTargets    map[model.Stage][]string
	coprOwner       string
	babysitInterval time.Duration
	jobTimeout      time.Duration
	now             func() time.Time
}

func New(cfg *Config) (*Jobs, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("ledger is nil")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("resolver is nil")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("scheduler is nil")
	}

	j := Jobs{
		logger:          zap.L().Named(loggerName),
		ledger:          cfg.Ledger,
		store:           cfg.Ledger.Store(),
		resolver:        cfg.Resolver,
		matcher:         correlation.NewMatcher(cfg.Ledger.Store()),
		mapper:          cfg.Mapper,
		backends:        cfg.Backends,
		reporters:       cfg.Reporters,
		scheduler:       cfg.Scheduler,
		controller:      retry.NewController(cfg.Scheduler, cfg.Policy),
		rules:           cfg.Rules,
		stageTargets:    cfg.StageTargets,
		coprOwner:       cfg.CoprOwner,
		babysitInterval: cfg.BabysitInterval,
		jobTimeout:      cfg.JobTimeout,
		now:             time.Now,
	}

	if j.backends == nil {
		j.backends = backend.NewRegistry()
	}
	if j.reporters == nil {
		j.reporters = report.NewDryFactory()
	}
	if j.rules == nil {
		j.rules = DefaultRules()
	}
	if j.mapper == nil {
		j.mapper = correlation.NewMapper(cfg.StageTargets[model.StageCoprBuild], nil, false)
	}
	if j.coprOwner == "" {
		j.coprOwner = defCoprOwner
	}
	if j.babysitInterval <= 0 {
		j.babysitInterval = defBabysitInterval
	}
	if j.jobTimeout <= 0 {
		j.jobTimeout = defJobTimeout
	}

	return &j, nil
}

// Handlers returns the task handlers by task name.
func (j *Jobs) Handlers() map[string]taskqueue.Handler {
	return map[string]taskqueue.Handler{
		TaskProcessEvent: j.processEvent,
		TaskCoprBuild:    j.coprBuild,
		TaskTests:        j.tests,
		TaskStageJob:     j.stageJob,
		TaskSubmitTarget: j.submitTarget,
		TaskBabysit:      j.babysit,
	}
}

// Registrar registers task handlers.
type Registrar interface {
	Register(name string, h taskqueue.Handler)
}

// RegisterTasks registers all handlers at r.
func (j *Jobs) RegisterTasks(r Registrar) {
	for name, h := range j.Handlers() {
		r.Register(name, h)
	}
}

func requiredInt64(kw retry.Kwargs, key string) (int64, error) {
	v, ok, err := kw.Int64(key)
	if err != nil {
		return 0, err
	}

	if !ok {
		return 0, fmt.Errorf("task argument %s is missing", key)
	}

	return v, nil
}

func kwargBool(kw retry.Kwargs, key string) bool {
	switch v := kw[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// projectEventArgs returns the project event, its project and the commit
// referenced by the task arguments.
func (j *Jobs) projectEventArgs(ctx context.Context, kw retry.Kwargs) (*model.ProjectEvent, *model.Project, string, error) {
	peID, err := requiredInt64(kw, kwargProjectEventID)
	if err != nil {
		return nil, nil, "", err
	}

	pe, err := j.store.GetProjectEvent(ctx, peID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("retrieving project event %d failed: %w", peID, err)
	}

	project, err := j.store.GetProject(ctx, pe.ProjectID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("retrieving project %d failed: %w", pe.ProjectID, err)
	}

	commit := kw.String(kwargCommitSHA)
	if commit == "" {
		commit = pe.CommitSHA
	}

	if commit == "" {
		return nil, nil, "", fmt.Errorf("project event %d: commit is unknown", pe.ID)
	}

	return pe, project, commit, nil
}

// prID returns the pull request number of the project event, 0 if it is not
// a pull request event.
func prID(pe *model.ProjectEvent) int {
	if pe.Kind != model.EventKindPullRequest {
		return 0
	}

	id, err := strconv.Atoi(pe.ForgeObjectID)
	if err != nil {
		return 0
	}

	return id
}

// coprProjectName returns the name of the copr project that builds of the
// project event are submitted to.
func coprProjectName(project *model.Project, pe *model.ProjectEvent) string {
	name := strings.Join([]string{project.Namespace, project.RepoName, pe.ForgeObjectID}, "-")
	return strings.NewReplacer("/", "-", " ", "-", ":", "-").Replace(name)
}

func (j *Jobs) eventArgs(pe *model.ProjectEvent, commit string) retry.Kwargs {
	return retry.Kwargs{
		kwargProjectEventID: pe.ID,
		kwargCommitSHA:      commit,
	}
}
