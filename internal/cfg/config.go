package cfg

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/retry"
)

type Config struct {
	HTTPListenAddr            string `toml:"http_server_listen_addr"`
	HTTPSListenAddr           string `toml:"https_server_listen_addr"`
	HTTPSCertFile             string `toml:"https_ssl_cert_file"`
	HTTPSKeyFile              string `toml:"https_ssl_key_file"`
	HTTPGithubWebhookEndpoint string `toml:"github_webhook_endpoint"`
	GithubWebHookSecret       string `toml:"github_webhook_secret"`
	GithubAPIToken            string `toml:"github_api_token"`
	HTTPEventEndpoint         string `toml:"event_endpoint"`
	HTTPMetricsEndpoint       string `toml:"metrics_endpoint"`
	LogFormat                 string `toml:"log_format"`
	LogTimeKey                string `toml:"log_time_key"`
	LogLevel                  string `toml:"log_level"`
	// DatabaseURL is the postgresql connection string, if it is empty
	// the state is kept in memory.
	DatabaseURL string `toml:"database_url"`
	// DryRun disables reporting to the forge, statuses are only logged.
	DryRun    bool   `toml:"dry_run"`
	CoprOwner string `toml:"copr_owner"`

	Retry    Retry      `toml:"retry"`
	Worker   Worker     `toml:"worker"`
	Babysit  Babysit    `toml:"babysit"`
	Backends []*Backend `toml:"backend"`
	Tests    Tests      `toml:"tests"`
	Rules    []*Rule    `toml:"rule"`
}

type Retry struct {
	BaseInterval       string `toml:"base_interval"`
	MaxRetries         *int   `toml:"max_retries"`
	OutageBaseInterval string `toml:"outage_base_interval"`
	OutageMaxRetries   *int   `toml:"outage_max_retries"`
}

type Worker struct {
	Count uint `toml:"count"`
}

type Babysit struct {
	Interval   string `toml:"interval"`
	JobTimeout string `toml:"job_timeout"`
}

// Backend is a remote build or test system.
type Backend struct {
	Name  string `toml:"name"`
	Stage string `toml:"stage"`
	URL   string `toml:"url"`
	Token string `toml:"token"`
	// Targets are the targets that are built or tested by the backend,
	// e.g. copr chroots.
	Targets []string `toml:"targets"`
}

type Tests struct {
	UseInternalTF bool          `toml:"use_internal_tf"`
	Targets       []*TestTarget `toml:"target"`
}

// TestTarget overrides the distributions a build target is tested on.
type TestTarget struct {
	BuildTarget string   `toml:"build_target"`
	Distros     []string `toml:"distros"`
}

type Rule struct {
	Name        string   `toml:"name"`
	FilterQuery string   `toml:"filter_query"`
	Jobs        []string `toml:"job"`
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	if err := result.validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}

func (c *Config) validate() error {
	stages := map[model.Stage]string{}

	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend #%d: name is empty", i)
		}

		if b.URL == "" {
			return fmt.Errorf("backend %s: url is empty", b.Name)
		}

		stage := model.Stage(b.Stage)
		if !stage.Valid() || stage == model.StageSRPM {
			return fmt.Errorf("backend %s: invalid stage %q", b.Name, b.Stage)
		}

		if other, exists := stages[stage]; exists {
			return fmt.Errorf("backend %s: stage %s is already served by backend %s", b.Name, stage, other)
		}

		stages[stage] = b.Name
	}

	for i, r := range c.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule #%d: name is empty", i)
		}

		if r.FilterQuery == "" {
			return fmt.Errorf("rule %s: filter_query is empty", r.Name)
		}

		if len(r.Jobs) == 0 {
			return fmt.Errorf("rule %s: no job defined", r.Name)
		}
	}

	if _, err := c.Retry.Policy(); err != nil {
		return err
	}

	if _, _, err := c.Babysit.Durations(); err != nil {
		return err
	}

	return nil
}

// Policy returns the retry policy, unset values are taken from
// retry.DefaultPolicy().
func (r *Retry) Policy() (retry.Policy, error) {
	p := retry.DefaultPolicy()

	if err := parseDuration("retry.base_interval", r.BaseInterval, &p.BaseInterval); err != nil {
		return retry.Policy{}, err
	}

	if err := parseDuration("retry.outage_base_interval", r.OutageBaseInterval, &p.OutageBaseInterval); err != nil {
		return retry.Policy{}, err
	}

	if r.MaxRetries != nil {
		if *r.MaxRetries < 0 {
			return retry.Policy{}, errors.New("retry.max_retries must not be negative")
		}
		p.MaxRetries = *r.MaxRetries
	}

	if r.OutageMaxRetries != nil {
		if *r.OutageMaxRetries < 0 {
			return retry.Policy{}, errors.New("retry.outage_max_retries must not be negative")
		}
		p.OutageMaxRetries = *r.OutageMaxRetries
	}

	return p, nil
}

// Durations returns the babysit interval and job timeout, 0 if they are
// unset.
func (b *Babysit) Durations() (interval, jobTimeout time.Duration, err error) {
	if err := parseDuration("babysit.interval", b.Interval, &interval); err != nil {
		return 0, 0, err
	}

	if err := parseDuration("babysit.job_timeout", b.JobTimeout, &jobTimeout); err != nil {
		return 0, 0, err
	}

	return interval, jobTimeout, nil
}

// StageTargets returns the configured targets per backend stage.
func (c *Config) StageTargets() map[model.Stage][]string {
	result := make(map[model.Stage][]string, len(c.Backends))

	for _, b := range c.Backends {
		if len(b.Targets) > 0 {
			result[model.Stage(b.Stage)] = b.Targets
		}
	}

	return result
}

// TestDistros returns the distributions per build target that override the
// default mapping, nil if none are configured.
func (t *Tests) TestDistros() map[string][]string {
	if len(t.Targets) == 0 {
		return nil
	}

	result := make(map[string][]string, len(t.Targets))
	for _, tt := range t.Targets {
		result[tt.BuildTarget] = tt.Distros
	}

	return result
}

func parseDuration(key, val string, dst *time.Duration) error {
	if val == "" {
		return nil
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	if d <= 0 {
		return fmt.Errorf("%s: duration must be positive", key)
	}

	*dst = d

	return nil
}
