package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/runledger/internal/backend"
	"github.com/simplesurance/runledger/internal/backend/httpbackend"
	"github.com/simplesurance/runledger/internal/cfg"
	"github.com/simplesurance/runledger/internal/correlation"
	"github.com/simplesurance/runledger/internal/githubclt"
	"github.com/simplesurance/runledger/internal/ingest"
	"github.com/simplesurance/runledger/internal/jobs"
	"github.com/simplesurance/runledger/internal/ledger"
	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/provider/github"
	"github.com/simplesurance/runledger/internal/provider/jsonevent"
	"github.com/simplesurance/runledger/internal/report"
	"github.com/simplesurance/runledger/internal/resolver"
	"github.com/simplesurance/runledger/internal/retry"
	"github.com/simplesurance/runledger/internal/store"
	"github.com/simplesurance/runledger/internal/store/memstore"
	"github.com/simplesurance/runledger/internal/store/pgstore"
	"github.com/simplesurance/runledger/internal/taskqueue"
)

const appName = "runledger"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

const EventChannelBufferSize = 1024

const defWorkerCount = 4

const githubHost = "github.com"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught , terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)

	}
}

func startHTTPSServer(listenAddr string, certFile, keyFile string, mux *http.ServeMux) {
	httpsServer := http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: time.Minute,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating https server",
			logfields.Event("https_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpsServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down https server failed",
				logfields.Event("https_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"https server started",
			logfields.Event("https_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpsServer.ListenAndServeTLS(certFile, keyFile)
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("https server terminated", logfields.Event("https_server_terminated"))
			return
		}

		logger.Fatal(
			"https server terminated unexpectedly",
			logfields.Event("https_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: time.Minute,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
}

var args arguments

const defConfigFile = "/etc/runledger/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the runledger configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nReceive forge and build system events, track and run builds and tests.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration files", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s \n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt", "":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

// hideURLPassword returns the url with the password replaced.
func hideURLPassword(in string) string {
	u, err := url.Parse(in)
	if err != nil {
		return hide(in)
	}

	return u.Redacted()
}

func mustInitStore(ctx context.Context, config *cfg.Config) store.Store {
	if config.DatabaseURL == "" {
		logger.Info(
			"database_url is unset, state is kept in memory and lost on termination",
			logfields.Event("store_memory_initialized"),
		)

		return memstore.New()
	}

	pool, err := pgxpool.Connect(ctx, config.DatabaseURL)
	exitOnErr("connecting to the database failed", err)

	goodbye.Register(func(context.Context, os.Signal) {
		logger.Debug("closing database connections", logfields.Event("db_pool_closing"))
		pool.Close()
	})

	s := pgstore.New(pool)
	exitOnErr("migrating the database schema failed", s.Migrate(ctx))

	logger.Info("database initialized", logfields.Event("store_postgres_initialized"))

	return s
}

func mustInitBackends(config *cfg.Config) *backend.Registry {
	reg := backend.NewRegistry()

	for _, b := range config.Backends {
		reg.Register(model.Stage(b.Stage), httpbackend.New(b.Name, b.URL, b.Token))
	}

	return reg
}

func mustInitRules(config *cfg.Config) jobs.Rules {
	if len(config.Rules) == 0 {
		return jobs.DefaultRules()
	}

	rules := make(jobs.Rules, 0, len(config.Rules))
	for _, r := range config.Rules {
		jobTypes := make([]jobs.JobType, 0, len(r.Jobs))
		for _, j := range r.Jobs {
			jt, err := jobs.ParseJobType(j)
			exitOnErr(fmt.Sprintf("rule %s: invalid job", r.Name), err)

			jobTypes = append(jobTypes, jt)
		}

		rule, err := jobs.NewRule(r.Name, r.FilterQuery, jobTypes)
		exitOnErr(fmt.Sprintf("rule %s: invalid filter_query", r.Name), err)

		rules = append(rules, rule)
	}

	return rules
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	ctx := context.Background()

	policy, err := config.Retry.Policy()
	exitOnErr("invalid retry configuration", err)

	babysitInterval, jobTimeout, err := config.Babysit.Durations()
	exitOnErr("invalid babysit configuration", err)

	rules := mustInitRules(config)
	backends := mustInitBackends(config)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("https_server_listen_addr", config.HTTPSListenAddr),
		zap.String("github_webhook_endpoint", config.HTTPGithubWebhookEndpoint),
		zap.String("github_webhook_secret", hide(config.GithubWebHookSecret)),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.String("event_endpoint", config.HTTPEventEndpoint),
		zap.String("metrics_endpoint", config.HTTPMetricsEndpoint),
		zap.String("database_url", hideURLPassword(config.DatabaseURL)),
		zap.Bool("dry_run", config.DryRun),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
		zap.String("backends", backends.String()),
		zap.String("rules", rules.String()),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	if config.HTTPListenAddr == "" && config.HTTPSListenAddr == "" {
		fmt.Fprintf(os.Stderr, "https_server_listen_addr or http_server_listen_addr must be defined in the config file, both are unset")
		os.Exit(1)
	}

	st := mustInitStore(ctx, config)

	githubClient := githubclt.New(config.GithubAPIToken)

	lookup := resolver.NewHostLookup(resolver.URLLookup{})
	if !config.DryRun {
		lookup.Register(githubHost, githubClient)
	}

	var reporters report.Factory
	if config.DryRun {
		reporters = report.NewDryFactory()
	} else {
		retryer := retry.NewRetryer()
		goodbye.Register(func(context.Context, os.Signal) {
			retryer.Stop()
		})

		reporters = report.NewRetryingFactory(githubclt.NewStatusFactory(githubClient), retryer)
	}

	workers := config.Worker.Count
	if workers == 0 {
		workers = defWorkerCount
	}

	queue := taskqueue.New(workers)

	stageTargets := config.StageTargets()

	j, err := jobs.New(&jobs.Config{
		Ledger:          ledger.New(st),
		Resolver:        resolver.New(st, lookup),
		Backends:        backends,
		Reporters:       reporters,
		Scheduler:       queue,
		Policy:          policy,
		Rules:           rules,
		Mapper:          correlation.NewMapper(stageTargets[model.StageCoprBuild], config.Tests.TestDistros(), config.Tests.UseInternalTF),
		StageTargets:    stageTargets,
		CoprOwner:       config.CoprOwner,
		BabysitInterval: babysitInterval,
		JobTimeout:      jobTimeout,
	})
	exitOnErr("initializing jobs failed", err)

	j.RegisterTasks(queue)
	queue.Start()

	exitOnErr("starting babysitter failed", j.StartBabysitter(ctx))

	evLoop := ingest.NewEventLoop(j, ingest.WithBufferSize(EventChannelBufferSize))
	go evLoop.Start()

	mux := http.NewServeMux()

	if config.HTTPGithubWebhookEndpoint != "" {
		gh := github.New(
			evLoop.C(),
			github.WithPayloadSecret(config.GithubWebHookSecret),
		)

		mux.HandleFunc(config.HTTPGithubWebhookEndpoint, gh.HTTPHandler)
		logger.Info(
			"registered github webhook event http endpoint",
			logfields.Event("github_http_handler_registered"),
			zap.String("endpoint", config.HTTPGithubWebhookEndpoint),
		)
	}

	if config.HTTPEventEndpoint != "" {
		mux.HandleFunc(config.HTTPEventEndpoint, jsonevent.New(evLoop.C()).HTTPHandler)
		logger.Info(
			"registered json event http endpoint",
			logfields.Event("json_event_http_handler_registered"),
			zap.String("endpoint", config.HTTPEventEndpoint),
		)
	}

	if config.HTTPMetricsEndpoint != "" {
		mux.Handle(config.HTTPMetricsEndpoint, promhttp.Handler())
		logger.Info(
			"registered prometheus metrics http endpoint",
			logfields.Event("metrics_http_handler_registered"),
			zap.String("endpoint", config.HTTPMetricsEndpoint),
		)
	}

	if config.HTTPListenAddr != "" {
		startHTTPServer(config.HTTPListenAddr, mux)
	}

	if config.HTTPSListenAddr != "" {
		startHTTPSServer(
			config.HTTPSListenAddr,
			config.HTTPSCertFile,
			config.HTTPSKeyFile,
			mux,
		)
	}

	goodbye.Register(func(context.Context, os.Signal) {
		logger.Debug(
			"stopping event loop",
			logfields.Event("event_loop_stopping"),
		)
		evLoop.Stop()

		logger.Debug(
			"stopping task queue",
			logfields.Event("task_queue_stopping"),
		)
		queue.Stop()
	})

	select {}
}
