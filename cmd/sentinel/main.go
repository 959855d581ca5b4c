package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/deploy-sentinel/internal/apiclient"
	"github.com/Sh00ty/deploy-sentinel/internal/config"
	"github.com/Sh00ty/deploy-sentinel/internal/engine"
	"github.com/Sh00ty/deploy-sentinel/internal/history"
	"github.com/Sh00ty/deploy-sentinel/internal/metrics"
	"github.com/Sh00ty/deploy-sentinel/internal/models"
	"github.com/Sh00ty/deploy-sentinel/internal/monitor"
	"github.com/Sh00ty/deploy-sentinel/internal/notify"
	"github.com/Sh00ty/deploy-sentinel/internal/orchestrator"
	"github.com/Sh00ty/deploy-sentinel/internal/pipeline"
	"github.com/Sh00ty/deploy-sentinel/internal/statestore"
	"github.com/Sh00ty/deploy-sentinel/internal/stress"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// LOGGER_LEVEL is the env knob the -log-level flag defaults from.
func defaultLogLevel() string {
	if level := os.Getenv("LOGGER_LEVEL"); level != "" {
		return level
	}
	return "info"
}

func main() {
	// run owns all defers; os.Exit here would skip them
	os.Exit(int(run()))
}

func run() orchestrator.ExitCode {
	var (
		actionFlag  = flag.String("action", "full", "trigger|monitor|create-branch|stress-test|full")
		configPath  = flag.String("config", "deployment.json", "path to the deployment config file")
		rolloutID   = flag.String("rollout-id", "", "resume monitoring this rollout, bypassing the local state file")
		approveWait = flag.String("approve", "", "approve this wait action id before monitoring")
		rejectWait  = flag.String("reject", "", "reject this wait action id before monitoring")
		cancel      = flag.Bool("cancel", false, "request cancellation of the active rollout")
		forceUnlock = flag.Bool("force-unlock", false, "take over a held state lock")
		logLevel    = flag.String("log-level", defaultLogLevel(), "error|warn|info|debug")
	)
	flag.Parse()
	log.Logger = log.Level(loggerLevelFromString(*logLevel))

	action, err := orchestrator.ParseAction(*actionFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid action")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load deployment config")
	}

	m := metrics.Metrics(metrics.Noop{})
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		m = metrics.NewStatsd(cfg.ServiceID, cfg.Metrics.Addr)
	}

	engineClient := engine.NewClient(apiclient.New(
		cfg.EngineBaseURL,
		cfg.MaxRetries,
		apiclient.WithJitter(),
		apiclient.WithMetrics(m),
	))

	var branches orchestrator.BranchCreator
	var pipelineRunner orchestrator.PipelineRunner
	if cfg.Pipeline != nil && cfg.PipelineBaseURL != "" {
		pipelineClient := pipeline.NewClient(apiclient.New(
			cfg.PipelineBaseURL,
			cfg.MaxRetries,
			apiclient.WithJitter(),
			apiclient.WithMetrics(m),
		), cfg.Pipeline.Project)
		repository := cfg.Pipeline.Repository
		if repository == "" {
			repository = cfg.ServiceID
		}
		branches = pipeline.NewBranchCoordinator(pipelineClient, repository)
		pipelineRunner = pipelineClient
	}

	sinks := []notify.Sink{}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL))
	}
	if cfg.Kafka != nil && cfg.Kafka.Enabled {
		kafkaSink := notify.NewKafkaSink(cfg.Kafka.Addr, cfg.Kafka.Topic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	notifier := notify.NewFanout(cfg.NotificationLogPath, sinks...)

	var archive orchestrator.Archiver
	if cfg.History != nil && cfg.History.Enabled {
		pgArchive, err := history.NewArchive(ctx, cfg.History.User, cfg.History.Password, cfg.History.Host, cfg.History.Port)
		if err != nil {
			// history is an audit trail, a rollout must not depend on it
			log.Error().Err(err).Msg("history archive unavailable, continuing without it")
		} else {
			defer pgArchive.Close()
			archive = pgArchive
		}
	}

	orch := orchestrator.New(
		cfg,
		engineClient,
		branches,
		pipelineRunner,
		stress.NewEngine(m),
		notifier,
		statestore.New(cfg.StateFilePath),
		archive,
		monitor.NewClock(),
		m,
	)

	code, err := orch.Run(ctx, orchestrator.Options{
		Action:       action,
		RolloutID:    models.RolloutID(*rolloutID),
		ForceUnlock:  *forceUnlock,
		ApproveWait:  *approveWait,
		RejectWait:   *rejectWait,
		CancelActive: *cancel,
	})
	if err != nil {
		log.Error().Err(err).Msg("sentinel run failed")
	}
	return code
}
