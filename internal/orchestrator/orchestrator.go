// Package orchestrator is the top-level driver: it owns the lock,
// sequences trigger/branch/pipeline/monitor/stress according to the
// requested action and maps the terminal status to a process exit
// code.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/deploy-sentinel/internal/config"
	"github.com/Sh00ty/deploy-sentinel/internal/engine"
	"github.com/Sh00ty/deploy-sentinel/internal/metrics"
	"github.com/Sh00ty/deploy-sentinel/internal/models"
	"github.com/Sh00ty/deploy-sentinel/internal/monitor"
	"github.com/Sh00ty/deploy-sentinel/internal/notify"
	"github.com/Sh00ty/deploy-sentinel/internal/statestore"
)

type Action string

const (
	ActionTrigger      Action = "trigger"
	ActionMonitor      Action = "monitor"
	ActionCreateBranch Action = "create-branch"
	ActionStressTest   Action = "stress-test"
	ActionFull         Action = "full"
)

func ParseAction(raw string) (Action, error) {
	switch Action(raw) {
	case ActionTrigger, ActionMonitor, ActionCreateBranch, ActionStressTest, ActionFull:
		return Action(raw), nil
	}
	return "", fmt.Errorf("unknown action %q, want one of trigger|monitor|create-branch|stress-test|full", raw)
}

type ExitCode int

const (
	ExitSuccess       ExitCode = 0
	ExitRolloutFailed ExitCode = 1
	ExitNonSuccess    ExitCode = 2
)

func exitCodeFor(status models.RolloutStatus) ExitCode {
	switch status {
	case models.RolloutCompleted:
		return ExitSuccess
	case models.RolloutFailed:
		return ExitRolloutFailed
	default:
		return ExitNonSuccess
	}
}

type EngineAPI interface {
	GetRolloutDetails(ctx context.Context, rolloutID models.RolloutID) (*engine.RolloutDetails, error)
	GetArtifactVersions(ctx context.Context, serviceGroup, serviceID string) ([]string, error)
	GetStageMapVersions(ctx context.Context, serviceGroup, stageMapName string) ([]string, error)
	StartRollout(ctx context.Context, req engine.StartRolloutRequest) (models.RolloutID, []string, error)
	ApproveWaitAction(ctx context.Context, rolloutID models.RolloutID, waitActionID string) error
	RejectWaitAction(ctx context.Context, rolloutID models.RolloutID, waitActionID string) error
	CancelRollout(ctx context.Context, rolloutID models.RolloutID) error
}

type BranchCreator interface {
	CreateDeploymentBranch(ctx context.Context, environment, serviceID string) (string, error)
}

type PipelineRunner interface {
	RunPipeline(ctx context.Context, pipelineID, branchName string) (string, error)
}

type Archiver interface {
	Record(ctx context.Context, state *models.RolloutState) error
}

// Options are the per-invocation knobs from the CLI.
type Options struct {
	Action       Action
	RolloutID    models.RolloutID
	ForceUnlock  bool
	ApproveWait  string
	RejectWait   string
	CancelActive bool
}

type Orchestrator struct {
	cfg      *config.DeploymentConfig
	engine   EngineAPI
	branches BranchCreator
	pipeline PipelineRunner
	stress   monitor.StressRunner
	notifier notify.Notifier
	store    *statestore.Store
	archive  Archiver
	clock    monitor.Clock
	metrics  metrics.Metrics
}

func New(
	cfg *config.DeploymentConfig,
	engineAPI EngineAPI,
	branches BranchCreator,
	pipelineRunner PipelineRunner,
	stress monitor.StressRunner,
	notifier notify.Notifier,
	store *statestore.Store,
	archive Archiver,
	clock monitor.Clock,
	m metrics.Metrics,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		engine:   engineAPI,
		branches: branches,
		pipeline: pipelineRunner,
		stress:   stress,
		notifier: notifier,
		store:    store,
		archive:  archive,
		clock:    clock,
		metrics:  m,
	}
}

// Run executes the requested action under the state lock and returns
// the process exit code.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (ExitCode, error) {
	lock, err := statestore.AcquireLock(o.store.Path()+".lock", opts.ForceUnlock)
	if err != nil {
		return ExitNonSuccess, err
	}
	defer lock.Release()

	switch opts.Action {
	case ActionStressTest:
		return o.runStandaloneStressTest(ctx)
	case ActionCreateBranch:
		return o.runCreateBranch(ctx)
	case ActionTrigger:
		_, code, err := o.trigger(ctx)
		return code, err
	case ActionMonitor:
		return o.runMonitor(ctx, opts)
	case ActionFull:
		state, code, err := o.trigger(ctx)
		if err != nil {
			return code, err
		}
		return o.monitorToTerminal(ctx, state)
	}
	return ExitNonSuccess, fmt.Errorf("unknown action %q", opts.Action)
}

func (o *Orchestrator) runStandaloneStressTest(ctx context.Context) (ExitCode, error) {
	if o.cfg.StressTest == nil || !o.cfg.StressTest.Enabled {
		return ExitNonSuccess, fmt.Errorf("config is missing required field %q", "stressTestConfig")
	}
	result, err := o.stress.Run(ctx, o.cfg.StressTest)
	if err != nil {
		return ExitNonSuccess, err
	}
	if !result.Passed {
		return ExitRolloutFailed, fmt.Errorf("stress test failed: %s", result.FailReason)
	}
	return ExitSuccess, nil
}

func (o *Orchestrator) runCreateBranch(ctx context.Context) (ExitCode, error) {
	if o.branches == nil {
		return ExitNonSuccess, fmt.Errorf("config is missing required field %q", "pipelineConfig")
	}
	branchName, err := o.branches.CreateDeploymentBranch(ctx, o.cfg.Environment, o.cfg.ServiceID)
	if err != nil {
		return ExitNonSuccess, err
	}
	log.Info().Msgf("deployment branch: %s", branchName)
	return ExitSuccess, nil
}

// trigger starts a new rollout unless a resumable one already exists.
// The state file is written for the first time only after the engine
// accepted the rollout, so a persisted file always carries a rollout
// id.
func (o *Orchestrator) trigger(ctx context.Context) (*models.RolloutState, ExitCode, error) {
	existing, err := o.store.Read()
	if err != nil {
		return nil, ExitNonSuccess, err
	}
	if existing != nil && existing.OverallStatus == models.RolloutInProgress {
		log.Warn().Msgf("rollout %s already in progress, resuming instead of re-triggering", existing.RolloutID)
		return existing, ExitSuccess, nil
	}

	branchName := ""
	if o.branches != nil && o.cfg.Pipeline != nil && o.cfg.Pipeline.CreateBranch {
		branchName, err = o.branches.CreateDeploymentBranch(ctx, o.cfg.Environment, o.cfg.ServiceID)
		if err != nil {
			return nil, ExitNonSuccess, err
		}
	}

	if o.pipeline != nil && o.cfg.Pipeline != nil && o.cfg.Pipeline.Enabled {
		runID, err := o.pipeline.RunPipeline(ctx, o.cfg.Pipeline.PipelineID, branchName)
		if err != nil {
			if o.cfg.Pipeline.Critical {
				return nil, ExitNonSuccess, fmt.Errorf("critical pipeline trigger failed: %w", err)
			}
			log.Warn().Err(err).Msg("pipeline trigger failed, continuing: pipeline is not critical")
		} else {
			log.Info().Msgf("pipeline run started: %s", runID)
		}
	}

	info, err := o.discoverServiceInfo(ctx)
	if err != nil {
		return nil, ExitNonSuccess, err
	}

	rolloutID, regions, err := o.engine.StartRollout(ctx, engine.StartRolloutRequest{
		ServiceGroupName: o.cfg.ServiceGroupName,
		ServiceID:        o.cfg.ServiceID,
		StageMapName:     o.cfg.StageMapName,
		Environment:      o.cfg.Environment,
		ArtifactVersion:  info.ArtifactVersion,
		StageMapVersion:  info.StageMapVersion,
		ScopeSelector:    o.cfg.ScopeSelector,
	})
	if err != nil {
		return nil, ExitNonSuccess, err
	}
	o.metrics.Increment("orchestrator.rollout_started")
	log.Info().Msgf("rollout %s started: %d regions, artifact %s", rolloutID, len(regions), info.ArtifactVersion)

	state := models.NewRolloutState(o.cfg.ServiceGroupName, o.cfg.ServiceID, o.cfg.Environment, regions)
	state.RolloutID = rolloutID
	state.OverallStatus = models.RolloutInProgress
	state.ArtifactVersion = info.ArtifactVersion
	state.StageMapVersion = info.StageMapVersion
	state.BranchName = branchName
	if err := o.store.Write(state); err != nil {
		return nil, ExitNonSuccess, fmt.Errorf("rollout %s started but state could not be persisted: %w", rolloutID, err)
	}

	o.notifier.Notify(ctx, models.NotificationEvent{
		Type:            models.EventRolloutStarted,
		Title:           fmt.Sprintf("rollout started for %s in %s", o.cfg.ServiceID, o.cfg.Environment),
		Status:          state.OverallStatus,
		RolloutID:       state.RolloutID,
		Service:         state.ServiceID,
		ArtifactVersion: state.ArtifactVersion,
		Regions:         append([]string{}, state.PendingRegions...),
		Timestamp:       o.clock.Now().UTC(),
		ActionURL:       models.RolloutActionURL(o.cfg.EngineBaseURL, state.RolloutID),
	})
	return state, ExitSuccess, nil
}

func (o *Orchestrator) discoverServiceInfo(ctx context.Context) (models.ServiceInfo, error) {
	artifacts, err := o.engine.GetArtifactVersions(ctx, o.cfg.ServiceGroupName, o.cfg.ServiceID)
	if err != nil {
		return models.ServiceInfo{}, err
	}
	if len(artifacts) == 0 {
		return models.ServiceInfo{}, fmt.Errorf("no artifact versions found for service %s", o.cfg.ServiceID)
	}
	stageMaps, err := o.engine.GetStageMapVersions(ctx, o.cfg.ServiceGroupName, o.cfg.StageMapName)
	if err != nil {
		return models.ServiceInfo{}, err
	}
	if len(stageMaps) == 0 {
		return models.ServiceInfo{}, fmt.Errorf("no stage map versions found for %s", o.cfg.StageMapName)
	}
	// versions come newest first
	return models.ServiceInfo{
		ArtifactVersion: artifacts[0],
		StageMapVersion: stageMaps[0],
	}, nil
}

// runMonitor resumes monitoring: from an explicit rollout id when
// given (bypassing the local file entirely, which is the way out of a
// corrupt state), otherwise from the persisted state.
func (o *Orchestrator) runMonitor(ctx context.Context, opts Options) (ExitCode, error) {
	state, err := o.resolveState(ctx, opts)
	if err != nil {
		return ExitNonSuccess, err
	}

	if opts.ApproveWait != "" {
		if err := o.engine.ApproveWaitAction(ctx, state.RolloutID, opts.ApproveWait); err != nil {
			return ExitNonSuccess, err
		}
		log.Info().Msgf("approved wait action %s", opts.ApproveWait)
	}
	if opts.RejectWait != "" {
		if err := o.engine.RejectWaitAction(ctx, state.RolloutID, opts.RejectWait); err != nil {
			return ExitNonSuccess, err
		}
		log.Info().Msgf("rejected wait action %s", opts.RejectWait)
	}
	if opts.CancelActive {
		if err := o.engine.CancelRollout(ctx, state.RolloutID); err != nil {
			return ExitNonSuccess, err
		}
		log.Warn().Msgf("cancellation requested for rollout %s, monitoring until engine confirms", state.RolloutID)
	}

	return o.monitorToTerminal(ctx, state)
}

func (o *Orchestrator) resolveState(ctx context.Context, opts Options) (*models.RolloutState, error) {
	if opts.RolloutID != "" {
		state := models.NewRolloutState(o.cfg.ServiceGroupName, o.cfg.ServiceID, o.cfg.Environment, nil)
		state.RolloutID = opts.RolloutID
		if err := o.seedRegionsFromRemote(ctx, state); err != nil {
			return nil, err
		}
		return state, nil
	}

	state, err := o.store.Read()
	if err != nil {
		if errors.Is(err, statestore.ErrCorruptState) {
			return nil, fmt.Errorf("%w (pass an explicit rollout id to resume without the local file)", err)
		}
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("no rollout state found at %s and no rollout id given", o.store.Path())
	}
	if state.OverallStatus.Terminal() {
		return nil, fmt.Errorf("rollout %s already terminal (%s), nothing to monitor", state.RolloutID, state.OverallStatus)
	}
	return state, nil
}

// seedRegionsFromRemote rebuilds the region sets for a resume-by-id,
// where there is no trusted local file to take them from.
func (o *Orchestrator) seedRegionsFromRemote(ctx context.Context, state *models.RolloutState) error {
	details, err := o.engine.GetRolloutDetails(ctx, state.RolloutID)
	if err != nil {
		return fmt.Errorf("failed to look up rollout %s for resume: %w", state.RolloutID, err)
	}
	for _, stage := range details.Stages {
		if stage.Status == models.StageCompleted {
			state.DeployedRegions = append(state.DeployedRegions, stage.Region)
		} else {
			state.PendingRegions = append(state.PendingRegions, stage.Region)
		}
	}
	return nil
}

func (o *Orchestrator) monitorToTerminal(ctx context.Context, state *models.RolloutState) (ExitCode, error) {
	mon := monitor.New(o.engine, o.stress, o.notifier, o.store, o.clock, o.metrics, o.cfg.PollingInterval, o.cfg.StressTest, o.cfg.EngineBaseURL)

	status, err := mon.Run(ctx, state)
	if err != nil && !errors.Is(err, monitor.ErrRolloutFailed) {
		return ExitNonSuccess, err
	}

	o.archiveTerminal(ctx, state)
	if status == models.RolloutCompleted {
		if err := o.store.Remove(); err != nil {
			log.Error().Err(err).Msg("failed to remove state file after completion")
		}
	}
	return exitCodeFor(status), nil
}

// archiveTerminal records the outcome in the history archive when one
// is configured. Failure to archive never changes the exit code.
func (o *Orchestrator) archiveTerminal(ctx context.Context, state *models.RolloutState) {
	if o.archive == nil || !state.OverallStatus.Terminal() {
		return
	}
	if err := o.archive.Record(ctx, state); err != nil {
		log.Error().Err(err).Msgf("failed to archive rollout %s", state.RolloutID)
	}
}
