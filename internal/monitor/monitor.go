// Package monitor drives a started rollout to a terminal state. It
// polls the engine, treats the remote status as authoritative, and on
// every region completion runs the stress gate, notifies, then
// persists — in that order, so a crash never records a deployed region
// without its stress verdict.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/deploy-sentinel/internal/apiclient"
	"github.com/Sh00ty/deploy-sentinel/internal/config"
	"github.com/Sh00ty/deploy-sentinel/internal/engine"
	"github.com/Sh00ty/deploy-sentinel/internal/metrics"
	"github.com/Sh00ty/deploy-sentinel/internal/models"
	"github.com/Sh00ty/deploy-sentinel/internal/notify"
)

var ErrRolloutFailed = errors.New("rollout failed")

type EngineAPI interface {
	GetRolloutDetails(ctx context.Context, rolloutID models.RolloutID) (*engine.RolloutDetails, error)
}

type StressRunner interface {
	Run(ctx context.Context, cfg *config.StressTestConfig) (*models.StressTestResult, error)
}

type StateWriter interface {
	Write(state *models.RolloutState) error
}

type Monitor struct {
	engine   EngineAPI
	stress   StressRunner
	notifier notify.Notifier
	store    StateWriter
	clock    Clock
	metrics  metrics.Metrics

	pollingInterval time.Duration
	stressCfg       *config.StressTestConfig
	actionBaseURL   string
}

func New(
	engineAPI EngineAPI,
	stressRunner StressRunner,
	notifier notify.Notifier,
	store StateWriter,
	clock Clock,
	m metrics.Metrics,
	pollingInterval time.Duration,
	stressCfg *config.StressTestConfig,
	actionBaseURL string,
) *Monitor {
	return &Monitor{
		engine:          engineAPI,
		stress:          stressRunner,
		notifier:        notifier,
		store:           store,
		clock:           clock,
		metrics:         m,
		pollingInterval: pollingInterval,
		stressCfg:       stressCfg,
		actionBaseURL:   actionBaseURL,
	}
}

// Run polls until the rollout reaches a terminal state and returns it.
// state must carry a non-empty RolloutID: Run resumes as readily as it
// follows a fresh trigger, which is the whole crash-recovery story.
func (m *Monitor) Run(ctx context.Context, state *models.RolloutState) (models.RolloutStatus, error) {
	if state.RolloutID == "" {
		return "", fmt.Errorf("monitor needs a rollout id, got empty")
	}
	state.OverallStatus = models.RolloutInProgress

	// wait actions already notified, so approval-required fires once per gate
	notifiedWaits := map[string]struct{}{}

	for {
		details, err := m.engine.GetRolloutDetails(ctx, state.RolloutID)
		if err != nil {
			return m.handlePollError(state, err)
		}
		m.metrics.Increment("monitor.poll")

		status, terminal, err := m.applyDetails(ctx, state, details, notifiedWaits)
		if err != nil {
			return status, err
		}
		if terminal {
			return status, nil
		}

		if err := m.clock.Sleep(ctx, m.pollingInterval); err != nil {
			return state.OverallStatus, fmt.Errorf("monitoring interrupted: %w", err)
		}
	}
}

func (m *Monitor) handlePollError(state *models.RolloutState, err error) (models.RolloutStatus, error) {
	// the api client already retried anything transient
	state.AppendError(state.CurrentStage, "PollFailed", err.Error())
	if werr := m.store.Write(state); werr != nil {
		log.Error().Err(werr).Msg("failed to persist state after poll error")
	}
	var apiErr *apiclient.Error
	if errors.As(err, &apiErr) && !apiErr.Transient {
		return state.OverallStatus, fmt.Errorf("non-recoverable error while polling rollout %s: %w", state.RolloutID, err)
	}
	return state.OverallStatus, fmt.Errorf("polling rollout %s failed after retries: %w", state.RolloutID, err)
}

// applyDetails reconciles the freshly polled remote truth into local
// state. Local region sets are a cache of remote stage statuses and
// are overwritten, never argued with.
func (m *Monitor) applyDetails(
	ctx context.Context,
	state *models.RolloutState,
	details *engine.RolloutDetails,
	notifiedWaits map[string]struct{},
) (models.RolloutStatus, bool, error) {
	for _, stage := range details.Stages {
		switch stage.Status {
		case models.StageCompleted:
			if !state.MarkRegionDeployed(stage.Region) {
				continue
			}
			state.CurrentStage = stage.Name
			log.Info().Msgf("region %s completed (stage %s), %d pending", stage.Region, stage.Name, len(state.PendingRegions))

			if halt, err := m.runStageGate(ctx, state, stage); err != nil {
				return state.OverallStatus, true, err
			} else if halt {
				return models.RolloutFailed, true, ErrRolloutFailed
			}

			m.notifier.Notify(ctx, m.event(state, models.EventStageCompleted,
				fmt.Sprintf("stage %s completed in %s", stage.Name, stage.Region)))
			if err := m.store.Write(state); err != nil {
				return state.OverallStatus, true, fmt.Errorf("failed to persist state after stage completion: %w", err)
			}

		case models.StageWaitingForApproval:
			if stage.WaitActionID == "" {
				continue
			}
			if _, seen := notifiedWaits[stage.WaitActionID]; seen {
				continue
			}
			notifiedWaits[stage.WaitActionID] = struct{}{}
			state.CurrentStage = stage.Name
			log.Warn().Msgf("stage %s is waiting for approval (wait action %s)", stage.Name, stage.WaitActionID)
			m.notifier.Notify(ctx, m.event(state, models.EventApprovalRequired,
				fmt.Sprintf("stage %s requires approval", stage.Name)))
			if err := m.store.Write(state); err != nil {
				return state.OverallStatus, true, fmt.Errorf("failed to persist state after wait action: %w", err)
			}

		case models.StageFailed:
			state.CurrentStage = stage.Name
			state.OverallStatus = models.RolloutFailed
			state.AppendError(stage.Name, stage.ErrorCode, stage.ErrorMessage)
			log.Error().Msgf("stage %s failed in %s: %s: %s", stage.Name, stage.Region, stage.ErrorCode, stage.ErrorMessage)
			m.metrics.Increment("monitor.rollout_failed")

			m.notifier.Notify(ctx, m.event(state, models.EventRolloutFailed,
				fmt.Sprintf("rollout failed at stage %s: %s", stage.Name, stage.ErrorMessage)))
			if err := m.store.Write(state); err != nil {
				log.Error().Err(err).Msg("failed to persist failed state")
			}
			// the engine made a rollout-level decision, nothing to retry
			return models.RolloutFailed, true, ErrRolloutFailed
		}
	}

	switch {
	case details.Status == models.RolloutCompleted && len(state.PendingRegions) == 0:
		state.OverallStatus = models.RolloutCompleted
		m.metrics.Increment("monitor.rollout_completed")
		m.notifier.Notify(ctx, m.event(state, models.EventRolloutCompleted, "rollout completed"))
		if err := m.store.Write(state); err != nil {
			log.Error().Err(err).Msg("failed to persist completed state")
		}
		return models.RolloutCompleted, true, nil

	case details.Status == models.RolloutCancelled:
		state.OverallStatus = models.RolloutCancelled
		m.metrics.Increment("monitor.rollout_cancelled")
		m.notifier.Notify(ctx, m.event(state, models.EventRolloutCancelled, "rollout cancelled"))
		if err := m.store.Write(state); err != nil {
			log.Error().Err(err).Msg("failed to persist cancelled state")
		}
		return models.RolloutCancelled, true, nil

	case details.Status == models.RolloutFailed:
		state.OverallStatus = models.RolloutFailed
		state.AppendError(state.CurrentStage, "EngineReportedFailure", "engine reports rollout failed")
		m.notifier.Notify(ctx, m.event(state, models.EventRolloutFailed, "rollout failed"))
		if err := m.store.Write(state); err != nil {
			log.Error().Err(err).Msg("failed to persist failed state")
		}
		return models.RolloutFailed, true, ErrRolloutFailed
	}

	return models.RolloutInProgress, false, nil
}

// runStageGate executes the stress test for a freshly completed stage.
// Returns halt=true when the gate failed and the config says a failed
// gate blocks the rollout.
func (m *Monitor) runStageGate(ctx context.Context, state *models.RolloutState, stage engine.StageDetail) (bool, error) {
	if m.stressCfg == nil || !m.stressCfg.Enabled || m.stress == nil {
		return false, nil
	}

	stageCfg := *m.stressCfg
	if stage.EndpointURL != "" {
		stageCfg.EndpointURL = stage.EndpointURL
	}

	result, err := m.stress.Run(ctx, &stageCfg)
	if err != nil {
		// could not run at all: recorded, treated like a gate failure
		// only in blocking mode
		state.AppendError(stage.Name, "StressTestError", err.Error())
		if !m.stressCfg.BlockOnFailure {
			log.Warn().Err(err).Msgf("stress test could not run for stage %s, advisory only", stage.Name)
			return false, nil
		}
		state.OverallStatus = models.RolloutFailed
		m.metrics.Increment("monitor.stress_gate_blocked")
		m.notifier.Notify(ctx, m.event(state, models.EventRolloutFailed,
			fmt.Sprintf("rollout halted: stress test could not run for stage %s: %v", stage.Name, err)))
		if werr := m.store.Write(state); werr != nil {
			log.Error().Err(werr).Msg("failed to persist state after stress gate failure")
		}
		return true, nil
	}

	event := m.event(state, models.EventStressTestDone,
		fmt.Sprintf("stress test for stage %s: success %.1f%%, p95 %.0fms", stage.Name, result.SuccessRatePercent, result.P95LatencyMs))
	event.StressTest = result
	m.notifier.Notify(ctx, event)

	if result.Passed {
		return false, nil
	}

	state.AppendError(stage.Name, "StressTestFailed", result.FailReason)
	if !m.stressCfg.BlockOnFailure {
		log.Warn().Msgf("stress test failed for stage %s (%s), advisory only", stage.Name, result.FailReason)
		return false, nil
	}

	state.OverallStatus = models.RolloutFailed
	m.metrics.Increment("monitor.stress_gate_blocked")
	m.notifier.Notify(ctx, m.event(state, models.EventRolloutFailed,
		fmt.Sprintf("rollout halted: stress gate failed for stage %s: %s", stage.Name, result.FailReason)))
	if err := m.store.Write(state); err != nil {
		log.Error().Err(err).Msg("failed to persist state after stress gate failure")
	}
	return true, nil
}

func (m *Monitor) event(state *models.RolloutState, eventType models.EventType, title string) models.NotificationEvent {
	return models.NotificationEvent{
		Type:            eventType,
		Title:           title,
		Status:          state.OverallStatus,
		RolloutID:       state.RolloutID,
		Service:         state.ServiceID,
		ArtifactVersion: state.ArtifactVersion,
		Regions:         append([]string{}, state.DeployedRegions...),
		Timestamp:       m.clock.Now().UTC(),
		ActionURL:       models.RolloutActionURL(m.actionBaseURL, state.RolloutID),
	}
}
