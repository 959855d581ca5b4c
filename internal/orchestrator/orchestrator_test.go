package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sh00ty/deploy-sentinel/internal/config"
	"github.com/Sh00ty/deploy-sentinel/internal/engine"
	"github.com/Sh00ty/deploy-sentinel/internal/metrics"
	"github.com/Sh00ty/deploy-sentinel/internal/models"
	"github.com/Sh00ty/deploy-sentinel/internal/statestore"
)

type fakeEngine struct {
	details      []*engine.RolloutDetails
	detailCalls  int
	startCalls   int
	cancelCalls  int
	approveCalls []string
	rejectCalls  []string
	regions      []string
	startErr     error
}

func (e *fakeEngine) GetRolloutDetails(ctx context.Context, rolloutID models.RolloutID) (*engine.RolloutDetails, error) {
	idx := e.detailCalls
	if idx >= len(e.details) {
		idx = len(e.details) - 1
	}
	e.detailCalls++
	return e.details[idx], nil
}

func (e *fakeEngine) GetArtifactVersions(ctx context.Context, serviceGroup, serviceID string) ([]string, error) {
	return []string{"1.4.2", "1.4.1"}, nil
}

func (e *fakeEngine) GetStageMapVersions(ctx context.Context, serviceGroup, stageMapName string) ([]string, error) {
	return []string{"v7"}, nil
}

func (e *fakeEngine) StartRollout(ctx context.Context, req engine.StartRolloutRequest) (models.RolloutID, []string, error) {
	e.startCalls++
	if e.startErr != nil {
		return "", nil, e.startErr
	}
	return "ro-42", e.regions, nil
}

func (e *fakeEngine) ApproveWaitAction(ctx context.Context, rolloutID models.RolloutID, waitActionID string) error {
	e.approveCalls = append(e.approveCalls, waitActionID)
	return nil
}

func (e *fakeEngine) RejectWaitAction(ctx context.Context, rolloutID models.RolloutID, waitActionID string) error {
	e.rejectCalls = append(e.rejectCalls, waitActionID)
	return nil
}

func (e *fakeEngine) CancelRollout(ctx context.Context, rolloutID models.RolloutID) error {
	e.cancelCalls++
	return nil
}

type fakeStress struct {
	runs int
}

func (s *fakeStress) Run(ctx context.Context, cfg *config.StressTestConfig) (*models.StressTestResult, error) {
	s.runs++
	return &models.StressTestResult{SuccessRatePercent: 100, P95LatencyMs: 50, Passed: true}, nil
}

type fakeNotifier struct {
	events []models.NotificationEvent
}

func (n *fakeNotifier) Notify(ctx context.Context, event models.NotificationEvent) bool {
	n.events = append(n.events, event)
	return true
}

type fakeBranches struct {
	created int
	err     error
}

func (b *fakeBranches) CreateDeploymentBranch(ctx context.Context, environment, serviceID string) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	b.created++
	return fmt.Sprintf("deploy/%s/%s/20250601120000", environment, serviceID), nil
}

type fakePipeline struct {
	runs int
	err  error
}

func (p *fakePipeline) RunPipeline(ctx context.Context, pipelineID, branchName string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.runs++
	return "run-1", nil
}

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

func (instantClock) Sleep(ctx context.Context, d time.Duration) error { return nil }

func testConfig(dir string) *config.DeploymentConfig {
	return &config.DeploymentConfig{
		ServiceGroupName: "sg-payments",
		ServiceID:        "checkout",
		StageMapName:     "global-safe",
		Environment:      "prod",
		EngineBaseURL:    "http://engine",
		StateFilePath:    filepath.Join(dir, "state.json"),
		PollingInterval:  30 * time.Second,
		MaxRetries:       3,
		StressTest: &config.StressTestConfig{
			Enabled:           true,
			EndpointURL:       "http://probe",
			RequestCount:      10,
			Timeout:           time.Second,
			Concurrency:       2,
			MinSuccessRatePct: 95,
			MaxP95LatencyMs:   500,
		},
	}
}

func completingEngine() *fakeEngine {
	return &fakeEngine{
		regions: []string{"eus2", "wus3"},
		details: []*engine.RolloutDetails{
			{RolloutID: "ro-42", Status: models.RolloutInProgress, Stages: []engine.StageDetail{
				{Name: "stage-1", Region: "eus2", Status: models.StageCompleted},
				{Name: "stage-2", Region: "wus3", Status: models.StageInProgress},
			}},
			{RolloutID: "ro-42", Status: models.RolloutCompleted, Stages: []engine.StageDetail{
				{Name: "stage-1", Region: "eus2", Status: models.StageCompleted},
				{Name: "stage-2", Region: "wus3", Status: models.StageCompleted},
			}},
		},
	}
}

func newTestOrchestrator(cfg *config.DeploymentConfig, eng EngineAPI, stress *fakeStress) (*Orchestrator, *fakeNotifier, *statestore.Store) {
	notifier := &fakeNotifier{}
	store := statestore.New(cfg.StateFilePath)
	orch := New(cfg, eng, nil, nil, stress, notifier, store, nil, instantClock{}, metrics.Noop{})
	return orch, notifier, store
}

func TestFullRunTwoRegionsCompletes(t *testing.T) {
	cfg := testConfig(t.TempDir())
	eng := completingEngine()
	stress := &fakeStress{}
	orch, notifier, store := newTestOrchestrator(cfg, eng, stress)

	code, err := orch.Run(context.Background(), Options{Action: ActionFull})
	if err != nil {
		t.Fatal(err)
	}
	if code != ExitSuccess {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if eng.startCalls != 1 {
		t.Fatalf("start calls = %d, want 1", eng.startCalls)
	}
	if stress.runs != 2 {
		t.Fatalf("stress runs = %d, want 2", stress.runs)
	}

	// completed state file is cleaned up, lock released
	if state, err := store.Read(); err != nil || state != nil {
		t.Fatalf("state file should be removed after completion, got %v / %v", state, err)
	}
	if _, err := os.Stat(cfg.StateFilePath + ".lock"); !os.IsNotExist(err) {
		t.Fatalf("lock should be released, stat err = %v", err)
	}

	started, completed := 0, 0
	for _, ev := range notifier.events {
		if ev.ActionURL != "http://engine/rollouts/ro-42" {
			t.Fatalf("%s event action url = %q", ev.Type, ev.ActionURL)
		}
		switch ev.Type {
		case models.EventRolloutStarted:
			started++
		case models.EventRolloutCompleted:
			completed++
		}
	}
	if started != 1 || completed != 1 {
		t.Fatalf("events started=%d completed=%d, want 1/1", started, completed)
	}
}

func TestStressTestActionHeldBehindLock(t *testing.T) {
	cfg := testConfig(t.TempDir())
	lock, err := statestore.AcquireLock(cfg.StateFilePath+".lock", false)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	stress := &fakeStress{}
	orch, _, _ := newTestOrchestrator(cfg, completingEngine(), stress)
	_, err = orch.Run(context.Background(), Options{Action: ActionStressTest})
	if !errors.Is(err, statestore.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if stress.runs != 0 {
		t.Fatalf("stress must not run while the lock is held, ran %d times", stress.runs)
	}
}

func TestStressTestActionReleasesLock(t *testing.T) {
	cfg := testConfig(t.TempDir())
	stress := &fakeStress{}
	orch, _, _ := newTestOrchestrator(cfg, completingEngine(), stress)

	code, err := orch.Run(context.Background(), Options{Action: ActionStressTest})
	if err != nil {
		t.Fatal(err)
	}
	if code != ExitSuccess {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if stress.runs != 1 {
		t.Fatalf("stress runs = %d, want 1", stress.runs)
	}

	lock, err := statestore.AcquireLock(cfg.StateFilePath+".lock", false)
	if err != nil {
		t.Fatalf("lock should be free after the run: %v", err)
	}
	lock.Release()
}

func TestFullRunStageFailureExitsOne(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.StressTest = nil
	eng := &fakeEngine{
		regions: []string{"eus2"},
		details: []*engine.RolloutDetails{
			{RolloutID: "ro-42", Status: models.RolloutInProgress, Stages: []engine.StageDetail{
				{Name: "stage-1", Region: "eus2", Status: models.StageFailed, ErrorCode: "Crashloop", ErrorMessage: "pods restarting"},
			}},
		},
	}
	orch, _, store := newTestOrchestrator(cfg, eng, nil)

	code, err := orch.Run(context.Background(), Options{Action: ActionFull})
	if err != nil {
		t.Fatalf("rollout failure is a clean exit, got err %v", err)
	}
	if code != ExitRolloutFailed {
		t.Fatalf("exit code = %d, want 1", code)
	}

	// failed state is kept for inspection
	state, err := store.Read()
	if err != nil {
		t.Fatal(err)
	}
	if state == nil || state.OverallStatus != models.RolloutFailed {
		t.Fatalf("failed state should be kept, got %+v", state)
	}
}

func TestCancelledRolloutExitsTwo(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.StressTest = nil
	eng := &fakeEngine{
		regions: []string{"eus2"},
		details: []*engine.RolloutDetails{
			{RolloutID: "ro-42", Status: models.RolloutCancelled},
		},
	}
	orch, _, _ := newTestOrchestrator(cfg, eng, nil)

	code, err := orch.Run(context.Background(), Options{Action: ActionFull})
	if err != nil {
		t.Fatal(err)
	}
	if code != ExitNonSuccess {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestTriggerResumesExistingInProgressRollout(t *testing.T) {
	cfg := testConfig(t.TempDir())
	store := statestore.New(cfg.StateFilePath)
	existing := models.NewRolloutState(cfg.ServiceGroupName, cfg.ServiceID, cfg.Environment, []string{"eus2"})
	existing.RolloutID = "ro-old"
	existing.OverallStatus = models.RolloutInProgress
	if err := store.Write(existing); err != nil {
		t.Fatal(err)
	}

	eng := completingEngine()
	orch, _, _ := newTestOrchestrator(cfg, eng, &fakeStress{})

	code, err := orch.Run(context.Background(), Options{Action: ActionTrigger})
	if err != nil {
		t.Fatal(err)
	}
	if code != ExitSuccess {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if eng.startCalls != 0 {
		t.Fatalf("must not re-trigger over an in-progress rollout, start calls = %d", eng.startCalls)
	}
}

func TestMonitorResumesByExplicitRolloutID(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.StressTest = nil
	eng := &fakeEngine{
		details: []*engine.RolloutDetails{
			{RolloutID: "ro-7", Status: models.RolloutInProgress, Stages: []engine.StageDetail{
				{Name: "stage-1", Region: "eus2", Status: models.StageCompleted},
				{Name: "stage-2", Region: "wus3", Status: models.StageInProgress},
			}},
			{RolloutID: "ro-7", Status: models.RolloutCompleted, Stages: []engine.StageDetail{
				{Name: "stage-1", Region: "eus2", Status: models.StageCompleted},
				{Name: "stage-2", Region: "wus3", Status: models.StageCompleted},
			}},
		},
	}
	orch, _, _ := newTestOrchestrator(cfg, eng, nil)

	code, err := orch.Run(context.Background(), Options{Action: ActionMonitor, RolloutID: "ro-7"})
	if err != nil {
		t.Fatal(err)
	}
	if code != ExitSuccess {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if eng.startCalls != 0 {
		t.Fatalf("resume must not start a rollout, start calls = %d", eng.startCalls)
	}
}

func TestMonitorCorruptStateSuggestsExplicitID(t *testing.T) {
	cfg := testConfig(t.TempDir())
	if err := os.WriteFile(cfg.StateFilePath, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	orch, _, _ := newTestOrchestrator(cfg, completingEngine(), nil)

	code, err := orch.Run(context.Background(), Options{Action: ActionMonitor})
	if !errors.Is(err, statestore.ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
	if code != ExitNonSuccess {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestLockConflictFailsFast(t *testing.T) {
	cfg := testConfig(t.TempDir())
	lock, err := statestore.AcquireLock(cfg.StateFilePath+".lock", false)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	orch, _, _ := newTestOrchestrator(cfg, completingEngine(), &fakeStress{})
	_, err = orch.Run(context.Background(), Options{Action: ActionFull})
	if !errors.Is(err, statestore.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
}

func TestCriticalPipelineFailureAborts(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Pipeline = &config.PipelineConfig{Enabled: true, Project: "proj", PipelineID: "pl-1", Critical: true}
	eng := completingEngine()
	notifier := &fakeNotifier{}
	store := statestore.New(cfg.StateFilePath)
	failing := &fakePipeline{err: errors.New("pipeline service down")}
	orch := New(cfg, eng, nil, failing, &fakeStress{}, notifier, store, nil, instantClock{}, metrics.Noop{})

	_, err := orch.Run(context.Background(), Options{Action: ActionFull})
	if err == nil {
		t.Fatal("critical pipeline failure must abort")
	}
	if eng.startCalls != 0 {
		t.Fatalf("rollout must not start after critical pipeline failure, start calls = %d", eng.startCalls)
	}
}

func TestNonCriticalPipelineFailureContinues(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.StressTest = nil
	cfg.Pipeline = &config.PipelineConfig{Enabled: true, Project: "proj", PipelineID: "pl-1", Critical: false}
	eng := completingEngine()
	notifier := &fakeNotifier{}
	store := statestore.New(cfg.StateFilePath)
	failing := &fakePipeline{err: errors.New("pipeline service down")}
	orch := New(cfg, eng, nil, failing, nil, notifier, store, nil, instantClock{}, metrics.Noop{})

	code, err := orch.Run(context.Background(), Options{Action: ActionFull})
	if err != nil {
		t.Fatal(err)
	}
	if code != ExitSuccess {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if eng.startCalls != 1 {
		t.Fatalf("rollout should start despite non-critical pipeline failure, start calls = %d", eng.startCalls)
	}
}

func TestBranchCreationRecordedInState(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.StressTest = nil
	cfg.Pipeline = &config.PipelineConfig{Enabled: false, CreateBranch: true}
	eng := &fakeEngine{
		regions: []string{"eus2"},
		details: []*engine.RolloutDetails{
			{RolloutID: "ro-42", Status: models.RolloutInProgress, Stages: []engine.StageDetail{
				{Name: "stage-1", Region: "eus2", Status: models.StageInProgress},
			}},
		},
	}
	branches := &fakeBranches{}
	notifier := &fakeNotifier{}
	store := statestore.New(cfg.StateFilePath)
	orch := New(cfg, eng, branches, nil, nil, notifier, store, nil, instantClock{}, metrics.Noop{})

	code, err := orch.Run(context.Background(), Options{Action: ActionTrigger})
	if err != nil {
		t.Fatal(err)
	}
	if code != ExitSuccess {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if branches.created != 1 {
		t.Fatalf("branch creations = %d, want 1", branches.created)
	}

	state, err := store.Read()
	if err != nil {
		t.Fatal(err)
	}
	if state.BranchName == "" {
		t.Fatal("branch name missing from persisted state")
	}
}

func TestApproveWaitActionRoutedBeforeMonitoring(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.StressTest = nil
	store := statestore.New(cfg.StateFilePath)
	existing := models.NewRolloutState(cfg.ServiceGroupName, cfg.ServiceID, cfg.Environment, []string{"eus2"})
	existing.RolloutID = "ro-9"
	existing.OverallStatus = models.RolloutInProgress
	if err := store.Write(existing); err != nil {
		t.Fatal(err)
	}

	eng := &fakeEngine{
		details: []*engine.RolloutDetails{
			{RolloutID: "ro-9", Status: models.RolloutCompleted, Stages: []engine.StageDetail{
				{Name: "stage-1", Region: "eus2", Status: models.StageCompleted},
			}},
		},
	}
	notifier := &fakeNotifier{}
	orch := New(cfg, eng, nil, nil, nil, notifier, store, nil, instantClock{}, metrics.Noop{})

	code, err := orch.Run(context.Background(), Options{Action: ActionMonitor, ApproveWait: "wa-3"})
	if err != nil {
		t.Fatal(err)
	}
	if code != ExitSuccess {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if len(eng.approveCalls) != 1 || eng.approveCalls[0] != "wa-3" {
		t.Fatalf("approve calls = %v, want [wa-3]", eng.approveCalls)
	}
}
