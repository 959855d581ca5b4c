package models

import (
	"fmt"
	"time"
)

const StateSchemaVersion = 1

type RolloutID string

type RolloutStatus string

const (
	RolloutNotStarted RolloutStatus = "NotStarted"
	RolloutInProgress RolloutStatus = "InProgress"
	RolloutCompleted  RolloutStatus = "Completed"
	RolloutFailed     RolloutStatus = "Failed"
	RolloutCancelled  RolloutStatus = "Cancelled"
)

func (s RolloutStatus) Terminal() bool {
	switch s {
	case RolloutCompleted, RolloutFailed, RolloutCancelled:
		return true
	}
	return false
}

type StageStatus string

const (
	StagePending            StageStatus = "Pending"
	StageInProgress         StageStatus = "InProgress"
	StageCompleted          StageStatus = "Completed"
	StageFailed             StageStatus = "Failed"
	StageWaitingForApproval StageStatus = "WaitingForApproval"
)

type RolloutError struct {
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
}

// RolloutState is the single persisted entity. The on-disk form is the
// JSON serialization of this struct, owned exclusively by the process
// holding the state lock.
type RolloutState struct {
	SchemaVersion int `json:"schemaVersion"`

	RolloutID RolloutID `json:"rolloutId"`

	ServiceGroupName string `json:"serviceGroupName"`
	ServiceID        string `json:"serviceId"`
	Environment      string `json:"environment"`

	CurrentStage    string   `json:"currentStage"`
	DeployedRegions []string `json:"deployedRegions"`
	PendingRegions  []string `json:"pendingRegions"`

	OverallStatus RolloutStatus  `json:"overallStatus"`
	Errors        []RolloutError `json:"errors"`

	StartTime      time.Time `json:"startTime"`
	LastUpdateTime time.Time `json:"lastUpdateTime"`

	ArtifactVersion string `json:"artifactVersion"`
	StageMapVersion string `json:"stageMapVersion"`

	BranchName string `json:"branchName,omitempty"`
}

func NewRolloutState(serviceGroup, serviceID, environment string, regions []string) *RolloutState {
	pending := make([]string, len(regions))
	copy(pending, regions)
	now := time.Now().UTC()
	return &RolloutState{
		SchemaVersion:    StateSchemaVersion,
		ServiceGroupName: serviceGroup,
		ServiceID:        serviceID,
		Environment:      environment,
		DeployedRegions:  []string{},
		PendingRegions:   pending,
		OverallStatus:    RolloutNotStarted,
		Errors:           []RolloutError{},
		StartTime:        now,
		LastUpdateTime:   now,
	}
}

// MarkRegionDeployed moves region from pending to deployed keeping the
// two sets disjoint. Marking an already deployed region is a no-op so
// repeated polls of the same remote status converge.
func (s *RolloutState) MarkRegionDeployed(region string) bool {
	for _, dep := range s.DeployedRegions {
		if dep == region {
			return false
		}
	}
	for i, pend := range s.PendingRegions {
		if pend != region {
			continue
		}
		s.PendingRegions = append(s.PendingRegions[:i], s.PendingRegions[i+1:]...)
		s.DeployedRegions = append(s.DeployedRegions, region)
		return true
	}
	return false
}

func (s *RolloutState) AppendError(stage, code, message string) {
	s.Errors = append(s.Errors, RolloutError{
		Stage:     stage,
		Timestamp: time.Now().UTC(),
		Code:      code,
		Message:   message,
	})
}

// Validate checks the region set invariant: deployed and pending are
// disjoint and together cover exactly the full region set.
func (s *RolloutState) Validate(fullRegionSet []string) error {
	seen := make(map[string]string, len(s.DeployedRegions)+len(s.PendingRegions))
	for _, r := range s.DeployedRegions {
		seen[r] = "deployed"
	}
	for _, r := range s.PendingRegions {
		if _, ok := seen[r]; ok {
			return fmt.Errorf("region %s is both deployed and pending", r)
		}
		seen[r] = "pending"
	}
	if len(seen) != len(fullRegionSet) {
		return fmt.Errorf("region sets cover %d regions, want %d", len(seen), len(fullRegionSet))
	}
	for _, r := range fullRegionSet {
		if _, ok := seen[r]; !ok {
			return fmt.Errorf("region %s is in neither deployed nor pending", r)
		}
	}
	return nil
}
