package models

import (
	"fmt"
	"strings"
	"time"
)

type EventType string

const (
	EventRolloutStarted   EventType = "rollout-started"
	EventStageCompleted   EventType = "stage-completed"
	EventApprovalRequired EventType = "approval-required"
	EventRolloutFailed    EventType = "rollout-failed"
	EventRolloutCompleted EventType = "rollout-completed"
	EventRolloutCancelled EventType = "rollout-cancelled"
	EventStressTestDone   EventType = "stress-test-results"
)

// NotificationEvent is built from RolloutState at every significant
// transition and handed to the notifier. Never persisted except as a
// fallback log line when delivery fails.
type NotificationEvent struct {
	Type            EventType         `json:"type"`
	Title           string            `json:"title"`
	Status          RolloutStatus     `json:"status"`
	RolloutID       RolloutID         `json:"rolloutId"`
	Service         string            `json:"service"`
	ArtifactVersion string            `json:"artifactVersion"`
	Regions         []string          `json:"regions"`
	Timestamp       time.Time         `json:"timestamp"`
	ActionURL       string            `json:"actionUrl,omitempty"`
	StressTest      *StressTestResult `json:"stressTestResults,omitempty"`
}

// RolloutActionURL builds the link receivers can follow to act on a
// rollout.
func RolloutActionURL(baseURL string, id RolloutID) string {
	if baseURL == "" || id == "" {
		return ""
	}
	return fmt.Sprintf("%s/rollouts/%s", strings.TrimRight(baseURL, "/"), id)
}

// StressTestResult is produced once per completed stage and consumed
// immediately for the gating decision.
type StressTestResult struct {
	EndpointURL        string  `json:"endpointUrl"`
	TotalRequests      int     `json:"totalRequests"`
	SuccessfulRequests int     `json:"successfulRequests"`
	FailedRequests     int     `json:"failedRequests"`
	SuccessRatePercent float64 `json:"successRatePercent"`
	P50LatencyMs       float64 `json:"p50LatencyMs"`
	P95LatencyMs       float64 `json:"p95LatencyMs"`
	P99LatencyMs       float64 `json:"p99LatencyMs"`
	Passed             bool    `json:"passed"`
	FailReason         string  `json:"failReason,omitempty"`
}

// ServiceInfo is rediscovered on every run and never persisted.
type ServiceInfo struct {
	ArtifactVersion string
	StageMapVersion string
	MetadataPath    string
}
