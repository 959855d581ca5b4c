// Package engine wraps the remote rollout engine operations behind
// typed requests and responses. Transport, retries and error
// classification live in apiclient; nothing here special-cases them.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/deploy-sentinel/internal/models"
)

type Caller interface {
	Invoke(ctx context.Context, operation string, params any) (json.RawMessage, error)
}

type Client struct {
	api Caller

	bestPracticesOnce sync.Once
}

func NewClient(api Caller) *Client {
	return &Client{api: api}
}

type StageDetail struct {
	Name         string             `json:"name"`
	Region       string             `json:"region"`
	Status       models.StageStatus `json:"status"`
	EndpointURL  string             `json:"endpointUrl,omitempty"`
	WaitActionID string             `json:"waitActionId,omitempty"`
	ErrorCode    string             `json:"errorCode,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
}

type RolloutDetails struct {
	RolloutID models.RolloutID     `json:"rolloutId"`
	Status    models.RolloutStatus `json:"status"`
	Stages    []StageDetail        `json:"stages"`
}

type StartRolloutRequest struct {
	ServiceGroupName string `json:"serviceGroupName"`
	ServiceID        string `json:"serviceId"`
	StageMapName     string `json:"stageMapName"`
	Environment      string `json:"environment"`
	ArtifactVersion  string `json:"artifactVersion"`
	StageMapVersion  string `json:"stageMapVersion"`
	ScopeSelector    string `json:"scopeSelector,omitempty"`
}

// EnsureBestPractices fetches the engine's best-practices document once
// per process before the first mutating call. The result is advisory:
// failure is logged and the rollout proceeds.
func (c *Client) EnsureBestPractices(ctx context.Context) {
	c.bestPracticesOnce.Do(func() {
		raw, err := c.api.Invoke(ctx, "best-practices", nil)
		if err != nil {
			log.Warn().Err(err).Msg("best-practices fetch failed, proceeding without it")
			return
		}
		var doc struct {
			Title string   `json:"title"`
			Notes []string `json:"notes"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			log.Warn().Err(err).Msg("best-practices response unparsable, proceeding without it")
			return
		}
		log.Info().Msgf("engine best practices: %s (%d notes)", doc.Title, len(doc.Notes))
	})
}

func (c *Client) GetArtifactVersions(ctx context.Context, serviceGroup, serviceID string) ([]string, error) {
	raw, err := c.api.Invoke(ctx, "get-artifact-versions", map[string]string{
		"serviceGroupName": serviceGroup,
		"serviceId":        serviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact versions: %w", err)
	}
	var resp struct {
		Versions []string `json:"versions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse artifact versions: %w", err)
	}
	return resp.Versions, nil
}

func (c *Client) GetStageMapVersions(ctx context.Context, serviceGroup, stageMapName string) ([]string, error) {
	raw, err := c.api.Invoke(ctx, "get-stage-map-versions", map[string]string{
		"serviceGroupName": serviceGroup,
		"stageMapName":     stageMapName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get stage map versions: %w", err)
	}
	var resp struct {
		Versions []string `json:"versions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse stage map versions: %w", err)
	}
	return resp.Versions, nil
}

func (c *Client) StartRollout(ctx context.Context, req StartRolloutRequest) (models.RolloutID, []string, error) {
	c.EnsureBestPractices(ctx)

	raw, err := c.api.Invoke(ctx, "start-rollout", req)
	if err != nil {
		return "", nil, fmt.Errorf("failed to start rollout: %w", err)
	}
	var resp struct {
		RolloutID models.RolloutID `json:"rolloutId"`
		Regions   []string         `json:"regions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", nil, fmt.Errorf("failed to parse start-rollout response: %w", err)
	}
	if resp.RolloutID == "" {
		return "", nil, fmt.Errorf("engine returned empty rollout id")
	}
	return resp.RolloutID, resp.Regions, nil
}

func (c *Client) GetRolloutDetails(ctx context.Context, rolloutID models.RolloutID) (*RolloutDetails, error) {
	raw, err := c.api.Invoke(ctx, "get-rollout-details", map[string]string{
		"rolloutId": string(rolloutID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get rollout details: %w", err)
	}
	details := RolloutDetails{}
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, fmt.Errorf("failed to parse rollout details: %w", err)
	}
	return &details, nil
}

func (c *Client) ApproveWaitAction(ctx context.Context, rolloutID models.RolloutID, waitActionID string) error {
	c.EnsureBestPractices(ctx)

	_, err := c.api.Invoke(ctx, "approve-wait-action", map[string]string{
		"rolloutId":    string(rolloutID),
		"waitActionId": waitActionID,
	})
	if err != nil {
		return fmt.Errorf("failed to approve wait action %s: %w", waitActionID, err)
	}
	return nil
}

func (c *Client) RejectWaitAction(ctx context.Context, rolloutID models.RolloutID, waitActionID string) error {
	c.EnsureBestPractices(ctx)

	_, err := c.api.Invoke(ctx, "reject-wait-action", map[string]string{
		"rolloutId":    string(rolloutID),
		"waitActionId": waitActionID,
	})
	if err != nil {
		return fmt.Errorf("failed to reject wait action %s: %w", waitActionID, err)
	}
	return nil
}

func (c *Client) CancelRollout(ctx context.Context, rolloutID models.RolloutID) error {
	c.EnsureBestPractices(ctx)

	_, err := c.api.Invoke(ctx, "cancel-rollout", map[string]string{
		"rolloutId": string(rolloutID),
	})
	if err != nil {
		return fmt.Errorf("failed to cancel rollout %s: %w", rolloutID, err)
	}
	return nil
}
