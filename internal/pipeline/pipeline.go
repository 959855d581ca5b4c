// Package pipeline talks to the source-control/pipeline system: branch
// creation tied to a rollout and optional CI pipeline runs.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
)

type Caller interface {
	Invoke(ctx context.Context, operation string, params any) (json.RawMessage, error)
}

type Client struct {
	api     Caller
	project string
}

func NewClient(api Caller, project string) *Client {
	return &Client{api: api, project: project}
}

type Pipeline struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Repository struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"defaultBranch"`
	RemoteURL     string `json:"remoteUrl"`
}

type BuildStatus struct {
	RunID  string `json:"runId"`
	State  string `json:"state"`
	Result string `json:"result,omitempty"`
}

func (c *Client) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	raw, err := c.api.Invoke(ctx, "list-pipelines", map[string]string{"project": c.project})
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	var resp struct {
		Pipelines []Pipeline `json:"pipelines"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse pipelines list: %w", err)
	}
	return resp.Pipelines, nil
}

func (c *Client) GetRepository(ctx context.Context, name string) (*Repository, error) {
	raw, err := c.api.Invoke(ctx, "get-repository", map[string]string{
		"project":    c.project,
		"repository": name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get repository %s: %w", name, err)
	}
	repo := Repository{}
	if err := json.Unmarshal(raw, &repo); err != nil {
		return nil, fmt.Errorf("failed to parse repository: %w", err)
	}
	return &repo, nil
}

func (c *Client) CreateBranch(ctx context.Context, repository, branchName, fromRef string) error {
	_, err := c.api.Invoke(ctx, "create-branch", map[string]string{
		"project":    c.project,
		"repository": repository,
		"name":       branchName,
		"fromRef":    fromRef,
	})
	if err != nil {
		return fmt.Errorf("failed to create branch %s: %w", branchName, err)
	}
	return nil
}

func (c *Client) RunPipeline(ctx context.Context, pipelineID, branchName string) (string, error) {
	raw, err := c.api.Invoke(ctx, "run-pipeline", map[string]string{
		"project":    c.project,
		"pipelineId": pipelineID,
		"branch":     branchName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to run pipeline %s: %w", pipelineID, err)
	}
	var resp struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("failed to parse run-pipeline response: %w", err)
	}
	return resp.RunID, nil
}

func (c *Client) GetBuildStatus(ctx context.Context, runID string) (*BuildStatus, error) {
	raw, err := c.api.Invoke(ctx, "get-build-status", map[string]string{
		"project": c.project,
		"runId":   runID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get build status for %s: %w", runID, err)
	}
	status := BuildStatus{}
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("failed to parse build status: %w", err)
	}
	return &status, nil
}

func (c *Client) GetBuildLogs(ctx context.Context, runID string) (string, error) {
	raw, err := c.api.Invoke(ctx, "get-build-logs", map[string]string{
		"project": c.project,
		"runId":   runID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get build logs for %s: %w", runID, err)
	}
	var resp struct {
		Logs string `json:"logs"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("failed to parse build logs: %w", err)
	}
	return resp.Logs, nil
}

func (c *Client) CancelBuild(ctx context.Context, runID string) error {
	_, err := c.api.Invoke(ctx, "cancel-build", map[string]string{
		"project": c.project,
		"runId":   runID,
	})
	if err != nil {
		return fmt.Errorf("failed to cancel build %s: %w", runID, err)
	}
	return nil
}
