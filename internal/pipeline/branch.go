package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrGitPrecondition = errors.New("git precondition failed")

// gitRunner is swapped out in tests.
type gitRunner func(ctx context.Context, args ...string) (string, error)

func runGit(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// BranchCoordinator creates the deployment branch for a run. Branch
// names are deterministic per run:
// deploy/{environment}/{serviceId}/{timestampCompact}.
type BranchCoordinator struct {
	client     *Client
	repository string
	git        gitRunner
	now        func() time.Time
}

func NewBranchCoordinator(client *Client, repository string) *BranchCoordinator {
	return &BranchCoordinator{
		client:     client,
		repository: repository,
		git:        runGit,
		now:        time.Now,
	}
}

func BranchName(environment, serviceID string, ts time.Time) string {
	return fmt.Sprintf("deploy/%s/%s/%s", environment, serviceID, ts.UTC().Format("20060102150405"))
}

// CreateDeploymentBranch checks the local repository preconditions and
// creates the branch remotely. Precondition failures are not
// retryable: the operator has to fix the checkout, not wait it out.
func (b *BranchCoordinator) CreateDeploymentBranch(ctx context.Context, environment, serviceID string) (string, error) {
	if _, err := b.git(ctx, "rev-parse", "--git-dir"); err != nil {
		return "", fmt.Errorf("%w: not inside a git repository", ErrGitPrecondition)
	}
	remotes, err := b.git(ctx, "remote")
	if err != nil {
		return "", fmt.Errorf("%w: failed to list remotes: %v", ErrGitPrecondition, err)
	}
	if remotes == "" {
		return "", fmt.Errorf("%w: repository has no configured remote", ErrGitPrecondition)
	}

	headRef, err := b.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: failed to resolve HEAD: %v", ErrGitPrecondition, err)
	}

	branchName := BranchName(environment, serviceID, b.now())
	if err := b.client.CreateBranch(ctx, b.repository, branchName, headRef); err != nil {
		return "", err
	}
	log.Info().Msgf("created deployment branch %s from %s", branchName, headRef[:min(12, len(headRef))])
	return branchName, nil
}
