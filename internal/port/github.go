package port

import (
	"context"

	"github.com/sbidoul/runboat/internal/domain"
)

// CommitState is a GitHub commit status state.
type CommitState string

const (
	CommitStatePending CommitState = "pending"
	CommitStateSuccess CommitState = "success"
	CommitStateFailure CommitState = "failure"
	CommitStateError   CommitState = "error"
)

// Forge resolves refs and reports build statuses on the hosting forge.
type Forge interface {
	// BranchHead resolves the head commit of a branch.
	BranchHead(ctx context.Context, repo, branch string) (domain.CommitInfo, error)
	// PullHead resolves the head commit and target branch of a pull request.
	PullHead(ctx context.Context, repo string, pr int) (domain.CommitInfo, error)
	// NotifyCommitStatus posts a commit status (context runboat/build).
	NotifyCommitStatus(ctx context.Context, repo, sha string, state CommitState, targetURL string) error
}
