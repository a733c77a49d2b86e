package vcs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNotImplemented is returned by provider stubs for hosts whose REST API
// integration is not yet built (GitLab, Bitbucket, Azure DevOps, Forgejo).
var ErrNotImplemented = errors.New("vcs: provider not implemented")

// ErrTokenInvalid is returned when a provider rejects stored credentials
// (expired or revoked token), mirroring the Worktree Manager's push()
// TokenInvalid failure mode.
var ErrTokenInvalid = errors.New("vcs: token invalid or expired")

// Provider is the capability set the PR Monitor and Execution Orchestrator
// need from a hosting service, independent of which one it talks to.
type Provider interface {
	// CheckAuth verifies stored credentials are valid for repo.
	CheckAuth(ctx context.Context, repo RepoInfo) error

	// CreatePR opens a pull/merge request from head into base.
	CreatePR(ctx context.Context, repo RepoInfo, head, base, title, body string) (*PullRequestInfo, error)

	// GetPRStatus fetches the current status of a specific PR by number.
	GetPRStatus(ctx context.Context, repo RepoInfo, number int) (*PullRequestInfo, error)

	// ListPRsForBranch finds open PRs whose head is branch.
	ListPRsForBranch(ctx context.Context, repo RepoInfo, branch string) ([]PullRequestInfo, error)

	// GetPRComments returns review comments on a PR, optionally only those
	// updated after since.
	GetPRComments(ctx context.Context, repo RepoInfo, number int, since *time.Time) ([]UnifiedPrComment, error)
}

// resolveGroup dedupes concurrent Resolve calls for the same repo+token. The
// PR Monitor ticks every repo with open attempts on its own timer, and a
// repo with several attempts in flight can trigger several Resolve calls in
// the same sweep; singleflight.Group collapses those into one provider
// build. It forgets the key the instant the in-flight call completes, so a
// later, non-overlapping sweep always resolves fresh rather than reusing a
// stale client.
var resolveGroup singleflight.Group

// Resolve returns the Provider implementation for repo.Provider. GitLab,
// Bitbucket, Azure DevOps and Forgejo resolve to a stub Provider whose
// every call returns ErrNotImplemented; ProviderUnknown/ProviderOther make
// Resolve itself return ErrNotImplemented, which the PR Monitor skips
// without logging.
func Resolve(repo RepoInfo, cfg Config) (Provider, error) {
	key := fmt.Sprintf("%s:%s:%s/%s:%s", repo.Provider, repo.Host, repo.Owner, repo.Name, cfg.Token)
	v, err, _ := resolveGroup.Do(key, func() (any, error) {
		switch repo.Provider {
		case ProviderGitHub:
			return NewGitHubProvider(cfg), nil
		case ProviderGitLab, ProviderBitbucket, ProviderAzureDevOps, ProviderForgejo:
			return newStubProvider(repo.Provider), nil
		default:
			return nil, ErrNotImplemented
		}
	})
	if err != nil {
		return nil, err
	}
	return v.(Provider), nil
}

// Config carries provider credentials and endpoint overrides, sourced from
// the per-repo stored token rather than from process-wide config.
type Config struct {
	Token   string
	BaseURL string // override for GitHub Enterprise-style self-hosted instances
}
