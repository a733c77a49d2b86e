package vcs

import (
	"context"
	"time"
)

// stubProvider satisfies Provider for hosts whose REST integration has not
// been built yet (GitLab, Bitbucket, Azure DevOps, Forgejo), returning
// ErrNotImplemented from every call. The PR Monitor resolves these
// successfully (so a missing integration is visibly a build gap, not an
// unknown host) but every call then fails tolerantly per-attempt.
type stubProvider struct {
	kind RepoProvider
}

func newStubProvider(kind RepoProvider) *stubProvider {
	return &stubProvider{kind: kind}
}

func (s *stubProvider) CheckAuth(ctx context.Context, repo RepoInfo) error {
	return ErrNotImplemented
}

func (s *stubProvider) CreatePR(ctx context.Context, repo RepoInfo, head, base, title, body string) (*PullRequestInfo, error) {
	return nil, ErrNotImplemented
}

func (s *stubProvider) GetPRStatus(ctx context.Context, repo RepoInfo, number int) (*PullRequestInfo, error) {
	return nil, ErrNotImplemented
}

func (s *stubProvider) ListPRsForBranch(ctx context.Context, repo RepoInfo, branch string) ([]PullRequestInfo, error) {
	return nil, ErrNotImplemented
}

func (s *stubProvider) GetPRComments(ctx context.Context, repo RepoInfo, number int, since *time.Time) ([]UnifiedPrComment, error) {
	return nil, ErrNotImplemented
}
