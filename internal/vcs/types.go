// Package vcs abstracts over Git hosting providers (GitHub, GitLab,
// Bitbucket, Azure DevOps, Forgejo) behind a single provider-agnostic
// interface used by the Execution Orchestrator and PR Monitor.
package vcs

import "time"

// RepoProvider identifies which hosting service a repository remote
// resolves to.
type RepoProvider string

const (
	ProviderGitHub      RepoProvider = "github"
	ProviderGitLab      RepoProvider = "gitlab"
	ProviderBitbucket   RepoProvider = "bitbucket"
	ProviderAzureDevOps RepoProvider = "azure_devops"
	ProviderForgejo     RepoProvider = "forgejo"
	ProviderOther       RepoProvider = "other"
	ProviderUnknown     RepoProvider = "unknown"
)

// RepoInfo is a parsed remote identifying a repository hosted on a
// RepoProvider.
type RepoInfo struct {
	Provider RepoProvider
	Host     string
	Owner    string
	Name     string
}

// PullRequestStatus is the coarse-grained state of a pull/merge request.
type PullRequestStatus string

const (
	PRStatusOpen   PullRequestStatus = "open"
	PRStatusMerged PullRequestStatus = "merged"
	PRStatusClosed PullRequestStatus = "closed"
)

// PullRequestInfo is a provider-agnostic view of a pull/merge request.
type PullRequestInfo struct {
	Number     int
	URL        string
	Title      string
	Status     PullRequestStatus
	HeadBranch string
	HeadSHA    string
	BaseBranch string
	Draft      bool
	Mergeable  *bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	MergedAt   *time.Time
	ClosedAt   *time.Time
}

// UnifiedPrComment is a provider-agnostic view of one PR review comment,
// covering both top-level review comments and inline code comments.
type UnifiedPrComment struct {
	ID        string
	Author    string
	Body      string
	Path      string // empty for a top-level (non-inline) comment
	Line      int
	CreatedAt time.Time
	UpdatedAt time.Time
}
