package vcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHubProvider implements Provider against the GitHub REST API.
type GitHubProvider struct {
	token   string
	baseURL string
	client  *http.Client
}

// NewGitHubProvider creates a GitHubProvider. An empty cfg.BaseURL targets
// github.com; set it to a GitHub Enterprise Server API root otherwise.
func NewGitHubProvider(cfg Config) *GitHubProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGitHubAPI
	}
	return &GitHubProvider{
		token:   cfg.Token,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *GitHubProvider) CheckAuth(ctx context.Context, repo RepoInfo) error {
	_, err := p.do(ctx, http.MethodGet, "/user", nil)
	return err
}

type ghPullRequest struct {
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	HTMLURL     string     `json:"html_url"`
	State       string     `json:"state"`
	Draft       bool       `json:"draft"`
	Mergeable   *bool      `json:"mergeable"`
	Merged      bool       `json:"merged"`
	Head        ghRef      `json:"head"`
	Base        ghRef      `json:"base"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	MergedAt    *time.Time `json:"merged_at"`
	ClosedAt    *time.Time `json:"closed_at"`
}

type ghRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

func convertGHPullRequest(raw ghPullRequest) PullRequestInfo {
	status := PRStatusOpen
	switch {
	case raw.Merged || raw.MergedAt != nil:
		status = PRStatusMerged
	case raw.State == "closed":
		status = PRStatusClosed
	}
	return PullRequestInfo{
		Number:     raw.Number,
		URL:        raw.HTMLURL,
		Title:      raw.Title,
		Status:     status,
		HeadBranch: raw.Head.Ref,
		HeadSHA:    raw.Head.SHA,
		BaseBranch: raw.Base.Ref,
		Draft:      raw.Draft,
		Mergeable:  raw.Mergeable,
		CreatedAt:  raw.CreatedAt,
		UpdatedAt:  raw.UpdatedAt,
		MergedAt:   raw.MergedAt,
		ClosedAt:   raw.ClosedAt,
	}
}

func (p *GitHubProvider) CreatePR(ctx context.Context, repo RepoInfo, head, base, title, body string) (*PullRequestInfo, error) {
	payload := map[string]string{"head": head, "base": base, "title": title, "body": body}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls", repo.Owner, repo.Name)
	resp, err := p.do(ctx, http.MethodPost, path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	var pr ghPullRequest
	if err := json.Unmarshal(resp, &pr); err != nil {
		return nil, fmt.Errorf("vcs: parse create-pr response: %w", err)
	}
	out := convertGHPullRequest(pr)
	return &out, nil
}

func (p *GitHubProvider) GetPRStatus(ctx context.Context, repo RepoInfo, number int) (*PullRequestInfo, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", repo.Owner, repo.Name, number)
	resp, err := p.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var pr ghPullRequest
	if err := json.Unmarshal(resp, &pr); err != nil {
		return nil, fmt.Errorf("vcs: parse pr response: %w", err)
	}
	out := convertGHPullRequest(pr)
	return &out, nil
}

func (p *GitHubProvider) ListPRsForBranch(ctx context.Context, repo RepoInfo, branch string) ([]PullRequestInfo, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls?state=open&head=%s:%s", repo.Owner, repo.Name, repo.Owner, branch)
	resp, err := p.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var prs []ghPullRequest
	if err := json.Unmarshal(resp, &prs); err != nil {
		return nil, fmt.Errorf("vcs: parse pr list: %w", err)
	}
	out := make([]PullRequestInfo, len(prs))
	for i, pr := range prs {
		out[i] = convertGHPullRequest(pr)
	}
	return out, nil
}

type ghReviewComment struct {
	ID        int64     `json:"id"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	Body      string    `json:"body"`
	Path      string    `json:"path"`
	Line      int       `json:"line"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *GitHubProvider) GetPRComments(ctx context.Context, repo RepoInfo, number int, since *time.Time) ([]UnifiedPrComment, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/comments", repo.Owner, repo.Name, number)
	if since != nil {
		path += "?since=" + since.UTC().Format(time.RFC3339)
	}
	resp, err := p.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var comments []ghReviewComment
	if err := json.Unmarshal(resp, &comments); err != nil {
		return nil, fmt.Errorf("vcs: parse pr comments: %w", err)
	}
	out := make([]UnifiedPrComment, len(comments))
	for i, c := range comments {
		out[i] = UnifiedPrComment{
			ID:        fmt.Sprintf("%d", c.ID),
			Author:    c.User.Login,
			Body:      c.Body,
			Path:      c.Path,
			Line:      c.Line,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		}
	}
	return out, nil
}

func (p *GitHubProvider) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vcs: github request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("vcs: read github response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrTokenInvalid
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vcs: github %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	return data, nil
}
