package vcs

import (
	"regexp"
	"strings"
)

// sshRemote matches "git@host:owner/repo(.git)?" and the less common
// "ssh://git@host/owner/repo(.git)?" form.
var sshRemote = regexp.MustCompile(`^(?:ssh://)?git@([^:/]+)[:/]([^/]+)/(.+?)(?:\.git)?$`)

// httpsRemote matches "https://host/owner/repo(.git)?", tolerating an
// embedded userinfo segment (e.g. an HTTPS PAT remote).
var httpsRemote = regexp.MustCompile(`^https?://(?:[^@/]+@)?([^/]+)/([^/]+)/(.+?)(?:\.git)?/?$`)

// ParseRemote parses a git remote URL, in either SSH or HTTPS form, into a
// RepoInfo. The provider is inferred from the host; unrecognized hosts are
// reported as ProviderOther (reachable, self-hosted or unfamiliar host) while
// a remote that does not match any known shape is ProviderUnknown.
func ParseRemote(remote string) RepoInfo {
	remote = strings.TrimSpace(remote)

	if m := sshRemote.FindStringSubmatch(remote); m != nil {
		return RepoInfo{Provider: providerForHost(m[1]), Host: m[1], Owner: m[2], Name: m[3]}
	}
	if m := httpsRemote.FindStringSubmatch(remote); m != nil {
		return RepoInfo{Provider: providerForHost(m[1]), Host: m[1], Owner: m[2], Name: m[3]}
	}
	return RepoInfo{Provider: ProviderUnknown}
}

func providerForHost(host string) RepoProvider {
	host = strings.ToLower(host)
	switch {
	case host == "github.com" || strings.HasSuffix(host, ".github.com"):
		return ProviderGitHub
	case host == "gitlab.com" || strings.Contains(host, "gitlab"):
		return ProviderGitLab
	case host == "bitbucket.org" || strings.Contains(host, "bitbucket"):
		return ProviderBitbucket
	case strings.Contains(host, "dev.azure.com") || strings.Contains(host, "visualstudio.com"):
		return ProviderAzureDevOps
	case strings.Contains(host, "forgejo") || strings.Contains(host, "codeberg"):
		return ProviderForgejo
	default:
		return ProviderOther
	}
}
