package worktree

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"crypto/rand"
)

// Config holds configuration for the worktree manager.
type Config struct {
	// BasePath is the base directory for worktree storage. Supports ~
	// expansion for the home directory. Default: ~/.taskctl/worktrees
	BasePath string `mapstructure:"base_path"`

	// BranchPrefix is the prefix used for attempt branch names.
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// DefaultBranchPrefix is used when no repository-specific prefix is provided.
const DefaultBranchPrefix = "taskctl/"

// Validate fills in defaults and returns an error if the config is invalid.
func (c *Config) Validate() error {
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if c.BasePath == "" {
		c.BasePath = "~/.taskctl/worktrees"
	}
	return nil
}

// ExpandedBasePath returns BasePath with a leading ~ expanded to the user's
// home directory.
func (c *Config) ExpandedBasePath() (string, error) {
	path := c.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// WorktreePath returns the full path for a worktree given a unique directory
// name.
func (c *Config) WorktreePath(dirName string) (string, error) {
	basePath, err := c.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(basePath, dirName), nil
}

// SanitizeForBranch converts arbitrary text into a valid git branch name
// component: lowercased, non-alphanumerics replaced with hyphens, collapsed,
// trimmed, and truncated to maxLen.
func SanitizeForBranch(title string, maxLen int) string {
	if title == "" {
		return ""
	}
	var sb strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result := regexp.MustCompile(`-+`).ReplaceAllString(sb.String(), "-")
	result = strings.Trim(result, "-")
	if len(result) > maxLen {
		result = strings.TrimRight(result[:maxLen], "-")
	}
	return result
}

// NormalizeBranchPrefix trims and falls back to the default prefix.
func NormalizeBranchPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return DefaultBranchPrefix
	}
	return trimmed
}

const branchSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// SmallSuffix returns a random lowercase-alphanumeric suffix capped at 3
// characters, used to disambiguate branch/directory names for attempts
// against the same task.
func SmallSuffix(maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if maxLen > 3 {
		maxLen = 3
	}
	buf := make([]byte, maxLen)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("x", maxLen)
	}
	for i := range buf {
		buf[i] = branchSuffixAlphabet[int(buf[i])%len(branchSuffixAlphabet)]
	}
	return string(buf)
}

// WorktreeDirName derives a unique filesystem directory name for an attempt.
func WorktreeDirName(taskID, attemptID string) string {
	suffix := attemptID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return taskID + "_" + suffix
}

// BranchName derives the attempt branch name: {prefix}{sanitized-task-id}-{suffix}.
func BranchName(prefix, taskID, attemptID string) string {
	suffix := attemptID
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	return NormalizeBranchPrefix(prefix) + SanitizeForBranch(taskID, 20) + "-" + suffix
}
