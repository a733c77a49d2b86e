package worktree

import "time"

// Worktree is the in-memory descriptor for a TaskAttempt's checkout. The
// authoritative copy of Path/Branch lives on store.TaskAttempt
// (WorktreePath/BranchName); this type is the Manager's working cache plus
// the fields only the Manager itself needs to track.
type Worktree struct {
	AttemptID      string
	TaskID         string
	RepositoryPath string
	Path           string
	Branch         string
	BaseBranch     string
	CreatedAt      time.Time
}

// FileChangeKind classifies one entry of a Diff result.
type FileChangeKind string

const (
	FileAdded    FileChangeKind = "added"
	FileModified FileChangeKind = "modified"
	FileDeleted  FileChangeKind = "deleted"
	FileRenamed  FileChangeKind = "renamed"
)

// DiffContentThreshold is the size, in bytes, above which a FileDiff's
// Content is omitted (treated as oversized) rather than loaded in full.
const DiffContentThreshold = 1 << 20 // 1 MiB

// FileDiff is one changed file between a TaskAttempt's base-branch common
// ancestor and its branch tip.
type FileDiff struct {
	OldPath string
	NewPath string
	Kind    FileChangeKind
	Binary  bool
	// Oversized is true when Content was omitted because the diff exceeded
	// DiffContentThreshold.
	Oversized bool
	Content   string
}
