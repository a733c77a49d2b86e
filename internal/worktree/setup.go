package worktree

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/taskctl/taskctl/internal/procrunner"
)

// CopyFiles copies each whitespace-separated relative path in manifest from
// the primary repository checkout into the worktree, before setup runs.
// Missing source paths are skipped rather than failing the whole copy.
// copy_files commonly names several independent paths (lockfiles, env
// files, vendored caches); copying them fans out concurrently rather than
// serially walking the manifest one path at a time.
func (m *Manager) CopyFiles(wt *Worktree, manifest string) error {
	var g errgroup.Group
	for _, rel := range strings.Fields(manifest) {
		rel := rel
		g.Go(func() error {
			src := filepath.Join(wt.RepositoryPath, rel)
			dst := filepath.Join(wt.Path, rel)
			if _, err := os.Stat(src); os.IsNotExist(err) {
				return nil
			}
			if err := copyFile(src, dst); err != nil {
				return fmt.Errorf("worktree: copy %s: %w", rel, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// RunSetup runs an attempt's setup_script inside its worktree via the
// Command Runner and returns its handle as soon as it is spawned; the
// caller (the Execution Orchestrator) waits on it and is responsible for
// transitioning the attempt to Failed; the worktree itself is never torn
// down on setup failure so the user can inspect it.
func (m *Manager) RunSetup(ctx context.Context, runner *procrunner.Runner, wt *Worktree, script string) (*procrunner.ProcessHandle, error) {
	return m.runScript(ctx, runner, wt, script)
}

// RunCleanup runs an attempt's optional cleanup_script, mirroring RunSetup.
func (m *Manager) RunCleanup(ctx context.Context, runner *procrunner.Runner, wt *Worktree, script string) (*procrunner.ProcessHandle, error) {
	return m.runScript(ctx, runner, wt, script)
}

func (m *Manager) runScript(ctx context.Context, runner *procrunner.Runner, wt *Worktree, script string) (*procrunner.ProcessHandle, error) {
	if strings.TrimSpace(script) == "" {
		return nil, nil
	}
	return runner.Spawn(ctx, procrunner.SpawnRequest{
		Command:    script,
		WorkingDir: wt.Path,
	})
}
