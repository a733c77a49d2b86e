// Package dockerrun runs a command inside a container bind-mounting the
// attempt's worktree, instead of directly under the Command Runner on the
// host. No Executor Adapter variant in internal/executor calls it.
package dockerrun

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/taskctl/taskctl/internal/common/config"
	"github.com/taskctl/taskctl/internal/common/logger"
)

// RunSpec describes one containerized invocation of an adapter's command.
type RunSpec struct {
	Image      string
	Command    []string
	WorkingDir string
	// HostWorktree is bind-mounted at WorkingDir inside the container.
	HostWorktree string
	Env          []string
	Labels       map[string]string
}

// Result is a finished container run's outcome.
type Result struct {
	ExitCode int64
	Logs     []byte
}

// Runner launches adapter commands inside short-lived containers.
type Runner struct {
	cli    *client.Client
	cfg    config.DockerConfig
	logger *logger.Logger
}

// New builds a Runner from DockerConfig, negotiating the Docker API version
// against whatever daemon cfg.Host points at (or the local socket if empty).
func New(cfg config.DockerConfig, log *logger.Logger) (*Runner, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("dockerrun: create client: %w", err)
	}
	return &Runner{cli: cli, cfg: cfg, logger: log}, nil
}

// Close releases the underlying Docker client connection.
func (r *Runner) Close() error { return r.cli.Close() }

// Ping verifies the configured daemon is reachable.
func (r *Runner) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("dockerrun: ping: %w", err)
	}
	return nil
}

// Run creates a container for spec, starts it, waits for it to exit, and
// returns its exit code and combined stdout/stderr log output. The
// container is always removed afterward regardless of outcome.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (Result, error) {
	containerCfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(r.cfg.DefaultNetwork),
		Binds:       []string{spec.HostWorktree + ":" + spec.WorkingDir},
	}

	created, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("dockerrun: create container: %w", err)
	}
	defer func() {
		_ = r.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
	}()

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("dockerrun: start container: %w", err)
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return Result{}, fmt.Errorf("dockerrun: wait container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	logsReader, err := r.cli.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{}, fmt.Errorf("dockerrun: read logs: %w", err)
	}
	defer logsReader.Close()
	logs, err := io.ReadAll(logsReader)
	if err != nil {
		return Result{}, fmt.Errorf("dockerrun: drain logs: %w", err)
	}

	return Result{ExitCode: exitCode, Logs: logs}, nil
}
