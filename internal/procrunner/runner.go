// Package procrunner spawns external commands under process-group isolation
// and captures their stdout/stderr into bounded ring buffers, independent of
// whether anyone is currently reading them.
package procrunner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskctl/taskctl/internal/common/logger"
)

// DefaultBufferBytes is the per-stream ring buffer cap used when a caller
// does not supply one.
const DefaultBufferBytes = 2 * 1024 * 1024

// SpawnError wraps a failure to start a process, before any PID exists.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("procrunner: spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Status is the lifecycle state of a spawned process.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusFailed  Status = "failed"
	StatusKilled  Status = "killed"
)

// SpawnRequest describes a command to run.
type SpawnRequest struct {
	Command     string            // passed to "sh -lc"
	WorkingDir  string            // defaults to the runner process's cwd
	Env         map[string]string // merged over the parent environment
	BufferBytes int64             // per-stream ring buffer cap; <=0 uses DefaultBufferBytes
}

// StreamChunk is one read of output from a process's stdout or stderr.
type StreamChunk struct {
	Stream    string // "stdout" or "stderr"
	Data      []byte
	Timestamp time.Time
}

// ringBuffer is a memory-bounded FIFO of StreamChunks, evicting the oldest
// chunks once the total buffered size exceeds maxBytes.
type ringBuffer struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	chunks   []StreamChunk
}

func newRingBuffer(maxBytes int64) *ringBuffer {
	if maxBytes <= 0 {
		maxBytes = DefaultBufferBytes
	}
	return &ringBuffer{maxBytes: maxBytes}
}

func (b *ringBuffer) append(c StreamChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, c)
	b.size += int64(len(c.Data))
	for b.size > b.maxBytes && len(b.chunks) > 0 {
		b.size -= int64(len(b.chunks[0].Data))
		b.chunks = b.chunks[1:]
	}
}

func (b *ringBuffer) snapshot() []StreamChunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StreamChunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// ProcessHandle is a live or completed spawned process.
type ProcessHandle struct {
	ID         string
	Command    string
	WorkingDir string
	StartedAt  time.Time

	cmd        *exec.Cmd
	stdout     *ringBuffer
	stderr     *ringBuffer
	log        *logger.Logger
	killOnce   sync.Once
	doneCh     chan struct{}
	killSignal chan struct{}
	pumpsDone  sync.WaitGroup

	mu       sync.Mutex
	status   Status
	exitCode *int
	waitErr  error
}

// Pid returns the OS process id, or 0 if the process failed to start.
func (h *ProcessHandle) Pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Stdout returns a snapshot of buffered stdout chunks captured so far.
func (h *ProcessHandle) Stdout() []StreamChunk { return h.stdout.snapshot() }

// Stderr returns a snapshot of buffered stderr chunks captured so far.
func (h *ProcessHandle) Stderr() []StreamChunk { return h.stderr.snapshot() }

// Status returns the process's current lifecycle state and, once it has
// exited, its exit code.
func (h *ProcessHandle) Status() (Status, *int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.exitCode
}

// Wait blocks until the process exits or ctx is cancelled, whichever comes
// first. A context cancellation does not kill the process; call Kill for
// that.
func (h *ProcessHandle) Wait(ctx context.Context) error {
	select {
	case <-h.doneCh:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill terminates the process group, escalating from SIGTERM to SIGKILL
// after grace if the process has not exited by then. Tolerant: killing an
// already-exited process is a no-op, not an error.
func (h *ProcessHandle) Kill(ctx context.Context, grace time.Duration) error {
	h.killOnce.Do(func() { close(h.killSignal) })
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	if err := killProcessGroup(h.cmd.Process.Pid, false); err != nil {
		return nil //nolint:nilerr // best-effort: process may have already exited
	}
	if grace <= 0 {
		grace = 2 * time.Second
	}
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		_ = killProcessGroup(h.cmd.Process.Pid, true)
		return nil
	case <-time.After(grace):
		_ = killProcessGroup(h.cmd.Process.Pid, true)
		return nil
	}
}

// Runner spawns and tracks processes.
type Runner struct {
	log               *logger.Logger
	defaultBufferSize int64

	mu    sync.Mutex
	procs map[string]*ProcessHandle
}

// New creates a Runner. defaultBufferSize <= 0 uses DefaultBufferBytes.
func New(log *logger.Logger, defaultBufferSize int64) *Runner {
	return &Runner{
		log:               log.WithFields(zap.String("component", "procrunner")),
		defaultBufferSize: defaultBufferSize,
		procs:             make(map[string]*ProcessHandle),
	}
}

// Spawn starts a command under a fresh process group and returns immediately;
// output streaming and exit detection run in background goroutines.
func (r *Runner) Spawn(ctx context.Context, req SpawnRequest) (*ProcessHandle, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, &SpawnError{Command: req.Command, Err: errors.New("command is required")}
	}

	cmd := exec.Command("sh", "-lc", req.Command)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.Env = mergeEnv(req.Env)
	setProcessGroup(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: req.Command, Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: req.Command, Err: err}
	}

	bufBytes := req.BufferBytes
	if bufBytes <= 0 {
		bufBytes = r.defaultBufferSize
	}
	if bufBytes <= 0 {
		bufBytes = DefaultBufferBytes
	}

	handle := &ProcessHandle{
		ID:         uuid.New().String(),
		Command:    req.Command,
		WorkingDir: req.WorkingDir,
		StartedAt:  time.Now().UTC(),
		cmd:        cmd,
		stdout:     newRingBuffer(bufBytes),
		stderr:     newRingBuffer(bufBytes),
		log:        r.log,
		status:     StatusRunning,
		doneCh:     make(chan struct{}),
		killSignal: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: req.Command, Err: err}
	}

	r.mu.Lock()
	r.procs[handle.ID] = handle
	r.mu.Unlock()

	r.log.Debug("process spawned",
		zap.String("process_id", handle.ID),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("working_dir", req.WorkingDir),
	)

	handle.pumpsDone.Add(2)
	go r.pump(handle, stdoutPipe, "stdout")
	go r.pump(handle, stderrPipe, "stderr")
	go r.awaitExit(handle)

	return handle, nil
}

func (r *Runner) pump(h *ProcessHandle, reader io.ReadCloser, stream string) {
	defer h.pumpsDone.Done()
	defer func() { _ = reader.Close() }()
	br := bufio.NewReader(reader)
	buf := make([]byte, 4096)
	target := h.stdout
	if stream == "stderr" {
		target = h.stderr
	}
	for {
		select {
		case <-h.killSignal:
			return
		default:
		}
		n, err := br.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			target.append(StreamChunk{Stream: stream, Data: chunk, Timestamp: time.Now().UTC()})
		}
		if err != nil {
			if err != io.EOF {
				h.log.Debug("stream read error", zap.String("stream", stream), zap.Error(err))
			}
			return
		}
	}
}

func (r *Runner) awaitExit(h *ProcessHandle) {
	err := h.cmd.Wait()

	// Wait for both pumps to drain their pipes to EOF before publishing the
	// exit status, so a caller who sees Exited is guaranteed the full
	// captured output is already in the ring buffers.
	h.pumpsDone.Wait()

	h.mu.Lock()
	code := exitCodeOf(err)
	h.exitCode = &code
	h.waitErr = err
	switch {
	case err == nil:
		h.status = StatusExited
	case isKillSignalErr(err):
		h.status = StatusKilled
	default:
		h.status = StatusFailed
	}
	status := h.status
	h.mu.Unlock()

	h.log.Debug("process exited",
		zap.String("process_id", h.ID),
		zap.String("status", string(status)),
		zap.Int("exit_code", code),
	)

	close(h.doneCh)

	r.mu.Lock()
	delete(r.procs, h.ID)
	r.mu.Unlock()
}

// Get returns a tracked (still-running, not-yet-reaped) process handle.
func (r *Runner) Get(id string) (*ProcessHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.procs[id]
	return h, ok
}

// KillAll terminates every tracked process, joining any errors encountered.
func (r *Runner) KillAll(ctx context.Context, grace time.Duration) error {
	r.mu.Lock()
	handles := make([]*ProcessHandle, 0, len(r.procs))
	for _, h := range r.procs {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Kill(ctx, grace); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func mergeEnv(env map[string]string) []string {
	base := make(map[string]string, len(os.Environ())+len(env))
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}
	for k, v := range env {
		base[k] = v
	}
	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, k+"="+v)
	}
	return merged
}
