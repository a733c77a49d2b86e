package executor

import (
	"bytes"
	"context"
	"time"

	"github.com/taskctl/taskctl/internal/procrunner"
)

// pollInterval is how often a pollingSession re-snapshots a process
// handle's stdout/stderr ring buffers looking for new, unprocessed bytes.
const pollInterval = 150 * time.Millisecond

// pollingSession drives Events() by repeatedly snapshotting a
// procrunner.ProcessHandle's buffered output, line-splitting the newly
// appeared bytes, and handing each line to a normalize func. It stops once
// the handle exits and every buffered byte has been drained.
type pollingSession struct {
	handle    *procrunner.ProcessHandle
	normalize func(line []byte, stream string) []Event
	events    chan Event
}

func newPollingSession(handle *procrunner.ProcessHandle, normalize func(line []byte, stream string) []Event) *pollingSession {
	s := &pollingSession{handle: handle, normalize: normalize, events: make(chan Event, 64)}
	go s.run()
	return s
}

func (s *pollingSession) run() {
	defer close(s.events)
	var stdoutSeen, stderrSeen int
	var stdoutRem, stderrRem []byte

	drain := func() bool {
		progressed := false
		if n, rem := s.emit(s.handle.Stdout(), stdoutSeen, stdoutRem, "stdout"); n > stdoutSeen || len(rem) != len(stdoutRem) {
			stdoutSeen, stdoutRem = n, rem
			progressed = true
		}
		if n, rem := s.emit(s.handle.Stderr(), stderrSeen, stderrRem, "stderr"); n > stderrSeen || len(rem) != len(stderrRem) {
			stderrSeen, stderrRem = n, rem
			progressed = true
		}
		return progressed
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		drain()
		status, _ := s.handle.Status()
		if status != procrunner.StatusRunning {
			drain()
			return
		}
		<-ticker.C
	}
}

// emit line-splits every chunk's data past byte offset seen, carrying a
// partial trailing line forward in rem, and returns the new total bytes
// consumed and the updated trailing remainder.
func (s *pollingSession) emit(chunks []procrunner.StreamChunk, seen int, rem []byte, stream string) (int, []byte) {
	var all []byte
	for _, c := range chunks {
		all = append(all, c.Data...)
	}
	if seen >= len(all) {
		return seen, rem
	}
	fresh := append(rem, all[seen:]...)
	lines := bytes.Split(fresh, []byte("\n"))
	for _, line := range lines[:len(lines)-1] {
		for _, evt := range s.normalize(line, stream) {
			s.events <- evt
		}
	}
	return len(all), lines[len(lines)-1]
}

func (s *pollingSession) Events() <-chan Event { return s.events }

func (s *pollingSession) Wait(ctx context.Context) error {
	return s.handle.Wait(ctx)
}

func (s *pollingSession) Kill(ctx context.Context) error {
	return s.handle.Kill(ctx, 2*time.Second)
}
