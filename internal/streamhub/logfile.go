package streamhub

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"
)

// LogMirror writes every batch pushed to a Store as one JSON line to a
// rolling log file under <workspace_dir>/.logs/<execution_id>.log, flushed
// on push_finished. A restarted HTTP layer (or a freshly-attached SSE
// subscriber after it) can still reconstruct state gaplessly by re-reading
// the file rather than the now-empty in-memory store. Durable queueing
// across a full process restart remains out of scope.
type LogMirror struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// OpenLogMirror creates (or truncates) the rolling log file for executionID
// under logsDir.
func OpenLogMirror(logsDir, executionID string) (*LogMirror, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(logsDir, executionID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &LogMirror{file: f, writer: bufio.NewWriter(f)}, nil
}

// Attach subscribes to store and mirrors every batch to the log file until
// the store finishes, at which point the file is flushed and closed.
func (m *LogMirror) Attach(store *Store) {
	sub := store.HistoryPlusStream()
	go func() {
		for msg := range sub.Messages() {
			m.writeLine(msg)
		}
		m.Close()
	}()
}

func (m *LogMirror) writeLine(line []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writer == nil {
		return
	}
	_, _ = m.writer.Write(line)
	_, _ = m.writer.Write([]byte("\n"))
}

// Close flushes and closes the underlying file. Safe to call more than once.
func (m *LogMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writer == nil {
		return nil
	}
	err := m.writer.Flush()
	closeErr := m.file.Close()
	m.writer = nil
	if err != nil {
		return err
	}
	return closeErr
}
