// ABOUTME: Per-server log files capturing child process output and proxy traffic
// ABOUTME: One append-only log per server id under the configured log directory

package mcplog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends timestamped lines to one server's log file. It is safe for
// concurrent use; the stderr drain and the proxy both write to it.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open creates or appends to the log file for a server id under dir.
func Open(dir, serverID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	path := filepath.Join(dir, serverID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return &Writer{file: f, path: path}, nil
}

// Path returns the log file location, surfaced in start-failure results.
func (w *Writer) Path() string {
	return w.path
}

// Line appends one timestamped, stream-tagged line.
func (w *Writer) Line(stream, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	fmt.Fprintf(w.file, "%s [%s] %s\n",
		time.Now().UTC().Format(time.RFC3339), stream, text)
}

// Write implements io.Writer for streams that are piped wholesale, tagging
// each chunk as stderr.
func (w *Writer) Write(p []byte) (int, error) {
	w.Line("stderr", string(p))
	return len(p), nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
