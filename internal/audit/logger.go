// Package audit records every operator command as one JSON line per
// action, append-only, so a post-incident review can reconstruct exactly
// what the console asked the droid to do and when.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/droid-deck/console/internal/protocol"
	"github.com/droid-deck/console/internal/transport"
)

// Entry is a single audit record.
type Entry struct {
	Timestamp time.Time              `json:"ts"`
	Action    string                 `json:"action"`
	Target    string                 `json:"target,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Outcome   string                 `json:"outcome"`
	Code      string                 `json:"code"`
	LatencyMS int64                  `json:"latencyMs"`
}

// Logger appends entries to audit.jsonl under the given directory.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
}

// NewLogger opens (creating if needed) the audit log.
func NewLogger(logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	filePath := filepath.Join(logDir, "audit.jsonl")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &Logger{filePath: filePath, file: file}, nil
}

// LogAction records one command attempt. err may be nil for success.
func (l *Logger) LogAction(action, target string, params map[string]interface{}, err error, latency time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	l.write(Entry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Target:    target,
		Params:    params,
		Outcome:   outcome,
		Code:      codeFromError(err),
		LatencyMS: latency.Milliseconds(),
	})
}

func (l *Logger) write(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: marshal entry: %v\n", err)
		return
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "audit: write entry: %v\n", err)
		return
	}
	if err := l.file.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "audit: sync: %v\n", err)
	}
}

// codeFromError maps failures onto the normalized error taxonomy.
func codeFromError(err error) string {
	if err == nil {
		return "SUCCESS"
	}

	var verr *protocol.ValidationError
	if errors.As(err, &verr) {
		return "VALIDATION"
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.Code.Error()
	}
	return "INTERNAL"
}

// FilePath returns where entries are being written.
func (l *Logger) FilePath() string {
	return l.filePath
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
