package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/exo-hmi/hmi/internal/auth"
)

// Outcomes recorded in Entry.Outcome.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeRefused = "REFUSED"
	OutcomeError   = "ERROR"
)

// Entry represents a single audit log entry.
type Entry struct {
	Timestamp time.Time              `json:"ts"`
	User      string                 `json:"user"`
	Device    string                 `json:"device"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params"`
	Outcome   string                 `json:"outcome"`
	Code      string                 `json:"code"`
	LatencyMS float64                `json:"latencyMs"`
}

// Options configures rotation.
type Options struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger appends audit entries to a rotated JSONL file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      io.WriteCloser
}

// NewLogger opens (or creates) the audit log at path.
func NewLogger(path string, opts Options) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Fail early on an unwritable path; lumberjack would only report it on
	// the first write.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	_ = f.Close()

	return &Logger{
		filePath: path,
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		},
	}, nil
}

// NewWriterLogger logs to an arbitrary writer, for tests and stdout.
func NewWriterLogger(w io.WriteCloser) *Logger {
	return &Logger{out: w}
}

// LogCommand records one command attempt. A nil err is a success;
// refused marks errors that were a deliberate rejection rather than a
// failure.
func (l *Logger) LogCommand(ctx context.Context, action, device string, params map[string]interface{}, err error, refused bool, latency time.Duration) {
	outcome := OutcomeSuccess
	switch {
	case err != nil && refused:
		outcome = OutcomeRefused
	case err != nil:
		outcome = OutcomeError
	}

	if params == nil {
		params = map[string]interface{}{}
	}

	l.writeEntry(Entry{
		Timestamp: time.Now().UTC(),
		User:      userFromContext(ctx),
		Device:    device,
		Action:    action,
		Params:    params,
		Outcome:   outcome,
		Code:      CodeOf(err),
		LatencyMS: float64(latency.Microseconds()) / 1000,
	})
}

// writeEntry writes an audit entry to the log.
func (l *Logger) writeEntry(entry Entry) {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal audit entry: %v\n", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return
	}
	if _, err := l.out.Write(append(jsonData, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write audit entry: %v\n", err)
	}
}

// userFromContext returns the token subject set by the auth middleware.
func userFromContext(ctx context.Context) string {
	if claims, ok := auth.ClaimsFromContext(ctx); ok && claims.Subject != "" {
		return claims.Subject
	}
	return "unknown"
}

var codePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// CodeOf returns the innermost sentinel code of err ("SUCCESS" for nil,
// "ERROR" when the chain carries no code).
func CodeOf(err error) string {
	if err == nil {
		return "SUCCESS"
	}
	code := "ERROR"
	for e := err; e != nil; e = errors.Unwrap(e) {
		if codePattern.MatchString(e.Error()) {
			code = e.Error()
		}
	}
	return code
}

// Close closes the audit log.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out != nil {
		err := l.out.Close()
		l.out = nil
		return err
	}
	return nil
}

// GetFilePath returns the path to the audit log file.
func (l *Logger) GetFilePath() string {
	return l.filePath
}

// Rotate starts a new file, keeping the old one as a timestamped backup.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lj, ok := l.out.(*lumberjack.Logger); ok {
		return lj.Rotate()
	}
	return nil
}
