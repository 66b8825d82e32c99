package session

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const sessionLogCap = 10 * 1024 * 1024 // 10 MiB

const truncatedMarker = "[LOG TRUNCATED]\n"

// SessionLog is the per-session plain-text log described in spec §6:
// newline-delimited `[YYYY-MM-DD HH:MM:SS.fff] LEVEL scope: message`
// lines, capped at 10 MiB. This is distinct from the process-wide
// slog output; it exists once per recording and is closed with it.
type SessionLog struct {
	mu        sync.Mutex
	file      *os.File
	written   int64
	truncated bool
}

func newSessionLog(path string) (*SessionLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("session: create log %s: %w", path, err)
	}
	return &SessionLog{file: f}, nil
}

// Write appends one formatted line. Once the 10 MiB cap is reached, a
// single truncation marker is written and all further writes for this
// session are silently dropped.
func (l *SessionLog) Write(level, scope, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil || l.truncated {
		return
	}

	line := fmt.Sprintf("[%s] %s %s: %s\n", time.Now().Format("2006-01-02 15:04:05.000"), level, scope, message)
	if l.written+int64(len(line)) > sessionLogCap {
		_, _ = l.file.WriteString(truncatedMarker)
		l.truncated = true
		return
	}

	n, err := l.file.WriteString(line)
	if err == nil {
		l.written += int64(n)
	}
}

func (l *SessionLog) Info(scope, message string)  { l.Write("INFO", scope, message) }
func (l *SessionLog) Warn(scope, message string)  { l.Write("WARN", scope, message) }
func (l *SessionLog) Error(scope, message string) { l.Write("ERROR", scope, message) }

// Close flushes and closes the underlying file.
func (l *SessionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
