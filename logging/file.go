package logging

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrClosed is returned by writes to a closed FileLogger.
var ErrClosed = errors.New("log file closed")

// FileLogger is an append-only log file safe for concurrent use.
// It implements io.Writer so it can back the structured Logger.
type FileLogger struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{file: file}, nil
}

// Write appends p as-is. Each call is written atomically with respect to
// other writers.
func (l *FileLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	return l.file.Write(p)
}

// Log writes a timestamped formatted line.
func (l *FileLogger) Log(format string, args ...interface{}) {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	_, _ = l.Write([]byte(timestamp + " " + fmt.Sprintf(format, args...) + "\n"))
}

// Close closes the file. Subsequent writes fail with ErrClosed.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
