package logwatch

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileLogger writes a server's MCP traffic and lifecycle events to
// date-stamped log files under <baseDir>/<serverID>/. Safe for
// concurrent use.
type FileLogger struct {
	serverID string
	dir      string
	mu       sync.Mutex
	now      func() time.Time
}

// NewFileLogger creates the server's log directory and returns a logger
// for it.
func NewFileLogger(baseDir, serverID string) (*FileLogger, error) {
	dir := filepath.Join(baseDir, serverID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
	}
	return &FileLogger{serverID: serverID, dir: dir, now: time.Now}, nil
}

// Dir returns the directory this logger writes into.
func (l *FileLogger) Dir() string {
	return l.dir
}

// Log appends one formatted line to the current date's file for the
// given log type.
func (l *FileLogger) Log(logType LogType, level, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now()
	path := filepath.Join(l.dir, FileName(logType, ts))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %q: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatLine(ts, level, message) + "\n"); err != nil {
		return fmt.Errorf("failed to write log line: %w", err)
	}
	return nil
}

// Exec logs a process lifecycle event (spawn, exit, restart).
func (l *FileLogger) Exec(level, message string) error {
	return l.Log(LogTypeExec, level, message)
}

// In logs an inbound request forwarded to the server.
func (l *FileLogger) In(message string) error {
	return l.Log(LogTypeIn, "INFO", message)
}

// Out logs an outbound response or notification from the server.
func (l *FileLogger) Out(message string) error {
	return l.Log(LogTypeOut, "INFO", message)
}

// Err logs a stderr line from the server process.
func (l *FileLogger) Err(message string) error {
	return l.Log(LogTypeErr, "WARN", message)
}

// ReadRecent reads today's log files for a server and returns the most
// recent entries across all log types, sorted by timestamp. Malformed
// lines are skipped. A missing directory yields an empty slice.
func ReadRecent(baseDir, serverID string, limit int) ([]*Entry, error) {
	dir := filepath.Join(baseDir, serverID)
	today := time.Now().Format("2006-01-02")

	var entries []*Entry
	for _, logType := range []LogType{LogTypeExec, LogTypeIn, LogTypeOut, LogTypeErr} {
		path := filepath.Join(dir, fmt.Sprintf("%s-%s.log", logType, today))
		fileEntries, err := readEntries(path, serverID, logType)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		entries = append(entries, fileEntries...)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func readEntries(path, serverID string, logType LogType) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ts, level, message, ok := ParseLine(scanner.Text())
		if !ok {
			continue
		}
		entries = append(entries, &Entry{
			ServerID:  serverID,
			Type:      logType,
			Level:     level,
			Message:   message,
			Timestamp: ts,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file %q: %w", path, err)
	}
	return entries, nil
}
