// Package logwatch provides per-server MCP log file writing and tailing.
//
// Each server gets its own log directory containing date-stamped files,
// one per log type (process lifecycle, requests in, responses out,
// stderr). The Manager tails those files with fsnotify and fans new
// lines out to subscribers.
package logwatch

import (
	"fmt"
	"strings"
	"time"
)

// LogType classifies a log file by its filename prefix.
type LogType string

const (
	LogTypeExec LogType = "exec"
	LogTypeIn   LogType = "in"
	LogTypeOut  LogType = "out"
	LogTypeErr  LogType = "err"
)

// timestampLayout is the line timestamp format, millisecond precision.
const timestampLayout = "2006-01-02 15:04:05.000"

// Entry is one parsed log line.
type Entry struct {
	ServerID  string    `json:"server_id"`
	Type      LogType   `json:"log_type"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is what subscribers receive. When Lagged is non-zero the
// subscriber fell behind and Lagged lines were dropped; Entry is nil.
type Event struct {
	Entry  *Entry `json:"entry,omitempty"`
	Lagged int    `json:"lagged,omitempty"`
}

// ClassifyFile maps a log filename to its log type. Returns false for
// files that are not gateway log files.
func ClassifyFile(name string) (LogType, bool) {
	if !strings.HasSuffix(name, ".log") {
		return "", false
	}
	for _, t := range []LogType{LogTypeExec, LogTypeIn, LogTypeOut, LogTypeErr} {
		if strings.HasPrefix(name, string(t)+"-") {
			return t, true
		}
	}
	return "", false
}

// fileDate extracts the date portion of a log filename such as
// "out-2025-06-01.log".
func fileDate(name string, logType LogType) string {
	name = strings.TrimPrefix(name, string(logType)+"-")
	return strings.TrimSuffix(name, ".log")
}

// FileName builds the log filename for a type and date.
func FileName(logType LogType, date time.Time) string {
	return fmt.Sprintf("%s-%s.log", logType, date.Format("2006-01-02"))
}

// FormatLine renders one log line: "2025-06-01 12:00:00.000 [INFO] msg".
func FormatLine(ts time.Time, level, message string) string {
	return fmt.Sprintf("%s [%s] %s", ts.Format(timestampLayout), strings.ToUpper(level), message)
}

// ParseLine parses a formatted log line. Returns false for lines that
// do not match the expected shape; callers drop those.
func ParseLine(line string) (time.Time, string, string, bool) {
	if len(line) < len(timestampLayout)+4 {
		return time.Time{}, "", "", false
	}

	ts, err := time.Parse(timestampLayout, line[:len(timestampLayout)])
	if err != nil {
		return time.Time{}, "", "", false
	}

	rest := line[len(timestampLayout):]
	if !strings.HasPrefix(rest, " [") {
		return time.Time{}, "", "", false
	}
	rest = rest[2:]

	end := strings.Index(rest, "]")
	if end < 1 {
		return time.Time{}, "", "", false
	}
	level := rest[:end]

	message := strings.TrimPrefix(rest[end+1:], " ")
	return ts, level, message, true
}
