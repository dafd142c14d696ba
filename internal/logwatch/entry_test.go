package logwatch

import (
	"testing"
	"time"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		level   string
		message string
		ok      bool
	}{
		{
			name:    "info line",
			line:    "2025-06-01 12:30:45.123 [INFO] server started",
			level:   "INFO",
			message: "server started",
			ok:      true,
		},
		{
			name:    "error line",
			line:    "2025-06-01 12:30:45.999 [ERROR] spawn failed: no such file",
			level:   "ERROR",
			message: "spawn failed: no such file",
			ok:      true,
		},
		{
			name:    "empty message",
			line:    "2025-06-01 12:30:45.000 [WARN] ",
			level:   "WARN",
			message: "",
			ok:      true,
		},
		{
			name: "missing brackets",
			line: "2025-06-01 12:30:45.123 INFO server started",
			ok:   false,
		},
		{
			name: "bad timestamp",
			line: "not-a-date 12:30:45.123 [INFO] hi",
			ok:   false,
		},
		{
			name: "too short",
			line: "short",
			ok:   false,
		},
		{
			name: "empty",
			line: "",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, level, message, ok := ParseLine(tt.line)
			if ok != tt.ok {
				t.Fatalf("Expected ok=%v, got %v", tt.ok, ok)
			}
			if !ok {
				return
			}
			if level != tt.level {
				t.Errorf("Expected level %q, got %q", tt.level, level)
			}
			if message != tt.message {
				t.Errorf("Expected message %q, got %q", tt.message, message)
			}
			if ts.IsZero() {
				t.Error("Expected non-zero timestamp")
			}
		})
	}
}

func TestFormatLineRoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 30, 45, 123000000, time.UTC)
	line := FormatLine(ts, "info", "request forwarded")

	expected := "2025-06-01 12:30:45.123 [INFO] request forwarded"
	if line != expected {
		t.Errorf("Expected %q, got %q", expected, line)
	}

	parsed, level, message, ok := ParseLine(line)
	if !ok {
		t.Fatal("Expected formatted line to parse")
	}
	if !parsed.Equal(ts) {
		t.Errorf("Expected timestamp %v, got %v", ts, parsed)
	}
	if level != "INFO" || message != "request forwarded" {
		t.Errorf("Unexpected parse result: level=%q message=%q", level, message)
	}
}

func TestClassifyFile(t *testing.T) {
	tests := []struct {
		name    string
		logType LogType
		ok      bool
	}{
		{"exec-2025-06-01.log", LogTypeExec, true},
		{"in-2025-06-01.log", LogTypeIn, true},
		{"out-2025-06-01.log", LogTypeOut, true},
		{"err-2025-06-01.log", LogTypeErr, true},
		{"exec-2025-06-01.txt", "", false},
		{"debug-2025-06-01.log", "", false},
		{"random.log", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		logType, ok := ClassifyFile(tt.name)
		if ok != tt.ok {
			t.Errorf("ClassifyFile(%q): expected ok=%v, got %v", tt.name, tt.ok, ok)
			continue
		}
		if ok && logType != tt.logType {
			t.Errorf("ClassifyFile(%q): expected %s, got %s", tt.name, tt.logType, logType)
		}
	}
}

func TestFileName(t *testing.T) {
	date := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	if got := FileName(LogTypeOut, date); got != "out-2025-06-01.log" {
		t.Errorf("Expected 'out-2025-06-01.log', got %q", got)
	}
}
