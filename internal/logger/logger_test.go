package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "batch.log")
	log, err := NewLogger(LoggerConfig{Level: "debug", FilePath: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	WithRun(log, 7).Info("run started")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	for _, want := range []string{`"message":"run started"`, `"generation":7`, `"level":"info"`, `"timestamp"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %s", line, want)
		}
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := NewLogger(LoggerConfig{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestConsoleOutput(t *testing.T) {
	quiet, err := NewLogger(LoggerConfig{Level: "info", FilePath: filepath.Join(t.TempDir(), "a.log")})
	if err != nil {
		t.Fatal(err)
	}
	if quiet.Out != io.Discard {
		t.Errorf("console disabled but output is %T", quiet.Out)
	}

	noFile, err := NewLogger(LoggerConfig{Level: "info"})
	if err != nil {
		t.Fatal(err)
	}
	if noFile.Out != os.Stderr {
		t.Errorf("without a file path output should be stderr, got %T", noFile.Out)
	}
}
