package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tidemark.log")
	logger, level := New(Options{Level: zapcore.InfoLevel, File: path, Quiet: true})

	logger.Named("exchange").Info("round complete", zap.Int("applied", 3))
	logger.Debug("hidden")
	level.SetLevel(zapcore.DebugLevel)
	logger.Debug("visible")
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2:\n%s", len(lines), data)
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line is not JSON: %v", err)
	}
	if first["msg"] != "round complete" {
		t.Errorf("msg = %v, want %q", first["msg"], "round complete")
	}
	if first["logger"] != "exchange" {
		t.Errorf("logger = %v, want exchange", first["logger"])
	}
	if first["applied"] != float64(3) {
		t.Errorf("applied = %v, want 3", first["applied"])
	}
	if !strings.Contains(lines[1], "visible") {
		t.Errorf("second line = %q, want the debug message", lines[1])
	}
}

func TestNew_NoSinks(t *testing.T) {
	logger, _ := New(Options{Quiet: true})
	if logger == nil {
		t.Fatal("New() returned nil logger")
	}
	logger.Info("dropped")
}
