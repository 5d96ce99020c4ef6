package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewTeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tillcore.log")
	logger, closeFile, err := New("debug", path)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("sale completed")
	_ = logger.Sync()
	if err := closeFile(); err != nil {
		t.Fatalf("close log file: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), "sale completed") {
		t.Fatalf("expected message in log file, got %q", raw)
	}
}

func TestNewFallsBackToInfo(t *testing.T) {
	logger, closeFile, err := New("loud", "")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closeFile()
	if logger.Core().Enabled(-1) {
		t.Fatalf("expected debug disabled for unknown level")
	}
}
