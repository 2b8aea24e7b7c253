package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestNilLoggerIsSafe(t *testing.T) {
	orig := Logger
	defer func() { Logger = orig }()

	Logger = nil
	Info("ignored", "k", 1)
	Warn("ignored")
	Error("ignored")
	Debug("ignored")
	if WithPrefix("x") != nil {
		t.Error("expected nil prefixed logger without init")
	}
}

func TestInitWriterRespectsLevel(t *testing.T) {
	orig := Logger
	defer func() { Logger = orig }()

	var buf bytes.Buffer
	InitWriter(&buf, log.InfoLevel)
	Debug("hidden message")
	Info("cache cleared", "entries", 3)

	out := buf.String()
	if strings.Contains(out, "hidden message") {
		t.Error("debug message should be filtered at info level")
	}
	if !strings.Contains(out, "cache cleared") || !strings.Contains(out, "entries=3") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestInitCreatesDatedFile(t *testing.T) {
	orig := Logger
	defer func() { Logger = orig }()

	dir := t.TempDir()
	if err := Init(dir, log.DebugLevel); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	Info("hello")
	Close()

	matches, err := filepath.Glob(filepath.Join(dir, "logs", "photoframe-*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one log file, got %v (%v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file missing message: %q", data)
	}
}
