package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "shellgate.log")
	l, err := New(Config{Level: "debug", Path: path})
	if err != nil {
		t.Fatal(err)
	}
	l.Debug("turn started", zap.String("session", "s-1"), zap.Int("turn", 2))
	l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &rec); err != nil {
		t.Fatalf("not JSON: %q", data)
	}
	if rec["msg"] != "turn started" || rec["level"] != "debug" || rec["session"] != "s-1" {
		t.Fatalf("record = %v", rec)
	}
}

func TestLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.log")
	l, err := New(Config{Level: "warn", Path: path})
	if err != nil {
		t.Fatal(err)
	}
	l.Info("hidden")
	l.Warn("shown")
	l.Sync()
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "hidden") || !strings.Contains(string(data), "shown") {
		t.Fatalf("unexpected log: %s", data)
	}
}

func TestEmptyPathIsNop(t *testing.T) {
	l, err := New(Config{})
	if err != nil || l == nil {
		t.Fatalf("got %v, %v", l, err)
	}
	l.Info("nowhere")
}

func TestInvalidLevel(t *testing.T) {
	l, err := NewOrNop(Config{Level: "loud", Path: filepath.Join(t.TempDir(), "x.log")})
	if err == nil || l == nil {
		t.Fatal("expected error and a usable no-op logger")
	}
}
