package dglog

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := LevelFromString(in); got != want {
			t.Errorf("LevelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	logger, err := New(Config{Level: slog.LevelInfo, Format: "json", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hello", "key", "value")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected log output to be written to file")
	}
}

func TestNew_DefaultsToStdoutOnEmptyOutput(t *testing.T) {
	logger, err := New(Config{Level: slog.LevelInfo, Format: "text", Output: ""})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger.Logger == nil {
		t.Fatalf("expected a non-nil embedded slog.Logger")
	}
}
