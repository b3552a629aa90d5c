package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "server:\n  log_level: info\n")

	var reloads atomic.Int32
	w, err := NewWatcher(path, func(old, new *Config) {
		if old.Server.LogLevel == "info" && new.Server.LogLevel == "debug" {
			reloads.Add(1)
		}
	}, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if w.Current().Server.LogLevel != "info" {
		t.Fatalf("initial config = %+v", w.Current().Server)
	}

	// Wait so the rewrite with different content carries a later mtime; the
	// watcher compares mtime first and hash second.
	time.Sleep(30 * time.Millisecond)
	writeConfig(t, path, "server:\n  log_level: debug\n")

	deadline := time.Now().Add(2 * time.Second)
	for reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reloads.Load() == 0 {
		t.Fatal("watcher never reported the change")
	}
	if w.Current().Server.LogLevel != "debug" {
		t.Errorf("Current() = %+v", w.Current().Server)
	}
}

func TestWatcherKeepsOldConfigOnInvalidEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "server:\n  log_level: info\n")

	w, err := NewWatcher(path, nil, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	time.Sleep(30 * time.Millisecond)
	writeConfig(t, path, "server:\n  log_level: shouty\n")

	time.Sleep(100 * time.Millisecond)
	if w.Current().Server.LogLevel != "info" {
		t.Errorf("invalid edit replaced the config: %+v", w.Current().Server)
	}
}

func TestWatcherInitialLoadFailure(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}
