package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sitespeak/sitespeak/internal/config"
)

func writeConfigFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	// Coarse filesystem timestamps can hide a quick rewrite from the mtime
	// probe, so set it explicitly.
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

const watcherBase = `
gateway:
  endpoint: wss://voice.example.com/session
  token: t
log_level: info
`

func TestWatcher_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	start := time.Now().Add(-time.Minute)
	writeConfigFile(t, path, watcherBase, start)

	type change struct {
		old, new *config.Config
		diff     config.ConfigDiff
	}
	changes := make(chan change, 4)

	w, err := config.NewWatcher(path, func(old, new *config.Config, diff config.ConfigDiff) {
		changes <- change{old, new, diff}
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Stop()

	if w.Current().LogLevel != config.LogInfo {
		t.Fatalf("initial log_level = %q", w.Current().LogLevel)
	}

	updated := `
gateway:
  endpoint: wss://voice.example.com/session
  token: t
log_level: debug
`
	writeConfigFile(t, path, updated, start.Add(time.Second))

	select {
	case c := <-changes:
		if !c.diff.LogLevelChanged || c.diff.NewLogLevel != config.LogDebug {
			t.Errorf("diff = %+v", c.diff)
		}
		if c.diff.RestartSession {
			t.Error("log level change should not restart the session")
		}
		if c.old.LogLevel != config.LogInfo || c.new.LogLevel != config.LogDebug {
			t.Errorf("old/new = %q/%q", c.old.LogLevel, c.new.LogLevel)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never reported the change")
	}

	if w.Current().LogLevel != config.LogDebug {
		t.Errorf("Current not updated, log_level = %q", w.Current().LogLevel)
	}
}

func TestWatcher_InvalidRewriteKeepsPrevious(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	start := time.Now().Add(-time.Minute)
	writeConfigFile(t, path, watcherBase, start)

	changes := make(chan config.ConfigDiff, 4)
	w, err := config.NewWatcher(path, func(_, _ *config.Config, diff config.ConfigDiff) {
		changes <- diff
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Stop()

	// Broken config: the token was deleted.
	writeConfigFile(t, path, "gateway:\n  endpoint: wss://voice.example.com/session\n", start.Add(time.Second))

	select {
	case diff := <-changes:
		t.Fatalf("invalid config triggered callback: %+v", diff)
	case <-time.After(200 * time.Millisecond):
	}
	if w.Current().Gateway.Token != "t" {
		t.Fatal("invalid rewrite replaced the current config")
	}

	// A later valid rewrite still comes through.
	valid := `
gateway:
  endpoint: wss://voice.example.com/session
  token: rotated
log_level: info
`
	writeConfigFile(t, path, valid, start.Add(2*time.Second))

	select {
	case diff := <-changes:
		if !diff.RestartSession {
			t.Errorf("diff = %+v, want RestartSession for token change", diff)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not recover after invalid rewrite")
	}
	if w.Current().Gateway.Token != "rotated" {
		t.Errorf("token = %q", w.Current().Gateway.Token)
	}
}

func TestWatcher_InitialLoadFailure(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestWatcher_StopIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, watcherBase, time.Now())

	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
