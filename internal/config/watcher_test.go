package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	// Bump mtime explicitly so rapid rewrites are seen on coarse filesystems.
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, validYAML)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	changed := make(chan *Config, 1)
	w := NewWatcher(path, initial, func(old, cur *Config) {
		if old.Server.LogLevel != LogDebug {
			t.Errorf("old log level = %q", old.Server.LogLevel)
		}
		changed <- cur
	}, WithInterval(10*time.Millisecond))
	w.Start()
	defer w.Stop()

	writeConfigFile(t, path, strings.Replace(validYAML, "log_level: debug", "log_level: warn", 1))

	select {
	case cur := <-changed:
		if cur.Server.LogLevel != LogWarn {
			t.Errorf("new log level = %q, want warn", cur.Server.LogLevel)
		}
		if w.Current() != cur {
			t.Error("Current() does not return the reloaded config")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never fired")
	}
}

func TestWatcherKeepsPreviousOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, validYAML)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	fired := make(chan struct{}, 1)
	w := NewWatcher(path, initial, func(old, cur *Config) {
		fired <- struct{}{}
	}, WithInterval(10*time.Millisecond))
	w.Start()
	defer w.Stop()

	// Remove a required field; the reload must be rejected.
	writeConfigFile(t, path, strings.Replace(validYAML, `auth_token: "secret"`, `auth_token: ""`, 1))

	select {
	case <-fired:
		t.Fatal("watcher applied an invalid config")
	case <-time.After(150 * time.Millisecond):
	}
	if w.Current() != initial {
		t.Error("Current() no longer returns the last valid config")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, validYAML)

	w := NewWatcher(path, &Config{}, nil, WithInterval(10*time.Millisecond))
	w.Start()
	w.Stop()
	w.Stop()
}
