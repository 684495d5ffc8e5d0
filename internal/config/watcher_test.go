package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskstream/internal/config"
)

func startWatcher(t *testing.T, level string) (string, *config.Watcher) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TASKSTREAM_HOME", home)
	t.Setenv("TASKSTREAM_LOG_LEVEL", "")
	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: "+level+"\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w := config.NewWatcher(home, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return home, w
}

// rewrite keeps writing body until the watcher delivers a reload, since
// notification readiness varies by platform.
func rewrite(t *testing.T, w *config.Watcher, path, body string) config.Reload {
	t.Helper()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	_ = os.WriteFile(path, []byte(body), 0o644)
	for {
		select {
		case r := <-w.Reloads():
			return r
		case <-tick.C:
			_ = os.WriteFile(path, []byte(body), 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}

func TestWatcher_DeliversChangedConfig(t *testing.T) {
	home, w := startWatcher(t, "info")

	r := rewrite(t, w, config.ConfigPath(home), "log_level: debug\n")
	if r.Err != nil {
		t.Fatalf("reload error: %v", r.Err)
	}
	if r.Config.LogLevel != "debug" || filepath.Base(r.Path) != "config.yaml" {
		t.Fatalf("reload = %+v", r)
	}
}

func TestWatcher_ReportsBrokenConfig(t *testing.T) {
	home, w := startWatcher(t, "info")

	r := rewrite(t, w, config.ConfigPath(home), "workspace:\n  driver: vm\n")
	if r.Err == nil {
		t.Fatal("expected a validation error for an unknown workspace driver")
	}
}

func TestWatcher_SkipsUnchangedAndOtherFiles(t *testing.T) {
	home, w := startWatcher(t, "info")

	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-w.Reloads():
		t.Fatalf("unexpected reload %+v", r)
	case <-time.After(600 * time.Millisecond):
	}
}
