package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linccl/iCity-Echo/config"
)

func TestRunRejectsConflictingModes(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"loop with once", []string{"--loop", "--once"}},
		{"loop with init", []string{"--loop", "--init"}},
		{"unknown flag", []string{"--bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != 2 {
				t.Errorf("run(%v) = %d, want 2", tt.args, got)
			}
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	t.Run("webhook flag replaces channels", func(t *testing.T) {
		cfg, err := config.Load("")
		if err != nil {
			t.Fatal(err)
		}
		applyOverrides(cfg, &flags{webhook: "https://open.feishu.cn/hook/abc"})
		if len(cfg.Channels) != 1 || cfg.Channels[0].Type != "feishu" {
			t.Fatalf("channels = %+v, want single feishu channel", cfg.Channels)
		}
		if cfg.Channels[0].Webhook != "https://open.feishu.cn/hook/abc" {
			t.Errorf("webhook = %q", cfg.Channels[0].Webhook)
		}
	})

	t.Run("env webhook only fills empty channels", func(t *testing.T) {
		t.Setenv("FEISHU_WEBHOOK", "https://open.feishu.cn/hook/env")
		cfg, err := config.Load("")
		if err != nil {
			t.Fatal(err)
		}
		cfg.Channels = []config.Channel{{Enabled: true, Type: "mock"}}
		applyOverrides(cfg, &flags{})
		if cfg.Channels[0].Type != "mock" {
			t.Errorf("configured channel was replaced: %+v", cfg.Channels)
		}

		cfg.Channels = nil
		applyOverrides(cfg, &flags{})
		if len(cfg.Channels) != 1 || cfg.Channels[0].Webhook != "https://open.feishu.cn/hook/env" {
			t.Errorf("env webhook not applied: %+v", cfg.Channels)
		}
	})

	t.Run("state file flag clears bucket", func(t *testing.T) {
		cfg, err := config.Load("")
		if err != nil {
			t.Fatal(err)
		}
		cfg.StateBucket = "some-bucket"
		applyOverrides(cfg, &flags{stateFile: "/tmp/state.json"})
		if cfg.StateBucket != "" {
			t.Error("state-file flag should force the local backend")
		}
		if cfg.StateFile != "/tmp/state.json" {
			t.Errorf("state file = %q", cfg.StateFile)
		}
	})
}

func TestLoadCookie(t *testing.T) {
	t.Run("env takes precedence", func(t *testing.T) {
		t.Setenv("ICITY_COOKIE", "_icity_session=fromenv")
		cookie, err := loadCookie("does-not-exist.txt")
		if err != nil {
			t.Fatal(err)
		}
		if cookie != "_icity_session=fromenv" {
			t.Errorf("cookie = %q", cookie)
		}
	})

	t.Run("falls back to file", func(t *testing.T) {
		t.Setenv("ICITY_COOKIE", "")
		path := filepath.Join(t.TempDir(), "cookie.txt")
		if err := os.WriteFile(path, []byte("_icity_session=fromfile\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		cookie, err := loadCookie(path)
		if err != nil {
			t.Fatal(err)
		}
		if cookie != "_icity_session=fromfile" {
			t.Errorf("cookie = %q", cookie)
		}
	})

	t.Run("missing both fails", func(t *testing.T) {
		t.Setenv("ICITY_COOKIE", "")
		if _, err := loadCookie(filepath.Join(t.TempDir(), "absent.txt")); err == nil {
			t.Fatal("expected error when no cookie is available")
		}
	})
}

func TestQuietWindowFromConfig(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}

	window, err := quietWindow(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if window.Start != 0 || window.End != 9*60 {
		t.Errorf("default window = %+v, want 00:00-09:00", window)
	}

	cfg.Schedule.QuietHours.Start = "25:00"
	if _, err := quietWindow(cfg); err == nil {
		t.Error("invalid start clock must fail")
	}
}

const mainTestPage = `<!DOCTYPE html>
<html><body>
<ul class="activities">
  <li class="activity-item">
    <a class="user-link" href="/u/xm"><strong>小明</strong></a>
    <div class="activity-content">今天去了咖啡馆</div>
    <a class="time-link" href="/a/abc123">3 分钟前</a>
  </li>
</ul>
</body></html>`

func TestRunSingleCycleAgainstLocalServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(mainTestPage))
	}))
	defer srv.Close()

	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	configPath := filepath.Join(dir, "config.json")

	// Equal quiet bounds disable the window, so the cycle runs no matter
	// what wall-clock time the suite executes at.
	raw, err := json.Marshal(map[string]any{
		"state_file": statePath,
		"check_url":  srv.URL + "/friends",
		"base_url":   srv.URL,
		"channels":   []map[string]any{{"enabled": true, "type": "mock"}},
		"schedule":   map[string]any{"quiet_hours": map[string]any{"start": "00:00", "end": "00:00"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath, raw, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ICITY_COOKIE", "_icity_session=test")

	args := []string{"--config", configPath, "--once"}
	if got := run(args); got != 0 {
		t.Fatalf("first run exited %d, want 0", got)
	}
	if _, err := os.Stat(statePath); err != nil {
		t.Fatalf("state file not written: %v", err)
	}

	// Second cycle sees the same page: no change, still clean exit.
	if got := run(args); got != 0 {
		t.Fatalf("second run exited %d, want 0", got)
	}
}

func TestRunSingleCycleInsideQuietWindow(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(mainTestPage))
	}))
	defer srv.Close()

	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	configPath := filepath.Join(dir, "config.json")

	// Build a window guaranteed to contain the current time.
	now := time.Now().UTC()
	raw, err := json.Marshal(map[string]any{
		"state_file": statePath,
		"check_url":  srv.URL + "/friends",
		"base_url":   srv.URL,
		"channels":   []map[string]any{{"enabled": true, "type": "mock"}},
		"schedule": map[string]any{
			"timezone": "UTC",
			"quiet_hours": map[string]any{
				"start": now.Add(-time.Hour).Format("15:04"),
				"end":   now.Add(time.Hour).Format("15:04"),
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath, raw, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ICITY_COOKIE", "_icity_session=test")

	if got := run([]string{"--config", configPath, "--once"}); got != 0 {
		t.Fatalf("quiet-hours run exited %d, want 0", got)
	}
	if hits.Load() != 0 {
		t.Errorf("page fetched %d times during quiet hours, want 0", hits.Load())
	}
	if _, err := os.Stat(statePath); !os.IsNotExist(err) {
		t.Error("state file must not be written during quiet hours")
	}
}
