package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Web.Port != 8080 {
		t.Errorf("Web.Port = %d, want 8080", cfg.Web.Port)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
	if cfg.Queue.DefaultPriority != 50 || cfg.Queue.DefaultMaxAttempts != 3 {
		t.Errorf("Queue = %+v, want priority 50 max attempts 3", cfg.Queue)
	}
	if cfg.Queue.TimeoutSeconds != 300 {
		t.Errorf("TimeoutSeconds = %d, want 300", cfg.Queue.TimeoutSeconds)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("Web.Port = %d, want default 8080", cfg.Web.Port)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeTempConfig(t, `
[general]
database_path = "/var/lib/taskq/queue.db"

[web]
port = 9000

[queue]
default_priority = 70
timeout_seconds = 600

[reaper]
cron = "*/5 * * * *"
claim_ttl = "2h"

[inbox]
enabled = true
dir = "~/inbox"

[notifications]
slack_webhook = "https://hooks.slack.com/services/T/B/X"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.DatabasePath != "/var/lib/taskq/queue.db" {
		t.Errorf("DatabasePath = %q", cfg.General.DatabasePath)
	}
	if cfg.Web.Port != 9000 || cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web = %+v, want port 9000 with default host", cfg.Web)
	}
	if cfg.Queue.DefaultPriority != 70 || cfg.Queue.DefaultMaxAttempts != 3 || cfg.Queue.TimeoutSeconds != 600 {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if ttl, err := cfg.Reaper.TTL(); err != nil || ttl != 2*time.Hour {
		t.Errorf("TTL = %v, %v; want 2h", ttl, err)
	}
	if cfg.Reaper.Cron != "*/5 * * * *" {
		t.Errorf("Cron = %q", cfg.Reaper.Cron)
	}

	home, _ := os.UserHomeDir()
	if cfg.Inbox.Dir != filepath.Join(home, "inbox") {
		t.Errorf("Inbox.Dir = %q, want expanded home path", cfg.Inbox.Dir)
	}
	if !strings.HasPrefix(cfg.Notifications.SlackWebhook, "https://hooks.slack.com/") {
		t.Errorf("SlackWebhook = %q", cfg.Notifications.SlackWebhook)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "[web\nport = 1", "parsing"},
		{"max attempts", "[queue]\ndefault_max_attempts = 11", "default_max_attempts"},
		{"priority", "[queue]\ndefault_priority = -1", "default_priority"},
		{"ttl", "[reaper]\nclaim_ttl = \"soon\"", "claim_ttl"},
		{"port", "[web]\nport = 70000", "web.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := Default()
	cfg.Web.Port = 9100
	cfg.Reaper.ClaimTTL = "45m"
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Web.Port != 9100 || loaded.Reaper.ClaimTTL != "45m" {
		t.Errorf("loaded = %+v / %+v", loaded.Web, loaded.Reaper)
	}
}

func TestWebAddr(t *testing.T) {
	w := WebConfig{Host: "0.0.0.0", Port: 8088}
	if got := w.Addr(); got != "0.0.0.0:8088" {
		t.Errorf("Addr() = %q", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFindLocalConfig(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}

	localConfig := filepath.Join(root, LocalConfigName)
	if err := os.WriteFile(localConfig, []byte("[web]\nport = 9200"), 0644); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	if err := os.Chdir(subdir); err != nil {
		t.Fatal(err)
	}

	found := FindLocalConfig()
	if found != localConfig {
		t.Errorf("FindLocalConfig() = %q, want %q", found, localConfig)
	}

	cfg, err := LoadWithLocalFallback("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Port != 9200 {
		t.Errorf("Web.Port = %d, want 9200 from local config", cfg.Web.Port)
	}
}

func TestLoadWithLocalFallback_ExplicitPath(t *testing.T) {
	path := writeTempConfig(t, "[web]\nport = 9300\n")

	cfg, err := LoadWithLocalFallback(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Port != 9300 {
		t.Errorf("Web.Port = %d, want 9300", cfg.Web.Port)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
