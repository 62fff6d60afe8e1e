package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "test-token")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Discord.Token != "test-token" {
		t.Errorf("Expected token from env, got %q", cfg.Discord.Token)
	}
	if cfg.Gateway.CommandQueueSize != 64 {
		t.Errorf("Expected command_queue_size=64, got %d", cfg.Gateway.CommandQueueSize)
	}
	if cfg.Gateway.MaxReconnects != 5 {
		t.Errorf("Expected max_reconnects=5, got %d", cfg.Gateway.MaxReconnects)
	}
	if cfg.Gateway.BackoffCap != 60*time.Second {
		t.Errorf("Expected backoff_cap=60s, got %v", cfg.Gateway.BackoffCap)
	}
	if cfg.Rest.BaseURL != "https://discord.com/api/v10" {
		t.Errorf("Unexpected base_url: %q", cfg.Rest.BaseURL)
	}
	if cfg.Gateway.SendLimit != 120 || cfg.Gateway.SendWindow != 60*time.Second {
		t.Errorf("Expected send pacing 120/60s, got %d/%v", cfg.Gateway.SendLimit, cfg.Gateway.SendWindow)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected log_level=info, got %q", cfg.LogLevel)
	}
}

func TestLoad_MissingToken(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "")

	_, err := Load("")
	if err == nil {
		t.Fatal("Expected error for missing token, got nil")
	}
	if !strings.Contains(err.Error(), "discord.token") {
		t.Errorf("Expected token error, got: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "")

	content := `
discord:
  token: "file-token"
  intents: 513
gateway:
  compress: true
  command_queue_size: 16
  max_reconnects: 3
rest:
  global_rate: 25
sink:
  redis_enabled: true
redis:
  addr: "redis:6379"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Discord.Token != "file-token" {
		t.Errorf("Expected file token, got %q", cfg.Discord.Token)
	}
	if cfg.Discord.Intents != 513 {
		t.Errorf("Expected intents=513, got %d", cfg.Discord.Intents)
	}
	if !cfg.Gateway.Compress {
		t.Error("Expected compress=true")
	}
	if cfg.Gateway.CommandQueueSize != 16 {
		t.Errorf("Expected command_queue_size=16, got %d", cfg.Gateway.CommandQueueSize)
	}
	if cfg.Gateway.MaxReconnects != 3 {
		t.Errorf("Expected max_reconnects=3, got %d", cfg.Gateway.MaxReconnects)
	}
	if cfg.Rest.GlobalRate != 25 {
		t.Errorf("Expected global_rate=25, got %d", cfg.Rest.GlobalRate)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Expected redis addr from file, got %q", cfg.Redis.Addr)
	}

	// Defaults still fill unset fields
	if cfg.Gateway.BackoffBase != 1*time.Second {
		t.Errorf("Expected default backoff_base=1s, got %v", cfg.Gateway.BackoffBase)
	}
	if cfg.Redis.PoolSize != 10 {
		t.Errorf("Expected default redis pool_size=10, got %d", cfg.Redis.PoolSize)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "env-token")

	content := "discord:\n  token: \"file-token\"\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Discord.Token != "env-token" {
		t.Errorf("Expected env token to win, got %q", cfg.Discord.Token)
	}
}

func TestLoad_InvalidShard(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "test-token")

	content := "discord:\n  shard_id: 4\n  shard_count: 2\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected error for shard_id >= shard_count, got nil")
	}
}

func TestLoad_BadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing file, got nil")
	}
}
