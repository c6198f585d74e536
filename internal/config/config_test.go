package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hydra.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Backend.Host != DefaultOllamaHost {
		t.Errorf("unexpected backend host %q", cfg.Backend.Host)
	}
	if cfg.Queue.MaxConcurrent != DefaultQueueMaxConcurrent {
		t.Errorf("unexpected max_concurrent %d", cfg.Queue.MaxConcurrent)
	}
	if cfg.Cache.TTLMs != DefaultCacheTTLMs {
		t.Errorf("unexpected cache ttl %d", cfg.Cache.TTLMs)
	}
	if cfg.Queue.BucketCapacity != 10 || cfg.Queue.BucketRefill != 2.0 {
		t.Errorf("unexpected bucket defaults: %d %g", cfg.Queue.BucketCapacity, cfg.Queue.BucketRefill)
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
[backend]
host = "http://gpu-box:11434"
default_model = "mistral:7b"

[queue]
max_concurrent = 8

[cache]
ttl_ms = 60000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Backend.Host != "http://gpu-box:11434" {
		t.Errorf("unexpected host %q", cfg.Backend.Host)
	}
	if cfg.Backend.DefaultModel != "mistral:7b" {
		t.Errorf("unexpected default model %q", cfg.Backend.DefaultModel)
	}
	if cfg.Queue.MaxConcurrent != 8 {
		t.Errorf("unexpected max_concurrent %d", cfg.Queue.MaxConcurrent)
	}
	if cfg.Cache.TTLMs != 60000 {
		t.Errorf("unexpected ttl %d", cfg.Cache.TTLMs)
	}
}

func TestLoad_EnvAliases(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "http://env-host:11434")
	t.Setenv("CACHE_TTL_MS", "120000")
	t.Setenv("QUEUE_MAX_CONCURRENT", "16")
	t.Setenv("CACHE_ENABLED", "false")

	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Backend.Host != "http://env-host:11434" {
		t.Errorf("expected OLLAMA_HOST to apply, got %q", cfg.Backend.Host)
	}
	if cfg.Cache.TTLMs != 120000 {
		t.Errorf("expected CACHE_TTL_MS to apply, got %d", cfg.Cache.TTLMs)
	}
	if cfg.Queue.MaxConcurrent != 16 {
		t.Errorf("expected QUEUE_MAX_CONCURRENT to apply, got %d", cfg.Queue.MaxConcurrent)
	}
	if cfg.Cache.Enabled {
		t.Error("expected CACHE_ENABLED=false to apply")
	}
}

func TestLoad_PrefixedEnv(t *testing.T) {
	t.Setenv("HYDRA_SERVER_PORT", "9911")

	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9911 {
		t.Errorf("expected HYDRA_SERVER_PORT to apply, got %d", cfg.Server.Port)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(cwd) })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load without file: %v", err)
	}
	if cfg.Backend.Host == "" {
		t.Error("expected defaults to apply with no config file")
	}
}

func TestGet_ReturnsLoadedConfig(t *testing.T) {
	path := writeConfig(t, "[queue]\nmax_concurrent = 7\n")
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if Get().Queue.MaxConcurrent != 7 {
		t.Errorf("expected Get to return the loaded config")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Cache.TTL().Milliseconds() != DefaultCacheTTLMs {
		t.Errorf("unexpected TTL %v", cfg.Cache.TTL())
	}
	if cfg.Queue.ItemTimeout().Milliseconds() != DefaultQueueTimeoutMs {
		t.Errorf("unexpected item timeout %v", cfg.Queue.ItemTimeout())
	}

	zero := CacheConfig{}
	if zero.TTL() <= 0 || zero.CleanupInterval() <= 0 || zero.WriteDebounce() <= 0 {
		t.Error("expected zero-value durations to fall back to defaults")
	}
}
