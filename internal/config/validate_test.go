package config

import (
	"strings"
	"testing"
)

func TestValidate_DefaultsAreValid(t *testing.T) {
	if err := validate(DefaultConfig()); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		keyword string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "verbose" }, "server.log_level"},
		{"empty data dir", func(c *Config) { c.Server.DataDir = "" }, "server.data_dir"},
		{"empty backend host", func(c *Config) { c.Backend.Host = "" }, "backend.host"},
		{"host without scheme", func(c *Config) { c.Backend.Host = "localhost:11434" }, "backend.host"},
		{"negative temperature", func(c *Config) { c.Backend.Temperature = -1 }, "backend.temperature"},
		{"zero max tokens", func(c *Config) { c.Backend.MaxTokens = 0 }, "backend.max_tokens"},
		{"empty default model", func(c *Config) { c.Backend.DefaultModel = "" }, "backend.default_model"},
		{"zero memory entries", func(c *Config) { c.Cache.MaxMemoryEntries = 0 }, "cache.max_memory_entries"},
		{"disk without dir", func(c *Config) { c.Cache.Dir = "" }, "cache.dir"},
		{"empty fast model", func(c *Config) { c.Speculative.FastModel = "" }, "speculative.fast_model"},
		{"zero correction attempts", func(c *Config) { c.Correction.MaxAttempts = 0 }, "correction.max_attempts"},
		{"zero workers", func(c *Config) { c.Queue.MaxConcurrent = 0 }, "queue.max_concurrent"},
		{"jitter out of range", func(c *Config) { c.Queue.RetryJitter = 1.5 }, "queue.retry_jitter"},
		{"zero bucket capacity", func(c *Config) { c.Queue.BucketCapacity = 0 }, "queue.bucket_capacity"},
		{"zero refill", func(c *Config) { c.Queue.BucketRefill = 0 }, "queue.bucket_refill"},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, "tracing.exporter"},
		{"bad sample rate", func(c *Config) { c.Tracing.SampleRate = 2 }, "tracing.sample_rate"},
	}

	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		err := validate(cfg)
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.keyword) {
			t.Errorf("%s: expected message to mention %q, got %v", tc.name, tc.keyword, err)
		}
	}
}

func TestValidate_CombinesMultipleErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	cfg.Backend.Host = ""

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "server.port") || !strings.Contains(msg, "backend.host") {
		t.Errorf("expected combined error, got %v", msg)
	}
}

func TestIsValidEnum(t *testing.T) {
	if !isValidEnum("INFO", ValidLogLevels) {
		t.Error("expected enum check to be case-insensitive")
	}
	if isValidEnum("bogus", ValidLogLevels) {
		t.Error("expected unknown value to fail")
	}
}
