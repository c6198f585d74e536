package config

import (
	"fmt"
	"net/url"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}

	// Backend validation
	if cfg.Backend.Host == "" {
		errs = append(errs, "backend.host must not be empty")
	} else if u, err := url.Parse(cfg.Backend.Host); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("backend.host must be a URL with scheme and host, got %q", cfg.Backend.Host))
	}
	if cfg.Backend.RequestTimeout < 0 {
		errs = append(errs, fmt.Sprintf("backend.request_timeout must be non-negative, got %d", cfg.Backend.RequestTimeout))
	}
	if cfg.Backend.Temperature < 0 || cfg.Backend.Temperature > 2 {
		errs = append(errs, fmt.Sprintf("backend.temperature must be between 0 and 2, got %g", cfg.Backend.Temperature))
	}
	if cfg.Backend.MaxTokens < 1 {
		errs = append(errs, fmt.Sprintf("backend.max_tokens must be positive, got %d", cfg.Backend.MaxTokens))
	}
	if cfg.Backend.DefaultModel == "" {
		errs = append(errs, "backend.default_model must not be empty")
	}

	// Cache validation
	if cfg.Cache.Enabled {
		if cfg.Cache.TTLMs < 0 {
			errs = append(errs, fmt.Sprintf("cache.ttl_ms must be non-negative, got %d", cfg.Cache.TTLMs))
		}
		if cfg.Cache.MaxMemoryEntries < 1 {
			errs = append(errs, fmt.Sprintf("cache.max_memory_entries must be at least 1, got %d", cfg.Cache.MaxMemoryEntries))
		}
		if cfg.Cache.MaxMemoryMB < 1 {
			errs = append(errs, fmt.Sprintf("cache.max_memory_mb must be at least 1, got %d", cfg.Cache.MaxMemoryMB))
		}
		if cfg.Cache.PersistToDisk && cfg.Cache.Dir == "" {
			errs = append(errs, "cache.dir must be set when cache.persist_to_disk is true")
		}
		if cfg.Cache.MinResponseLen < 0 {
			errs = append(errs, fmt.Sprintf("cache.min_response_len must be non-negative, got %d", cfg.Cache.MinResponseLen))
		}
	}

	// Speculative validation
	if cfg.Speculative.FastModel == "" {
		errs = append(errs, "speculative.fast_model must not be empty")
	}
	if cfg.Speculative.AccurateModel == "" {
		errs = append(errs, "speculative.accurate_model must not be empty")
	}

	// Correction validation
	if cfg.Correction.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("correction.max_attempts must be at least 1, got %d", cfg.Correction.MaxAttempts))
	}

	// Queue validation
	if cfg.Queue.MaxConcurrent < 1 {
		errs = append(errs, fmt.Sprintf("queue.max_concurrent must be at least 1, got %d", cfg.Queue.MaxConcurrent))
	}
	if cfg.Queue.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("queue.max_retries must be non-negative, got %d", cfg.Queue.MaxRetries))
	}
	if cfg.Queue.RetryJitter < 0 || cfg.Queue.RetryJitter >= 1 {
		errs = append(errs, fmt.Sprintf("queue.retry_jitter must be in [0, 1), got %g", cfg.Queue.RetryJitter))
	}
	if cfg.Queue.BucketCapacity < 1 {
		errs = append(errs, fmt.Sprintf("queue.bucket_capacity must be at least 1, got %d", cfg.Queue.BucketCapacity))
	}
	if cfg.Queue.BucketRefill <= 0 {
		errs = append(errs, fmt.Sprintf("queue.bucket_refill must be positive, got %g", cfg.Queue.BucketRefill))
	}
	if cfg.Queue.StatusListLimit < 1 {
		errs = append(errs, fmt.Sprintf("queue.status_list_limit must be at least 1, got %d", cfg.Queue.StatusListLimit))
	}

	// Tracing validation
	if cfg.Tracing.Enabled {
		validExporters := []string{"stdout", "otlp-grpc", "otlp-http"}
		if !isValidEnum(cfg.Tracing.Exporter, validExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", validExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
