package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for HYDRA.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"      toml:"server"`
	Backend     BackendConfig     `mapstructure:"backend"     toml:"backend"`
	Cache       CacheConfig       `mapstructure:"cache"       toml:"cache"`
	Speculative SpeculativeConfig `mapstructure:"speculative" toml:"speculative"`
	Correction  CorrectionConfig  `mapstructure:"correction"  toml:"correction"`
	Queue       QueueConfig       `mapstructure:"queue"       toml:"queue"`
	Tracing     TracingConfig     `mapstructure:"tracing"     toml:"tracing"`
}

// ServerConfig holds the HTTP surface and process-level settings.
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"  toml:"bind_address"`
	Port         int    `mapstructure:"port"          toml:"port"`
	LogLevel     string `mapstructure:"log_level"     toml:"log_level"`
	DataDir      string `mapstructure:"data_dir"      toml:"data_dir"`
	ReadTimeout  int    `mapstructure:"read_timeout"  toml:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout" toml:"write_timeout"` // seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"  toml:"idle_timeout"`  // seconds
}

// BackendConfig describes the Ollama runtime the engine talks to.
type BackendConfig struct {
	Host           string  `mapstructure:"host"             toml:"host"`
	RequestTimeout int     `mapstructure:"request_timeout"  toml:"request_timeout"` // seconds
	HealthTimeout  int     `mapstructure:"health_timeout"   toml:"health_timeout"`  // seconds
	Temperature    float64 `mapstructure:"temperature"      toml:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"       toml:"max_tokens"`
	DefaultModel   string  `mapstructure:"default_model"    toml:"default_model"`
	// ModelMap aliases requested model IDs onto installed model names.
	ModelMap map[string]string `mapstructure:"model_map" toml:"model_map"`
}

// RequestTimeoutDuration returns the backend request timeout as a time.Duration.
func (b BackendConfig) RequestTimeoutDuration() time.Duration {
	if b.RequestTimeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(b.RequestTimeout) * time.Second
}

// HealthTimeoutDuration returns the health probe timeout as a time.Duration.
func (b BackendConfig) HealthTimeoutDuration() time.Duration {
	if b.HealthTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(b.HealthTimeout) * time.Second
}

// CacheConfig controls the two-tier response cache.
type CacheConfig struct {
	Enabled           bool   `mapstructure:"enabled"             toml:"enabled"`
	Dir               string `mapstructure:"dir"                 toml:"dir"`
	TTLMs             int64  `mapstructure:"ttl_ms"              toml:"ttl_ms"`
	MaxMemoryEntries  int    `mapstructure:"max_memory_entries"  toml:"max_memory_entries"`
	MaxMemoryMB       int    `mapstructure:"max_memory_mb"       toml:"max_memory_mb"`
	CleanupIntervalMs int64  `mapstructure:"cleanup_interval_ms" toml:"cleanup_interval_ms"`
	PersistToDisk     bool   `mapstructure:"persist_to_disk"     toml:"persist_to_disk"`
	// EncryptionKey is a key reference (keyring://hydra/cache, env:VAR,
	// file:///path) or a literal 64-hex-char / base64 32-byte key.
	EncryptionKey   string `mapstructure:"encryption_key"  toml:"encryption_key"`
	MinResponseLen  int    `mapstructure:"min_response_len" toml:"min_response_len"`
	WriteDebounceMs int64  `mapstructure:"write_debounce_ms" toml:"write_debounce_ms"`
	WarmOnStart     bool   `mapstructure:"warm_on_start"   toml:"warm_on_start"`
}

// TTL returns the cache entry time-to-live as a time.Duration.
func (c CacheConfig) TTL() time.Duration {
	if c.TTLMs <= 0 {
		return time.Duration(DefaultCacheTTLMs) * time.Millisecond
	}
	return time.Duration(c.TTLMs) * time.Millisecond
}

// CleanupInterval returns the background sweep interval as a time.Duration.
func (c CacheConfig) CleanupInterval() time.Duration {
	if c.CleanupIntervalMs <= 0 {
		return time.Duration(DefaultCacheCleanupIntervalMs) * time.Millisecond
	}
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}

// WriteDebounce returns the per-fingerprint disk write debounce interval.
func (c CacheConfig) WriteDebounce() time.Duration {
	if c.WriteDebounceMs <= 0 {
		return time.Duration(DefaultCacheWriteDebounceMs) * time.Millisecond
	}
	return time.Duration(c.WriteDebounceMs) * time.Millisecond
}

// SpeculativeConfig holds the default model sets for race execution.
type SpeculativeConfig struct {
	FastModel     string `mapstructure:"fast_model"      toml:"fast_model"`
	AccurateModel string `mapstructure:"accurate_model"  toml:"accurate_model"`
	BudgetMs      int64  `mapstructure:"budget_ms"       toml:"budget_ms"`
}

// Budget returns the default race budget as a time.Duration.
func (s SpeculativeConfig) Budget() time.Duration {
	if s.BudgetMs <= 0 {
		return time.Duration(DefaultSpeculativeBudgetMs) * time.Millisecond
	}
	return time.Duration(s.BudgetMs) * time.Millisecond
}

// CorrectionConfig holds the default generator/critic pairing.
type CorrectionConfig struct {
	GeneratorModel string `mapstructure:"generator_model" toml:"generator_model"`
	CriticModel    string `mapstructure:"critic_model"    toml:"critic_model"`
	MaxAttempts    int    `mapstructure:"max_attempts"    toml:"max_attempts"`
}

// QueueConfig controls the scheduler.
type QueueConfig struct {
	MaxConcurrent   int     `mapstructure:"max_concurrent"    toml:"max_concurrent"`
	MaxRetries      int     `mapstructure:"max_retries"       toml:"max_retries"`
	TimeoutMs       int64   `mapstructure:"timeout_ms"        toml:"timeout_ms"`
	RetryBaseMs     int64   `mapstructure:"retry_base_ms"     toml:"retry_base_ms"`
	RetryMaxMs      int64   `mapstructure:"retry_max_ms"      toml:"retry_max_ms"`
	RetryJitter     float64 `mapstructure:"retry_jitter"      toml:"retry_jitter"`
	BucketCapacity  int     `mapstructure:"bucket_capacity"   toml:"bucket_capacity"`
	BucketRefill    float64 `mapstructure:"bucket_refill"     toml:"bucket_refill"` // tokens per second
	StatusListLimit int     `mapstructure:"status_list_limit" toml:"status_list_limit"`
}

// ItemTimeout returns the per-attempt timeout as a time.Duration.
func (q QueueConfig) ItemTimeout() time.Duration {
	if q.TimeoutMs <= 0 {
		return time.Duration(DefaultQueueTimeoutMs) * time.Millisecond
	}
	return time.Duration(q.TimeoutMs) * time.Millisecond
}

// RetryBase returns the backoff base delay as a time.Duration.
func (q QueueConfig) RetryBase() time.Duration {
	if q.RetryBaseMs <= 0 {
		return time.Duration(DefaultRetryBaseMs) * time.Millisecond
	}
	return time.Duration(q.RetryBaseMs) * time.Millisecond
}

// RetryMax returns the backoff delay ceiling as a time.Duration.
func (q QueueConfig) RetryMax() time.Duration {
	if q.RetryMaxMs <= 0 {
		return time.Duration(DefaultRetryMaxMs) * time.Millisecond
	}
	return time.Duration(q.RetryMaxMs) * time.Millisecond
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"` // defaults to "hydra"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`     // skip TLS for dev
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (HYDRA_ prefix, plus the recognized aliases
//     such as OLLAMA_HOST and CACHE_DIR)
//  2. The file at explicitPath if non-empty
//  3. ~/.hydra/hydra.toml
//  4. ./hydra.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Set all defaults from the default config so viper knows every key.
	setViperDefaults(v)

	// Environment variable overlay: HYDRA_SERVER_PORT etc.
	v.SetEnvPrefix("HYDRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Aliases recognized without the prefix, for drop-in compatibility with
	// existing deployments.
	bindEnvAliases(v)

	// Determine which file(s) to read.
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".hydra"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("hydra")
	}

	if err := v.ReadInConfig(); err != nil {
		// If no config file exists we still proceed with defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Store the resolved config file path.
	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Expand ~ in directory settings.
	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	cfg.Cache.Dir = expandHome(cfg.Cache.Dir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// bindEnvAliases wires the recognized bare environment variables onto their
// config keys. viper checks these after the HYDRA_-prefixed form.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"backend.host":              "OLLAMA_HOST",
		"cache.dir":                 "CACHE_DIR",
		"cache.ttl_ms":              "CACHE_TTL_MS",
		"cache.enabled":             "CACHE_ENABLED",
		"cache.max_memory_entries":  "CACHE_MAX_MEMORY_ENTRIES",
		"cache.max_memory_mb":       "CACHE_MAX_MEMORY_MB",
		"cache.cleanup_interval_ms": "CACHE_CLEANUP_INTERVAL_MS",
		"cache.persist_to_disk":     "CACHE_PERSIST_TO_DISK",
		"cache.encryption_key":      "CACHE_ENCRYPTION_KEY",
		"queue.max_concurrent":      "QUEUE_MAX_CONCURRENT",
		"queue.max_retries":         "QUEUE_MAX_RETRIES",
		"queue.timeout_ms":          "QUEUE_TIMEOUT_MS",
		"server.log_level":          "HYDRA_LOG_LEVEL",
	}
	for key, env := range aliases {
		// BindEnv only errors on an empty key, which cannot happen here.
		_ = v.BindEnv(key, env)
	}
}

// InitConfig writes the default configuration file to ~/.hydra/hydra.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".hydra")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	cfg := Get()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ImportConfig reads a TOML config file and merges it into the current config.
// The imported config is also persisted to the active config file so changes
// survive restarts.
func ImportConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return err
	}
	set(cfg)

	// Persist to the active config file so changes survive restart.
	if dest := ConfigFilePath(); dest != "" {
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config for persistence: %w", err)
		}
		if err := os.WriteFile(dest, out, 0o600); err != nil {
			return fmt.Errorf("persisting imported config: %w", err)
		}
	}

	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var binding
// works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)

	// Backend
	v.SetDefault("backend.host", d.Backend.Host)
	v.SetDefault("backend.request_timeout", d.Backend.RequestTimeout)
	v.SetDefault("backend.health_timeout", d.Backend.HealthTimeout)
	v.SetDefault("backend.temperature", d.Backend.Temperature)
	v.SetDefault("backend.max_tokens", d.Backend.MaxTokens)
	v.SetDefault("backend.default_model", d.Backend.DefaultModel)

	// Cache
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.ttl_ms", d.Cache.TTLMs)
	v.SetDefault("cache.max_memory_entries", d.Cache.MaxMemoryEntries)
	v.SetDefault("cache.max_memory_mb", d.Cache.MaxMemoryMB)
	v.SetDefault("cache.cleanup_interval_ms", d.Cache.CleanupIntervalMs)
	v.SetDefault("cache.persist_to_disk", d.Cache.PersistToDisk)
	v.SetDefault("cache.encryption_key", d.Cache.EncryptionKey)
	v.SetDefault("cache.min_response_len", d.Cache.MinResponseLen)
	v.SetDefault("cache.write_debounce_ms", d.Cache.WriteDebounceMs)
	v.SetDefault("cache.warm_on_start", d.Cache.WarmOnStart)

	// Speculative
	v.SetDefault("speculative.fast_model", d.Speculative.FastModel)
	v.SetDefault("speculative.accurate_model", d.Speculative.AccurateModel)
	v.SetDefault("speculative.budget_ms", d.Speculative.BudgetMs)

	// Correction
	v.SetDefault("correction.generator_model", d.Correction.GeneratorModel)
	v.SetDefault("correction.critic_model", d.Correction.CriticModel)
	v.SetDefault("correction.max_attempts", d.Correction.MaxAttempts)

	// Queue
	v.SetDefault("queue.max_concurrent", d.Queue.MaxConcurrent)
	v.SetDefault("queue.max_retries", d.Queue.MaxRetries)
	v.SetDefault("queue.timeout_ms", d.Queue.TimeoutMs)
	v.SetDefault("queue.retry_base_ms", d.Queue.RetryBaseMs)
	v.SetDefault("queue.retry_max_ms", d.Queue.RetryMaxMs)
	v.SetDefault("queue.retry_jitter", d.Queue.RetryJitter)
	v.SetDefault("queue.bucket_capacity", d.Queue.BucketCapacity)
	v.SetDefault("queue.bucket_refill", d.Queue.BucketRefill)
	v.SetDefault("queue.status_list_limit", d.Queue.StatusListLimit)

	// Tracing
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
