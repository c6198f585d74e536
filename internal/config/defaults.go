package config

// DefaultBindAddress is the default bind address (localhost only for security).
const DefaultBindAddress = "127.0.0.1"

// DefaultPort is the default port for the HTTP surface.
const DefaultPort = 7799

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.hydra"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "hydra.toml"

// DefaultOllamaHost is the default Ollama base URL.
const DefaultOllamaHost = "http://127.0.0.1:11434"

// DefaultBackendTimeout is the default backend request timeout in seconds.
const DefaultBackendTimeout = 60

// DefaultHealthTimeout is the default health probe timeout in seconds.
const DefaultHealthTimeout = 5

// DefaultTemperature is the default sampling temperature.
const DefaultTemperature = 0.3

// DefaultMaxTokens is the default generation cap in tokens.
const DefaultMaxTokens = 2048

// DefaultCacheTTLMs is the default cache entry time-to-live (1 hour).
const DefaultCacheTTLMs int64 = 3_600_000

// DefaultCacheMaxMemoryEntries is the default L1 entry bound.
const DefaultCacheMaxMemoryEntries = 1000

// DefaultCacheMaxMemoryMB is the default L1 byte budget in MiB.
const DefaultCacheMaxMemoryMB = 100

// DefaultCacheCleanupIntervalMs is the default expiry sweep interval (5 min).
const DefaultCacheCleanupIntervalMs int64 = 300_000

// DefaultCacheMinResponseLen guards against caching degenerate responses.
const DefaultCacheMinResponseLen = 10

// DefaultCacheWriteDebounceMs is the per-fingerprint disk write debounce.
const DefaultCacheWriteDebounceMs int64 = 100

// DefaultSpeculativeBudgetMs is the default race budget.
const DefaultSpeculativeBudgetMs int64 = 60_000

// DefaultFastModel is the default low-latency race participant.
const DefaultFastModel = "llama3.2:1b"

// DefaultAccurateModel is the default high-quality race participant.
const DefaultAccurateModel = "llama3.1:8b"

// DefaultCorrectionMaxAttempts bounds the generate/critique loop.
const DefaultCorrectionMaxAttempts = 3

// DefaultQueueMaxConcurrent is the default number of scheduler workers.
const DefaultQueueMaxConcurrent = 4

// DefaultQueueMaxRetries is the default retry budget per item.
const DefaultQueueMaxRetries = 3

// DefaultQueueTimeoutMs is the default per-attempt timeout.
const DefaultQueueTimeoutMs int64 = 60_000

// DefaultRetryBaseMs is the base delay for exponential backoff.
const DefaultRetryBaseMs int64 = 1000

// DefaultRetryMaxMs is the ceiling for exponential backoff.
const DefaultRetryMaxMs int64 = 30_000

// DefaultRetryJitter is the +/- fraction applied to retry delays.
const DefaultRetryJitter = 0.2

// DefaultBucketCapacity is the admission token bucket burst size.
const DefaultBucketCapacity = 10

// DefaultBucketRefill is the admission token refill rate per second.
const DefaultBucketRefill = 2.0

// DefaultStatusListLimit truncates per-state item lists in status replies.
const DefaultStatusListLimit = 25

// DefaultTracingExporter is the default tracing exporter type.
const DefaultTracingExporter = "otlp-grpc"

// DefaultTracingEndpoint is the default OTLP collector endpoint.
const DefaultTracingEndpoint = "localhost:4317"

// DefaultTracingServiceName is the default service name for traces.
const DefaultTracingServiceName = "hydra"

// DefaultTracingSampleRate is the default sampling rate (1.0 = 100%).
const DefaultTracingSampleRate = 1.0

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:  DefaultBindAddress,
			Port:         DefaultPort,
			LogLevel:     DefaultLogLevel,
			DataDir:      DefaultDataDir,
			ReadTimeout:  10,
			WriteTimeout: 300,
			IdleTimeout:  120,
		},
		Backend: BackendConfig{
			Host:           DefaultOllamaHost,
			RequestTimeout: DefaultBackendTimeout,
			HealthTimeout:  DefaultHealthTimeout,
			Temperature:    DefaultTemperature,
			MaxTokens:      DefaultMaxTokens,
			DefaultModel:   DefaultAccurateModel,
			ModelMap:       map[string]string{},
		},
		Cache: CacheConfig{
			Enabled:           true,
			Dir:               "~/.hydra/cache",
			TTLMs:             DefaultCacheTTLMs,
			MaxMemoryEntries:  DefaultCacheMaxMemoryEntries,
			MaxMemoryMB:       DefaultCacheMaxMemoryMB,
			CleanupIntervalMs: DefaultCacheCleanupIntervalMs,
			PersistToDisk:     true,
			EncryptionKey:     "",
			MinResponseLen:    DefaultCacheMinResponseLen,
			WriteDebounceMs:   DefaultCacheWriteDebounceMs,
			WarmOnStart:       false,
		},
		Speculative: SpeculativeConfig{
			FastModel:     DefaultFastModel,
			AccurateModel: DefaultAccurateModel,
			BudgetMs:      DefaultSpeculativeBudgetMs,
		},
		Correction: CorrectionConfig{
			GeneratorModel: DefaultAccurateModel,
			CriticModel:    DefaultFastModel,
			MaxAttempts:    DefaultCorrectionMaxAttempts,
		},
		Queue: QueueConfig{
			MaxConcurrent:   DefaultQueueMaxConcurrent,
			MaxRetries:      DefaultQueueMaxRetries,
			TimeoutMs:       DefaultQueueTimeoutMs,
			RetryBaseMs:     DefaultRetryBaseMs,
			RetryMaxMs:      DefaultRetryMaxMs,
			RetryJitter:     DefaultRetryJitter,
			BucketCapacity:  DefaultBucketCapacity,
			BucketRefill:    DefaultBucketRefill,
			StatusListLimit: DefaultStatusListLimit,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    DefaultTracingExporter,
			Endpoint:    DefaultTracingEndpoint,
			ServiceName: DefaultTracingServiceName,
			SampleRate:  DefaultTracingSampleRate,
			Insecure:    false,
		},
	}
}
