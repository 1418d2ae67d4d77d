package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the PhotoTag server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AI       AIConfig
	Tagging  TaggingConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	OpenAI           OpenAIConfig
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// TaggingConfig carries every tunable of the tagging orchestrator. The
// router, scheduler and tracker receive it explicitly; there is no ambient
// global state, so tests can tune thresholds without recompilation.
type TaggingConfig struct {
	// Routing thresholds by pending-set size N:
	//   N <= ImmediateMax     one synchronous call
	//   N <= ChunkedMax       sequential chunks of ChunkSize
	//   N <= SingleBatchMax   one asynchronous batch job
	//   otherwise             split into batches of <= SingleBatchMax
	ImmediateMax   int
	ChunkedMax     int
	SingleBatchMax int
	ChunkSize      int
	ChunkDelay     time.Duration

	MaxTagsPerImage int

	// Retry schedule. Delays grow as BackoffBase*2^n with jitter, capped at
	// BackoffCap. Rate-limited failures wait the short RateLimitDelay first.
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	RateLimitDelay time.Duration
	TickInterval   time.Duration

	// Batch job polling.
	PollInterval     time.Duration
	SettleTime       time.Duration
	CompletionWindow time.Duration
	PollLockTTL      time.Duration

	// Per-tenant admission budget over a one-minute window. Token cost is
	// estimated as TokensPerImage per submitted image, since true cost is
	// unknown before the call completes.
	RequestsPerMinute int
	TokensPerMinute   int
	TokensPerImage    int
}

var validProviders = map[string]bool{
	"openai": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PHOTOTAG_PORT", 8080),
			Env:  envString("PHOTOTAG_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AI: AIConfig{
			Provider:         os.Getenv("AI_PROVIDER"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 60*time.Second),
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
		},
		Tagging: TaggingConfig{
			ImmediateMax:      envInt("TAGGING_IMMEDIATE_MAX", 5),
			ChunkedMax:        envInt("TAGGING_CHUNKED_MAX", 50),
			SingleBatchMax:    envInt("TAGGING_SINGLE_BATCH_MAX", 200),
			ChunkSize:         envInt("TAGGING_CHUNK_SIZE", 5),
			ChunkDelay:        envDuration("TAGGING_CHUNK_DELAY", 2*time.Second),
			MaxTagsPerImage:   envInt("TAGGING_MAX_TAGS_PER_IMAGE", 10),
			MaxAttempts:       envInt("TAGGING_MAX_ATTEMPTS", 5),
			BackoffBase:       envDuration("TAGGING_BACKOFF_BASE", 30*time.Second),
			BackoffCap:        envDuration("TAGGING_BACKOFF_CAP", 10*time.Minute),
			RateLimitDelay:    envDuration("TAGGING_RATE_LIMIT_DELAY", 15*time.Second),
			TickInterval:      envDuration("TAGGING_TICK_INTERVAL", 10*time.Second),
			PollInterval:      envDuration("TAGGING_POLL_INTERVAL", 30*time.Second),
			SettleTime:        envDuration("TAGGING_SETTLE_TIME", time.Minute),
			CompletionWindow:  envDuration("TAGGING_COMPLETION_WINDOW", 24*time.Hour),
			PollLockTTL:       envDuration("TAGGING_POLL_LOCK_TTL", time.Minute),
			RequestsPerMinute: envInt("TAGGING_REQUESTS_PER_MINUTE", 60),
			TokensPerMinute:   envInt("TAGGING_TOKENS_PER_MINUTE", 100000),
			TokensPerImage:    envInt("TAGGING_TOKENS_PER_IMAGE", 1000),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of openai, mock; got %q", c.AI.Provider)
	}

	if c.AI.Provider == "openai" {
		if c.AI.OpenAI.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
		}
		if !strings.HasPrefix(c.AI.OpenAI.BaseURL, "http://") && !strings.HasPrefix(c.AI.OpenAI.BaseURL, "https://") {
			return fmt.Errorf("OPENAI_BASE_URL must start with http:// or https://, got %q", c.AI.OpenAI.BaseURL)
		}
	}

	return c.Tagging.Validate()
}

// Validate checks the orchestrator tunables for internal consistency.
func (t TaggingConfig) Validate() error {
	if t.ImmediateMax <= 0 || t.ChunkedMax <= t.ImmediateMax || t.SingleBatchMax <= t.ChunkedMax {
		return fmt.Errorf("tagging thresholds must satisfy 0 < immediate < chunked < single batch; got %d/%d/%d",
			t.ImmediateMax, t.ChunkedMax, t.SingleBatchMax)
	}
	if t.ChunkSize <= 0 {
		return fmt.Errorf("TAGGING_CHUNK_SIZE must be positive, got %d", t.ChunkSize)
	}
	if t.MaxAttempts <= 0 {
		return fmt.Errorf("TAGGING_MAX_ATTEMPTS must be positive, got %d", t.MaxAttempts)
	}
	if t.RequestsPerMinute <= 0 {
		return fmt.Errorf("TAGGING_REQUESTS_PER_MINUTE must be positive, got %d", t.RequestsPerMinute)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
