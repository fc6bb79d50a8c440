package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the chatrelay server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	AI        AIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Chat      ChatConfig
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

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// AIConfig configures the Gemini generation engine.
type AIConfig struct {
	APIKey           string
	BaseURL          string // optional; empty uses the SDK default endpoint
	Model            string
	MaxOutputTokens  int
	InferenceTimeout time.Duration
	// MaxConcurrent caps in-flight engine calls per process. Zero disables the cap.
	MaxConcurrent int
}

type QueueConfig struct {
	MaxAttempts        int
	BackoffBase        time.Duration
	Lease              time.Duration
	ReapInterval       time.Duration
	CompletedRetention time.Duration
}

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
}

type CacheConfig struct {
	ChatroomsTTL time.Duration
}

// TierLimit is the admission cap for one subscription tier.
type TierLimit struct {
	Cap    int
	Window time.Duration
}

type RateLimitConfig struct {
	Basic             TierLimit
	Pro               TierLimit
	RequestsPerMinute int
}

type ChatConfig struct {
	WaitTimeout      time.Duration
	MaxMessageLength int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	basicWindow, err := envWindow("RATE_LIMIT_BASIC_WINDOW", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	proWindow, err := envWindow("RATE_LIMIT_PRO_WINDOW", time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("CHATRELAY_PORT", 8080),
			Env:  envString("CHATRELAY_ENV", "development"),
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
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			Issuer:    envString("JWT_ISSUER", ""),
		},
		AI: AIConfig{
			APIKey:           os.Getenv("GEMINI_API_KEY"),
			BaseURL:          os.Getenv("GEMINI_BASE_URL"),
			Model:            envString("GEMINI_MODEL", "gemini-2.0-flash"),
			MaxOutputTokens:  envInt("GEMINI_MAX_OUTPUT_TOKENS", 1024),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 60*time.Second),
			MaxConcurrent:    envInt("AI_MAX_CONCURRENT", 0),
		},
		Queue: QueueConfig{
			MaxAttempts:        envInt("JOB_MAX_ATTEMPTS", 3),
			BackoffBase:        envDuration("JOB_BACKOFF_BASE", time.Second),
			Lease:              envDuration("JOB_LEASE", 2*time.Minute),
			ReapInterval:       envDuration("JOB_REAP_INTERVAL", 30*time.Second),
			CompletedRetention: envDuration("JOB_COMPLETED_RETENTION", 24*time.Hour),
		},
		Worker: WorkerConfig{
			Concurrency:  envInt("WORKER_CONCURRENCY", 10),
			PollInterval: envDuration("WORKER_POLL_INTERVAL", 250*time.Millisecond),
		},
		Cache: CacheConfig{
			ChatroomsTTL: envDurationSecs("CACHE_CHATROOMS_TTL_SECS", 600*time.Second),
		},
		RateLimit: RateLimitConfig{
			Basic:             TierLimit{Cap: envInt("RATE_LIMIT_BASIC_CAP", 10), Window: basicWindow},
			Pro:               TierLimit{Cap: envInt("RATE_LIMIT_PRO_CAP", 50), Window: proWindow},
			RequestsPerMinute: envInt("API_REQUESTS_PER_MINUTE", 60),
		},
		Chat: ChatConfig{
			WaitTimeout:      envDurationSecs("CHAT_WAIT_TIMEOUT_SECS", 30*time.Second),
			MaxMessageLength: envInt("CHAT_MAX_MESSAGE_LENGTH", 4000),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment reports whether the server runs in the development environment.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}

	if c.AI.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.AI.InferenceTimeout <= 0 {
		return fmt.Errorf("AI_INFERENCE_TIMEOUT_SECS must be positive")
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BackoffBase <= 0 {
		return fmt.Errorf("JOB_BACKOFF_BASE must be positive")
	}
	if c.Queue.Lease <= c.AI.InferenceTimeout {
		return fmt.Errorf("JOB_LEASE (%s) must exceed AI_INFERENCE_TIMEOUT_SECS (%s)", c.Queue.Lease, c.AI.InferenceTimeout)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}

	if c.RateLimit.Basic.Cap < 1 {
		return fmt.Errorf("RATE_LIMIT_BASIC_CAP must be at least 1, got %d", c.RateLimit.Basic.Cap)
	}
	if c.RateLimit.Pro.Cap < 1 {
		return fmt.Errorf("RATE_LIMIT_PRO_CAP must be at least 1, got %d", c.RateLimit.Pro.Cap)
	}

	if c.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("API_REQUESTS_PER_MINUTE must be at least 1, got %d", c.RateLimit.RequestsPerMinute)
	}

	if c.Chat.WaitTimeout <= 0 {
		return fmt.Errorf("CHAT_WAIT_TIMEOUT_SECS must be positive")
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

// envWindow accepts "minute", "hour", "day" or a Go duration string.
func envWindow(key string, defaultVal time.Duration) (time.Duration, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return defaultVal, nil
	case "minute":
		return time.Minute, nil
	case "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be minute, hour, day or a positive duration; got %q", key, v)
	}
	return d, nil
}
