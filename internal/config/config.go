package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ReportForge server.
type Config struct {
	Server        ServerConfig
	StoreBackend  string
	Database      DatabaseConfig
	Redis         RedisConfig
	RateLimit     RateLimitConfig
	AI            AIConfig
	Blob          BlobConfig
	Payload       PayloadConfig
	Validator     ValidatorConfig
	Queue         QueueConfig
	Crawler       CrawlerConfig
	PublicBaseURL string
	WebhookSecret string
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

type RateLimitConfig struct {
	PerMinute int
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	Ollama           OllamaConfig
	VLLM             VLLMConfig
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type VLLMConfig struct {
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type AnthropicConfig struct {
	APIKey string
	Model  string
}

// BlobConfig selects where oversized report bodies are stored.
type BlobConfig struct {
	Backend   string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type PayloadConfig struct {
	InlineThreshold int
	CacheSize       int
	CacheTTL        time.Duration
}

type ValidatorConfig struct {
	Timeout     time.Duration
	Concurrency int
}

type QueueConfig struct {
	Backend     string
	Workers     int
	Buffer      int
	MaxAttempts int
	Name        string
	AMQPURL     string
}

type CrawlerConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

var validProviders = map[string]bool{
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
	"mock":      true,
}

var validStoreBackends = map[string]bool{"postgres": true, "memory": true}
var validBlobBackends = map[string]bool{"memory": true, "minio": true}
var validQueueBackends = map[string]bool{"memory": true, "redis": true, "amqp": true}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	port := envInt("REPORTFORGE_PORT", 8080)
	cfg := &Config{
		Server: ServerConfig{
			Port: port,
			Env:  envString("REPORTFORGE_ENV", "development"),
		},
		StoreBackend: envString("STORE_BACKEND", "postgres"),
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MINUTE", 100),
		},
		AI: AIConfig{
			Provider:         os.Getenv("AI_PROVIDER"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 300*time.Second),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
			VLLM: VLLMConfig{
				BaseURL: envString("VLLM_BASE_URL", "http://localhost:8000"),
				Model:   envString("VLLM_MODEL", ""),
			},
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o"),
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
			},
			Anthropic: AnthropicConfig{
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
				Model:  envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
		},
		Blob: BlobConfig{
			Backend:   envString("BLOB_BACKEND", "memory"),
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    envString("MINIO_BUCKET", "reports"),
			Region:    envString("MINIO_REGION", "us-east-1"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Payload: PayloadConfig{
			InlineThreshold: envInt("PAYLOAD_INLINE_THRESHOLD_BYTES", 256*1024),
			CacheSize:       envInt("PAYLOAD_CACHE_SIZE", 128),
			CacheTTL:        envDuration("PAYLOAD_CACHE_TTL", 10*time.Minute),
		},
		Validator: ValidatorConfig{
			Timeout:     envDuration("VALIDATOR_TIMEOUT", 5*time.Second),
			Concurrency: envInt("VALIDATOR_CONCURRENCY", 8),
		},
		Queue: QueueConfig{
			Backend:     envString("QUEUE_BACKEND", "memory"),
			Workers:     envInt("QUEUE_WORKERS", 4),
			Buffer:      envInt("QUEUE_BUFFER", 256),
			MaxAttempts: envInt("QUEUE_MAX_ATTEMPTS", 3),
			Name:        envString("QUEUE_NAME", "report-analysis"),
			AMQPURL:     os.Getenv("AMQP_URL"),
		},
		Crawler: CrawlerConfig{
			BaseURL: os.Getenv("CRAWLER_BASE_URL"),
			Token:   os.Getenv("CRAWLER_TOKEN"),
			Timeout: envDuration("CRAWLER_TIMEOUT", 30*time.Second),
		},
		PublicBaseURL: envString("PUBLIC_BASE_URL", fmt.Sprintf("http://localhost:%d", port)),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validStoreBackends[c.StoreBackend] {
		return fmt.Errorf("STORE_BACKEND must be one of postgres, memory; got %q", c.StoreBackend)
	}
	if c.StoreBackend == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of ollama, vllm, openai, anthropic, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}
	if c.AI.Provider == "vllm" && c.AI.VLLM.Model == "" {
		return fmt.Errorf("VLLM_MODEL is required when AI_PROVIDER is vllm")
	}
	if c.AI.InferenceTimeout <= 0 {
		return fmt.Errorf("AI_INFERENCE_TIMEOUT_SECS must be positive")
	}

	if !validBlobBackends[c.Blob.Backend] {
		return fmt.Errorf("BLOB_BACKEND must be one of memory, minio; got %q", c.Blob.Backend)
	}
	if c.Blob.Backend == "minio" {
		if c.Blob.Endpoint == "" {
			return fmt.Errorf("MINIO_ENDPOINT is required when BLOB_BACKEND is minio")
		}
		if c.Blob.AccessKey == "" || c.Blob.SecretKey == "" {
			return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when BLOB_BACKEND is minio")
		}
	}

	if c.Payload.InlineThreshold <= 0 {
		return fmt.Errorf("PAYLOAD_INLINE_THRESHOLD_BYTES must be positive, got %d", c.Payload.InlineThreshold)
	}

	if c.Validator.Concurrency <= 0 {
		return fmt.Errorf("VALIDATOR_CONCURRENCY must be positive, got %d", c.Validator.Concurrency)
	}
	if c.Validator.Timeout <= 0 {
		return fmt.Errorf("VALIDATOR_TIMEOUT must be positive")
	}

	if !validQueueBackends[c.Queue.Backend] {
		return fmt.Errorf("QUEUE_BACKEND must be one of memory, redis, amqp; got %q", c.Queue.Backend)
	}
	if c.Queue.Backend == "amqp" && c.Queue.AMQPURL == "" {
		return fmt.Errorf("AMQP_URL is required when QUEUE_BACKEND is amqp")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("QUEUE_WORKERS must be positive, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive, got %d", c.Queue.MaxAttempts)
	}

	if c.Crawler.BaseURL != "" && !isHTTPURL(c.Crawler.BaseURL) {
		return fmt.Errorf("CRAWLER_BASE_URL must start with http:// or https://, got %q", c.Crawler.BaseURL)
	}
	if !isHTTPURL(c.PublicBaseURL) {
		return fmt.Errorf("PUBLIC_BASE_URL must start with http:// or https://, got %q", c.PublicBaseURL)
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
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

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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
