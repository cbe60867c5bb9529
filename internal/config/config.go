package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// maxNumberedKeys bounds the KEY_1..KEY_N scan for credential variables.
const maxNumberedKeys = 16

// Config holds configuration for the chat gateway.
type Config struct {
	HTTPPort       string
	LogLevel       string
	LogFormat      string
	AdminJWTSecret []byte
	PersonaFile    string
	Upstream       UpstreamConfig
	Dispatch       DispatchConfig
	Pool           PoolConfig
	Generation     GenerationConfig
	Redis          RedisConfig
	Database       DatabaseConfig
	Ledger         LedgerConfig

	// ChatRateLimit caps chat requests per client per minute. Zero disables
	// it, and it needs Redis.
	ChatRateLimit  int
	// TrustedProxies lists the addresses and CIDR ranges whose
	// X-Forwarded-For header names the client. Empty trusts nobody.
	TrustedProxies string
}

// UpstreamConfig selects the provider ladder and its credentials.
type UpstreamConfig struct {
	Name              string // gemini or openrouter
	Credentials       []string
	GeminiBaseURL     string
	OpenRouterBaseURL string
	OpenRouterReferer string
	OpenRouterTitle   string
	RequestTimeout    time.Duration
	ClientCacheSize   int
	ClientCacheTTL    time.Duration
}

// DispatchConfig holds the retry budget and escalation thresholds.
type DispatchConfig struct {
	MaxRetries         int
	Backoff            time.Duration
	ProactiveThreshold int
	ReactiveThreshold  int
}

// PoolConfig holds credential cooldowns.
type PoolConfig struct {
	DefaultCooldown      time.Duration
	DisabledCooldown     time.Duration
	MaxConsecutiveErrors int
	RecoveryWindow       time.Duration
	// PersistCooldowns mirrors cooldowns into Redis when Redis is configured.
	PersistCooldowns  bool
	CooldownKeyPrefix string
}

// GenerationConfig holds sampling parameters shared by all tiers.
type GenerationConfig struct {
	Temperature     float64
	MaxOutputTokens int
}

// RedisConfig holds Redis connection settings. An empty Address disables
// every Redis-backed component.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig holds database connection settings. An empty URL disables
// the Postgres ledger sink.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LedgerConfig controls the per-request dispatch ledger.
type LedgerConfig struct {
	Enabled      bool
	QueueName    string
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	FileTemplate string // local JSONL files, e.g. /var/log/thankan/dispatch-%s.jsonl
	FileMaxSize  int64
	FileMaxFiles int
	S3Bucket     string
	S3Region     string
	S3Prefix     string
	PodName      string
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

// numberedKeys collects PREFIX_1..PREFIX_N followed by the fallback
// variables, in that order. Duplicates are removed later by the pool.
func numberedKeys(prefix string, fallbacks ...string) []string {
	var out []string
	for i := 1; i <= maxNumberedKeys; i++ {
		if v := strings.TrimSpace(os.Getenv(fmt.Sprintf("%s_%d", prefix, i))); v != "" {
			out = append(out, v)
		}
	}
	for _, name := range fallbacks {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Load reads configuration from environment variables. A .env file in the
// working directory, or the file named by ENV_FILE, is loaded first without
// overriding variables that are already set.
func Load() (*Config, error) {
	envFile := getEnvString("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	upstream := strings.ToLower(getEnvString("UPSTREAM", "gemini"))
	var credentials []string
	switch upstream {
	case "openrouter":
		credentials = numberedKeys("OPENROUTER_API_KEY", "OPENROUTER_API_KEY")
	default:
		credentials = numberedKeys("GOOGLE_AI_API_KEY", "GOOGLE_GEMINI_API_KEY")
	}

	cfg := &Config{
		HTTPPort:       getEnvString("HTTP_PORT", "8080"),
		LogLevel:       strings.ToLower(getEnvString("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getEnvString("LOG_FORMAT", "text")),
		AdminJWTSecret: []byte(os.Getenv("ADMIN_JWT_SECRET")),
		PersonaFile:    os.Getenv("PERSONA_FILE"),
		Upstream: UpstreamConfig{
			Name:              upstream,
			Credentials:       credentials,
			GeminiBaseURL:     os.Getenv("GEMINI_BASE_URL"),
			OpenRouterBaseURL: getEnvString("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
			OpenRouterReferer: os.Getenv("OPENROUTER_REFERER"),
			OpenRouterTitle:   getEnvString("OPENROUTER_TITLE", "Thankan Chettan"),
			RequestTimeout:    getEnvDuration("UPSTREAM_REQUEST_TIMEOUT", 120*time.Second),
			ClientCacheSize:   getEnvInt("UPSTREAM_CLIENT_CACHE_SIZE", 16),
			ClientCacheTTL:    getEnvDuration("UPSTREAM_CLIENT_CACHE_TTL", 30*time.Minute),
		},
		Dispatch: DispatchConfig{
			MaxRetries:         getEnvInt("DISPATCH_MAX_RETRIES", 3),
			Backoff:            getEnvDuration("DISPATCH_BACKOFF", time.Second),
			ProactiveThreshold: getEnvInt("DISPATCH_PROACTIVE_THRESHOLD", 4),
			ReactiveThreshold:  getEnvInt("DISPATCH_REACTIVE_THRESHOLD", 2),
		},
		Pool: PoolConfig{
			DefaultCooldown:      getEnvDuration("POOL_DEFAULT_COOLDOWN", 60*time.Second),
			DisabledCooldown:     getEnvDuration("POOL_DISABLED_COOLDOWN", 24*time.Hour),
			MaxConsecutiveErrors: getEnvInt("POOL_MAX_CONSECUTIVE_ERRORS", 3),
			RecoveryWindow:       getEnvDuration("DISPATCH_RECOVERY_WINDOW", 10*time.Minute),
			PersistCooldowns:     getEnvBool("POOL_PERSIST_COOLDOWNS", true),
			CooldownKeyPrefix:    getEnvString("POOL_COOLDOWN_KEY_PREFIX", "thankan:cooldown:"),
		},
		Generation: GenerationConfig{
			Temperature:     getEnvFloat("GENERATION_TEMPERATURE", 0.8),
			MaxOutputTokens: getEnvInt("GENERATION_MAX_OUTPUT_TOKENS", 2000),
		},
		ChatRateLimit:  getEnvInt("CHAT_RATE_LIMIT_PER_MINUTE", 0),
		TrustedProxies: getEnvString("TRUSTED_PROXIES", ""),
		Redis: RedisConfig{
			Address:      os.Getenv("REDIS_ADDRESS"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Ledger: LedgerConfig{
			Enabled:      getEnvBool("LEDGER_ENABLED", true),
			QueueName:    getEnvString("LEDGER_QUEUE_NAME", "dispatch-ledger"),
			BatchSize:    getEnvInt("LEDGER_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("LEDGER_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:   getEnvInt("LEDGER_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("LEDGER_RETRY_BACKOFF", time.Second),
			FileTemplate: os.Getenv("LEDGER_FILE_TEMPLATE"),
			FileMaxSize:  getEnvInt64("LEDGER_FILE_MAX_SIZE", 10_485_760), // default 10 MB
			FileMaxFiles: getEnvInt("LEDGER_FILE_MAX_FILES", 5),
			S3Bucket:     os.Getenv("S3_BUCKET"),
			S3Region:     getEnvString("S3_REGION", "us-east-1"),
			S3Prefix:     getEnvString("S3_PREFIX", "dispatch/"),
			PodName:      getEnvString("POD_NAME", "gateway-0"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would make the gateway misbehave rather than
// fail loudly. Zero credentials is deliberately not an error here: the
// gateway starts and answers chat requests with a 500 so the
// misconfiguration is visible to callers.
func (c *Config) Validate() error {
	switch c.Upstream.Name {
	case "gemini", "openrouter":
	default:
		return fmt.Errorf("UPSTREAM must be gemini or openrouter, got %q", c.Upstream.Name)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.Dispatch.MaxRetries < 1 {
		return errors.New("DISPATCH_MAX_RETRIES must be at least 1")
	}
	if c.Dispatch.Backoff < 0 {
		return errors.New("DISPATCH_BACKOFF must not be negative")
	}
	if c.Dispatch.ReactiveThreshold < 0 || c.Dispatch.ProactiveThreshold < 0 {
		return errors.New("escalation thresholds must not be negative")
	}
	if c.Pool.MaxConsecutiveErrors < 1 {
		return errors.New("POOL_MAX_CONSECUTIVE_ERRORS must be at least 1")
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return fmt.Errorf("GENERATION_TEMPERATURE must be within [0, 2], got %v", c.Generation.Temperature)
	}
	if c.Generation.MaxOutputTokens < 1 {
		return errors.New("GENERATION_MAX_OUTPUT_TOKENS must be at least 1")
	}
	if c.ChatRateLimit < 0 {
		return errors.New("CHAT_RATE_LIMIT_PER_MINUTE must not be negative")
	}
	if c.Ledger.BatchSize < 1 {
		return errors.New("LEDGER_BATCH_SIZE must be at least 1")
	}
	return nil
}
