// Package config loads service configuration. Values come from an optional
// YAML file (CONFIG_PATH) merged over built-in defaults, with environment
// variables taking precedence over both. Operators typically deploy with
// env-only configuration; the file exists for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by the factories.
const (
	VectorBackendJSON     = "json"
	VectorBackendQdrant   = "qdrant"
	VectorBackendPostgres = "postgres"
	VectorBackendRedis    = "redis"

	MemoryBackendMemory   = "memory"
	MemoryBackendPostgres = "postgres"
	// MemoryBackendCosmos stores documents in Redis using the connection
	// string from COSMOS_CONN_STR. The name is kept for compatibility with
	// deployments that configured the document-store slot under that label.
	MemoryBackendCosmos = "cosmos"
	MemoryBackendRedis  = "redis"
)

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	StageTimeout    time.Duration `mapstructure:"stage_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type QdrantConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	Collection string        `mapstructure:"collection"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type VectorStoreConfig struct {
	Backend   string       `mapstructure:"backend"`
	Dimension int          `mapstructure:"dimension"`
	TopK      int          `mapstructure:"top_k"`
	MinScore  float64      `mapstructure:"min_score"`
	JSONPath  string       `mapstructure:"json_path"`
	Qdrant    QdrantConfig `mapstructure:"qdrant"`
	// PostgresConnStr and RedisAddr fall back to the shared PG_CONN_STR /
	// REDIS_ADDR settings when unset.
	PostgresConnStr string `mapstructure:"postgres_conn_str"`
	RedisAddr       string `mapstructure:"redis_addr"`
}

type MemoryConfig struct {
	Backend         string        `mapstructure:"backend"`
	MaxTurns        int           `mapstructure:"max_turns"`
	RecentTurns     int           `mapstructure:"recent_turns"`
	IdleTTL         time.Duration `mapstructure:"idle_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	PostgresConnStr string        `mapstructure:"postgres_conn_str"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	CosmosConnStr   string        `mapstructure:"cosmos_conn_str"`
}

type AzureOpenAIConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	APIKey          string        `mapstructure:"api_key"`
	APIVersion      string        `mapstructure:"api_version"`
	ChatDeployment  string        `mapstructure:"chat_deployment"`
	EmbedDeployment string        `mapstructure:"embed_deployment"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Temperature     float64       `mapstructure:"temperature"`
}

type EmbeddingCacheConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
	LRUSize   int           `mapstructure:"lru_size"`
}

type BudgetConfig struct {
	MaxTokensPerRequest  int `mapstructure:"max_tokens_per_request"`
	PromptOverheadTokens int `mapstructure:"prompt_overhead_tokens"`
}

type ModerationConfig struct {
	// Provider is "local" or "contentsafety". When unset it is derived:
	// contentsafety if an endpoint is configured, local otherwise.
	Provider  string        `mapstructure:"provider"`
	Endpoint  string        `mapstructure:"endpoint"`
	APIKey    string        `mapstructure:"api_key"`
	Threshold string        `mapstructure:"threshold"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type RedactionConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type AuditConfig struct {
	Backend         string        `mapstructure:"backend"`
	PostgresConnStr string        `mapstructure:"postgres_conn_str"`
	RetentionDays   int           `mapstructure:"retention_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type PromptsConfig struct {
	Backend         string `mapstructure:"backend"`
	PostgresConnStr string `mapstructure:"postgres_conn_str"`
}

type DemoConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	FixturesPath string `mapstructure:"fixtures_path"`
	TracePath    string `mapstructure:"trace_path"`
	WatchFiles   bool   `mapstructure:"watch_files"`
}

// Config is the full service configuration tree.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
	Demo           DemoConfig           `mapstructure:"demo"`
	VectorStore    VectorStoreConfig    `mapstructure:"vector_store"`
	Memory         MemoryConfig         `mapstructure:"memory"`
	AzureOpenAI    AzureOpenAIConfig    `mapstructure:"azure_openai"`
	EmbeddingCache EmbeddingCacheConfig `mapstructure:"embedding_cache"`
	Budget         BudgetConfig         `mapstructure:"budget"`
	Moderation     ModerationConfig     `mapstructure:"moderation"`
	Redaction      RedactionConfig      `mapstructure:"redaction"`
	Audit          AuditConfig          `mapstructure:"audit"`
	Prompts        PromptsConfig        `mapstructure:"prompts"`
}

// Load builds the configuration: defaults, then the optional CONFIG_PATH
// YAML file, then environment overrides. It never fails on a missing file,
// only on an unreadable or malformed one.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgPath := os.Getenv("CONFIG_PATH"); cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.max_concurrent", 10)
	v.SetDefault("server.rate_limit_rps", 50.0)
	v.SetDefault("server.rate_limit_burst", 100)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.stage_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "safety-copilot")
	v.SetDefault("tracing.sampling_rate", 1.0)

	v.SetDefault("demo.enabled", false)
	v.SetDefault("demo.fixtures_path", "./fixtures")
	v.SetDefault("demo.trace_path", "./fixtures")
	v.SetDefault("demo.watch_files", true)

	v.SetDefault("vector_store.backend", VectorBackendJSON)
	v.SetDefault("vector_store.dimension", 1536)
	v.SetDefault("vector_store.top_k", 10)
	v.SetDefault("vector_store.min_score", 0.1)
	v.SetDefault("vector_store.json_path", "./data/chunks.json")
	v.SetDefault("vector_store.qdrant.collection", "safety_chunks")
	v.SetDefault("vector_store.qdrant.timeout", 10*time.Second)

	v.SetDefault("memory.backend", MemoryBackendMemory)
	v.SetDefault("memory.max_turns", 10)
	v.SetDefault("memory.recent_turns", 3)
	v.SetDefault("memory.idle_ttl", 24*time.Hour)
	v.SetDefault("memory.cleanup_interval", 10*time.Minute)

	v.SetDefault("azure_openai.api_version", "2024-06-01")
	v.SetDefault("azure_openai.chat_deployment", "gpt-4o")
	v.SetDefault("azure_openai.embed_deployment", "text-embedding-3-small")
	v.SetDefault("azure_openai.timeout", 30*time.Second)
	v.SetDefault("azure_openai.temperature", 0.2)

	v.SetDefault("embedding_cache.ttl", 24*time.Hour)
	v.SetDefault("embedding_cache.lru_size", 2048)

	v.SetDefault("budget.max_tokens_per_request", 4096)
	v.SetDefault("budget.prompt_overhead_tokens", 300)

	v.SetDefault("moderation.threshold", "medium")
	v.SetDefault("moderation.timeout", 5*time.Second)

	v.SetDefault("redaction.enabled", true)

	v.SetDefault("audit.backend", "memory")
	v.SetDefault("audit.retention_days", 365)
	v.SetDefault("audit.cleanup_interval", 1*time.Hour)

	v.SetDefault("prompts.backend", "memory")
}

// applyEnvOverrides maps the flat deployment environment onto the config
// tree. Env always wins.
func applyEnvOverrides(c *Config) {
	setInt(&c.Server.Port, "PORT")
	setInt(&c.Server.MaxConcurrent, "MAX_CONCURRENT_REQUESTS")
	setFloat(&c.Server.RateLimitRPS, "RATE_LIMIT_RPS")
	setSeconds(&c.Server.RequestTimeout, "REQUEST_TIMEOUT_SECONDS")
	setSeconds(&c.Server.StageTimeout, "STAGE_TIMEOUT_SECONDS")

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")

	setBool(&c.Tracing.Enabled, "TRACING_ENABLED")
	setString(&c.Tracing.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&c.Tracing.ServiceName, "OTEL_SERVICE_NAME")

	setBool(&c.Demo.Enabled, "DEMO_MODE")
	setString(&c.Demo.FixturesPath, "FIXTURES_PATH")
	setString(&c.Demo.TracePath, "DEMO_TRACE_PATH")

	setString(&c.VectorStore.Backend, "VECTOR_STORE")
	setInt(&c.VectorStore.Dimension, "EMBEDDING_DIMENSION")
	setInt(&c.VectorStore.TopK, "VECTOR_SEARCH_TOP_K")
	setString(&c.VectorStore.JSONPath, "VECTOR_JSON_PATH")
	setString(&c.VectorStore.Qdrant.Endpoint, "QDRANT_ENDPOINT")
	setString(&c.VectorStore.Qdrant.Collection, "QDRANT_COLLECTION")
	setString(&c.VectorStore.Qdrant.APIKey, "QDRANT_API_KEY")

	setString(&c.Memory.Backend, "MEMORY_BACKEND")
	setInt(&c.Memory.MaxTurns, "CONVERSATION_MAX_TURNS")
	setInt(&c.Memory.RecentTurns, "CONVERSATION_RECENT_TURNS")
	setHours(&c.Memory.IdleTTL, "CONVERSATION_TTL_HOURS")
	setString(&c.Memory.CosmosConnStr, "COSMOS_CONN_STR")

	setString(&c.AzureOpenAI.Endpoint, "AOAI_ENDPOINT")
	setString(&c.AzureOpenAI.APIKey, "AOAI_API_KEY")
	setString(&c.AzureOpenAI.APIVersion, "AOAI_API_VERSION")
	setString(&c.AzureOpenAI.ChatDeployment, "AOAI_CHAT_DEPLOYMENT")
	setString(&c.AzureOpenAI.EmbedDeployment, "AOAI_EMB_DEPLOYMENT")
	setString(&c.AzureOpenAI.EmbedDeployment, "AOAI_EMBED_DEPLOYMENT")

	setString(&c.EmbeddingCache.RedisAddr, "EMBEDDING_CACHE_REDIS_ADDR")

	setInt(&c.Budget.MaxTokensPerRequest, "MAX_TOKENS_PER_REQUEST")
	setInt(&c.Budget.PromptOverheadTokens, "PROMPT_OVERHEAD_TOKENS")

	setString(&c.Moderation.Provider, "MODERATION_PROVIDER")
	setString(&c.Moderation.Endpoint, "CONTENT_SAFETY_ENDPOINT")
	setString(&c.Moderation.APIKey, "CONTENT_SAFETY_KEY")
	setString(&c.Moderation.Threshold, "CONTENT_SAFETY_THRESHOLD")

	setBool(&c.Redaction.Enabled, "REDACTION_ENABLED")

	setString(&c.Audit.Backend, "AUDIT_BACKEND")
	setInt(&c.Audit.RetentionDays, "AUDIT_LOG_RETENTION_DAYS")

	setString(&c.Prompts.Backend, "PROMPT_REGISTRY_BACKEND")

	// Shared connection settings fan out to every consumer that has not
	// been given its own.
	if pg := os.Getenv("PG_CONN_STR"); pg != "" {
		if c.VectorStore.PostgresConnStr == "" {
			c.VectorStore.PostgresConnStr = pg
		}
		if c.Memory.PostgresConnStr == "" {
			c.Memory.PostgresConnStr = pg
		}
		if c.Audit.PostgresConnStr == "" {
			c.Audit.PostgresConnStr = pg
		}
		if c.Prompts.PostgresConnStr == "" {
			c.Prompts.PostgresConnStr = pg
		}
	}
	if addr := redisAddrFromEnv(); addr != "" {
		if c.VectorStore.RedisAddr == "" {
			c.VectorStore.RedisAddr = addr
		}
		if c.Memory.RedisAddr == "" {
			c.Memory.RedisAddr = addr
		}
		if c.EmbeddingCache.RedisAddr == "" {
			c.EmbeddingCache.RedisAddr = addr
		}
	}
}

// normalize resolves derived settings after all sources are merged.
func (c *Config) normalize() {
	c.VectorStore.Backend = strings.ToLower(strings.TrimSpace(c.VectorStore.Backend))
	c.Memory.Backend = strings.ToLower(strings.TrimSpace(c.Memory.Backend))
	c.Audit.Backend = strings.ToLower(strings.TrimSpace(c.Audit.Backend))
	c.Prompts.Backend = strings.ToLower(strings.TrimSpace(c.Prompts.Backend))
	c.Moderation.Threshold = strings.ToLower(strings.TrimSpace(c.Moderation.Threshold))

	if c.Moderation.Provider == "" {
		if c.Moderation.Endpoint != "" {
			c.Moderation.Provider = "contentsafety"
		} else {
			c.Moderation.Provider = "local"
		}
	}
	// The cosmos memory label is served by the Redis document backend; the
	// connection string doubles as the Redis address.
	if c.Memory.Backend == MemoryBackendCosmos && c.Memory.RedisAddr == "" {
		c.Memory.RedisAddr = c.Memory.CosmosConnStr
	}
	// Same alias for the vector store slot.
	if c.VectorStore.Backend == "cosmos" {
		c.VectorStore.Backend = VectorBackendRedis
		if c.VectorStore.RedisAddr == "" {
			c.VectorStore.RedisAddr = c.Memory.CosmosConnStr
		}
	}
}

// Validate rejects configurations that cannot produce a working service.
func (c *Config) Validate() error {
	switch c.VectorStore.Backend {
	case VectorBackendJSON, VectorBackendQdrant, VectorBackendPostgres, VectorBackendRedis:
	default:
		return fmt.Errorf("unknown vector store backend %q", c.VectorStore.Backend)
	}
	switch c.Memory.Backend {
	case MemoryBackendMemory, MemoryBackendPostgres, MemoryBackendRedis, MemoryBackendCosmos:
	default:
		return fmt.Errorf("unknown memory backend %q", c.Memory.Backend)
	}
	if c.VectorStore.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.VectorStore.Dimension)
	}
	if c.Budget.MaxTokensPerRequest <= 0 {
		return fmt.Errorf("max tokens per request must be positive, got %d", c.Budget.MaxTokensPerRequest)
	}
	if !c.Demo.Enabled {
		if c.AzureOpenAI.Endpoint == "" || c.AzureOpenAI.APIKey == "" {
			return fmt.Errorf("AOAI_ENDPOINT and AOAI_API_KEY are required outside demo mode")
		}
	}
	if c.VectorStore.Backend == VectorBackendQdrant && c.VectorStore.Qdrant.Endpoint == "" {
		return fmt.Errorf("QDRANT_ENDPOINT is required for the qdrant vector store")
	}
	if c.VectorStore.Backend == VectorBackendPostgres && c.VectorStore.PostgresConnStr == "" {
		return fmt.Errorf("PG_CONN_STR is required for the postgres vector store")
	}
	if c.VectorStore.Backend == VectorBackendRedis && c.VectorStore.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required for the redis vector store")
	}
	if c.Memory.Backend == MemoryBackendPostgres && c.Memory.PostgresConnStr == "" {
		return fmt.Errorf("PG_CONN_STR is required for the postgres memory backend")
	}
	if (c.Memory.Backend == MemoryBackendRedis || c.Memory.Backend == MemoryBackendCosmos) && c.Memory.RedisAddr == "" {
		return fmt.Errorf("a redis address is required for the %s memory backend", c.Memory.Backend)
	}
	if c.Moderation.Provider == "contentsafety" && (c.Moderation.Endpoint == "" || c.Moderation.APIKey == "") {
		return fmt.Errorf("CONTENT_SAFETY_ENDPOINT and CONTENT_SAFETY_KEY are required for the contentsafety moderator")
	}
	switch c.Moderation.Threshold {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("moderation threshold must be low, medium, or high, got %q", c.Moderation.Threshold)
	}
	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit retention days must be positive, got %d", c.Audit.RetentionDays)
	}
	return nil
}

// AuditRetention converts the day-based retention knob to a duration.
func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.Audit.RetentionDays) * 24 * time.Hour
}

func redisAddrFromEnv() string {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		return v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		return strings.TrimPrefix(v, "redis://")
	}
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		var x int
		if _, err := fmt.Sscanf(v, "%d", &x); err == nil {
			*dst = x
		}
	}
}

func setFloat(dst *float64, env string) {
	if v := os.Getenv(env); v != "" {
		var x float64
		if _, err := fmt.Sscanf(v, "%f", &x); err == nil {
			*dst = x
		}
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setSeconds(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		var x int
		if _, err := fmt.Sscanf(v, "%d", &x); err == nil && x > 0 {
			*dst = time.Duration(x) * time.Second
		}
	}
}

func setHours(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		var x int
		if _, err := fmt.Sscanf(v, "%d", &x); err == nil && x > 0 {
			*dst = time.Duration(x) * time.Hour
		}
	}
}
