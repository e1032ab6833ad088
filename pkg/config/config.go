package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	Blob       BlobConfig
	Zilliz     ZillizConfig
	LLM        LLMConfig
	Vault      VaultConfig
	Identity   IdentityConfig
	Retrieval  RetrievalConfig
	Retry      RetryConfig
	Retention  RetentionConfig
	Evaluation EvaluationConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled         bool
	Host            string
	Port            int
	Password        string
	DB              int
	EmbeddingTTLSec int
	LockTTLSec      int
}

// BlobConfig selects where encrypted anonymization maps live.
type BlobConfig struct {
	Provider        string // "sqlite" or "gcs"
	GCSBucket       string
	GCSEmulatorHost string
	Prefix          string
}

type ZillizConfig struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type LLMConfig struct {
	Provider       string
	APIKey         string
	BaseURL        string
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
}

type VaultConfig struct {
	KeySource  string // "env" or "file"
	SecretName string
	SecretDir  string
}

type IdentityConfig struct {
	PepperSecretName string
}

type RetrievalConfig struct {
	TopK          int
	MinSimilarity float64
	TimeoutMS     int
	UsageWorkers  int

	// Backoff between passes over an approval queued during an outage.
	ApprovalRetrySec    int
	ApprovalRetryMaxSec int
}

type RetryConfig struct {
	MaxAttempts    int
	InitialDelayMS int
	MaxDelayMS     int
}

type RetentionConfig struct {
	ConversationDays int
	MapDays          int
	SweepIntervalMin int
}

// EvaluationConfig drives the background quality review of stored turns.
type EvaluationConfig struct {
	Enabled     bool
	Model       string
	BatchSize   int
	IntervalSec int
}

func (e EvaluationConfig) Interval() time.Duration {
	return time.Duration(e.IntervalSec) * time.Second
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	Issuer    string
	Audience  string
}

type RateLimitConfig struct {
	GDPRRequestsPerMinute  int
	AdminRequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func (r RetrievalConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

func (r RetrievalConfig) ApprovalRetry() (time.Duration, time.Duration) {
	return time.Duration(r.ApprovalRetrySec) * time.Second, time.Duration(r.ApprovalRetryMaxSec) * time.Second
}

func (r RetentionConfig) ConversationTTL() time.Duration {
	return time.Duration(r.ConversationDays) * 24 * time.Hour
}

func (r RetentionConfig) MapTTL() time.Duration {
	return time.Duration(r.MapDays) * 24 * time.Hour
}

func Load() (*Config, error) {
	return LoadWith(viper.New())
}

// LoadWith reads configuration into v. Tests pass their own viper instance.
func LoadWith(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/privacy-core")

	v.SetEnvPrefix("PRIVACY_CORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Blob.Provider {
	case "sqlite":
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcsBucket is required when blob.provider is gcs")
		}
	default:
		return fmt.Errorf("unknown blob provider %q", c.Blob.Provider)
	}

	switch c.Vault.KeySource {
	case "env", "file":
	default:
		return fmt.Errorf("unknown vault key source %q", c.Vault.KeySource)
	}

	if c.Retrieval.MinSimilarity < -1 || c.Retrieval.MinSimilarity > 1 {
		return fmt.Errorf("retrieval.minSimilarity must be within [-1, 1], got %v", c.Retrieval.MinSimilarity)
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwtSecret is required when auth is enabled")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/privacy-core.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.embeddingTTLSec", 86400)
	v.SetDefault("redis.lockTTLSec", 120)

	v.SetDefault("blob.provider", "sqlite")
	v.SetDefault("blob.prefix", "anonymization-maps")
	v.SetDefault("blob.gcsBucket", "")
	v.SetDefault("blob.gcsEmulatorHost", "")

	v.SetDefault("zilliz.enabled", false)
	v.SetDefault("zilliz.endpoint", "localhost:19530")
	v.SetDefault("zilliz.collectionName", "approved_responses")
	v.SetDefault("zilliz.vectorDim", 1536)
	v.SetDefault("zilliz.apiKey", "")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.timeoutSec", 15)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 1536)

	v.SetDefault("vault.keySource", "env")
	v.SetDefault("vault.secretName", "ANONYMIZATION_ENCRYPTION_KEY")
	v.SetDefault("vault.secretDir", "/var/run/secrets/privacy-core")

	v.SetDefault("identity.pepperSecretName", "IDENTIFIER_HASH_PEPPER")

	v.SetDefault("retrieval.topK", 3)
	v.SetDefault("retrieval.minSimilarity", 0.75)
	v.SetDefault("retrieval.timeoutMS", 1500)
	v.SetDefault("retrieval.usageWorkers", 4)
	v.SetDefault("retrieval.approvalRetrySec", 5)
	v.SetDefault("retrieval.approvalRetryMaxSec", 300)

	v.SetDefault("retry.maxAttempts", 4)
	v.SetDefault("retry.initialDelayMS", 200)
	v.SetDefault("retry.maxDelayMS", 5000)

	v.SetDefault("retention.conversationDays", 90)
	v.SetDefault("retention.mapDays", 365)
	v.SetDefault("retention.sweepIntervalMin", 60)

	v.SetDefault("evaluation.enabled", false)
	v.SetDefault("evaluation.model", "gpt-4o-mini")
	v.SetDefault("evaluation.batchSize", 20)
	v.SetDefault("evaluation.intervalSec", 300)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.issuer", "privacy-core")
	v.SetDefault("auth.audience", "privacy-core-admin")

	v.SetDefault("rateLimit.gdprRequestsPerMinute", 10)
	v.SetDefault("rateLimit.adminRequestsPerMinute", 120)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
