package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/decisionflow/engine/internal/logging"
	"github.com/decisionflow/engine/internal/tracing"
	"github.com/spf13/viper"
)

// DefaultPath is used when CONFIG_PATH is unset
const DefaultPath = "./config/decisionflow.yaml"

// Config is the complete process configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    logging.Config   `mapstructure:"logging"`
	Tracing    tracing.Config   `mapstructure:"tracing"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	VectorDB   VectorDBConfig   `mapstructure:"vectordb"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Report     ReportConfig     `mapstructure:"report"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Events     EventsConfig     `mapstructure:"events"`
	Temporal   TemporalConfig   `mapstructure:"temporal"`
}

type ServerConfig struct {
	HTTPPort          int     `mapstructure:"http_port"`
	AdminPort         int     `mapstructure:"admin_port"`
	GRPCPort          int     `mapstructure:"grpc_port"`
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
	Burst             int     `mapstructure:"burst"`
	StreamCapacity    int     `mapstructure:"stream_capacity"`
}

type LLMConfig struct {
	Provider            string        `mapstructure:"provider"` // http | gemini
	BaseURL             string        `mapstructure:"base_url"`
	Model               string        `mapstructure:"model"`
	APIKey              string        `mapstructure:"api_key"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxTokens           int           `mapstructure:"max_tokens"`
	PlannerTemperature  float64       `mapstructure:"planner_temperature"`
	AnalyzerTemperature float64       `mapstructure:"analyzer_temperature"`
	DecisionTemperature float64       `mapstructure:"decision_temperature"`
}

type EmbeddingsConfig struct {
	Provider       string        `mapstructure:"provider"` // http | gemini
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	LocalCacheSize int           `mapstructure:"local_cache_size"`
}

type VectorDBConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Collection string        `mapstructure:"collection"`
	ScoreKind  string        `mapstructure:"score_kind"` // distance | similarity
	Timeout    time.Duration `mapstructure:"timeout"`
}

type MemoryConfig struct {
	Backend    string         `mapstructure:"backend"` // postgres | sqlite
	SQLitePath string         `mapstructure:"sqlite_path"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int    `mapstructure:"max_conns"`
}

// DSN renders the lib/pq connection string
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	StreamMirror bool          `mapstructure:"stream_mirror"`
	StreamTTL    time.Duration `mapstructure:"stream_ttl"`
}

// EngineConfig holds the workflow tunables. A reload applies to sessions
// started afterwards; running sessions keep the values they started with.
type EngineConfig struct {
	MaxAttempts           int           `mapstructure:"max_attempts"`
	MinConfidence         float64       `mapstructure:"min_confidence"`
	SimilarityThreshold   float64       `mapstructure:"similarity_threshold"`
	ConfidenceBonus       float64       `mapstructure:"confidence_bonus"`
	DefaultConfidence     float64       `mapstructure:"default_confidence"`
	SignificanceThreshold int           `mapstructure:"context_significance_threshold"`
	EmitInterval          time.Duration `mapstructure:"emit_interval"`
	ChannelBuffer         int           `mapstructure:"channel_buffer"`
	ContextK              int           `mapstructure:"context_k"`
	HistoricalK           int           `mapstructure:"historical_k"`
	SimilarK              int           `mapstructure:"similar_k"`
	MaxMessages           int           `mapstructure:"max_messages"`
	SessionTimeout        time.Duration `mapstructure:"session_timeout"`
}

type ReportConfig struct {
	Dir string `mapstructure:"dir"`
}

type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	// APIKeys maps a key id to the bcrypt hash of the key
	APIKeys map[string]string `mapstructure:"api_keys"`
}

type PolicyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	Mode       string `mapstructure:"mode"` // off | dry-run | enforce
	FailClosed bool   `mapstructure:"fail_closed"`
}

type EventsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
	Stream  string `mapstructure:"stream"`
}

type TemporalConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.admin_port", 8081)
	v.SetDefault("server.grpc_port", 50052)
	v.SetDefault("server.requests_per_minute", 30)
	v.SetDefault("server.burst", 5)
	v.SetDefault("server.stream_capacity", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.service_name", "decisionflow-engine")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("llm.provider", "http")
	v.SetDefault("llm.base_url", "http://llm-service:8000")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.planner_temperature", 0.2)
	v.SetDefault("llm.analyzer_temperature", 0.3)
	v.SetDefault("llm.decision_temperature", 0.1)

	v.SetDefault("embeddings.provider", "http")
	v.SetDefault("embeddings.base_url", "http://llm-service:8000")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.timeout", "10s")
	v.SetDefault("embeddings.cache_ttl", "1h")
	v.SetDefault("embeddings.local_cache_size", 2048)

	v.SetDefault("vectordb.enabled", true)
	v.SetDefault("vectordb.host", "qdrant")
	v.SetDefault("vectordb.port", 6333)
	v.SetDefault("vectordb.collection", "organizational_context")
	v.SetDefault("vectordb.score_kind", "similarity")
	v.SetDefault("vectordb.timeout", "5s")

	v.SetDefault("memory.backend", "sqlite")
	v.SetDefault("memory.sqlite_path", "long_term_memory.db")
	v.SetDefault("memory.postgres.host", "postgres")
	v.SetDefault("memory.postgres.port", 5432)
	v.SetDefault("memory.postgres.user", "decisionflow")
	v.SetDefault("memory.postgres.password", "decisionflow")
	v.SetDefault("memory.postgres.database", "decisionflow")
	v.SetDefault("memory.postgres.sslmode", "disable")
	v.SetDefault("memory.postgres.max_conns", 10)

	v.SetDefault("redis.stream_ttl", "24h")

	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.min_confidence", 0.70)
	v.SetDefault("engine.similarity_threshold", 0.75)
	v.SetDefault("engine.confidence_bonus", 0.10)
	v.SetDefault("engine.default_confidence", 0.75)
	v.SetDefault("engine.context_significance_threshold", 50)
	v.SetDefault("engine.emit_interval", "50ms")
	v.SetDefault("engine.channel_buffer", 16)
	v.SetDefault("engine.context_k", 5)
	v.SetDefault("engine.historical_k", 5)
	v.SetDefault("engine.similar_k", 3)
	v.SetDefault("engine.max_messages", 10)
	v.SetDefault("engine.session_timeout", "10m")

	v.SetDefault("report.dir", "./reports")

	v.SetDefault("auth.issuer", "decisionflow")
	v.SetDefault("auth.token_ttl", "1h")

	v.SetDefault("policy.path", "./config/policies")
	v.SetDefault("policy.mode", "enforce")

	v.SetDefault("events.nats_url", "nats://nats:4222")
	v.SetDefault("events.subject", "decisions.finalized")
	v.SetDefault("events.stream", "DECISIONS")

	v.SetDefault("temporal.host_port", "temporal:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "decisionflow")
}

// Environment variables that predate the DECISIONFLOW_ prefix
var legacyEnv = map[string][]string{
	"llm.base_url":             {"LLM_SERVICE_URL"},
	"llm.api_key":              {"GEMINI_API_KEY"},
	"embeddings.base_url":      {"LLM_SERVICE_URL"},
	"embeddings.api_key":       {"GEMINI_API_KEY"},
	"vectordb.host":            {"QDRANT_HOST"},
	"vectordb.port":            {"QDRANT_PORT"},
	"memory.sqlite_path":       {"MEMORY_DB_PATH"},
	"memory.postgres.host":     {"POSTGRES_HOST"},
	"memory.postgres.port":     {"POSTGRES_PORT"},
	"memory.postgres.user":     {"POSTGRES_USER"},
	"memory.postgres.password": {"POSTGRES_PASSWORD"},
	"memory.postgres.database": {"POSTGRES_DB"},
	"memory.postgres.sslmode":  {"POSTGRES_SSLMODE"},
	"redis.addr":               {"REDIS_ADDR"},
	"redis.password":           {"REDIS_PASSWORD"},
	"events.nats_url":          {"NATS_URL"},
	"temporal.host_port":       {"TEMPORAL_HOST"},
	"auth.jwt_secret":          {"JWT_SECRET"},
	"logging.level":            {"LOG_LEVEL"},
	"server.admin_port":        {"HEALTH_PORT"},
}

// Path returns CONFIG_PATH or the default location
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the YAML file at path (a missing file means defaults only),
// then applies DECISIONFLOW_* and legacy environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DECISIONFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range legacyEnv {
		if err := v.BindEnv(append([]string{key, "DECISIONFLOW_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var pathErr *fs.PathError
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	e := c.Engine
	switch {
	case e.MaxAttempts < 1:
		return fmt.Errorf("engine.max_attempts must be at least 1, got %d", e.MaxAttempts)
	case e.MinConfidence < 0 || e.MinConfidence > 1:
		return fmt.Errorf("engine.min_confidence must be in [0,1], got %f", e.MinConfidence)
	case e.DefaultConfidence < 0 || e.DefaultConfidence > 1:
		return fmt.Errorf("engine.default_confidence must be in [0,1], got %f", e.DefaultConfidence)
	case e.SimilarityThreshold < 0 || e.SimilarityThreshold > 1:
		return fmt.Errorf("engine.similarity_threshold must be in [0,1], got %f", e.SimilarityThreshold)
	case e.ConfidenceBonus < 0:
		return fmt.Errorf("engine.confidence_bonus must be non-negative")
	case e.ChannelBuffer < 1:
		return fmt.Errorf("engine.channel_buffer must be at least 1")
	}
	switch c.Memory.Backend {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("memory.backend must be postgres or sqlite, got %q", c.Memory.Backend)
	}
	switch c.LLM.Provider {
	case "http", "gemini":
	default:
		return fmt.Errorf("llm.provider must be http or gemini, got %q", c.LLM.Provider)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth is enabled but neither jwt_secret nor api_keys are set")
	}
	return nil
}
