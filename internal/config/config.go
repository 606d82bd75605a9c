package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/research-copilot/internal/auth"
	"github.com/Kocoro-lab/research-copilot/internal/policy"
	"github.com/Kocoro-lab/research-copilot/internal/tracing"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "research"

var knownProviders = map[string]bool{"groq": true, "ollama": true}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// PublicBaseURL prefixes stream and download links; empty keeps them relative.
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type ResearchConfig struct {
	QualityThreshold float64       `mapstructure:"quality_threshold"`
	MaxIterations    int           `mapstructure:"max_iterations"`
	MinGraphResults  int           `mapstructure:"min_graph_results"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	EventBuffer      int           `mapstructure:"event_buffer"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
}

type SessionConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	ArtifactTTL   time.Duration `mapstructure:"artifact_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxSessions   int           `mapstructure:"max_sessions"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
}

type OllamaConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type GroqConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type LLMConfig struct {
	Primary        string       `mapstructure:"primary"`
	Fallback       string       `mapstructure:"fallback"`
	Temperature    float64      `mapstructure:"temperature"`
	MaxTokens      int          `mapstructure:"max_tokens"`
	Ollama         OllamaConfig `mapstructure:"ollama"`
	Groq           GroqConfig   `mapstructure:"groq"`
	RateLimitsPath string       `mapstructure:"rate_limits_path"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type TavilyConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	MaxResults int    `mapstructure:"max_results"`
}

type AlphaVantageConfig struct {
	APIKey            string `mapstructure:"api_key"`
	BaseURL           string `mapstructure:"base_url"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
}

type VectorConfig struct {
	QdrantURL  string `mapstructure:"qdrant_url"`
	Collection string `mapstructure:"collection"`
	EmbedModel string `mapstructure:"embed_model"`
	TopK       int    `mapstructure:"top_k"`
}

type CacheConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type RetrievalConfig struct {
	Graph        DatabaseConfig     `mapstructure:"graph"`
	Tavily       TavilyConfig       `mapstructure:"tavily"`
	AlphaVantage AlphaVantageConfig `mapstructure:"alphavantage"`
	Vector       VectorConfig       `mapstructure:"vector"`
	Cache        CacheConfig        `mapstructure:"cache"`
}

// Config is the whole service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Research  ResearchConfig  `mapstructure:"research"`
	Session   SessionConfig   `mapstructure:"session"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Artifacts DatabaseConfig  `mapstructure:"artifacts"`
	Auth      auth.Config     `mapstructure:"auth"`
	Policy    policy.Config   `mapstructure:"policy"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.public_base_url", "")

	v.SetDefault("research.quality_threshold", 0.8)
	v.SetDefault("research.max_iterations", 3)
	v.SetDefault("research.min_graph_results", 3)
	v.SetDefault("research.call_timeout", 60*time.Second)
	v.SetDefault("research.event_buffer", 16)
	v.SetDefault("research.publish_timeout", 30*time.Second)

	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.artifact_ttl", time.Hour)
	v.SetDefault("session.sweep_interval", time.Minute)
	v.SetDefault("session.max_sessions", 10000)
	v.SetDefault("session.redis_addr", "")
	v.SetDefault("session.redis_password", "")

	v.SetDefault("llm.primary", "groq")
	v.SetDefault("llm.fallback", "ollama")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.ollama.base_url", "http://localhost:11434")
	v.SetDefault("llm.ollama.model", "llama3.1")
	v.SetDefault("llm.groq.api_key", "")
	v.SetDefault("llm.groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("llm.groq.model", "llama-3.3-70b-versatile")
	v.SetDefault("llm.rate_limits_path", "")

	v.SetDefault("retrieval.graph.driver", "sqlite3")
	v.SetDefault("retrieval.graph.dsn", "file:graph.db")
	v.SetDefault("retrieval.tavily.api_key", "")
	v.SetDefault("retrieval.tavily.base_url", "")
	v.SetDefault("retrieval.tavily.max_results", 5)
	v.SetDefault("retrieval.alphavantage.api_key", "")
	v.SetDefault("retrieval.alphavantage.base_url", "")
	v.SetDefault("retrieval.alphavantage.requests_per_minute", 5)
	v.SetDefault("retrieval.vector.qdrant_url", "")
	v.SetDefault("retrieval.vector.collection", "document_embeddings")
	v.SetDefault("retrieval.vector.embed_model", "nomic-embed-text")
	v.SetDefault("retrieval.vector.top_k", 5)
	v.SetDefault("retrieval.cache.redis_addr", "")
	v.SetDefault("retrieval.cache.ttl", 10*time.Minute)

	v.SetDefault("artifacts.driver", "sqlite3")
	v.SetDefault("artifacts.dsn", "file:artifacts.db")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.api_key_hashes", []string{})

	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.path", "")
	v.SetDefault("policy.fail_closed", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "research-copilot")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Conventional provider variables, accepted alongside the RESEARCH_ names.
var envAliases = map[string][]string{
	"llm.groq.api_key":               {"GROQ_API_KEY"},
	"llm.ollama.base_url":            {"OLLAMA_BASE_URL"},
	"retrieval.tavily.api_key":       {"TAVILY_API_KEY"},
	"retrieval.alphavantage.api_key": {"ALPHA_VANTAGE_API_KEY"},
	"session.redis_addr":             {"REDIS_ADDR"},
	"retrieval.cache.redis_addr":     {"REDIS_ADDR"},
	"auth.jwt_secret":                {"JWT_SECRET"},
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		names := append([]string{"RESEARCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
	return v
}

// Dir returns the configuration directory: CONFIG_PATH, else ./config.
func Dir() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config"
}

// Load reads research.yaml from dir. A missing file leaves every key at its
// default or environment value.
func Load(dir string) (*Config, error) {
	v := newViper()
	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
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

// Default returns the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Research.QualityThreshold < 0 || c.Research.QualityThreshold > 1 {
		errs = append(errs, fmt.Errorf("research.quality_threshold %.2f must be within [0,1]", c.Research.QualityThreshold))
	}
	if c.Research.MaxIterations < 1 || c.Research.MaxIterations > 5 {
		errs = append(errs, fmt.Errorf("research.max_iterations %d must be within 1-5", c.Research.MaxIterations))
	}
	if c.Research.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("research.call_timeout must be positive"))
	}
	if !knownProviders[c.LLM.Primary] {
		errs = append(errs, fmt.Errorf("llm.primary %q is not a known provider", c.LLM.Primary))
	}
	if c.LLM.Fallback != "" && !knownProviders[c.LLM.Fallback] {
		errs = append(errs, fmt.Errorf("llm.fallback %q is not a known provider", c.LLM.Fallback))
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.APIKeyHashes) == 0 {
		errs = append(errs, fmt.Errorf("auth.enabled needs auth.jwt_secret or auth.api_key_hashes"))
	}
	return errors.Join(errs...)
}

// PolicyDir is the directory the config manager should watch for policy
// changes, or "" when the built-in policy is used.
func (c *Config) PolicyDir() string {
	if c.Policy.Path == "" {
		return ""
	}
	return filepath.Clean(c.Policy.Path)
}
