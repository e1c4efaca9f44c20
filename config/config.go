package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Research  ResearchConfig  `mapstructure:"research"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
	DataDir  string `mapstructure:"data_dir"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	SyncTimeout    time.Duration `mapstructure:"sync_timeout"`
}

// AuthEnabled reports whether the API requires authentication.
// Without a JWT secret the research endpoints stay open, matching
// single-user deployments.
func (s ServerConfig) AuthEnabled() bool { return strings.TrimSpace(s.JWTSecret) != "" }

// LLMConfig contains the language-model provider configuration.
type LLMConfig struct {
	Provider          string        `mapstructure:"provider"` // groq, openai
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	EmbeddingProvider string        `mapstructure:"embedding_provider"`
	EmbeddingAPIKey   string        `mapstructure:"embedding_api_key"`
	EmbeddingModel    string        `mapstructure:"embedding_model"`
	Temperature       float64       `mapstructure:"temperature"`
	MaxResponseTokens int           `mapstructure:"max_response_tokens"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	CostPer1KInput    float64       `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput   float64       `mapstructure:"cost_per_1k_output"`
}

// ResearchConfig carries the pipeline bounding policy. Every knob the
// executor and synthesizer consult lives here rather than in scattered
// constants.
type ResearchConfig struct {
	MaxSearchResults    int     `mapstructure:"max_search_results"`
	MaxSubQuestions     int     `mapstructure:"max_sub_questions"`
	MaxURLsToScrape     int     `mapstructure:"max_urls_to_scrape"`
	ScrapeSuccessTarget int     `mapstructure:"scrape_success_target"`
	SummaryMaxLength    int     `mapstructure:"summary_max_length"`
	SummaryStyle        string  `mapstructure:"summary_style"`
	SummarizerPerText   int     `mapstructure:"summarizer_per_text"`
	SummarizerTotal     int     `mapstructure:"summarizer_total"`
	ContextSnippet      int     `mapstructure:"context_snippet"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	SimilarityTopK      int     `mapstructure:"similarity_top_k"`
}

// ToolsConfig contains per-tool settings.
type ToolsConfig struct {
	WebSearch WebSearchConfig `mapstructure:"web_search"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
}

// WebSearchConfig selects and configures the search provider.
type WebSearchConfig struct {
	Provider     string        `mapstructure:"provider"` // tavily, serper, brave
	TavilyAPIKey string        `mapstructure:"tavily_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// APIKey returns the key for the selected provider.
func (w WebSearchConfig) APIKey() string {
	switch w.Provider {
	case "serper":
		return w.SerperAPIKey
	case "brave":
		return w.BraveAPIKey
	default:
		return w.TavilyAPIKey
	}
}

// ScraperConfig configures page fetching and extraction.
type ScraperConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
	UseBrowser       bool          `mapstructure:"use_browser"` // render with headless chrome
	MaxContentLength int           `mapstructure:"max_content_length"`
}

// CacheConfig selects the key-value cache backend.
type CacheConfig struct {
	Backend string        `mapstructure:"backend"` // file, redis
	Dir     string        `mapstructure:"dir"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// MemoryConfig configures the similarity index over past runs.
type MemoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // empty means in-memory only
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders a connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	if strings.TrimSpace(p.Host) == "" {
		return ""
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr renders host:port, empty when Redis is not configured.
func (r RedisConfig) Addr() string {
	if strings.TrimSpace(r.Host) == "" {
		return ""
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return r.Host + ":" + port
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	LogFile      string `mapstructure:"log_file"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
}

// SchedulerConfig controls recurring research runs.
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// LoadConfig reads configuration from an optional YAML file, applies
// defaults and environment overrides (DELVER_* plus the conventional
// provider key variables), and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	}

	v.SetEnvPrefix("DELVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	overrideFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.data_dir", "./data")

	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.sync_timeout", 9*time.Minute)

	v.SetDefault("llm.provider", "groq")
	v.SetDefault("llm.model", "llama-3.3-70b-versatile")
	v.SetDefault("llm.embedding_provider", "openai")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_response_tokens", 2000)
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay", time.Second)

	v.SetDefault("research.max_search_results", 3)
	v.SetDefault("research.max_sub_questions", 5)
	v.SetDefault("research.max_urls_to_scrape", 3)
	v.SetDefault("research.scrape_success_target", 2)
	v.SetDefault("research.summary_max_length", 150)
	v.SetDefault("research.summary_style", "concise")
	v.SetDefault("research.summarizer_per_text", 2000)
	v.SetDefault("research.summarizer_total", 3000)
	v.SetDefault("research.context_snippet", 1000)
	v.SetDefault("research.similarity_threshold", 0.3)
	v.SetDefault("research.similarity_top_k", 1)

	v.SetDefault("tools.web_search.provider", "tavily")
	v.SetDefault("tools.web_search.timeout", 30*time.Second)
	v.SetDefault("tools.scraper.timeout", 10*time.Second)
	v.SetDefault("tools.scraper.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	v.SetDefault("tools.scraper.use_browser", false)
	v.SetDefault("tools.scraper.max_content_length", 5000)

	v.SetDefault("cache.backend", "file")
	v.SetDefault("cache.dir", "./data/cache")
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("memory.enabled", true)
	v.SetDefault("memory.path", "")

	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.redis.db", 0)

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.cost_tracking", true)
	v.SetDefault("telemetry.periodic_logs", false)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", time.Hour)
}

// overrideFromEnv maps the conventional environment variables onto the
// config, so deployments that only export provider keys keep working.
func overrideFromEnv(cfg *Config) {
	if key := os.Getenv("GROQ_API_KEY"); key != "" && cfg.LLM.Provider == "groq" {
		cfg.LLM.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if cfg.LLM.Provider == "openai" && cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = key
		}
		if cfg.LLM.EmbeddingProvider == "openai" && cfg.LLM.EmbeddingAPIKey == "" {
			cfg.LLM.EmbeddingAPIKey = key
		}
	}
	if key := os.Getenv("TAVILY_API_KEY"); key != "" {
		cfg.Tools.WebSearch.TavilyAPIKey = key
	}
	if key := os.Getenv("SERPER_API_KEY"); key != "" {
		cfg.Tools.WebSearch.SerperAPIKey = key
	}
	if key := os.Getenv("BRAVE_API_KEY"); key != "" {
		cfg.Tools.WebSearch.BraveAPIKey = key
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Storage.Postgres.URL = dsn
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.Storage.Redis.Host = host
	}
	if secret := os.Getenv("DELVER_JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
}

// Validate checks cross-field constraints that defaults cannot guarantee.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "groq", "openai":
	default:
		return fmt.Errorf("llm.provider must be groq or openai, got %q", c.LLM.Provider)
	}
	switch c.Tools.WebSearch.Provider {
	case "tavily", "serper", "brave":
	default:
		return fmt.Errorf("tools.web_search.provider must be tavily, serper or brave, got %q", c.Tools.WebSearch.Provider)
	}
	switch c.Cache.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("cache.backend must be file or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Storage.Redis.Addr() == "" {
		return fmt.Errorf("cache.backend is redis but storage.redis.host is empty")
	}
	if c.Research.MaxSubQuestions <= 0 {
		return fmt.Errorf("research.max_sub_questions must be > 0")
	}
	if c.Research.MaxURLsToScrape <= 0 {
		return fmt.Errorf("research.max_urls_to_scrape must be > 0")
	}
	if c.Research.ScrapeSuccessTarget <= 0 {
		return fmt.Errorf("research.scrape_success_target must be > 0")
	}
	if c.Research.SummarizerTotal < c.Research.SummarizerPerText {
		return fmt.Errorf("research.summarizer_total must be >= research.summarizer_per_text")
	}
	if c.Server.SyncTimeout <= 0 {
		return fmt.Errorf("server.sync_timeout must be > 0")
	}
	return nil
}
