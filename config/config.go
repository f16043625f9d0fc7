package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research service.
type Config struct {
	General GeneralConfig `mapstructure:"general"`
	Server  ServerConfig  `mapstructure:"server"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Sources SourcesConfig `mapstructure:"sources"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Storage StorageConfig `mapstructure:"storage"`
	Queue   QueueConfig   `mapstructure:"queue"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug             bool          `mapstructure:"debug"`
	LogLevel          string        `mapstructure:"log_level"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains LLM provider configurations and routing.
type LLMConfig struct {
	Providers map[string]LLMProviderConfig `mapstructure:"providers"`
	Routing   LLMRoutingConfig             `mapstructure:"routing"`
}

// LLMProviderConfig represents a single provider entry. Type is one of the
// closed provider set (openai, ollama); LM Studio is the openai type with a
// local base_url.
type LLMProviderConfig struct {
	Type        string        `mapstructure:"type"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LLMRoutingConfig names the provider used when a request does not ask for
// one explicitly.
type LLMRoutingConfig struct {
	Default string `mapstructure:"default"`
}

// SourcesConfig contains source-provider settings.
type SourcesConfig struct {
	Enabled []string    `mapstructure:"enabled"`
	ArXiv   ArXivConfig `mapstructure:"arxiv"`
	Web     WebConfig   `mapstructure:"web"`
}

// ArXivConfig contains arXiv API settings.
type ArXivConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// WebConfig contains web fetch settings.
type WebConfig struct {
	Fetcher  string        `mapstructure:"fetcher"` // http or chromedp
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxChars int           `mapstructure:"max_chars"`
}

// LimitsConfig groups retry and rate-limit policy settings.
type LimitsConfig struct {
	CallMaxAttempts  int                     `mapstructure:"call_max_attempts"`
	CallBaseBackoff  time.Duration           `mapstructure:"call_base_backoff"`
	CallMaxBackoff   time.Duration           `mapstructure:"call_max_backoff"`
	StageMaxRetries  int                     `mapstructure:"stage_max_retries"`
	StageCooldown    time.Duration           `mapstructure:"stage_cooldown"`
	MaxFetchInFlight int                     `mapstructure:"max_fetch_in_flight"`
	Buckets          map[string]BucketConfig `mapstructure:"buckets"`
}

// BucketConfig describes one capability's token bucket.
type BucketConfig struct {
	Capacity    int           `mapstructure:"capacity"`
	RefillEvery time.Duration `mapstructure:"refill_every"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
}

// AuditConfig contains audit-sink settings.
type AuditConfig struct {
	LogFile string `mapstructure:"log_file"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Postgres  PostgresConfig `mapstructure:"postgres"`
	IndexPath string         `mapstructure:"index_path"`
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

// DSN builds the connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// QueueConfig contains Redis Streams settings for async job submission.
type QueueConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	JobStream     string `mapstructure:"job_stream"`
	Group         string `mapstructure:"group"`
	Consumer      string `mapstructure:"consumer"`
}

// LoadConfig reads configuration from the given file, or from the usual
// lookup paths when path is empty. Environment variables prefixed with
// ARXIVIST_ override file values.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("general.max_processing_time", "10m")
	viper.SetDefault("general.max_concurrent_jobs", 8)
	viper.SetDefault("server.address", ":10030")
	viper.SetDefault("llm.routing.default", "openai")
	viper.SetDefault("sources.enabled", []string{"arxiv"})
	viper.SetDefault("sources.arxiv.endpoint", "http://export.arxiv.org/api/query")
	viper.SetDefault("sources.arxiv.timeout", "30s")
	viper.SetDefault("sources.web.fetcher", "http")
	viper.SetDefault("sources.web.timeout", "15s")
	viper.SetDefault("sources.web.max_chars", 20000)
	viper.SetDefault("limits.call_max_attempts", 3)
	viper.SetDefault("limits.call_base_backoff", "300ms")
	viper.SetDefault("limits.call_max_backoff", "5s")
	viper.SetDefault("limits.stage_max_retries", 1)
	viper.SetDefault("limits.stage_cooldown", "2s")
	viper.SetDefault("limits.max_fetch_in_flight", 4)
	viper.SetDefault("audit.log_file", "audit.log")
	viper.SetDefault("queue.job_stream", "job.enqueued")
	viper.SetDefault("queue.group", "researchers")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("ARXIVIST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Defaults plus environment are enough to run the CLI and tests;
		// only a present-but-broken file is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return &config
}
