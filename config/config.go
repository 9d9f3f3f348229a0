package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the proposal writer core.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Prompt    PromptConfig    `mapstructure:"prompt"`
	Style     StyleConfig     `mapstructure:"style"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Collab    CollabConfig    `mapstructure:"collaborators"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address          string `mapstructure:"address"`
	JWTSecret        string `mapstructure:"jwt_secret"`
	RunStreamEnabled bool   `mapstructure:"run_stream_enabled"`
}

// LLMConfig contains generation service provider settings.
type LLMConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Model           string        `mapstructure:"model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CostPer1K       float64       `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64       `mapstructure:"cost_per_1k_output"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be within [0,2]")
	}
	return nil
}

// PipelineConfig controls orchestrator behaviour.
type PipelineConfig struct {
	StageTimeout   time.Duration `mapstructure:"stage_timeout"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	StreamBuffer   int           `mapstructure:"stream_buffer"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

// Normalize applies defaults for unset pipeline values.
func (p PipelineConfig) Normalize() PipelineConfig {
	if p.StageTimeout <= 0 {
		p.StageTimeout = 30 * time.Second
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = 500 * time.Millisecond
	}
	if p.Cooldown <= 0 {
		p.Cooldown = 10 * time.Second
	}
	if p.FlushInterval <= 0 {
		p.FlushInterval = 250 * time.Millisecond
	}
	if p.StreamBuffer <= 0 {
		p.StreamBuffer = 64
	}
	if p.MaxConcurrency <= 0 {
		p.MaxConcurrency = 4
	}
	return p
}

// BreakerConfig controls per-stage and global circuit breakers.
type BreakerConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	Window            time.Duration `mapstructure:"window"`
	OpenCooldown      time.Duration `mapstructure:"open_cooldown"`
	GlobalConsecutive int           `mapstructure:"global_consecutive"`
	GlobalCooldown    time.Duration `mapstructure:"global_cooldown"`
}

func (b BreakerConfig) Normalize() BreakerConfig {
	if b.FailureThreshold <= 0 {
		b.FailureThreshold = 5
	}
	if b.Window <= 0 {
		b.Window = time.Minute
	}
	if b.OpenCooldown <= 0 {
		b.OpenCooldown = 30 * time.Second
	}
	if b.GlobalConsecutive <= 0 {
		b.GlobalConsecutive = 3
	}
	if b.GlobalCooldown <= 0 {
		b.GlobalCooldown = 2 * time.Minute
	}
	return b
}

// LedgerConfig declares spend ceilings for the cost ledger.
type LedgerConfig struct {
	DailyCeiling   float64 `mapstructure:"daily_ceiling"`
	MonthlyCeiling float64 `mapstructure:"monthly_ceiling"`
	WarnRatio      float64 `mapstructure:"warn_ratio"`
}

func (l LedgerConfig) Normalize() LedgerConfig {
	if l.WarnRatio <= 0 || l.WarnRatio >= 1 {
		l.WarnRatio = 0.8
	}
	return l
}

func (l LedgerConfig) Validate() error {
	if l.DailyCeiling < 0 {
		return fmt.Errorf("ledger.daily_ceiling cannot be negative")
	}
	if l.MonthlyCeiling < 0 {
		return fmt.Errorf("ledger.monthly_ceiling cannot be negative")
	}
	return nil
}

// PromptConfig controls context assembly for the generate stage.
type PromptConfig struct {
	TokenBudget    int `mapstructure:"token_budget"`
	MaxExamples    int `mapstructure:"max_examples"`
	TopStyleParams int `mapstructure:"top_style_params"`
}

func (p PromptConfig) Normalize() PromptConfig {
	if p.TokenBudget <= 0 {
		p.TokenBudget = 6000
	}
	if p.MaxExamples <= 0 {
		p.MaxExamples = 3
	}
	if p.TopStyleParams <= 0 {
		p.TopStyleParams = 8
	}
	return p
}

// StyleConfig controls the style learning engine.
type StyleConfig struct {
	ImplicitThreshold int           `mapstructure:"implicit_threshold"`
	HistoryCap        int           `mapstructure:"history_cap"`
	DecayHalfLife     time.Duration `mapstructure:"decay_half_life"`
	DriftSigma        float64       `mapstructure:"drift_sigma"`
}

func (s StyleConfig) Normalize() StyleConfig {
	if s.ImplicitThreshold <= 0 {
		s.ImplicitThreshold = 10
	}
	if s.HistoryCap <= 0 {
		s.HistoryCap = 100
	}
	if s.DecayHalfLife <= 0 {
		s.DecayHalfLife = 30 * 24 * time.Hour
	}
	if s.DriftSigma <= 0 {
		s.DriftSigma = 2.0
	}
	return s
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
	LogFile      string `mapstructure:"log_file"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings for the event mirror.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Stream   string        `mapstructure:"stream"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required when redis is enabled")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when redis is enabled")
	}
	return nil
}

// CollabConfig points at the upstream collaborator services.
type CollabConfig struct {
	JobParserURL string        `mapstructure:"job_parser_url"`
	RiskScanURL  string        `mapstructure:"risk_scan_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Retries      int           `mapstructure:"retries"`
	Backoff      time.Duration `mapstructure:"backoff"`
}

// LoadConfig loads config from file.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.run_stream_enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)
	viper.SetDefault("ledger.warn_ratio", 0.8)
	viper.SetDefault("style.implicit_threshold", 10)
	viper.SetDefault("style.history_cap", 100)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("PROPOSALWRITER")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Pipeline = config.Pipeline.Normalize()
	config.Breaker = config.Breaker.Normalize()
	config.Ledger = config.Ledger.Normalize()
	config.Prompt = config.Prompt.Normalize()
	config.Style = config.Style.Normalize()

	if err := config.LLM.Validate(); err != nil {
		panic(err)
	}
	if err := config.Ledger.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	return &config
}
