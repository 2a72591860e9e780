package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"rebalancer-go/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env          string        `yaml:"env"`
	BaseCurrency string        `yaml:"baseCurrency"`
	Pricing      PricingConfig `yaml:"pricing"`
	FX           FXConfig      `yaml:"fx"`
	Storage      StorageConfig `yaml:"storage"`
	Balance      BalanceConfig `yaml:"balance"`
	Server       ServerConfig  `yaml:"server"`
	Log          logger.Config `yaml:"log"`
}

// PricingConfig 上游行情源与缓存参数
type PricingConfig struct {
	BaseURL                string          `yaml:"baseURL"`
	APIKey                 string          `yaml:"apiKey"`
	APIKeyHeader           string          `yaml:"apiKeyHeader"`
	TimeoutMs              int             `yaml:"timeoutMs"`
	CacheTTLSeconds        int             `yaml:"cacheTTLSeconds"`
	RefreshIntervalSeconds int             `yaml:"refreshIntervalSeconds"` // 0 表示使用默认值，<0 关闭定时刷新
	Retry                  RetryConfig     `yaml:"retry"`
	RateLimit              RateLimitConfig `yaml:"rateLimit"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"maxAttempts"`
	DelayMs     int `yaml:"delayMs"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type FXConfig struct {
	BaseURL string `yaml:"baseURL"`
}

// StorageConfig driver 为 file、sqlite 或 postgres
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	DataDir     string `yaml:"dataDir"`
	SQLitePath  string `yaml:"sqlitePath"` // 默认 dataDir/rebalancer.db
	PostgresDSN string `yaml:"postgresDSN"`
}

type BalanceConfig struct {
	Overdraw         string `yaml:"overdraw"` // clamp | reject
	FetchConcurrency int    `yaml:"fetchConcurrency"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metricsAddr"`
}

// Default 返回全部使用默认值的配置。
func Default() AppConfig {
	var cfg AppConfig
	ApplyDefaults(&cfg)
	return cfg
}

// ApplyDefaults 为零值字段填默认值。
func ApplyDefaults(cfg *AppConfig) {
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if cfg.BaseCurrency == "" {
		cfg.BaseCurrency = "usd"
	}
	cfg.BaseCurrency = strings.ToLower(cfg.BaseCurrency)

	p := &cfg.Pricing
	if p.TimeoutMs == 0 {
		p.TimeoutMs = 5000
	}
	if p.CacheTTLSeconds == 0 {
		p.CacheTTLSeconds = 60
	}
	if p.RefreshIntervalSeconds == 0 {
		p.RefreshIntervalSeconds = 60
	}
	if p.Retry.MaxAttempts == 0 {
		p.Retry.MaxAttempts = 3
	}
	if p.Retry.DelayMs == 0 {
		p.Retry.DelayMs = 1000
	}
	if p.RateLimit.RPS == 0 {
		p.RateLimit.RPS = 0.5
	}
	if p.RateLimit.Burst == 0 {
		p.RateLimit.Burst = 5
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "file"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join(cfg.Storage.DataDir, "rebalancer.db")
	}
	if cfg.Balance.Overdraw == "" {
		cfg.Balance.Overdraw = "clamp"
	}
	if cfg.Balance.FetchConcurrency == 0 {
		cfg.Balance.FetchConcurrency = 4
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = ":9100"
	}
	if cfg.Log.Level == "" {
		cfg.Log = logger.DefaultConfig()
	}
}

// Load reads YAML config from path, fills defaults and validates.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv 把 .env 文件中的变量导入进程环境，已存在的环境变量不会被覆盖。
// 文件不存在时直接返回。
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadWithEnvOverrides loads config then overrides fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("RB_BASE_CURRENCY"); v != "" {
		cfg.BaseCurrency = strings.ToLower(v)
	}
	if v := os.Getenv("RB_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("RB_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("RB_PRICING_API_KEY"); v != "" {
		cfg.Pricing.APIKey = v
	}
	return cfg, Validate(cfg)
}

func (p PricingConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

func (p PricingConfig) CacheTTL() time.Duration {
	return time.Duration(p.CacheTTLSeconds) * time.Second
}

func (p PricingConfig) RefreshInterval() time.Duration {
	return time.Duration(p.RefreshIntervalSeconds) * time.Second
}

func (r RetryConfig) Delay() time.Duration {
	return time.Duration(r.DelayMs) * time.Millisecond
}
