package config

import "fmt"

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

// Validate ensures required fields are present and in range.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return ErrInvalid("env is required")
	}
	if len(cfg.BaseCurrency) != 3 {
		return ErrInvalid(fmt.Sprintf("baseCurrency must be a 3-letter code, got %q", cfg.BaseCurrency))
	}
	p := cfg.Pricing
	if p.TimeoutMs <= 0 {
		return ErrInvalid("pricing.timeoutMs must be > 0")
	}
	if p.CacheTTLSeconds <= 0 {
		return ErrInvalid("pricing.cacheTTLSeconds must be > 0")
	}
	if p.Retry.MaxAttempts <= 0 {
		return ErrInvalid("pricing.retry.maxAttempts must be > 0")
	}
	if p.Retry.DelayMs < 0 {
		return ErrInvalid("pricing.retry.delayMs must be >= 0")
	}
	if p.RateLimit.RPS < 0 || p.RateLimit.Burst < 0 {
		return ErrInvalid("pricing.rateLimit must be >= 0")
	}
	switch cfg.Storage.Driver {
	case "file":
		if cfg.Storage.DataDir == "" {
			return ErrInvalid("storage.dataDir is required for file driver")
		}
	case "sqlite":
		if cfg.Storage.SQLitePath == "" {
			return ErrInvalid("storage.sqlitePath is required for sqlite driver")
		}
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return ErrInvalid("storage.postgresDSN is required for postgres driver (or RB_POSTGRES_DSN)")
		}
	default:
		return ErrInvalid(fmt.Sprintf("storage.driver %q not supported", cfg.Storage.Driver))
	}
	switch cfg.Balance.Overdraw {
	case "clamp", "reject":
	default:
		return ErrInvalid(fmt.Sprintf("balance.overdraw must be clamp or reject, got %q", cfg.Balance.Overdraw))
	}
	if cfg.Balance.FetchConcurrency < 0 {
		return ErrInvalid("balance.fetchConcurrency must be >= 0")
	}
	if cfg.Server.Addr == "" {
		return ErrInvalid("server.addr is required")
	}
	return nil
}
