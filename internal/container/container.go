package container

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"rebalancer-go/balance"
	"rebalancer-go/config"
	"rebalancer-go/gateway"
	"rebalancer-go/infrastructure/alert"
	"rebalancer-go/infrastructure/logger"
	"rebalancer-go/infrastructure/monitor"
	"rebalancer-go/internal/api"
	"rebalancer-go/internal/store"
	"rebalancer-go/pricing"
)

const (
	refreshJob       = "rates_refresh"
	alertThrottle    = time.Minute
	warmStartTimeout = 10 * time.Second
)

// Storage 一个后端同时承担价格表、检查点与余额的持久化
type Storage interface {
	pricing.PriceStore
	pricing.CheckpointStore
	balance.Store
}

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager
	store   Storage
	closer  func() error

	// 上游网关
	priceClient *gateway.PriceClient
	fxClient    *gateway.FXClient

	// 核心服务
	fetcher   *pricing.Fetcher
	cache     *pricing.RateCache
	publisher *pricing.Publisher
	scheduler *pricing.Scheduler
	balances  *balance.Service

	// HTTP 服务
	apiServer     *httpServerComponent
	metricsServer *httpServerComponent
	reloader      *config.HotReloader

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 从配置文件创建 Container，并开启热更新
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewWithConfig(cfg)
	c.configPath = configPath
	return c, nil
}

// NewWithConfig 使用已加载的配置，不监听文件
func NewWithConfig(cfg config.AppConfig) *Container {
	config.ApplyDefaults(&cfg)
	return &Container{
		cfg:       cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildStorage(); err != nil {
		return fmt.Errorf("build storage failed: %w", err)
	}
	c.buildGateway()
	c.buildCoreServices()
	if err := c.buildServers(); err != nil {
		return fmt.Errorf("build servers failed: %w", err)
	}

	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.monitor = monitor.New(monitor.DefaultConfig())
	c.alerts = alert.NewManager([]alert.Channel{
		alert.NewLogChannel("log", c.logger),
	}, alertThrottle)
	return nil
}

func (c *Container) buildStorage() error {
	switch c.cfg.Storage.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), warmStartTimeout)
		defer cancel()
		pg, err := store.NewPostgresStore(ctx, c.cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		c.store, c.closer = pg, pg.Close
	case "sqlite":
		ctx, cancel := context.WithTimeout(context.Background(), warmStartTimeout)
		defer cancel()
		lite, err := store.NewSQLiteStore(ctx, c.cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		c.store, c.closer = lite, lite.Close
	default:
		fs, err := store.NewFileStore(c.cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		c.store = fs
	}
	c.logger.Info("storage ready: " + c.cfg.Storage.Driver)
	return nil
}

func (c *Container) buildGateway() {
	p := c.cfg.Pricing
	c.priceClient = gateway.NewPriceClient(p.BaseURL, p.APIKey, p.Timeout(),
		gateway.NewTokenBucketLimiter(p.RateLimit.RPS, p.RateLimit.Burst))
	if p.APIKeyHeader != "" {
		c.priceClient.APIKeyHeader = p.APIKeyHeader
	}
	c.fxClient = gateway.NewFXClient(c.cfg.FX.BaseURL, p.Timeout())
}

func (c *Container) buildCoreServices() {
	p := c.cfg.Pricing
	c.fetcher = pricing.NewFetcher(pricing.FetcherConfig{
		Timeout: p.Timeout(),
		Retry:   retryPolicy(p.Retry),
	}, c.priceClient, c.store, c.logger, c.monitor, c.alerts)

	c.cache = pricing.NewRateCache(pricing.CacheConfig{
		Currency: c.cfg.BaseCurrency,
		TTL:      p.CacheTTL(),
	}, c.fetcher, c.logger, c.monitor)
	c.publisher = pricing.NewPublisher()
	c.cache.SetPublisher(c.publisher)
	c.fetcher.OnFallback(c.cache.Merge)
	c.warmCache()

	if p.RefreshInterval() > 0 {
		c.scheduler = pricing.NewScheduler(refreshJob, p.RefreshInterval(), c.cache, c.store, c.logger)
	}

	overdraw, _ := balance.ParseOverdrawPolicy(c.cfg.Balance.Overdraw)
	c.balances = balance.NewService(balance.Config{
		Overdraw:         overdraw,
		FetchConcurrency: c.cfg.Balance.FetchConcurrency,
	}, c.store, c.cache, c.fetcher, c.fxClient, c.logger, c.monitor)
}

// warmCache 用持久化的价格表预热缓存；时间戳为零，首次读取仍会刷新
func (c *Container) warmCache() {
	ctx, cancel := context.WithTimeout(context.Background(), warmStartTimeout)
	defer cancel()
	table, err := c.store.ReadPrices(ctx)
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "warm_cache"})
		return
	}
	c.cache.Warm(table)
	c.logger.LogPrice("cache_warmed", map[string]interface{}{"entries": len(table)})
}

func (c *Container) buildServers() error {
	srv := api.NewServer(c.balances, c.cache, c.fetcher, c.publisher, c.logger)
	c.apiServer = newHTTPServerComponent("api_server", c.cfg.Server.Addr, srv.Handler(), c.logger)
	c.lifecycle.Register("api_server", c.apiServer)

	if c.cfg.Server.MetricsAddr != "" {
		c.metricsServer = newHTTPServerComponent("metrics_server", c.cfg.Server.MetricsAddr, c.metricsHandler(), c.logger)
		c.lifecycle.Register("metrics_server", c.metricsServer)
	}
	if c.scheduler != nil {
		c.lifecycle.Register(refreshJob, c.scheduler)
	}

	if c.configPath != "" {
		reloader, err := config.NewHotReloader(c.configPath, config.DefaultHotReloadConfig(), c.logger)
		if err != nil {
			return err
		}
		reloader.SetReloadHandler(c.Apply)
		c.reloader = reloader
		c.lifecycle.Register("config_reloader", reloader)
	}
	return nil
}

func (c *Container) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.monitor.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := c.HealthCheck(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	return mux
}

// Apply 热更新可在运行时生效的参数；存储、监听地址等需重启
func (c *Container) Apply(cfg config.AppConfig) error {
	overdraw, err := balance.ParseOverdrawPolicy(cfg.Balance.Overdraw)
	if err != nil {
		return err
	}
	if err := c.logger.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	c.cache.SetTTL(cfg.Pricing.CacheTTL())
	c.fetcher.SetRetryPolicy(retryPolicy(cfg.Pricing.Retry))
	c.balances.SetOverdrawPolicy(overdraw)
	if c.scheduler != nil && cfg.Pricing.RefreshInterval() > 0 {
		c.scheduler.SetInterval(cfg.Pricing.RefreshInterval())
	}
	if cfg.BaseCurrency != c.cfg.BaseCurrency || cfg.Storage != c.cfg.Storage || cfg.Server != c.cfg.Server {
		c.logger.Warn("base currency, storage and server changes require a restart")
	}
	c.logger.Info(fmt.Sprintf("config applied: ttl=%ds retry=%dx%dms overdraw=%s",
		cfg.Pricing.CacheTTLSeconds, cfg.Pricing.Retry.MaxAttempts, cfg.Pricing.Retry.DelayMs, overdraw))
	return nil
}

func retryPolicy(r config.RetryConfig) pricing.RetryPolicy {
	return pricing.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		Delay:       r.Delay(),
		Retryable:   gateway.IsTransient,
	}
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started")
	return nil
}

func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	if c.closer != nil {
		if cerr := c.closer(); cerr != nil {
			c.logger.LogError(cerr, map[string]interface{}{"action": "close_store"})
		}
	}
	c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

func (c *Container) Config() config.AppConfig      { return c.cfg }
func (c *Container) Logger() *logger.Logger        { return c.logger }
func (c *Container) Monitor() *monitor.Monitor     { return c.monitor }
func (c *Container) Fetcher() *pricing.Fetcher     { return c.fetcher }
func (c *Container) RateCache() *pricing.RateCache { return c.cache }
func (c *Container) Balances() *balance.Service    { return c.balances }

// APIAddr 实际监听地址，未启动时为空
func (c *Container) APIAddr() string {
	if c.apiServer == nil {
		return ""
	}
	return c.apiServer.Addr()
}
