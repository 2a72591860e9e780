package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 上游行情指标
	upstreamRequests *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	upstreamRetries  *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	notFound         prometheus.Counter

	// 缓存指标
	cacheHits            prometheus.Counter
	cacheMisses          prometheus.Counter
	cacheRefreshes       prometheus.Counter
	cacheRefreshFailures prometheus.Counter
	cacheRefreshedAt     prometheus.Gauge
	cacheEntries         prometheus.Gauge

	// 余额与再平衡指标
	rebalances  *prometheus.CounterVec
	balanceOps  *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "rb",
		Subsystem: "core",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Monitor{
		registry: reg,

		upstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_requests_total",
			Help:      "上游行情请求总数",
		}, []string{"action"}),
		upstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_errors_total",
			Help:      "上游行情错误总数",
		}, []string{"action"}),
		upstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_latency_seconds",
			Help:      "上游行情请求延迟（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		upstreamRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_retries_total",
			Help:      "瞬时错误触发的重试次数",
		}, []string{"action"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_rate_limited_total",
			Help:      "上游返回429的次数（不重试）",
		}, []string{"action"}),
		notFound: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_not_found_total",
			Help:      "上游确认不存在的资产查询次数",
		}),

		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rate_cache_hits_total",
			Help:      "TTL内命中缓存次数",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rate_cache_misses_total",
			Help:      "缓存过期或为空的读取次数",
		}),
		cacheRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rate_cache_refreshes_total",
			Help:      "成功的批量刷新次数",
		}),
		cacheRefreshFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rate_cache_refresh_failures_total",
			Help:      "失败的批量刷新次数（保留旧表）",
		}),
		cacheRefreshedAt: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rate_cache_refreshed_timestamp_seconds",
			Help:      "最近一次成功刷新的Unix时间",
		}),
		cacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rate_cache_entries",
			Help:      "当前价格表条目数",
		}),

		rebalances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rebalances_total",
			Help:      "再平衡请求结果计数",
		}, []string{"status"}),
		balanceOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "balance_ops_total",
			Help:      "余额增减操作计数",
		}, []string{"op"}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "store_errors_total",
			Help:      "持久化层错误计数",
		}, []string{"store"}),
	}

	return m
}

// 上游相关方法
func (m *Monitor) RecordUpstreamRequest(action string) {
	m.upstreamRequests.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordUpstreamError(action string) {
	m.upstreamErrors.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordUpstreamLatency(action string, seconds float64) {
	m.upstreamLatency.WithLabelValues(action).Observe(seconds)
}

func (m *Monitor) RecordRetry(action string) {
	m.upstreamRetries.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRateLimited(action string) {
	m.rateLimited.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordNotFound() {
	m.notFound.Inc()
}

// 缓存相关方法
func (m *Monitor) RecordCacheHit() {
	m.cacheHits.Inc()
}

func (m *Monitor) RecordCacheMiss() {
	m.cacheMisses.Inc()
}

func (m *Monitor) RecordCacheRefresh(unixSeconds float64, entries int) {
	m.cacheRefreshes.Inc()
	m.cacheRefreshedAt.Set(unixSeconds)
	m.cacheEntries.Set(float64(entries))
}

func (m *Monitor) RecordCacheRefreshFailure() {
	m.cacheRefreshFailures.Inc()
}

func (m *Monitor) UpdateCacheEntries(entries int) {
	m.cacheEntries.Set(float64(entries))
}

// 余额相关方法
func (m *Monitor) RecordRebalance(status string) {
	m.rebalances.WithLabelValues(status).Inc()
}

func (m *Monitor) RecordBalanceOp(op string) {
	m.balanceOps.WithLabelValues(op).Inc()
}

func (m *Monitor) RecordStoreError(store string) {
	m.storeErrors.WithLabelValues(store).Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
