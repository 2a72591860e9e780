package pricing

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"rebalancer-go/infrastructure/logger"
	"rebalancer-go/infrastructure/monitor"
)

// DefaultCacheTTL 价格表缓存有效期。
const DefaultCacheTTL = 60 * time.Second

const refreshKey = "bulk"

// BulkFetcher 缓存未命中时调用的批量抓取接口。
type BulkFetcher interface {
	FetchBulk(ctx context.Context, currency string) (PriceTable, error)
}

// cacheState 一旦发布即不可变；更新总是整体替换指针。
type cacheState struct {
	table       PriceTable
	refreshedAt time.Time
}

// CacheConfig 缓存配置。Now 为 nil 时使用 time.Now。
type CacheConfig struct {
	Currency string
	TTL      time.Duration
	Now      func() time.Time
}

// RateCache 进程内价格表缓存。
// 过期后的并发读只触发一次上游批量抓取，其余调用方等待同一结果。
type RateCache struct {
	fetcher  BulkFetcher
	currency string
	now      func() time.Time
	log      *logger.Logger
	mon      *monitor.Monitor
	pub      *Publisher

	ttl   atomic.Int64
	state atomic.Pointer[cacheState]

	// writeMu 串行化发布与合并，读者无锁；同时保护 refreshing/pending
	writeMu sync.Mutex

	// 批量刷新进行中合并的条目，发布时补回，避免被整表替换冲掉
	refreshing bool
	pending    PriceTable

	group singleflight.Group
}

// NewRateCache 创建空缓存。
func NewRateCache(cfg CacheConfig, fetcher BulkFetcher, log *logger.Logger, mon *monitor.Monitor) *RateCache {
	if log == nil {
		log = logger.NewNop()
	}
	if mon == nil {
		mon = monitor.New(monitor.DefaultConfig())
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &RateCache{
		fetcher:  fetcher,
		currency: strings.ToLower(cfg.Currency),
		now:      cfg.Now,
		log:      log,
		mon:      mon,
	}
	c.ttl.Store(int64(cfg.TTL))
	c.state.Store(&cacheState{table: PriceTable{}})
	return c
}

// SetPublisher 设置价格表推送器。
func (c *RateCache) SetPublisher(p *Publisher) {
	c.pub = p
}

// SetTTL 运行时修改有效期。
func (c *RateCache) SetTTL(d time.Duration) {
	if d <= 0 {
		d = DefaultCacheTTL
	}
	c.ttl.Store(int64(d))
}

// TTL 当前有效期。
func (c *RateCache) TTL() time.Duration {
	return time.Duration(c.ttl.Load())
}

// Currency 缓存价格的计价货币。
func (c *RateCache) Currency() string {
	return c.currency
}

// Warm 用持久化的价格表预热；刷新时间保持为零值，首次读取仍会刷新。
func (c *RateCache) Warm(table PriceTable) {
	if len(table) == 0 {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	cur := c.state.Load()
	c.state.Store(&cacheState{table: table.Clone(), refreshedAt: cur.refreshedAt})
	c.mon.UpdateCacheEntries(len(table))
}

// GetRates 返回价格表。缓存有效时不做任何 I/O；
// 过期则刷新，刷新失败返回上一次的表（可能为空），不返回错误。
func (c *RateCache) GetRates(ctx context.Context) PriceTable {
	st := c.state.Load()
	if c.fresh(st) {
		c.mon.RecordCacheHit()
		return st.table
	}
	c.mon.RecordCacheMiss()

	table, err := c.refresh(ctx, false)
	if err != nil {
		c.log.LogError(err, map[string]interface{}{
			"action": "refresh_rates",
			"stale":  len(c.state.Load().table),
		})
		return c.state.Load().table
	}
	return table
}

// ForceRefresh 忽略有效期立即抓取，并返回错误。
func (c *RateCache) ForceRefresh(ctx context.Context) (PriceTable, error) {
	return c.refresh(ctx, true)
}

// Snapshot 返回当前表及其刷新时间。
func (c *RateCache) Snapshot() (PriceTable, time.Time) {
	st := c.state.Load()
	return st.table, st.refreshedAt
}

// Merge 把兜底抓取的结果合并进缓存（写时复制），不改变刷新时间。
func (c *RateCache) Merge(entries PriceTable) {
	if len(entries) == 0 {
		return
	}
	c.writeMu.Lock()
	cur := c.state.Load()
	next := &cacheState{table: cur.table.Merge(entries), refreshedAt: cur.refreshedAt}
	c.state.Store(next)
	if c.refreshing {
		c.pending = c.pending.Merge(entries)
	}
	c.writeMu.Unlock()

	c.mon.UpdateCacheEntries(len(next.table))
	if c.pub != nil {
		c.pub.Publish(next.table)
	}
}

func (c *RateCache) fresh(st *cacheState) bool {
	if st == nil || len(st.table) == 0 || st.refreshedAt.IsZero() {
		return false
	}
	return c.now().Sub(st.refreshedAt) < c.TTL()
}

func (c *RateCache) refresh(ctx context.Context, force bool) (PriceTable, error) {
	v, err, _ := c.group.Do(refreshKey, func() (interface{}, error) {
		// 等锁期间可能已被其他调用方刷新
		if !force {
			if st := c.state.Load(); c.fresh(st) {
				return st.table, nil
			}
		}
		c.writeMu.Lock()
		c.refreshing, c.pending = true, nil
		c.writeMu.Unlock()

		// 抓取与单个调用方的取消解耦，超时由抓取器控制
		table, err := c.fetcher.FetchBulk(context.WithoutCancel(ctx), c.currency)
		if err != nil {
			c.writeMu.Lock()
			c.refreshing, c.pending = false, nil
			c.writeMu.Unlock()
			c.mon.RecordCacheRefreshFailure()
			return nil, err
		}
		return c.publish(table), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(PriceTable), nil
}

func (c *RateCache) publish(table PriceTable) PriceTable {
	at := c.now()
	c.writeMu.Lock()
	if len(c.pending) > 0 {
		table = table.Clone()
		for k, v := range c.pending {
			if _, ok := table[k]; !ok {
				table[k] = v
			}
		}
	}
	c.refreshing, c.pending = false, nil
	c.state.Store(&cacheState{table: table, refreshedAt: at})
	c.writeMu.Unlock()

	c.mon.RecordCacheRefresh(float64(at.Unix()), len(table))
	c.log.LogPrice("cache_refreshed", map[string]interface{}{
		"entries":  len(table),
		"currency": c.currency,
	})
	if c.pub != nil {
		c.pub.Publish(table)
	}
	return table
}
