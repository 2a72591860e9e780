package pricing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rebalancer-go/gateway"
	"rebalancer-go/infrastructure/alert"
	"rebalancer-go/infrastructure/logger"
	"rebalancer-go/infrastructure/monitor"
)

const (
	actionBulk = "bulk"
	actionByID = "by_id"

	alertSource = "pricing"
)

// Source 上游行情接口，gateway.PriceClient 实现。
type Source interface {
	Markets(ctx context.Context, vsCurrency string) ([]gateway.MarketQuote, error)
	SimplePrice(ctx context.Context, currency string, ids []string) (map[string]float64, error)
}

// FetcherConfig 抓取器配置。
type FetcherConfig struct {
	Timeout time.Duration
	Retry   RetryPolicy
}

// Fetcher 负责批量抓取与按 ID 兜底抓取，并把结果写入 PriceStore。
type Fetcher struct {
	src     Source
	store   PriceStore
	log     *logger.Logger
	mon     *monitor.Monitor
	alerts  *alert.Manager
	timeout time.Duration
	now     func() time.Time

	policy atomic.Pointer[RetryPolicy]

	// storeMu 串行化价格表的读-合并-写，同时保护 inflight
	storeMu sync.Mutex

	// 进行中的批量抓取各自收集期间成功的兜底结果，写盘前补回
	inflight map[*PriceTable]struct{}

	listenerMu sync.RWMutex
	listener   func(PriceTable)
}

// NewFetcher 创建抓取器；log/mon 为 nil 时使用空实现。
func NewFetcher(cfg FetcherConfig, src Source, store PriceStore, log *logger.Logger, mon *monitor.Monitor, alerts *alert.Manager) *Fetcher {
	if log == nil {
		log = logger.NewNop()
	}
	if mon == nil {
		mon = monitor.New(monitor.DefaultConfig())
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = gateway.DefaultUpstreamTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	f := &Fetcher{
		src:      src,
		store:    store,
		log:      log,
		mon:      mon,
		alerts:   alerts,
		timeout:  cfg.Timeout,
		now:      time.Now,
		inflight: make(map[*PriceTable]struct{}),
	}
	policy := cfg.Retry
	f.policy.Store(&policy)
	return f
}

// SetRetryPolicy 运行时替换重试策略（配置热更新）。
func (f *Fetcher) SetRetryPolicy(p RetryPolicy) {
	f.policy.Store(&p)
}

// RetryPolicy 返回当前重试策略。
func (f *Fetcher) RetryPolicy() RetryPolicy {
	return *f.policy.Load()
}

// OnFallback 注册兜底抓取成功后的回调，一般是 RateCache.Merge。
func (f *Fetcher) OnFallback(fn func(PriceTable)) {
	f.listenerMu.Lock()
	f.listener = fn
	f.listenerMu.Unlock()
}

// FetchBulk 抓取全量价格表。
// 之前不受支持的资产先走按 ID 抓取（尽力而为），批量结果覆盖兜底结果。
func (f *Fetcher) FetchBulk(ctx context.Context, currency string) (PriceTable, error) {
	currency = strings.ToLower(currency)
	start := f.now()

	late := f.track()
	defer f.untrack(late)

	table := make(PriceTable)
	ids, err := f.store.ReadUnsupportedIDs(ctx)
	if err != nil {
		f.mon.RecordStoreError("unsupported_ids")
		f.log.LogError(err, map[string]interface{}{"action": "read_unsupported_ids"})
	} else if len(ids) > 0 {
		fallback, err := f.FetchByIDs(ctx, currency, ids)
		if err != nil {
			f.log.LogError(err, map[string]interface{}{
				"action": "fetch_unsupported",
				"ids":    len(ids),
			})
		}
		for k, v := range fallback {
			table[k] = v
		}
	}

	quotes, err := Do(ctx, f.RetryPolicy(), func(ctx context.Context) ([]gateway.MarketQuote, error) {
		var out []gateway.MarketQuote
		err := f.observe(ctx, actionBulk, func(ctx context.Context) (err error) {
			out, err = f.src.Markets(ctx, currency)
			return err
		})
		return out, err
	}, f.onRetry(actionBulk))
	if err != nil {
		return nil, f.classify(actionBulk, err, nil)
	}

	fetchedAt := f.now()
	aliases := make(map[string]PriceRecord)
	for _, q := range quotes {
		if q.CurrentPrice == nil || *q.CurrentPrice < 0 {
			continue
		}
		id := strings.ToLower(strings.TrimSpace(q.ID))
		if id == "" {
			continue
		}
		rec := PriceRecord{
			AssetID:   id,
			Symbol:    strings.ToLower(q.Symbol),
			Price:     *q.CurrentPrice,
			Currency:  currency,
			FetchedAt: fetchedAt,
		}
		table[id] = rec
		if rec.Symbol != "" && rec.Symbol != id {
			// 同一代码对应多个资产时保留第一个
			if _, seen := aliases[rec.Symbol]; !seen {
				aliases[rec.Symbol] = rec
			}
		}
	}
	// 别名不覆盖任何规范 ID 键
	for sym, rec := range aliases {
		if _, taken := table[sym]; !taken {
			table[sym] = rec
		}
	}

	f.storeMu.Lock()
	delete(f.inflight, late)
	for k, v := range *late {
		if _, ok := table[k]; !ok {
			table[k] = v
		}
	}
	err = f.store.WritePrices(ctx, table)
	f.storeMu.Unlock()
	if err != nil {
		f.mon.RecordStoreError("prices")
		f.log.LogError(err, map[string]interface{}{"action": "write_prices"})
	}

	f.log.LogPrice("bulk_fetched", map[string]interface{}{
		"currency":    currency,
		"quotes":      len(quotes),
		"entries":     len(table),
		"unsupported": len(ids),
		"elapsed_ms":  f.now().Sub(start).Milliseconds(),
	})
	return table, nil
}

// FetchByIDs 按 ID 批量兜底抓取；响应中缺失的 ID 直接忽略。
func (f *Fetcher) FetchByIDs(ctx context.Context, currency string, ids []string) (PriceTable, error) {
	currency = strings.ToLower(currency)
	ids = normalizeIDs(ids)
	if len(ids) == 0 {
		return PriceTable{}, nil
	}
	prices, err := Do(ctx, f.RetryPolicy(), func(ctx context.Context) (map[string]float64, error) {
		var out map[string]float64
		err := f.observe(ctx, actionByID, func(ctx context.Context) (err error) {
			out, err = f.src.SimplePrice(ctx, currency, ids)
			return err
		})
		return out, err
	}, f.onRetry(actionByID))
	if err != nil {
		return nil, f.classify(actionByID, err, map[string]interface{}{"ids": strings.Join(ids, ",")})
	}

	fetchedAt := f.now()
	table := make(PriceTable, len(prices))
	for _, id := range ids {
		p, ok := prices[id]
		if !ok || p < 0 {
			continue
		}
		table[id] = PriceRecord{AssetID: id, Price: p, Currency: currency, FetchedAt: fetchedAt}
	}
	return table, nil
}

// FetchByID 单个资产兜底抓取。上游不认识该资产时返回 *NotFoundError（不重试）。
// 成功后记入不受支持列表，合并进持久化价格表，并通知回调。
func (f *Fetcher) FetchByID(ctx context.Context, currency, id string) (PriceRecord, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	table, err := f.FetchByIDs(ctx, currency, []string{id})
	if err != nil {
		return PriceRecord{}, err
	}
	rec, ok := table[id]
	if !ok {
		f.mon.RecordNotFound()
		f.log.LogPrice("asset_not_found", map[string]interface{}{"asset": id})
		return PriceRecord{}, &NotFoundError{AssetID: id}
	}

	if err := f.store.AppendUnsupportedID(ctx, id); err != nil {
		f.mon.RecordStoreError("unsupported_ids")
		f.log.LogError(err, map[string]interface{}{"action": "append_unsupported", "asset": id})
	}
	f.mergeStored(ctx, table)

	f.listenerMu.RLock()
	listener := f.listener
	f.listenerMu.RUnlock()
	if listener != nil {
		listener(table)
	}

	f.log.LogPrice("fallback_fetched", map[string]interface{}{
		"asset": id,
		"price": rec.Price,
	})
	return rec, nil
}

func (f *Fetcher) track() *PriceTable {
	late := make(PriceTable)
	f.storeMu.Lock()
	f.inflight[&late] = struct{}{}
	f.storeMu.Unlock()
	return &late
}

func (f *Fetcher) untrack(late *PriceTable) {
	f.storeMu.Lock()
	delete(f.inflight, late)
	f.storeMu.Unlock()
}

func (f *Fetcher) mergeStored(ctx context.Context, entries PriceTable) {
	f.storeMu.Lock()
	defer f.storeMu.Unlock()

	for late := range f.inflight {
		for k, v := range entries {
			(*late)[k] = v
		}
	}

	current, err := f.store.ReadPrices(ctx)
	if err != nil {
		f.mon.RecordStoreError("prices")
		f.log.LogError(err, map[string]interface{}{"action": "read_prices"})
		return
	}
	if err := f.store.WritePrices(ctx, current.Merge(entries)); err != nil {
		f.mon.RecordStoreError("prices")
		f.log.LogError(err, map[string]interface{}{"action": "merge_prices"})
	}
}

// observe 单次上游调用：超时、计数、耗时。
func (f *Fetcher) observe(ctx context.Context, action string, call func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	f.mon.RecordUpstreamRequest(action)
	err := call(ctx)
	f.mon.RecordUpstreamLatency(action, time.Since(start).Seconds())
	if err != nil {
		f.mon.RecordUpstreamError(action)
	}
	return err
}

func (f *Fetcher) onRetry(action string) func(error) {
	return func(err error) {
		f.mon.RecordRetry(action)
		f.log.Warn("upstream retry",
			zap.String("action", action),
			zap.Error(err))
	}
}

// classify 把限流转换为 ErrRateLimited 并单独上报；重试用尽时告警。
func (f *Fetcher) classify(action string, err error, fields map[string]interface{}) error {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["action"] = action
	if rl, ok := gateway.IsRateLimited(err); ok {
		f.mon.RecordRateLimited(action)
		f.log.LogRateLimit(action, rl.RetryAfter, nil)
		f.alert(alert.LevelWarning, "upstream rate limited", fields)
		return fmt.Errorf("%w: %w", ErrRateLimited, rl)
	}
	f.log.LogError(err, fields)
	if action == actionBulk {
		f.alert(alert.LevelError, "bulk price fetch failed", fields)
	}
	return err
}

func (f *Fetcher) alert(level alert.Level, msg string, fields map[string]interface{}) {
	if f.alerts == nil {
		return
	}
	if err := f.alerts.SendAlert(alert.Alert{Level: level, Source: alertSource, Message: msg, Fields: fields}); err != nil {
		f.log.LogError(err, map[string]interface{}{"action": "send_alert"})
	}
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
