package balance

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"rebalancer-go/asset"
	"rebalancer-go/infrastructure/logger"
	"rebalancer-go/infrastructure/monitor"
	"rebalancer-go/pricing"
)

// RateSource 价格表来源，pricing.RateCache 实现。
type RateSource interface {
	GetRates(ctx context.Context) pricing.PriceTable
	Currency() string
}

// PriceFallback 单资产兜底抓取，pricing.Fetcher 实现。
type PriceFallback interface {
	FetchByID(ctx context.Context, currency, id string) (pricing.PriceRecord, error)
}

// Converter 法币换算，gateway.FXClient 实现。
type Converter interface {
	Convert(ctx context.Context, amount float64, from, to string) (float64, error)
	IsValidCurrency(ctx context.Context, base, currency string) (bool, error)
}

// Config 余额服务配置
type Config struct {
	Overdraw OverdrawPolicy
	// FetchConcurrency 再平衡时兜底抓取的并发上限
	FetchConcurrency int
}

// Service 用户余额与再平衡。
// 同一用户的请求串行执行；ReadAll/WriteAll 往返另由 storeMu 串行，避免不同用户互相覆盖。
type Service struct {
	store    Store
	rates    RateSource
	fallback PriceFallback
	fx       Converter
	log      *logger.Logger
	mon      *monitor.Monitor

	overdraw    atomic.Int32
	concurrency int

	locks   *userLocks
	storeMu sync.Mutex
}

// NewService 创建余额服务；fx 可为 nil（只支持基准货币）。
func NewService(cfg Config, store Store, rates RateSource, fallback PriceFallback, fx Converter, log *logger.Logger, mon *monitor.Monitor) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	if mon == nil {
		mon = monitor.New(monitor.DefaultConfig())
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 4
	}
	s := &Service{
		store:       store,
		rates:       rates,
		fallback:    fallback,
		fx:          fx,
		log:         log,
		mon:         mon,
		concurrency: cfg.FetchConcurrency,
		locks:       newUserLocks(),
	}
	s.overdraw.Store(int32(cfg.Overdraw))
	return s
}

// SetOverdrawPolicy 运行时切换扣减策略
func (s *Service) SetOverdrawPolicy(p OverdrawPolicy) {
	s.overdraw.Store(int32(p))
}

func (s *Service) OverdrawPolicy() OverdrawPolicy {
	return OverdrawPolicy(s.overdraw.Load())
}

// AddBalance 增加某资产数量，用户不存在时创建。
// 资产没有价格时尝试兜底抓取，失败只记日志，不影响本次增加。
func (s *Service) AddBalance(ctx context.Context, userID, rawAsset string, amount float64) (Holdings, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	table := s.rates.GetRates(ctx)
	id := asset.Resolve(rawAsset, table)
	if id == "" {
		return nil, fmt.Errorf("%w: empty asset", ErrUnsupportedAsset)
	}
	if _, ok := table.Price(id); !ok && s.fallback != nil {
		if _, err := s.fallback.FetchByID(ctx, s.rates.Currency(), id); err != nil {
			s.log.LogBalance("price_lookup_failed", userID, map[string]interface{}{
				"asset": id,
				"error": err.Error(),
			})
		}
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	var out Holdings
	err := s.update(ctx, func(all map[string]Holdings) error {
		h := all[userID]
		if h == nil {
			h = make(Holdings)
		}
		next := decimal.NewFromFloat(h[id]).Add(decimal.NewFromFloat(amount))
		h[id] = next.InexactFloat64()
		all[userID] = h
		out = h.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.mon.RecordBalanceOp("add")
	s.log.LogBalance("added", userID, map[string]interface{}{"asset": id, "amount": amount})
	return out, nil
}

// RemoveBalance 扣减某资产数量；结果 <= 0 时删除该条目。
// 扣减量超过持有量时按 OverdrawPolicy 处理。
func (s *Service) RemoveBalance(ctx context.Context, userID, rawAsset string, amount float64) (Holdings, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	id := asset.Resolve(rawAsset, s.rates.GetRates(ctx))
	policy := s.OverdrawPolicy()

	unlock := s.locks.Lock(userID)
	defer unlock()

	var out Holdings
	err := s.update(ctx, func(all map[string]Holdings) error {
		h, ok := all[userID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		held, ok := h[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrAssetNotHeld, id)
		}
		next := decimal.NewFromFloat(held).Sub(decimal.NewFromFloat(amount))
		switch {
		case next.IsPositive():
			h[id] = next.InexactFloat64()
		case next.IsNegative() && policy == OverdrawReject:
			return fmt.Errorf("%w: %s holds %v, requested %v", ErrInsufficientBalance, id, held, amount)
		default:
			delete(h, id)
		}
		out = h.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.mon.RecordBalanceOp("remove")
	s.log.LogBalance("removed", userID, map[string]interface{}{
		"asset":    id,
		"amount":   amount,
		"overdraw": policy.String(),
	})
	return out, nil
}

// GetBalances 返回用户持仓副本
func (s *Service) GetBalances(ctx context.Context, userID string) (Holdings, error) {
	all, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	h, ok := all[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return h.Clone(), nil
}

// GetAllBalances 返回全部用户持仓
func (s *Service) GetAllBalances(ctx context.Context) (map[string]Holdings, error) {
	return s.readAll(ctx)
}

// TotalBalance 用户持仓按当前价格折算的总值，currency 与基准货币不同则换算。
func (s *Service) TotalBalance(ctx context.Context, userID, currency string) (float64, error) {
	h, err := s.GetBalances(ctx, userID)
	if err != nil {
		return 0, err
	}
	table := s.rates.GetRates(ctx)
	total, _ := totalValue(h, table).Float64()
	return s.convert(ctx, total, currency)
}

// TotalBalanceAll 每个用户的总值
func (s *Service) TotalBalanceAll(ctx context.Context, currency string) (map[string]float64, error) {
	all, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.checkCurrency(ctx, currency); err != nil {
		return nil, err
	}
	table := s.rates.GetRates(ctx)
	out := make(map[string]float64, len(all))
	for user, h := range all {
		total, _ := totalValue(h, table).Float64()
		v, err := s.convert(ctx, total, currency)
		if err != nil {
			return nil, err
		}
		out[user] = v
	}
	return out, nil
}

func (s *Service) convert(ctx context.Context, amount float64, currency string) (float64, error) {
	if err := s.checkCurrency(ctx, currency); err != nil {
		return 0, err
	}
	base := s.rates.Currency()
	if strings.EqualFold(base, currency) {
		return amount, nil
	}
	return s.fx.Convert(ctx, amount, base, currency)
}

func (s *Service) checkCurrency(ctx context.Context, currency string) error {
	currency = strings.TrimSpace(currency)
	if currency == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCurrency)
	}
	base := s.rates.Currency()
	if strings.EqualFold(base, currency) {
		return nil
	}
	if s.fx == nil {
		return fmt.Errorf("%w: %s", ErrInvalidCurrency, currency)
	}
	ok, err := s.fx.IsValidCurrency(ctx, base, currency)
	if err != nil {
		return fmt.Errorf("validate currency %s: %w", currency, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidCurrency, currency)
	}
	return nil
}

func (s *Service) readAll(ctx context.Context) (map[string]Holdings, error) {
	all, err := s.store.ReadAll(ctx)
	if err != nil {
		s.mon.RecordStoreError("balances")
		return nil, fmt.Errorf("read balances: %w", err)
	}
	if all == nil {
		all = make(map[string]Holdings)
	}
	return all, nil
}

// update 在 storeMu 下完成一次读-改-写；fn 返回错误时不写入。
func (s *Service) update(ctx context.Context, fn func(all map[string]Holdings) error) error {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	all, err := s.readAll(ctx)
	if err != nil {
		return err
	}
	if err := fn(all); err != nil {
		return err
	}
	if err := s.store.WriteAll(ctx, all); err != nil {
		s.mon.RecordStoreError("balances")
		return fmt.Errorf("write balances: %w", err)
	}
	return nil
}

func checkAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	return nil
}
