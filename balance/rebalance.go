package balance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"rebalancer-go/asset"
	"rebalancer-go/pricing"
)

// AllocationTolerance 目标百分比之和允许的误差
const AllocationTolerance = 1e-4

var hundred = decimal.NewFromInt(100)

// Status 再平衡结果
type Status string

const (
	// StatusApplied 新持仓已写入
	StatusApplied Status = "applied"
	// StatusSkipped 价格不可用，持仓未变，不算错误
	StatusSkipped Status = "skipped"
)

// RebalanceResult 一次再平衡的结果
type RebalanceResult struct {
	RequestID  string   `json:"requestId"`
	Status     Status   `json:"status"`
	Holdings   Holdings `json:"holdings,omitempty"`
	TotalValue float64  `json:"totalValue"`
	Reason     string   `json:"reason,omitempty"`
}

// ValidateAllocation 检查目标分配：每项在 [0,100]，总和为 100（误差 1e-4）。
func ValidateAllocation(targets map[string]float64) error {
	if len(targets) == 0 {
		return fmt.Errorf("%w: empty allocation", ErrInvalidAllocation)
	}
	sum := 0.0
	for raw, pct := range targets {
		if asset.Normalize(raw) == "" {
			return fmt.Errorf("%w: empty asset id", ErrInvalidAllocation)
		}
		if math.IsNaN(pct) || pct < 0 || pct > 100 {
			return fmt.Errorf("%w: %s has percentage %v", ErrInvalidAllocation, raw, pct)
		}
		sum += pct
	}
	if math.Abs(sum-100) > AllocationTolerance {
		return fmt.Errorf("%w: percentages sum to %v, want 100", ErrInvalidAllocation, sum)
	}
	return nil
}

// Rebalance 按目标百分比重新分配用户持仓，总价值不变。
// 流程：校验 -> 取价 -> 计算 -> 整体替换该用户持仓。
// 价格不可用时返回 StatusSkipped 且不报错；任一目标资产上游不存在则整体拒绝。
func (s *Service) Rebalance(ctx context.Context, userID string, targets map[string]float64) (RebalanceResult, error) {
	res := RebalanceResult{RequestID: uuid.NewString()}

	if err := ValidateAllocation(targets); err != nil {
		return s.reject(res, userID, err)
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	all, err := s.readAll(ctx)
	if err != nil {
		return s.fail(res, userID, err)
	}
	current, ok := all[userID]
	if !ok {
		return s.reject(res, userID, fmt.Errorf("%w: %s", ErrUserNotFound, userID))
	}

	table := s.rates.GetRates(ctx)
	if len(table) == 0 {
		return s.skip(res, userID, "price table unavailable")
	}

	weights := canonicalWeights(targets, table)
	prices, err := s.resolvePrices(ctx, table, weights)
	if err != nil {
		if errors.Is(err, ErrUnsupportedAsset) {
			return s.reject(res, userID, err)
		}
		return s.skip(res, userID, err.Error())
	}

	next, total, err := computeHoldings(current, weights, prices)
	if err != nil {
		return s.skip(res, userID, err.Error())
	}

	err = s.update(ctx, func(all map[string]Holdings) error {
		if _, ok := all[userID]; !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		all[userID] = next
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return s.reject(res, userID, err)
		}
		return s.fail(res, userID, err)
	}

	res.Status = StatusApplied
	res.Holdings = next.Clone()
	res.TotalValue, _ = total.Float64()
	s.mon.RecordRebalance(string(StatusApplied))
	s.log.LogRebalance("applied", res.RequestID, map[string]interface{}{
		"user_id":     userID,
		"assets":      len(next),
		"total_value": res.TotalValue,
	})
	return res, nil
}

// canonicalWeights 把原始资产代码归一化；归一化后重复的资产百分比相加。
func canonicalWeights(targets map[string]float64, table pricing.PriceTable) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(targets))
	for raw, pct := range targets {
		id := asset.Resolve(raw, table)
		out[id] = out[id].Add(decimal.NewFromFloat(pct))
	}
	return out
}

// resolvePrices 对价格表中缺失的目标资产并发做兜底抓取。
// 任一资产上游不存在返回 ErrUnsupportedAsset；其它失败原样返回（调用方视为跳过）。
func (s *Service) resolvePrices(ctx context.Context, table pricing.PriceTable, weights map[string]decimal.Decimal) (pricing.PriceTable, error) {
	var missing []string
	for id := range weights {
		if _, ok := table.Price(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return table, nil
	}
	if s.fallback == nil {
		return nil, fmt.Errorf("no price for %v", missing)
	}
	sort.Strings(missing)

	records := make([]pricing.PriceRecord, len(missing))
	errs := make([]error, len(missing))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range missing {
		g.Go(func() error {
			records[i], errs[i] = s.fallback.FetchByID(ctx, s.rates.Currency(), id)
			return nil
		})
	}
	_ = g.Wait()

	var firstErr error
	for i, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, pricing.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, missing[i])
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("price for %s unavailable: %w", missing[i], err)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	extra := make(pricing.PriceTable, len(records))
	for _, rec := range records {
		extra[rec.AssetID] = rec
	}
	return table.Merge(extra), nil
}

// computeHoldings 按价值重新分配：
// total = Σ amount × price（无价格的持仓记 0）；目标数量 = p/100 × total / price。
func computeHoldings(current Holdings, weights map[string]decimal.Decimal, prices pricing.PriceTable) (Holdings, decimal.Decimal, error) {
	total := totalValue(current, prices)

	next := make(Holdings, len(weights))
	for id, w := range weights {
		if !w.IsPositive() {
			continue
		}
		p, ok := prices.Price(id)
		if !ok || p <= 0 {
			return nil, total, fmt.Errorf("no usable price for %s", id)
		}
		amount := w.Div(hundred).Mul(total).Div(decimal.NewFromFloat(p))
		if v := amount.InexactFloat64(); v > 0 {
			next[id] = v
		}
	}
	return next, total, nil
}

func totalValue(h Holdings, prices pricing.PriceTable) decimal.Decimal {
	total := decimal.Zero
	for id, amount := range h {
		p, ok := prices.Price(asset.Resolve(id, prices))
		if !ok {
			continue
		}
		total = total.Add(decimal.NewFromFloat(amount).Mul(decimal.NewFromFloat(p)))
	}
	return total
}

func (s *Service) reject(res RebalanceResult, userID string, err error) (RebalanceResult, error) {
	s.mon.RecordRebalance("rejected")
	s.log.LogRebalance("rejected", res.RequestID, map[string]interface{}{
		"user_id": userID,
		"reason":  err.Error(),
	})
	return res, err
}

func (s *Service) skip(res RebalanceResult, userID, reason string) (RebalanceResult, error) {
	res.Status = StatusSkipped
	res.Reason = reason
	s.mon.RecordRebalance(string(StatusSkipped))
	s.log.LogRebalance("skipped", res.RequestID, map[string]interface{}{
		"user_id": userID,
		"reason":  reason,
	})
	return res, nil
}

func (s *Service) fail(res RebalanceResult, userID string, err error) (RebalanceResult, error) {
	s.mon.RecordRebalance("failed")
	s.log.LogRebalance("failed", res.RequestID, map[string]interface{}{
		"user_id": userID,
		"error":   err.Error(),
	})
	return res, err
}
