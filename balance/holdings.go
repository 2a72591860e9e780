package balance

import (
	"context"
	"fmt"
	"strings"
)

// Holdings 规范资产 ID -> 数量；数量 <= 0 的条目会被删除，不保留零值。
type Holdings map[string]float64

// Clone 深拷贝
func (h Holdings) Clone() Holdings {
	out := make(Holdings, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Store 用户余额持久化接口：整体读、整体写。
type Store interface {
	ReadAll(ctx context.Context) (map[string]Holdings, error)
	WriteAll(ctx context.Context, all map[string]Holdings) error
}

// OverdrawPolicy 扣减超过持有量时的处理方式。
type OverdrawPolicy int

const (
	// OverdrawClamp 直接删除该资产
	OverdrawClamp OverdrawPolicy = iota
	// OverdrawReject 返回 ErrInsufficientBalance
	OverdrawReject
)

func (p OverdrawPolicy) String() string {
	if p == OverdrawReject {
		return "reject"
	}
	return "clamp"
}

// ParseOverdrawPolicy 空字符串视为 clamp。
func ParseOverdrawPolicy(s string) (OverdrawPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clamp":
		return OverdrawClamp, nil
	case "reject":
		return OverdrawReject, nil
	default:
		return OverdrawClamp, fmt.Errorf("unknown overdraw policy %q", s)
	}
}
