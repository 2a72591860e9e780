package pricing

import (
	"context"
	"strings"
	"time"
)

// PriceRecord 单个资产的价格快照，创建后不再修改。
type PriceRecord struct {
	AssetID   string    `json:"assetId"`
	Symbol    string    `json:"symbol,omitempty"`
	Price     float64   `json:"price"`
	Currency  string    `json:"currency"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// PriceTable 以规范 ID 为主键；小写代码作为别名键指向同一条记录。
// 对读者可见的表不会被原地修改，合并总是返回新表。
type PriceTable map[string]PriceRecord

// Price 按 key 查价，返回是否存在。
func (t PriceTable) Price(key string) (float64, bool) {
	rec, ok := t[strings.ToLower(key)]
	if !ok {
		return 0, false
	}
	return rec.Price, true
}

// CanonicalID 实现 asset.AliasLookup。
func (t PriceTable) CanonicalID(key string) (string, bool) {
	rec, ok := t[strings.ToLower(key)]
	if !ok {
		return "", false
	}
	if rec.AssetID == "" {
		return strings.ToLower(key), true
	}
	return rec.AssetID, true
}

// Clone 浅拷贝（记录本身是值类型）。
func (t PriceTable) Clone() PriceTable {
	out := make(PriceTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Merge 返回 t 与 other 合并后的新表，other 中的键覆盖 t。
func (t PriceTable) Merge(other PriceTable) PriceTable {
	out := make(PriceTable, len(t)+len(other))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Canonical 只保留规范 ID 键（去掉代码别名）。
func (t PriceTable) Canonical() PriceTable {
	out := make(PriceTable, len(t))
	for k, v := range t {
		if v.AssetID == "" || v.AssetID == k {
			out[k] = v
		}
	}
	return out
}

// PriceStore 价格表的持久化接口。
type PriceStore interface {
	ReadPrices(ctx context.Context) (PriceTable, error)
	WritePrices(ctx context.Context, table PriceTable) error
	AppendUnsupportedID(ctx context.Context, id string) error
	ReadUnsupportedIDs(ctx context.Context) ([]string, error)
}

// CheckpointStore 保存调度器的上次运行时间。
type CheckpointStore interface {
	ReadCheckpoint(ctx context.Context, name string) (time.Time, error)
	WriteCheckpoint(ctx context.Context, name string, at time.Time) error
}
