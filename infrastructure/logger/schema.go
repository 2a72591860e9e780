package logger

import (
	"fmt"
	"sort"
	"strings"
)

// Schema 定义每个日志事件所需的关键字段，便于集中校验。
// 键为 "类别.事件"，例如 price.bulk_fetched。
type Schema struct {
	Event    string
	Required []string
}

var schemas = map[string]Schema{
	"price.bulk_fetched": {
		Event:    "bulk_fetched",
		Required: []string{"currency", "quotes", "entries"},
	},
	"price.fallback_fetched": {
		Event:    "fallback_fetched",
		Required: []string{"asset", "price"},
	},
	"price.asset_not_found": {
		Event:    "asset_not_found",
		Required: []string{"asset"},
	},
	"price.cache_refreshed": {
		Event:    "cache_refreshed",
		Required: []string{"entries", "currency"},
	},
	"price.scheduled_refresh": {
		Event:    "scheduled_refresh",
		Required: []string{"job", "entries"},
	},
	"balance.added": {
		Event:    "added",
		Required: []string{"user_id", "asset", "amount"},
	},
	"balance.removed": {
		Event:    "removed",
		Required: []string{"user_id", "asset", "amount", "overdraw"},
	},
	"rebalance.applied": {
		Event:    "applied",
		Required: []string{"request_id", "user_id", "assets", "total_value"},
	},
	"rebalance.skipped": {
		Event:    "skipped",
		Required: []string{"request_id", "user_id", "reason"},
	},
	"rebalance.rejected": {
		Event:    "rejected",
		Required: []string{"request_id", "user_id", "reason"},
	},
	"rate_limit.rate_limited": {
		Event:    "rate_limited",
		Required: []string{"action", "retry_after"},
	},
}

// KnownEvents 返回所有事件键，便于外部生成文档。
func KnownEvents() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ValidateEvent 检查日志字段是否包含 schema 中要求的 key；未登记的事件直接通过。
func ValidateEvent(key string, fields map[string]interface{}) error {
	s, ok := schemas[key]
	if !ok {
		return nil
	}
	var missing []string
	for _, k := range s.Required {
		if _, exists := fields[k]; !exists {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s missing fields: %s", key, strings.Join(missing, ","))
	}
	return nil
}
