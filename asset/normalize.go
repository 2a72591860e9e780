package asset

import "strings"

// tickerMap 常见行情代码到规范资产 ID 的静态映射（与上游行情源的 id 保持一致）。
var tickerMap = map[string]string{
	"btc":   "bitcoin",
	"xbt":   "bitcoin",
	"eth":   "ethereum",
	"usdt":  "tether",
	"usdc":  "usd-coin",
	"bnb":   "binancecoin",
	"sol":   "solana",
	"xrp":   "ripple",
	"ada":   "cardano",
	"doge":  "dogecoin",
	"dot":   "polkadot",
	"trx":   "tron",
	"ltc":   "litecoin",
	"link":  "chainlink",
	"matic": "matic-network",
	"avax":  "avalanche-2",
	"atom":  "cosmos",
	"xlm":   "stellar",
	"dai":   "dai",
	"shib":  "shiba-inu",
	"ton":   "the-open-network",
	"bch":   "bitcoin-cash",
	"uni":   "uniswap",
}

// Normalize 将原始代码转换为规范资产 ID；大小写不敏感。
// 找不到映射时返回小写后的原始字符串，允许以原始标识跟踪资产。
func Normalize(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if id, ok := tickerMap[key]; ok {
		return id
	}
	return key
}

// Known 报告 raw 是否命中静态映射。
func Known(raw string) bool {
	_, ok := tickerMap[strings.ToLower(strings.TrimSpace(raw))]
	return ok
}

// AliasLookup 由价格表实现：按 key（规范 ID 或小写代码）返回规范 ID。
type AliasLookup interface {
	CanonicalID(key string) (string, bool)
}

// Resolve 先走静态映射，再用价格表中的代码别名兜底。
func Resolve(raw string, aliases AliasLookup) string {
	id := Normalize(raw)
	if aliases == nil {
		return id
	}
	if canonical, ok := aliases.CanonicalID(id); ok && canonical != "" {
		return canonical
	}
	return id
}
