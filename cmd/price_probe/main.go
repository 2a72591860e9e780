package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"rebalancer-go/config"
	"rebalancer-go/gateway"
	"rebalancer-go/infrastructure/logger"
	"rebalancer-go/infrastructure/monitor"
	"rebalancer-go/internal/store"
	"rebalancer-go/pricing"
)

// price_probe 做一次批量抓取并打印价格表摘要，用来验证 API key 与限流配置。
func main() {
	cfgPath := flag.String("config", "", "配置文件路径，留空使用默认配置")
	currency := flag.String("currency", "", "计价货币，默认取配置 baseCurrency")
	ids := flag.String("ids", "", "额外按 ID 查询的资产，逗号分隔")
	top := flag.Int("top", 10, "打印前 N 个资产")
	dataDir := flag.String("dataDir", "", "把结果写入该目录（file 存储格式），留空只打印")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.LoadWithEnvOverrides(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}
	if *currency != "" {
		cfg.BaseCurrency = *currency
	}

	log, err := logger.New(logger.Config{Level: "warn", Outputs: []string{"stdout"}, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	dir := *dataDir
	if dir == "" {
		dir, err = os.MkdirTemp("", "price-probe-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
	}
	st, err := store.NewFileStore(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: %v\n", err)
		os.Exit(1)
	}

	p := cfg.Pricing
	client := gateway.NewPriceClient(p.BaseURL, p.APIKey, p.Timeout(),
		gateway.NewTokenBucketLimiter(p.RateLimit.RPS, p.RateLimit.Burst))
	if p.APIKeyHeader != "" {
		client.APIKeyHeader = p.APIKeyHeader
	}
	fetcher := pricing.NewFetcher(pricing.FetcherConfig{
		Timeout: p.Timeout(),
		Retry: pricing.RetryPolicy{
			MaxAttempts: p.Retry.MaxAttempts,
			Delay:       p.Retry.Delay(),
			Retryable:   gateway.IsTransient,
		},
	}, client, st, log, monitor.New(monitor.DefaultConfig()), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	start := time.Now()
	table, err := fetcher.FetchBulk(ctx, cfg.BaseCurrency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bulk fetch failed: %v\n", err)
		os.Exit(1)
	}
	canonical := table.Canonical()
	fmt.Printf("bulk fetch: %d assets (%d keys incl. aliases) in %s, currency=%s\n",
		len(canonical), len(table), time.Since(start).Round(time.Millisecond), cfg.BaseCurrency)

	recs := make([]pricing.PriceRecord, 0, len(canonical))
	for _, rec := range canonical {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Price > recs[j].Price })
	for i, rec := range recs {
		if i >= *top {
			break
		}
		fmt.Printf("  %-24s %-8s %16.6f\n", rec.AssetID, rec.Symbol, rec.Price)
	}

	if *ids != "" {
		extra, err := fetcher.FetchByIDs(ctx, cfg.BaseCurrency, strings.Split(*ids, ","))
		if err != nil {
			fmt.Fprintf(os.Stderr, "by-id fetch failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("by-id fetch: %d found\n", len(extra))
		for id, rec := range extra {
			fmt.Printf("  %-24s %16.6f\n", id, rec.Price)
		}
	}
}
