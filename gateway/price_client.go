package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	// DefaultPriceBaseURL 默认行情源（CoinGecko 兼容接口）。
	DefaultPriceBaseURL = "https://api.coingecko.com/api/v3"
	// DefaultUpstreamTimeout 单次上游调用超时。
	DefaultUpstreamTimeout = 5 * time.Second

	defaultPerPage = 250
)

// MarketQuote 批量行情接口返回的单个资产。
type MarketQuote struct {
	ID           string   `json:"id"`
	Symbol       string   `json:"symbol"`
	Name         string   `json:"name"`
	CurrentPrice *float64 `json:"current_price"`
}

// PriceClient 上游行情 REST 客户端；HTTPClient 可注入 httptest。
type PriceClient struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	PerPage      int
	HTTPClient   *http.Client
	Limiter      RateLimiter
}

// NewPriceClient 使用默认超时构造客户端。
func NewPriceClient(baseURL, apiKey string, timeout time.Duration, limiter RateLimiter) *PriceClient {
	if baseURL == "" {
		baseURL = DefaultPriceBaseURL
	}
	return &PriceClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: NewDefaultHTTPClient(timeout),
		Limiter:    limiter,
	}
}

// Markets 调用 /coins/markets 获取全量跟踪资产的当前价格。
func (c *PriceClient) Markets(ctx context.Context, vsCurrency string) ([]MarketQuote, error) {
	perPage := c.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	params := url.Values{}
	params.Set("vs_currency", strings.ToLower(vsCurrency))
	params.Set("per_page", strconv.Itoa(perPage))
	params.Set("page", "1")

	var quotes []MarketQuote
	if err := c.getJSON(ctx, "bulk", "/coins/markets", params, &quotes); err != nil {
		return nil, err
	}
	return quotes, nil
}

// SimplePrice 调用 /simple/price 查询指定 id 的价格；响应中缺失的 id 表示上游不支持。
func (c *PriceClient) SimplePrice(ctx context.Context, currency string, ids []string) (map[string]float64, error) {
	if len(ids) == 0 {
		return map[string]float64{}, nil
	}
	cur := strings.ToLower(currency)
	params := url.Values{}
	params.Set("ids", strings.Join(ids, ","))
	params.Set("vs_currencies", cur)

	var raw map[string]map[string]float64
	if err := c.getJSON(ctx, "by_id", "/simple/price", params, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(raw))
	for id, prices := range raw {
		p, ok := prices[cur]
		if !ok {
			continue
		}
		out[id] = p
	}
	return out, nil
}

func (c *PriceClient) getJSON(ctx context.Context, action, path string, params url.Values, dst interface{}) error {
	if c == nil || c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	endpoint := c.BaseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		header := c.APIKeyHeader
		if header == "" {
			header = "x-cg-demo-api-key"
		}
		req.Header.Set(header, c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{
			Action:     action,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Action: action, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", action, err)
	}
	return nil
}

// parseRetryAfter 支持秒数与 HTTP 日期两种格式；无法解析返回 0。
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	return &http.Client{Timeout: timeout}
}
