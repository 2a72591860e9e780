package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
)

// DefaultFXBaseURL 默认汇率源（open.er-api.com 兼容）。
const DefaultFXBaseURL = "https://open.er-api.com/v6"

type fxResponse struct {
	Result   string             `json:"result"`
	BaseCode string             `json:"base_code"`
	Rates    map[string]float64 `json:"rates"`
}

type fxEntry struct {
	rates     map[string]float64
	fetchedAt time.Time
}

// FXClient 查询法币汇率，按基准货币缓存 TTL 时长。
type FXClient struct {
	BaseURL    string
	HTTPClient *http.Client
	TTL        time.Duration
	MaxTries   uint

	mu    sync.Mutex
	cache map[string]fxEntry
	now   func() time.Time
}

// NewFXClient 创建汇率客户端
func NewFXClient(baseURL string, timeout time.Duration) *FXClient {
	if baseURL == "" {
		baseURL = DefaultFXBaseURL
	}
	return &FXClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: NewDefaultHTTPClient(timeout),
		TTL:        time.Hour,
		MaxTries:   3,
		cache:      make(map[string]fxEntry),
		now:        time.Now,
	}
}

// Rates 返回以 base 计价的汇率表。
func (c *FXClient) Rates(ctx context.Context, base string) (map[string]float64, error) {
	base = strings.ToUpper(base)
	c.mu.Lock()
	if e, ok := c.cache[base]; ok && c.now().Sub(e.fetchedAt) < c.TTL {
		c.mu.Unlock()
		return e.rates, nil
	}
	c.mu.Unlock()

	tries := c.MaxTries
	if tries == 0 {
		tries = 1
	}
	rates, err := backoff.Retry(ctx, func() (map[string]float64, error) {
		r, err := c.fetch(ctx, base)
		if err != nil && !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return r, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(tries))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[base] = fxEntry{rates: rates, fetchedAt: c.now()}
	c.mu.Unlock()
	return rates, nil
}

// Convert 将 amount 从 from 换算到 to；同币种直接返回。
func (c *FXClient) Convert(ctx context.Context, amount float64, from, to string) (float64, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return amount, nil
	}
	rates, err := c.Rates(ctx, from)
	if err != nil {
		return 0, fmt.Errorf("currency conversion failed: %w", err)
	}
	rate, ok := rates[to]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("conversion rate for %s not found", to)
	}
	return amount * rate, nil
}

// IsValidCurrency 以 base 的汇率表判断 currency 是否受支持。
func (c *FXClient) IsValidCurrency(ctx context.Context, base, currency string) (bool, error) {
	if strings.EqualFold(base, currency) {
		return true, nil
	}
	rates, err := c.Rates(ctx, base)
	if err != nil {
		return false, err
	}
	_, ok := rates[strings.ToUpper(currency)]
	return ok, nil
}

func (c *FXClient) fetch(ctx context.Context, base string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/latest/"+base, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{
			Action:     "fx",
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Action: "fx", Code: resp.StatusCode}
	}
	var data fxResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode fx response: %w", err)
	}
	if data.Result != "" && data.Result != "success" {
		return nil, fmt.Errorf("fx api result %q", data.Result)
	}
	if len(data.Rates) == 0 {
		return nil, fmt.Errorf("empty fx rates for %s", base)
	}
	return data.Rates, nil
}
