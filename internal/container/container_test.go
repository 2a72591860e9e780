package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalancer-go/balance"
	"rebalancer-go/config"
	"rebalancer-go/infrastructure/logger"
)

type fakeComponent struct {
	name     string
	startErr error
	order    *[]string
	running  bool
}

func (f *fakeComponent) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	*f.order = append(*f.order, "start:"+f.name)
	return nil
}

func (f *fakeComponent) Stop() error {
	f.running = false
	*f.order = append(*f.order, "stop:"+f.name)
	return nil
}

func (f *fakeComponent) Health() error {
	if !f.running {
		return errors.New("down")
	}
	return nil
}

func TestLifecycleOrder(t *testing.T) {
	var order []string
	m := NewLifecycleManager()
	m.Register("a", &fakeComponent{name: "a", order: &order})
	m.Register("b", &fakeComponent{name: "b", order: &order})

	require.NoError(t, m.StartAll(context.Background()))
	assert.NoError(t, m.CheckHealth())
	require.NoError(t, m.StopAll())

	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, order)
	assert.Equal(t, []string{"a", "b"}, m.Names())
	assert.ErrorContains(t, m.CheckHealth(), "a unhealthy")
}

func TestLifecycleRollback(t *testing.T) {
	var order []string
	m := NewLifecycleManager()
	m.Register("a", &fakeComponent{name: "a", order: &order})
	m.Register("b", &fakeComponent{name: "b", order: &order, startErr: errors.New("bind")})
	m.Register("c", &fakeComponent{name: "c", order: &order})

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b")
	assert.Equal(t, []string{"start:a", "stop:a"}, order)

	// 回滚后 StopAll 不再重复停止
	require.NoError(t, m.StopAll())
	assert.Len(t, order, 2)
}

func TestHTTPServerComponent(t *testing.T) {
	h := newHTTPServerComponent("test", "127.0.0.1:0", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}), logger.NewNop())

	assert.Error(t, h.Health())
	require.NoError(t, h.Start(context.Background()))
	assert.NoError(t, h.Health())

	resp, err := http.Get("http://" + h.Addr() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	require.NoError(t, h.Stop())
	assert.Empty(t, h.Addr())
	require.NoError(t, h.Stop())
}

// upstream 模拟行情源：两个资产走批量接口，kaspa 只能按 ID 查到
func upstream(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var bulk atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/coins/markets", func(w http.ResponseWriter, r *http.Request) {
		bulk.Add(1)
		w.Write([]byte(`[
			{"id":"bitcoin","symbol":"btc","name":"Bitcoin","current_price":50000},
			{"id":"ethereum","symbol":"eth","name":"Ethereum","current_price":4000}
		]`))
	})
	mux.HandleFunc("/simple/price", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]map[string]float64{}
		for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
			if id == "kaspa" {
				out[id] = map[string]float64{"usd": 0.1}
			}
		}
		json.NewEncoder(w).Encode(out)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &bulk
}

func testConfig(t *testing.T, baseURL string) config.AppConfig {
	cfg := config.Default()
	cfg.Pricing.BaseURL = baseURL
	cfg.Pricing.RefreshIntervalSeconds = -1
	cfg.Pricing.Retry.DelayMs = 1
	cfg.Pricing.RateLimit.RPS = 1000
	cfg.Storage.DataDir = t.TempDir()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.MetricsAddr = "127.0.0.1:0"
	cfg.Log.Level = "error"
	return cfg
}

func call(t *testing.T, method, url, user, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestContainerEndToEnd(t *testing.T) {
	up, bulk := upstream(t)
	c := NewWithConfig(testConfig(t, up.URL))
	require.NoError(t, c.Build())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	base := "http://" + c.APIAddr()

	resp, _ := call(t, http.MethodPost, base+"/balance/add", "alice", `{"asset":"BTC","amount":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = call(t, http.MethodPost, base+"/balance/add", "alice", `{"asset":"kaspa","amount":100000}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// kaspa 的兜底价格已合并进缓存
	table, _ := c.RateCache().Snapshot()
	assert.Contains(t, table, "kaspa")

	resp, body := call(t, http.MethodPost, base+"/balance/rebalance", "alice", `{"bitcoin":50,"ethereum":50}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res balance.RebalanceResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, balance.StatusApplied, res.Status)
	assert.InDelta(t, 60000, res.TotalValue, 1e-6)
	assert.InDelta(t, 0.6, res.Holdings["bitcoin"], 1e-9)
	assert.InDelta(t, 7.5, res.Holdings["ethereum"], 1e-9)

	resp, body = call(t, http.MethodGet, base+"/balance/total/usd", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "60000")

	resp, _ = call(t, http.MethodPost, base+"/balance/rebalance", "alice", `{"bitcoin":50}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = call(t, http.MethodGet, base+"/rates", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ethereum")

	assert.Equal(t, int32(1), bulk.Load())
	assert.NoError(t, c.HealthCheck())

	// 余额已落盘
	_, err := os.Stat(filepath.Join(c.Config().Storage.DataDir, "user-balances.json"))
	assert.NoError(t, err)
}

func TestContainerRatesStream(t *testing.T) {
	up, _ := upstream(t)
	c := NewWithConfig(testConfig(t, up.URL))
	require.NoError(t, c.Build())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	c.RateCache().GetRates(context.Background())

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+c.APIAddr()+"/ws/rates", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var snapshot struct {
		Currency string                 `json:"currency"`
		Rates    map[string]interface{} `json:"rates"`
	}
	require.NoError(t, json.Unmarshal(msg, &snapshot))
	assert.Contains(t, snapshot.Rates, "bitcoin")
}

func TestContainerWarmStartFromStore(t *testing.T) {
	up, bulk := upstream(t)
	cfg := testConfig(t, up.URL)

	first := NewWithConfig(cfg)
	require.NoError(t, first.Build())
	first.RateCache().GetRates(context.Background())
	require.NoError(t, first.Stop())
	require.Equal(t, int32(1), bulk.Load())

	second := NewWithConfig(cfg)
	require.NoError(t, second.Build())
	defer second.Stop()
	table, at := second.RateCache().Snapshot()
	assert.Contains(t, table, "bitcoin")
	assert.True(t, at.IsZero())
}

func TestContainerSQLiteStorage(t *testing.T) {
	up, bulk := upstream(t)
	cfg := testConfig(t, up.URL)
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(cfg.Storage.DataDir, "rebalancer.db")

	first := NewWithConfig(cfg)
	require.NoError(t, first.Build())
	first.RateCache().GetRates(context.Background())
	_, err := first.Balances().AddBalance(context.Background(), "alice", "btc", 2)
	require.NoError(t, err)
	require.NoError(t, first.Stop())

	second := NewWithConfig(cfg)
	require.NoError(t, second.Build())
	defer second.Stop()
	table, _ := second.RateCache().Snapshot()
	assert.Contains(t, table, "ethereum")
	held, err := second.Balances().GetBalances(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 2.0, held["bitcoin"])
	assert.Equal(t, int32(1), bulk.Load())
	assert.FileExists(t, cfg.Storage.SQLitePath)
}

func TestContainerApply(t *testing.T) {
	up, _ := upstream(t)
	cfg := testConfig(t, up.URL)
	c := NewWithConfig(cfg)
	require.NoError(t, c.Build())
	defer c.Stop()

	next := cfg
	next.Pricing.CacheTTLSeconds = 5
	next.Pricing.Retry.MaxAttempts = 7
	next.Balance.Overdraw = "reject"
	require.NoError(t, c.Apply(next))

	assert.Equal(t, 5*time.Second, c.RateCache().TTL())
	assert.Equal(t, 7, c.Fetcher().RetryPolicy().MaxAttempts)
	assert.Equal(t, balance.OverdrawReject, c.Balances().OverdrawPolicy())

	bad := cfg
	bad.Balance.Overdraw = "borrow"
	assert.Error(t, c.Apply(bad))
	assert.Equal(t, balance.OverdrawReject, c.Balances().OverdrawPolicy())
}

func TestNewRegistersReloader(t *testing.T) {
	up, _ := upstream(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf(`env: test
pricing:
  baseURL: %s
  refreshIntervalSeconds: -1
storage:
  dataDir: %s
server:
  addr: 127.0.0.1:0
  metricsAddr: 127.0.0.1:0
log:
  level: error
  outputs: [stdout]
  format: json
`, up.URL, filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	c, err := New(path)
	require.NoError(t, err)
	require.NoError(t, c.Build())
	assert.Equal(t, []string{"api_server", "metrics_server", "config_reloader"}, c.lifecycle.Names())

	require.NoError(t, c.Start(context.Background()))
	assert.NoError(t, c.HealthCheck())

	resp, err := http.Get("http://" + c.metricsServer.Addr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, c.Stop())
}
