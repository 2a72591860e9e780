package balance

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"rebalancer-go/pricing"
)

// MockStore is a testify mock of Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) ReadAll(ctx context.Context) (map[string]Holdings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]Holdings), args.Error(1)
}

func (m *MockStore) WriteAll(ctx context.Context, all map[string]Holdings) error {
	args := m.Called(ctx, all)
	return args.Error(0)
}

// MockFallback is a testify mock of PriceFallback
type MockFallback struct {
	mock.Mock
}

func (m *MockFallback) FetchByID(ctx context.Context, currency, id string) (pricing.PriceRecord, error) {
	args := m.Called(ctx, currency, id)
	return args.Get(0).(pricing.PriceRecord), args.Error(1)
}

// MockConverter is a testify mock of Converter
type MockConverter struct {
	mock.Mock
}

func (m *MockConverter) Convert(ctx context.Context, amount float64, from, to string) (float64, error) {
	args := m.Called(ctx, amount, from, to)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockConverter) IsValidCurrency(ctx context.Context, base, currency string) (bool, error) {
	args := m.Called(ctx, base, currency)
	return args.Bool(0), args.Error(1)
}

// memStore 内存版 Store，深拷贝读写。
type memStore struct {
	mu     sync.Mutex
	data   map[string]Holdings
	writes int
}

func newMemStore(data map[string]Holdings) *memStore {
	if data == nil {
		data = make(map[string]Holdings)
	}
	return &memStore{data: data}
}

func (m *memStore) ReadAll(ctx context.Context) (map[string]Holdings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Holdings, len(m.data))
	for u, h := range m.data {
		out[u] = h.Clone()
	}
	return out, nil
}

func (m *memStore) WriteAll(ctx context.Context, all map[string]Holdings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.data = make(map[string]Holdings, len(all))
	for u, h := range all {
		m.data[u] = h.Clone()
	}
	return nil
}

func (m *memStore) user(id string) Holdings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[id].Clone()
}

// fakeRates 固定价格表
type fakeRates struct {
	mu    sync.Mutex
	table pricing.PriceTable
	calls int
}

func (f *fakeRates) GetRates(ctx context.Context) pricing.PriceTable {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.table
}

func (f *fakeRates) Currency() string { return "usd" }

func defaultRates() *fakeRates {
	return &fakeRates{table: pricing.PriceTable{
		"bitcoin":  {AssetID: "bitcoin", Symbol: "btc", Price: 50000},
		"btc":      {AssetID: "bitcoin", Symbol: "btc", Price: 50000},
		"ethereum": {AssetID: "ethereum", Symbol: "eth", Price: 4000},
		"eth":      {AssetID: "ethereum", Symbol: "eth", Price: 4000},
		"solana":   {AssetID: "solana", Symbol: "sol", Price: 125},
		"tether":   {AssetID: "tether", Symbol: "usdt", Price: 1},
	}}
}
