package pricing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"rebalancer-go/gateway"
)

func ptr(v float64) *float64 { return &v }

// fakeSource 按顺序返回预设错误，之后返回固定数据。
type fakeSource struct {
	mu          sync.Mutex
	quotes      []gateway.MarketQuote
	simple      map[string]float64
	bulkErrs    []error
	simpleErrs  []error
	delay       time.Duration
	entered     chan struct{} // 非 nil 时每次进入 Markets 发一个信号
	gate        chan struct{} // 非 nil 时 Markets 等待其关闭后才返回
	bulkCalls   int
	simpleCalls int
	simpleIDs   [][]string
}

func (s *fakeSource) Markets(ctx context.Context, vsCurrency string) ([]gateway.MarketQuote, error) {
	s.mu.Lock()
	s.bulkCalls++
	var err error
	if len(s.bulkErrs) > 0 {
		err = s.bulkErrs[0]
		if len(s.bulkErrs) > 1 {
			s.bulkErrs = s.bulkErrs[1:]
		}
	}
	quotes := s.quotes
	delay := s.delay
	entered, gate := s.entered, s.gate
	s.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return quotes, nil
}

func (s *fakeSource) SimplePrice(ctx context.Context, currency string, ids []string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.simpleCalls++
	s.simpleIDs = append(s.simpleIDs, append([]string(nil), ids...))
	if len(s.simpleErrs) > 0 {
		err := s.simpleErrs[0]
		s.simpleErrs = s.simpleErrs[1:]
		return nil, err
	}
	out := make(map[string]float64)
	for _, id := range ids {
		if p, ok := s.simple[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *fakeSource) calls() (bulk, simple int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bulkCalls, s.simpleCalls
}

func (s *fakeSource) setBulkErrs(errs ...error) {
	s.mu.Lock()
	s.bulkErrs = errs
	s.mu.Unlock()
}

// memStore 内存版 PriceStore + CheckpointStore。
type memStore struct {
	mu          sync.Mutex
	prices      PriceTable
	unsupported []string
	checkpoints map[string]time.Time
	writeErr    error
	writes      int
}

func newMemStore() *memStore {
	return &memStore{prices: PriceTable{}, checkpoints: map[string]time.Time{}}
}

func (m *memStore) ReadPrices(ctx context.Context) (PriceTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prices.Clone(), nil
}

func (m *memStore) WritePrices(ctx context.Context, t PriceTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.writeErr != nil {
		return m.writeErr
	}
	m.prices = t.Clone()
	return nil
}

func (m *memStore) AppendUnsupportedID(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.unsupported {
		if v == id {
			return nil
		}
	}
	m.unsupported = append(m.unsupported, id)
	sort.Strings(m.unsupported)
	return nil
}

func (m *memStore) ReadUnsupportedIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unsupported...), nil
}

func (m *memStore) ReadCheckpoint(ctx context.Context, name string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints[name], nil
}

func (m *memStore) WriteCheckpoint(ctx context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.checkpoints[name] = at
	return nil
}

// fakeClock 手动推进的时钟。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBadRequest = &gateway.StatusError{Action: "bulk", Code: 400}

var errUnavailable = &gateway.StatusError{Action: "bulk", Code: 503}

var errBoom = errors.New("boom")

func zeroDelayPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 0, Retryable: gateway.IsTransient}
}

func defaultQuotes() []gateway.MarketQuote {
	return []gateway.MarketQuote{
		{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin", CurrentPrice: ptr(50000)},
		{ID: "ethereum", Symbol: "eth", Name: "Ethereum", CurrentPrice: ptr(4000)},
	}
}

// gatedFetcher 的 FetchBulk 阻塞到 gate 关闭，返回固定表。
type gatedFetcher struct {
	table   PriceTable
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedFetcher) FetchBulk(ctx context.Context, currency string) (PriceTable, error) {
	g.entered <- struct{}{}
	<-g.gate
	return g.table.Clone(), nil
}
