package pricing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(src *fakeSource, st *memStore, clock *fakeClock) (*RateCache, *Fetcher) {
	f := newTestFetcher(src, st)
	c := NewRateCache(CacheConfig{Currency: "USD", TTL: time.Minute, Now: clock.Now}, f, nil, nil)
	f.OnFallback(c.Merge)
	return c, f
}

func TestGetRatesWithinTTLNoUpstreamCalls(t *testing.T) {
	src := &fakeSource{quotes: defaultQuotes()}
	clock := newFakeClock()
	c, _ := newTestCache(src, newMemStore(), clock)

	first := c.GetRates(context.Background())
	require.Contains(t, first, "bitcoin")

	clock.Advance(59 * time.Second)
	second := c.GetRates(context.Background())
	assert.Equal(t, first, second)
	bulk, _ := src.calls()
	assert.Equal(t, 1, bulk)

	clock.Advance(2 * time.Second)
	c.GetRates(context.Background())
	bulk, _ = src.calls()
	assert.Equal(t, 2, bulk)
}

func TestConcurrentExpiryTriggersSingleBulkCall(t *testing.T) {
	src := &fakeSource{quotes: defaultQuotes(), delay: 50 * time.Millisecond}
	c, _ := newTestCache(src, newMemStore(), newFakeClock())

	var wg sync.WaitGroup
	results := make([]PriceTable, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.GetRates(context.Background())
		}(i)
	}
	wg.Wait()

	bulk, _ := src.calls()
	assert.Equal(t, 1, bulk)
	for _, r := range results {
		assert.Contains(t, r, "ethereum")
	}
}

func TestGetRatesServesStaleTableOnFailure(t *testing.T) {
	src := &fakeSource{quotes: defaultQuotes()}
	clock := newFakeClock()
	c, _ := newTestCache(src, newMemStore(), clock)

	fresh := c.GetRates(context.Background())
	require.NotEmpty(t, fresh)

	src.setBulkErrs(errBadRequest)
	clock.Advance(2 * time.Minute)
	stale := c.GetRates(context.Background())
	assert.Equal(t, fresh, stale)

	_, err := c.ForceRefresh(context.Background())
	assert.Error(t, err)
}

func TestGetRatesEmptyWhenNeverFetched(t *testing.T) {
	src := &fakeSource{}
	src.setBulkErrs(errBadRequest)
	c, _ := newTestCache(src, newMemStore(), newFakeClock())

	assert.Empty(t, c.GetRates(context.Background()))
}

func TestForceRefreshIgnoresTTL(t *testing.T) {
	src := &fakeSource{quotes: defaultQuotes()}
	c, _ := newTestCache(src, newMemStore(), newFakeClock())

	c.GetRates(context.Background())
	_, err := c.ForceRefresh(context.Background())
	require.NoError(t, err)
	bulk, _ := src.calls()
	assert.Equal(t, 2, bulk)
}

func TestMergeKeepsRefreshTimestamp(t *testing.T) {
	src := &fakeSource{quotes: defaultQuotes(), simple: map[string]float64{"pepe": 0.5}}
	clock := newFakeClock()
	c, f := newTestCache(src, newMemStore(), clock)

	before := c.GetRates(context.Background())
	_, refreshedAt := c.Snapshot()

	clock.Advance(30 * time.Second)
	_, err := f.FetchByID(context.Background(), "usd", "pepe")
	require.NoError(t, err)

	after := c.GetRates(context.Background())
	assert.Contains(t, after, "pepe")
	assert.NotContains(t, before, "pepe")
	_, ts := c.Snapshot()
	assert.Equal(t, refreshedAt, ts)

	bulk, _ := src.calls()
	assert.Equal(t, 1, bulk)
}

func TestWarmTableStillRefreshesOnFirstRead(t *testing.T) {
	src := &fakeSource{quotes: defaultQuotes()}
	c, _ := newTestCache(src, newMemStore(), newFakeClock())
	c.Warm(PriceTable{"solana": {AssetID: "solana", Price: 150}})

	table, _ := c.Snapshot()
	assert.Contains(t, table, "solana")

	c.GetRates(context.Background())
	bulk, _ := src.calls()
	assert.Equal(t, 1, bulk)
}

func TestSetTTL(t *testing.T) {
	src := &fakeSource{quotes: defaultQuotes()}
	clock := newFakeClock()
	c, _ := newTestCache(src, newMemStore(), clock)

	c.GetRates(context.Background())
	c.SetTTL(10 * time.Second)
	clock.Advance(11 * time.Second)
	c.GetRates(context.Background())

	bulk, _ := src.calls()
	assert.Equal(t, 2, bulk)
	assert.Equal(t, 10*time.Second, c.TTL())
}

func TestRefreshIsDetachedFromCallerCancel(t *testing.T) {
	src := &fakeSource{quotes: defaultQuotes()}
	c, _ := newTestCache(src, newMemStore(), newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	table := c.GetRates(ctx)
	assert.Contains(t, table, "bitcoin")
}

func TestCachePublishesTables(t *testing.T) {
	src := &fakeSource{quotes: defaultQuotes()}
	c, _ := newTestCache(src, newMemStore(), newFakeClock())
	pub := NewPublisher()
	c.SetPublisher(pub)

	ch, unsubscribe := pub.Subscribe()
	defer unsubscribe()

	c.GetRates(context.Background())
	select {
	case table := <-ch:
		assert.Contains(t, table, "bitcoin")
	case <-time.After(time.Second):
		t.Fatal("expected published table")
	}
}

func TestMergeDuringRefreshSurvivesPublish(t *testing.T) {
	g := &gatedFetcher{
		table:   PriceTable{"bitcoin": {AssetID: "bitcoin", Price: 50000}},
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	c := NewRateCache(CacheConfig{Currency: "usd", TTL: time.Minute, Now: newFakeClock().Now}, g, nil, nil)

	done := make(chan PriceTable, 1)
	go func() { done <- c.GetRates(context.Background()) }()

	<-g.entered
	c.Merge(PriceTable{"pepe": {AssetID: "pepe", Price: 0.5}})
	close(g.gate)

	table := <-done
	assert.Contains(t, table, "pepe")
	assert.Contains(t, table, "bitcoin")

	snap, _ := c.Snapshot()
	assert.Contains(t, snap, "pepe")
	assert.NotContains(t, g.table, "pepe")
}

func TestMergeAfterRefreshIsNotReplayed(t *testing.T) {
	src := &fakeSource{quotes: defaultQuotes()}
	clock := newFakeClock()
	c, _ := newTestCache(src, newMemStore(), clock)

	c.GetRates(context.Background())
	c.Merge(PriceTable{"pepe": {AssetID: "pepe", Price: 0.5}})

	// 刷新结束后合并的条目不会在下一次整表替换中复活
	clock.Advance(2 * time.Minute)
	table := c.GetRates(context.Background())
	assert.NotContains(t, table, "pepe")
}
