package monitor

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestUpstreamMetrics(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordUpstreamRequest("bulk")
	m.RecordUpstreamRequest("bulk")
	m.RecordUpstreamError("bulk")
	m.RecordRetry("bulk")
	m.RecordRateLimited("by_id")
	m.RecordNotFound()

	if got := testutil.ToFloat64(m.upstreamRequests.WithLabelValues("bulk")); got != 2 {
		t.Errorf("Expected 2 bulk requests, got %f", got)
	}
	if got := testutil.ToFloat64(m.upstreamErrors.WithLabelValues("bulk")); got != 1 {
		t.Errorf("Expected 1 bulk error, got %f", got)
	}
	if got := testutil.ToFloat64(m.rateLimited.WithLabelValues("by_id")); got != 1 {
		t.Errorf("Expected 1 rate limited, got %f", got)
	}
	if got := testutil.ToFloat64(m.notFound); got != 1 {
		t.Errorf("Expected 1 not found, got %f", got)
	}
}

func TestCacheMetrics(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordCacheRefresh(1700000000, 42)
	m.RecordCacheRefreshFailure()

	if got := testutil.ToFloat64(m.cacheEntries); got != 42 {
		t.Errorf("Expected 42 entries, got %f", got)
	}
	if got := testutil.ToFloat64(m.cacheRefreshedAt); got != 1700000000 {
		t.Errorf("Expected refreshed timestamp, got %f", got)
	}
	if got := testutil.ToFloat64(m.cacheRefreshFailures); got != 1 {
		t.Errorf("Expected 1 refresh failure, got %f", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordRebalance("applied")
	m.RecordBalanceOp("add")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if !strings.Contains(string(body), `rb_core_rebalances_total{status="applied"} 1`) {
		t.Errorf("rebalance counter missing from exposition:\n%s", body)
	}
	if !strings.Contains(string(body), `rb_core_balance_ops_total{op="add"} 1`) {
		t.Errorf("balance op counter missing from exposition")
	}
}
