package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFXConvertCachesRates(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/latest/USD", r.URL.Path)
		io.WriteString(w, `{"result":"success","base_code":"USD","rates":{"USD":1,"EUR":0.5}}`)
	}))
	defer ts.Close()

	fx := NewFXClient(ts.URL, 0)
	fx.HTTPClient = ts.Client()

	got, err := fx.Convert(context.Background(), 100, "usd", "eur")
	require.NoError(t, err)
	assert.Equal(t, 50.0, got)

	ok, err := fx.IsValidCurrency(context.Background(), "USD", "eur")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = fx.IsValidCurrency(context.Background(), "USD", "XYZ")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, int32(1), calls.Load())
}

func TestFXConvertSameCurrencyNoCall(t *testing.T) {
	fx := NewFXClient("http://127.0.0.1:1", 0)
	got, err := fx.Convert(context.Background(), 12.5, "USD", "usd")
	require.NoError(t, err)
	assert.Equal(t, 12.5, got)
}

func TestFXMissingRate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":"success","rates":{"USD":1}}`)
	}))
	defer ts.Close()

	fx := NewFXClient(ts.URL, 0)
	fx.HTTPClient = ts.Client()
	_, err := fx.Convert(context.Background(), 1, "USD", "GBP")
	assert.ErrorContains(t, err, "GBP")
}

func TestFXClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	fx := NewFXClient(ts.URL, 0)
	fx.HTTPClient = ts.Client()
	_, err := fx.Rates(context.Background(), "ZZZ")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
