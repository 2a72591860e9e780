package asset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type aliasMap map[string]string

func (m aliasMap) CanonicalID(key string) (string, bool) {
	id, ok := m[key]
	return id, ok
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"BTC", "bitcoin"},
		{"btc", "bitcoin"},
		{" Eth ", "ethereum"},
		{"USDT", "tether"},
		{"bitcoin", "bitcoin"},
		{"SomeNewCoin", "somenewcoin"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.raw), "raw=%q", tc.raw)
	}
}

func TestKnown(t *testing.T) {
	assert.True(t, Known("Sol"))
	assert.False(t, Known("solana"))
}

func TestResolveUsesTableAliases(t *testing.T) {
	aliases := aliasMap{"pepe": "pepe-token", "bitcoin": "bitcoin"}

	assert.Equal(t, "pepe-token", Resolve("PEPE", aliases))
	assert.Equal(t, "bitcoin", Resolve("BTC", aliases))
	assert.Equal(t, "unknown", Resolve("UNKNOWN", aliases))
	assert.Equal(t, "ethereum", Resolve("eth", nil))
}
