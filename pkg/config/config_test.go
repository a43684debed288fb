package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadYAML(t *testing.T, doc string) (*Config, error) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(doc)))
	return load(v)
}

func TestLoadDefaults(t *testing.T) {
	c, err := loadYAML(t, "env: dev\n")
	require.NoError(t, err)
	assert.Equal(t, AuthorityAll, c.Authority)
	assert.Equal(t, StorageDriverPostgres, c.Storage.Driver)
	assert.Equal(t, BrokerModeMemory, c.Broker.Mode)
	assert.Equal(t, time.Second, c.Outbox.PollInterval)
	assert.Equal(t, 5*time.Minute, c.Outbox.MaxBackoff)
	assert.Equal(t, 10, c.Outbox.MaxAttempts)
	assert.Equal(t, int64(1000000), c.Ledger.MaxAdjustment)
}

func TestLoadTokenPackagesWithDecimalPrice(t *testing.T) {
	c, err := loadYAML(t, `
token_packages:
  - id: small
    name: Small
    tokens: 1000
    price: "9.99"
    currency: USD
  - id: large
    tokens: 10000
    price: 79.5
    currency: USD
`)
	require.NoError(t, err)
	require.Len(t, c.TokenPackages, 2)

	small := c.GetTokenPackageByID("small")
	require.NotNil(t, small)
	assert.True(t, decimal.RequireFromString("9.99").Equal(small.Price))
	assert.Equal(t, int64(1000), small.Tokens)

	large := c.GetTokenPackageByID("large")
	require.NotNil(t, large)
	assert.True(t, decimal.RequireFromString("79.5").Equal(large.Price))
	assert.Nil(t, c.GetTokenPackageByID("missing"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "bad authority", doc: "authority: ledger\n"},
		{name: "bad driver", doc: "storage:\n  driver: mysql\n"},
		{name: "memory broker needs all", doc: "authority: billing\nbroker:\n  mode: memory\n"},
		{name: "duplicate package", doc: "token_packages:\n  - {id: a, tokens: 1, price: 1}\n  - {id: a, tokens: 2, price: 1}\n"},
		{name: "non-positive tokens", doc: "token_packages:\n  - {id: a, tokens: 0, price: 1}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadYAML(t, tt.doc)
			require.Error(t, err)
		})
	}
}

func TestPeerURL(t *testing.T) {
	c, err := loadYAML(t, `
authority: billing
broker:
  mode: http
  peers:
    account: http://account:8889/
`)
	require.NoError(t, err)
	assert.Equal(t, "http://account:8889", c.PeerURL(AuthorityAccount))
	assert.Equal(t, "", c.PeerURL(AuthorityBilling))
	assert.True(t, c.Authority.RunsBilling())
	assert.False(t, c.Authority.RunsAccount())
}

func TestWithAuthority(t *testing.T) {
	c, err := loadYAML(t, "broker:\n  mode: http\n")
	require.NoError(t, err)

	billing, err := c.WithAuthority(AuthorityBilling)
	require.NoError(t, err)
	assert.Equal(t, AuthorityBilling, billing.Authority)
	assert.Equal(t, AuthorityAll, c.Authority, "original is untouched")

	_, err = c.WithAuthority("ledger")
	assert.Error(t, err)

	mem, err := loadYAML(t, "env: dev\n")
	require.NoError(t, err)
	_, err = mem.WithAuthority(AuthorityAccount)
	assert.Error(t, err, "in-memory broker cannot be split")
}
