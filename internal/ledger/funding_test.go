package ledger

import (
	"testing"

	"exchange/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestBaseAsset(t *testing.T) {
	tests := []struct {
		symbol string
		want   string
	}{
		{"BTCUSD", "BTC"},
		{"BTCUSDT", "BTC"},
		{"ETHUSD", "ETH"},
		{"SOLUSDT", "SOL"},
		{"ADAUSD", "ADA"},
		{"BTC", "BTC"}, // no quote suffix
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BaseAsset(tt.symbol), "symbol %s", tt.symbol)
	}
}

func TestFunding(t *testing.T) {
	qty := decimal.RequireFromString("0.5")
	price := decimal.RequireFromString("30000")

	asset, amount := Funding(models.SideBuy, "BTCUSD", qty, price)
	assert.Equal(t, "USD", asset)
	assert.True(t, amount.Equal(decimal.RequireFromString("15000")), "got %s", amount)

	asset, amount = Funding(models.SideSell, "BTCUSD", qty, price)
	assert.Equal(t, "BTC", asset)
	assert.True(t, amount.Equal(qty), "got %s", amount)
}

// Reserve and release of the same terms must be exact inverses at the
// unit level; decimal arithmetic guarantees this for any quantity/price.
func TestFunding_Exact(t *testing.T) {
	qty := decimal.RequireFromString("0.123456")
	price := decimal.RequireFromString("29999.99")

	_, reserve := Funding(models.SideBuy, "BTCUSD", qty, price)
	_, release := Funding(models.SideBuy, "BTCUSD", qty, price)
	assert.True(t, reserve.Sub(release).IsZero())

	// Splitting a quantity into parts funds exactly the same total.
	part1 := decimal.RequireFromString("0.1")
	part2 := qty.Sub(part1)
	_, a1 := Funding(models.SideBuy, "BTCUSD", part1, price)
	_, a2 := Funding(models.SideBuy, "BTCUSD", part2, price)
	assert.True(t, a1.Add(a2).Equal(reserve), "parts %s + %s != whole %s", a1, a2, reserve)
}
