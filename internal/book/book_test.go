package book

import (
	"testing"
	"time"

	"exchange/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nextOrderID int64

func newOrder(userID int64, side models.Side, price, quantity string, age time.Duration) *models.Order {
	nextOrderID++
	return &models.Order{
		ID:        nextOrderID,
		UserID:    userID,
		Symbol:    "BTCUSD",
		Side:      side,
		Type:      models.OrderTypeLimit,
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.RequireFromString(quantity),
		Status:    models.StatusPending,
		CreatedAt: time.Now().Add(-age),
	}
}

func orderIDs(orders []*models.Order) []int64 {
	ids := make([]int64, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	return ids
}

func TestBook_PriceTimePriority(t *testing.T) {
	b := NewBook("BTCUSD")

	// Asks at mixed prices and ages; the older order at the same price
	// ranks first.
	askLow := newOrder(1, models.SideSell, "100", "1", 0)
	askMidOld := newOrder(2, models.SideSell, "105", "1", time.Minute)
	askMidNew := newOrder(3, models.SideSell, "105", "1", 0)
	askHigh := newOrder(4, models.SideSell, "110", "1", time.Hour)
	for _, o := range []*models.Order{askHigh, askMidNew, askMidOld, askLow} {
		b.Insert(o)
	}

	buyer := newOrder(99, models.SideBuy, "110", "4", 0)
	got := b.Candidates(buyer)
	assert.Equal(t, []int64{askLow.ID, askMidOld.ID, askMidNew.ID, askHigh.ID}, orderIDs(got))
}

func TestBook_BidPriority(t *testing.T) {
	b := NewBook("BTCUSD")

	bidHigh := newOrder(1, models.SideBuy, "110", "1", 0)
	bidMid := newOrder(2, models.SideBuy, "105", "1", 0)
	bidLow := newOrder(3, models.SideBuy, "100", "1", 0)
	for _, o := range []*models.Order{bidMid, bidLow, bidHigh} {
		b.Insert(o)
	}

	seller := newOrder(99, models.SideSell, "100", "3", 0)
	got := b.Candidates(seller)
	assert.Equal(t, []int64{bidHigh.ID, bidMid.ID, bidLow.ID}, orderIDs(got))
}

func TestBook_PriceCutoff(t *testing.T) {
	b := NewBook("BTCUSD")
	b.Insert(newOrder(1, models.SideSell, "100", "1", 0))
	b.Insert(newOrder(2, models.SideSell, "105", "1", 0))
	b.Insert(newOrder(3, models.SideSell, "110", "1", 0))

	// A limit buy at 105 cannot reach the ask at 110.
	buyer := newOrder(99, models.SideBuy, "105", "3", 0)
	got := b.Candidates(buyer)
	require.Len(t, got, 2)
	assert.True(t, got[0].Price.Equal(decimal.RequireFromString("100")))
	assert.True(t, got[1].Price.Equal(decimal.RequireFromString("105")))

	// A market buy reaches every price level.
	market := newOrder(99, models.SideBuy, "0", "3", 0)
	market.Type = models.OrderTypeMarket
	assert.Len(t, b.Candidates(market), 3)
}

func TestBook_SelfTradePrevention(t *testing.T) {
	b := NewBook("BTCUSD")
	own := newOrder(7, models.SideSell, "100", "1", 0)
	other := newOrder(8, models.SideSell, "100", "1", 0)
	b.Insert(own)
	b.Insert(other)

	buyer := newOrder(7, models.SideBuy, "100", "2", 0)
	got := b.Candidates(buyer)
	require.Len(t, got, 1)
	assert.Equal(t, other.ID, got[0].ID)

	assert.True(t, b.HasOppositeLiquidity(buyer))

	// With the other user's ask removed only the user's own order
	// remains, which is not liquidity for them.
	b.Remove(other.ID)
	assert.False(t, b.HasOppositeLiquidity(buyer))
}

func TestBook_SkipsInactiveAndExhausted(t *testing.T) {
	b := NewBook("BTCUSD")
	cancelled := newOrder(1, models.SideSell, "100", "1", 0)
	cancelled.Status = models.StatusCancelled
	exhausted := newOrder(2, models.SideSell, "100", "1", 0)
	exhausted.FilledQuantity = exhausted.Quantity
	live := newOrder(3, models.SideSell, "100", "1", 0)
	for _, o := range []*models.Order{cancelled, exhausted, live} {
		b.Insert(o)
	}

	buyer := newOrder(99, models.SideBuy, "100", "3", 0)
	got := b.Candidates(buyer)
	require.Len(t, got, 1)
	assert.Equal(t, live.ID, got[0].ID)
}

func TestBook_Remove(t *testing.T) {
	b := NewBook("BTCUSD")
	o := newOrder(1, models.SideSell, "100", "1", 0)
	b.Insert(o)
	require.True(t, b.Contains(o.ID))

	removed, ok := b.Remove(o.ID)
	require.True(t, ok)
	assert.Equal(t, o.ID, removed.ID)
	assert.False(t, b.Contains(o.ID))

	_, ok = b.Remove(o.ID)
	assert.False(t, ok)

	bids, asks := b.Snapshot()
	assert.Empty(t, bids)
	assert.Empty(t, asks)
}

func TestBook_EstimateCost(t *testing.T) {
	b := NewBook("BTCUSD")
	b.Insert(newOrder(1, models.SideSell, "100", "1", 0))
	b.Insert(newOrder(2, models.SideSell, "110", "2", 0))

	market := newOrder(99, models.SideBuy, "0", "2", 0)
	market.Type = models.OrderTypeMarket

	// 1 @ 100 plus 1 @ 110.
	cost := b.EstimateCost(market)
	assert.True(t, cost.Equal(decimal.RequireFromString("210")), "got %s", cost)

	// Asking for more than the book holds prices only what is there.
	market.Quantity = decimal.RequireFromString("10")
	cost = b.EstimateCost(market)
	assert.True(t, cost.Equal(decimal.RequireFromString("320")), "got %s", cost)
}

func TestManager_GetOrCreate(t *testing.T) {
	m := NewManager()
	b1 := m.GetOrCreate("BTCUSD")
	b2 := m.GetOrCreate("BTCUSD")
	assert.Same(t, b1, b2)
	assert.Equal(t, "BTCUSD", b1.Symbol())

	other := m.GetOrCreate("ETHUSD")
	assert.NotSame(t, b1, other)
}
