package book

import (
	"fmt"
	"testing"
	"time"

	"exchange/internal/models"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

func genRestingOrder(id int64, side models.Side) *rapid.Generator[*models.Order] {
	return rapid.Custom(func(t *rapid.T) *models.Order {
		// A narrow price and time range encourages collisions so the
		// tiebreakers get exercised.
		price := rapid.Int64Range(1, 20).Draw(t, "price")
		secOffset := rapid.IntRange(0, 10).Draw(t, "secOffset")
		return &models.Order{
			ID:        id,
			UserID:    rapid.Int64Range(1, 3).Draw(t, "userID"),
			Symbol:    "BTCUSD",
			Side:      side,
			Type:      models.OrderTypeLimit,
			Price:     decimal.NewFromInt(price),
			Quantity:  decimal.NewFromInt(rapid.Int64Range(1, 5).Draw(t, "quantity")),
			Status:    models.StatusPending,
			CreatedAt: time.Date(2025, 1, 1, 0, 0, secOffset, 0, time.UTC),
		}
	})
}

func TestProperty_BidOrderingInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 50).Draw(t, "numOrders")
		b := NewBook("BTCUSD")
		for i := 0; i < n; i++ {
			b.Insert(genRestingOrder(int64(i+1), models.SideBuy).Draw(t, fmt.Sprintf("bid-%d", i)))
		}

		// A market sell sees every other user's bid in priority order:
		// price descending, then created_at ascending, then ID ascending.
		incoming := &models.Order{
			UserID:   999,
			Symbol:   "BTCUSD",
			Side:     models.SideSell,
			Type:     models.OrderTypeMarket,
			Quantity: decimal.NewFromInt(1),
		}
		var prev *models.Order
		for _, o := range b.Candidates(incoming) {
			if prev != nil {
				if o.Price.GreaterThan(prev.Price) {
					t.Fatalf("bid side: price should be descending, got %s after %s", o.Price, prev.Price)
				}
				if o.Price.Equal(prev.Price) {
					if o.CreatedAt.Before(prev.CreatedAt) {
						t.Fatalf("bid side: same price %s, created_at should be ascending", o.Price)
					}
					if o.CreatedAt.Equal(prev.CreatedAt) && o.ID < prev.ID {
						t.Fatalf("bid side: same price and time, ID should be ascending, got %d after %d", o.ID, prev.ID)
					}
				}
			}
			prev = o
		}
	})
}

func TestProperty_AskOrderingInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 50).Draw(t, "numOrders")
		b := NewBook("BTCUSD")
		for i := 0; i < n; i++ {
			b.Insert(genRestingOrder(int64(i+1), models.SideSell).Draw(t, fmt.Sprintf("ask-%d", i)))
		}

		incoming := &models.Order{
			UserID:   999,
			Symbol:   "BTCUSD",
			Side:     models.SideBuy,
			Type:     models.OrderTypeMarket,
			Quantity: decimal.NewFromInt(1),
		}
		var prev *models.Order
		for _, o := range b.Candidates(incoming) {
			if prev != nil {
				if o.Price.LessThan(prev.Price) {
					t.Fatalf("ask side: price should be ascending, got %s after %s", o.Price, prev.Price)
				}
				if o.Price.Equal(prev.Price) {
					if o.CreatedAt.Before(prev.CreatedAt) {
						t.Fatalf("ask side: same price %s, created_at should be ascending", o.Price)
					}
					if o.CreatedAt.Equal(prev.CreatedAt) && o.ID < prev.ID {
						t.Fatalf("ask side: same price and time, ID should be ascending, got %d after %d", o.ID, prev.ID)
					}
				}
			}
			prev = o
		}
	})
}

func TestProperty_InsertRemoveConsistency(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := NewBook("BTCUSD")
		n := rapid.IntRange(1, 40).Draw(t, "numOrders")
		ids := make([]int64, 0, n)
		for i := 0; i < n; i++ {
			side := models.SideBuy
			if rapid.Bool().Draw(t, "isSell") {
				side = models.SideSell
			}
			o := genRestingOrder(int64(i+1), side).Draw(t, fmt.Sprintf("order-%d", i))
			b.Insert(o)
			ids = append(ids, o.ID)
		}

		// Remove a random subset; the rest must still be resting and
		// the removed ones gone.
		removed := make(map[int64]bool)
		for _, id := range ids {
			if rapid.Bool().Draw(t, "remove") {
				_, ok := b.Remove(id)
				if !ok {
					t.Fatalf("order %d should have been resting", id)
				}
				removed[id] = true
			}
		}
		for _, id := range ids {
			if b.Contains(id) == removed[id] {
				t.Fatalf("order %d: contains=%v, removed=%v", id, b.Contains(id), removed[id])
			}
		}

		bids, asks := b.Snapshot()
		if len(bids)+len(asks) != n-len(removed) {
			t.Fatalf("snapshot has %d orders, want %d", len(bids)+len(asks), n-len(removed))
		}
	})
}

func TestProperty_CandidatesNeverCrossLimit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := NewBook("BTCUSD")
		n := rapid.IntRange(1, 40).Draw(t, "numOrders")
		for i := 0; i < n; i++ {
			b.Insert(genRestingOrder(int64(i+1), models.SideSell).Draw(t, fmt.Sprintf("ask-%d", i)))
		}

		limit := decimal.NewFromInt(rapid.Int64Range(1, 20).Draw(t, "limit"))
		incoming := &models.Order{
			UserID:   999,
			Symbol:   "BTCUSD",
			Side:     models.SideBuy,
			Type:     models.OrderTypeLimit,
			Price:    limit,
			Quantity: decimal.NewFromInt(1),
		}
		for _, o := range b.Candidates(incoming) {
			if o.Price.GreaterThan(limit) {
				t.Fatalf("candidate at %s exceeds buy limit %s", o.Price, limit)
			}
		}
	})
}
