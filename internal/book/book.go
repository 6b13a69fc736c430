// Package book holds the per-symbol resting-order structure: bid and ask
// sides ordered by price-time priority. The book mirrors the orders table;
// Postgres remains the source of truth and the book is warmed from it at
// startup.
package book

import (
	"sync"
	"time"

	"exchange/internal/models"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

// Entry is a single resting order on one side of the book. Price,
// CreatedAt, and OrderID are copied out of the order when it is inserted
// so the tree key stays stable while the order's fill state mutates.
type Entry struct {
	Price     decimal.Decimal
	CreatedAt time.Time
	OrderID   int64
	Order     *models.Order
}

// bidLess orders the bid side: price descending, then creation time
// ascending, then ID ascending. Ascend visits the best bid first.
func bidLess(a, b Entry) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.GreaterThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// askLess orders the ask side: price ascending, then creation time
// ascending, then ID ascending. Ascend visits the best ask first.
func askLess(a, b Entry) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.LessThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// Book is one symbol's order book. The embedded mutex serializes every
// matching, cancel, and modify pass for the symbol; callers hold it
// across the whole operation.
type Book struct {
	symbol string
	mu     sync.Mutex
	bids   *btree.BTreeG[Entry]
	asks   *btree.BTreeG[Entry]
	index  map[int64]Entry
}

// NewBook creates an order book for the given symbol.
func NewBook(symbol string) *Book {
	const degree = 32
	return &Book{
		symbol: symbol,
		bids:   btree.NewG(degree, bidLess),
		asks:   btree.NewG(degree, askLess),
		index:  make(map[int64]Entry),
	}
}

// Symbol returns the symbol this book serves.
func (b *Book) Symbol() string { return b.symbol }

// Lock acquires the per-symbol serialization lock.
func (b *Book) Lock() { b.mu.Lock() }

// Unlock releases the per-symbol serialization lock.
func (b *Book) Unlock() { b.mu.Unlock() }

// Insert adds an active order to its side of the book.
func (b *Book) Insert(order *models.Order) {
	entry := Entry{
		Price:     order.Price,
		CreatedAt: order.CreatedAt,
		OrderID:   order.ID,
		Order:     order,
	}
	if order.Side == models.SideBuy {
		b.bids.ReplaceOrInsert(entry)
	} else {
		b.asks.ReplaceOrInsert(entry)
	}
	b.index[order.ID] = entry
}

// Remove deletes an order from the book by ID and returns it. Removing
// an order that is not resting is a no-op.
func (b *Book) Remove(orderID int64) (*models.Order, bool) {
	entry, ok := b.index[orderID]
	if !ok {
		return nil, false
	}
	delete(b.index, orderID)
	if entry.Order.Side == models.SideBuy {
		b.bids.Delete(entry)
	} else {
		b.asks.Delete(entry)
	}
	return entry.Order, true
}

// Contains reports whether an order currently rests on the book.
func (b *Book) Contains(orderID int64) bool {
	_, ok := b.index[orderID]
	return ok
}

// Candidates returns the resting orders the incoming order can trade
// against, in priority order: opposite side, price compatible (market
// orders accept any price), not owned by the incoming order's user, with
// remaining quantity. The walk stops at the first price-incompatible
// entry since everything after it is worse.
func (b *Book) Candidates(incoming *models.Order) []*models.Order {
	opposite := b.asks
	if incoming.Side == models.SideSell {
		opposite = b.bids
	}

	var out []*models.Order
	opposite.Ascend(func(e Entry) bool {
		if incoming.Type == models.OrderTypeLimit {
			if incoming.Side == models.SideBuy && e.Price.GreaterThan(incoming.Price) {
				return false
			}
			if incoming.Side == models.SideSell && e.Price.LessThan(incoming.Price) {
				return false
			}
		}
		o := e.Order
		if o.UserID == incoming.UserID {
			return true // self-trade prevention
		}
		if !o.Status.Active() || !o.Remaining().IsPositive() {
			return true
		}
		out = append(out, o)
		return true
	})
	return out
}

// HasOppositeLiquidity reports whether any order rests on the opposite
// side that the incoming order's user does not own.
func (b *Book) HasOppositeLiquidity(incoming *models.Order) bool {
	opposite := b.asks
	if incoming.Side == models.SideSell {
		opposite = b.bids
	}
	found := false
	opposite.Ascend(func(e Entry) bool {
		if e.Order.UserID != incoming.UserID && e.Order.Status.Active() && e.Order.Remaining().IsPositive() {
			found = true
			return false
		}
		return true
	})
	return found
}

// EstimateCost walks the opposite side in priority order and returns the
// notional cost of filling up to quantity at resting prices, skipping the
// user's own orders. Used to size the reservation for market BUY orders.
func (b *Book) EstimateCost(incoming *models.Order) decimal.Decimal {
	cost := decimal.Zero
	remaining := incoming.Remaining()
	for _, o := range b.Candidates(incoming) {
		if !remaining.IsPositive() {
			break
		}
		qty := decimal.Min(remaining, o.Remaining())
		cost = cost.Add(qty.Mul(o.Price))
		remaining = remaining.Sub(qty)
	}
	return cost
}

// Snapshot returns copies of both sides in priority order.
func (b *Book) Snapshot() (bids, asks []models.Order) {
	b.bids.Ascend(func(e Entry) bool {
		bids = append(bids, *e.Order)
		return true
	})
	b.asks.Ascend(func(e Entry) bool {
		asks = append(asks, *e.Order)
		return true
	})
	return bids, asks
}

// Manager is a thread-safe map of symbol to Book.
type Manager struct {
	mu    sync.RWMutex
	books map[string]*Book
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{books: make(map[string]*Book)}
}

// GetOrCreate returns the book for the given symbol, creating it on
// first use.
func (m *Manager) GetOrCreate(symbol string) *Book {
	m.mu.RLock()
	b, ok := m.books[symbol]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.books[symbol]; ok {
		return b
	}
	b = NewBook(symbol)
	m.books[symbol] = b
	return b
}
