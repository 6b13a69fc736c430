// Package engine drives order matching: it reserves funds, rests orders
// on the book, matches by price-time priority, and settles every trade
// through the ledger inside one database transaction per matched segment.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"exchange/internal/book"
	"exchange/internal/db"
	"exchange/internal/ledger"
	"exchange/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxTradeHistory caps trade history responses.
const maxTradeHistory = 100

// Notifier is told that a symbol's book changed after every committed
// insert, match, cancel, or modify, so it can push fresh snapshots to
// subscribers.
type Notifier interface {
	BookChanged(symbol string)
}

// NopNotifier discards notifications; used in tests and the seed tool.
type NopNotifier struct{}

// BookChanged implements Notifier.
func (NopNotifier) BookChanged(string) {}

// errBookMoved signals that a concurrent modify moved the order to
// another symbol between reading it and locking its book; the caller
// re-reads and retries.
var errBookMoved = errors.New("order moved to another book")

// Engine matches orders and settles trades.
type Engine struct {
	db       *db.DB
	ledger   *ledger.Ledger
	books    *book.Manager
	notifier Notifier
	log      *zap.Logger
}

// New creates an Engine.
func New(database *db.DB, led *ledger.Ledger, books *book.Manager, notifier Notifier, log *zap.Logger) *Engine {
	return &Engine{
		db:       database,
		ledger:   led,
		books:    books,
		notifier: notifier,
		log:      log,
	}
}

// WarmBooks loads all active orders from the database into the in-memory
// books. Called once at startup before the engine serves traffic.
func (e *Engine) WarmBooks(ctx context.Context) error {
	orders, err := e.db.GetOpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("warm books: %w", err)
	}
	for i := range orders {
		o := orders[i]
		b := e.books.GetOrCreate(o.Symbol)
		b.Lock()
		b.Insert(&o)
		b.Unlock()
	}
	e.log.Info("order books warmed", zap.Int("open_orders", len(orders)))
	return nil
}

// SubmitOrder reserves funds, creates the order, and matches it against
// the opposite side of the book. The returned order reflects any fills
// from the matching pass. When matching fails partway, the order and its
// committed trades stand and the error wraps ErrMatchingIncomplete.
func (e *Engine) SubmitOrder(ctx context.Context, userID int64, symbol string, side models.Side, orderType models.OrderType, quantity, price decimal.Decimal) (*models.Order, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required: %w", models.ErrInvalidInput)
	}
	if !side.Valid() {
		return nil, fmt.Errorf("side must be BUY or SELL: %w", models.ErrInvalidInput)
	}
	if !orderType.Valid() {
		return nil, fmt.Errorf("order type must be LIMIT or MARKET: %w", models.ErrInvalidInput)
	}
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("quantity must be positive: %w", models.ErrInvalidInput)
	}
	if orderType == models.OrderTypeLimit && !price.IsPositive() {
		return nil, fmt.Errorf("price must be positive for limit orders: %w", models.ErrInvalidInput)
	}
	if orderType == models.OrderTypeMarket {
		price = decimal.Zero
	}

	b := e.books.GetOrCreate(symbol)
	b.Lock()
	defer b.Unlock()

	order := &models.Order{
		UserID:   userID,
		Symbol:   symbol,
		Side:     side,
		Type:     orderType,
		Price:    price,
		Quantity: quantity,
		Status:   models.StatusPending,
	}

	// Size the reservation. Limit orders commit their full funding
	// amount; market BUYs reserve the cost of walking the book, which is
	// exact for the filled portion because the symbol lock is held from
	// here through the matching pass.
	reserveAsset, reserveAmount := ledger.Funding(side, symbol, quantity, price)
	if orderType == models.OrderTypeMarket {
		if !b.HasOppositeLiquidity(order) {
			return nil, models.ErrNoLiquidity
		}
		if side == models.SideBuy {
			reserveAsset = ledger.QuoteAsset
			reserveAmount = b.EstimateCost(order)
		}
	}

	err := e.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := e.ledger.ReserveAsset(ctx, tx, userID, reserveAsset, reserveAmount); err != nil {
			return err
		}
		created, err := e.db.CreateOrder(ctx, tx, order)
		if err != nil {
			return err
		}
		*order = *created
		return nil
	})
	if err != nil {
		return nil, err
	}

	if orderType == models.OrderTypeLimit {
		b.Insert(order)
	}

	settled, matchErr := e.match(ctx, b, order)

	if orderType == models.OrderTypeMarket {
		matchErr = e.completeMarket(ctx, order, reserveAmount, settled, matchErr)
	}

	e.notifier.BookChanged(symbol)
	e.log.Info("order submitted",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", userID),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("status", string(order.Status)))

	if matchErr != nil {
		return order, fmt.Errorf("%w: %v", models.ErrMatchingIncomplete, matchErr)
	}
	return order, nil
}

// match runs the matching pass for an order whose book lock is held.
// Each matched segment commits in its own transaction: trade record, both
// orders' fill state, and the four-way balance settlement. A failed
// segment stops the pass; committed segments stand. Returns the notional
// settled by the buyer across the pass.
func (e *Engine) match(ctx context.Context, b *book.Book, order *models.Order) (decimal.Decimal, error) {
	settled := decimal.Zero
	remaining := order.Remaining()

	for _, resting := range b.Candidates(order) {
		if !remaining.IsPositive() {
			break
		}
		matchRemaining := resting.Remaining()
		if !matchRemaining.IsPositive() {
			continue
		}

		tradeQty := decimal.Min(remaining, matchRemaining)
		tradePrice := resting.Price // the resting order's price always wins

		buyOrder, sellOrder := order, resting
		if order.Side == models.SideSell {
			buyOrder, sellOrder = resting, order
		}

		orderFilled := order.FilledQuantity.Add(tradeQty)
		restingFilled := resting.FilledQuantity.Add(tradeQty)
		orderStatus := models.StatusForFill(orderFilled, order.Quantity)
		restingStatus := models.StatusForFill(restingFilled, resting.Quantity)

		trade := &models.Trade{
			BuyOrderID:  buyOrder.ID,
			SellOrderID: sellOrder.ID,
			Symbol:      order.Symbol,
			Quantity:    tradeQty,
			Price:       tradePrice,
		}

		err := e.db.WithTx(ctx, func(tx pgx.Tx) error {
			// Lock both order rows in ID order so concurrent
			// transactions touching the same orders cannot deadlock.
			ids := []int64{order.ID, resting.ID}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			for _, id := range ids {
				if _, err := e.db.GetOrderForUpdate(ctx, tx, id); err != nil {
					return err
				}
			}

			created, err := e.db.CreateTrade(ctx, tx, trade)
			if err != nil {
				return err
			}
			*trade = *created

			if err := e.db.UpdateOrderFill(ctx, tx, order.ID, orderFilled, orderStatus); err != nil {
				return err
			}
			if err := e.db.UpdateOrderFill(ctx, tx, resting.ID, restingFilled, restingStatus); err != nil {
				return err
			}
			if err := e.ledger.SettleTrade(ctx, tx, buyOrder.UserID, sellOrder.UserID, order.Symbol, tradeQty, tradePrice); err != nil {
				return err
			}
			// A limit BUY that fills below its own limit reserved more
			// than the trade settles; release the difference so reserved
			// funds always equal unfilled committed notional.
			if buyOrder.Type == models.OrderTypeLimit && buyOrder.Price.GreaterThan(tradePrice) {
				improvement := tradeQty.Mul(buyOrder.Price.Sub(tradePrice))
				if err := e.ledger.ReleaseAsset(ctx, tx, buyOrder.UserID, ledger.QuoteAsset, improvement); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return settled, fmt.Errorf("trade of %s %s @ %s against order %d: %w",
				tradeQty, order.Symbol, tradePrice, resting.ID, err)
		}

		// The segment is committed; mirror it in memory.
		order.FilledQuantity = orderFilled
		order.Status = orderStatus
		resting.FilledQuantity = restingFilled
		resting.Status = restingStatus
		settled = settled.Add(tradeQty.Mul(tradePrice))
		remaining = order.Remaining()

		if resting.Status == models.StatusFilled {
			b.Remove(resting.ID)
		}

		e.log.Info("trade executed",
			zap.Int64("trade_id", trade.ID),
			zap.Int64("buy_order_id", trade.BuyOrderID),
			zap.Int64("sell_order_id", trade.SellOrderID),
			zap.String("symbol", trade.Symbol),
			zap.String("quantity", tradeQty.String()),
			zap.String("price", tradePrice.String()))
	}

	if order.Status == models.StatusFilled {
		b.Remove(order.ID)
	}
	return settled, nil
}

// completeMarket runs finalizeMarket and folds its error into the
// matching pass's error, so a failed remainder release surfaces even
// when the pass itself already failed.
func (e *Engine) completeMarket(ctx context.Context, order *models.Order, reserved, settled decimal.Decimal, matchErr error) error {
	if err := e.finalizeMarket(ctx, order, reserved, settled); err != nil {
		e.log.Error("market order finalization failed",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		return errors.Join(matchErr, err)
	}
	return matchErr
}

// finalizeMarket applies IOC semantics to a market order after its
// matching pass: the unfilled remainder's reservation is released and
// the order goes CANCELLED unless it filled completely.
func (e *Engine) finalizeMarket(ctx context.Context, order *models.Order, reserved, settled decimal.Decimal) error {
	return e.db.WithTx(ctx, func(tx pgx.Tx) error {
		if order.Side == models.SideBuy {
			if leftover := reserved.Sub(settled); leftover.IsPositive() {
				if err := e.ledger.ReleaseAsset(ctx, tx, order.UserID, ledger.QuoteAsset, leftover); err != nil {
					return err
				}
			}
		} else if rem := order.Remaining(); rem.IsPositive() {
			if err := e.ledger.ReleaseAsset(ctx, tx, order.UserID, ledger.BaseAsset(order.Symbol), rem); err != nil {
				return err
			}
		}
		if order.Remaining().IsPositive() {
			if err := e.db.UpdateOrderStatus(ctx, tx, order.ID, models.StatusCancelled); err != nil {
				return err
			}
			order.Status = models.StatusCancelled
		}
		return nil
	})
}

// CancelOrder cancels an active order owned by the user, releasing the
// reservation for the unfilled portion at the order's current terms. The
// symbol lock orders the cancel against any in-flight match, so the
// released quantity is always computed from the current fill state.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID int64) error {
	for attempt := 0; attempt < 3; attempt++ {
		o, err := e.db.GetOrder(ctx, e.db.Pool, orderID)
		if err != nil {
			return err
		}
		b := e.books.GetOrCreate(o.Symbol)

		err = func() error {
			b.Lock()
			defer b.Unlock()

			err := e.db.WithTx(ctx, func(tx pgx.Tx) error {
				cur, err := e.db.GetOrderForUpdate(ctx, tx, orderID)
				if err != nil {
					return err
				}
				if cur.Symbol != o.Symbol {
					return errBookMoved
				}
				if cur.UserID != userID {
					return models.ErrNotOwner
				}
				if !cur.Status.Active() {
					return models.ErrInvalidOrderState
				}
				if rem := cur.Remaining(); rem.IsPositive() {
					if err := e.ledger.Release(ctx, tx, userID, cur.Side, cur.Symbol, rem, cur.Price); err != nil {
						return err
					}
				}
				return e.db.UpdateOrderStatus(ctx, tx, orderID, models.StatusCancelled)
			})
			if err != nil {
				return err
			}
			if removed, ok := b.Remove(orderID); ok {
				removed.Status = models.StatusCancelled
			}
			return nil
		}()
		if errors.Is(err, errBookMoved) {
			continue
		}
		if err == nil {
			e.notifier.BookChanged(o.Symbol)
			e.log.Info("order cancelled", zap.Int64("order_id", orderID), zap.Int64("user_id", userID))
		}
		return err
	}
	return fmt.Errorf("cancel order %d: kept moving between books", orderID)
}

// ModifyOrder rewrites an active order's terms as one atomic unit:
// release the reservation for the unfilled portion of the old terms,
// reserve for the unfilled portion of the new terms (a reservation
// failure rolls the whole modify back), update the order, then re-run
// matching under the new terms. Time priority is kept from the original
// creation.
func (e *Engine) ModifyOrder(ctx context.Context, userID, orderID int64, newSymbol string, newSide models.Side, newPrice, newQuantity decimal.Decimal) (*models.Order, error) {
	if newSymbol == "" || !newSide.Valid() {
		return nil, fmt.Errorf("symbol and side are required: %w", models.ErrInvalidInput)
	}
	if !newPrice.IsPositive() || !newQuantity.IsPositive() {
		return nil, fmt.Errorf("price and quantity must be positive: %w", models.ErrInvalidInput)
	}

	for attempt := 0; attempt < 3; attempt++ {
		o, err := e.db.GetOrder(ctx, e.db.Pool, orderID)
		if err != nil {
			return nil, err
		}
		oldBook := e.books.GetOrCreate(o.Symbol)
		newBook := e.books.GetOrCreate(newSymbol)

		var updated *models.Order
		var matchErr error

		err = func() error {
			// Lock both books in symbol order so two modifies crossing
			// between the same pair of symbols cannot deadlock.
			locks := []*book.Book{oldBook}
			if newBook != oldBook {
				locks = append(locks, newBook)
				sort.Slice(locks, func(i, j int) bool { return locks[i].Symbol() < locks[j].Symbol() })
			}
			for _, lb := range locks {
				lb.Lock()
			}
			defer func() {
				for i := len(locks) - 1; i >= 0; i-- {
					locks[i].Unlock()
				}
			}()

			err := e.db.WithTx(ctx, func(tx pgx.Tx) error {
				cur, err := e.db.GetOrderForUpdate(ctx, tx, orderID)
				if err != nil {
					return err
				}
				if cur.Symbol != o.Symbol {
					return errBookMoved
				}
				if cur.UserID != userID {
					return models.ErrNotOwner
				}
				if !cur.Status.Active() {
					return models.ErrInvalidOrderState
				}
				if newQuantity.LessThan(cur.FilledQuantity) {
					return fmt.Errorf("filled %s: %w", cur.FilledQuantity, models.ErrQuantityBelowFilled)
				}

				if oldRem := cur.Remaining(); oldRem.IsPositive() {
					if err := e.ledger.Release(ctx, tx, userID, cur.Side, cur.Symbol, oldRem, cur.Price); err != nil {
						return err
					}
				}
				if newRem := newQuantity.Sub(cur.FilledQuantity); newRem.IsPositive() {
					if err := e.ledger.Reserve(ctx, tx, userID, newSide, newSymbol, newRem, newPrice); err != nil {
						return err
					}
				}

				status := models.StatusForFill(cur.FilledQuantity, newQuantity)
				if err := e.db.UpdateOrderTerms(ctx, tx, orderID, newSymbol, newSide, newPrice, newQuantity, status); err != nil {
					return err
				}

				upd := *cur
				upd.Symbol = newSymbol
				upd.Side = newSide
				upd.Price = newPrice
				upd.Quantity = newQuantity
				upd.Status = status
				updated = &upd
				return nil
			})
			if err != nil {
				return err
			}

			if removed, ok := oldBook.Remove(orderID); ok {
				// Stale aliases must not be matched under old terms.
				*removed = *updated
			}
			if updated.Status.Active() {
				newBook.Insert(updated)
				_, matchErr = e.match(ctx, newBook, updated)
			}
			return nil
		}()
		if errors.Is(err, errBookMoved) {
			continue
		}
		if err != nil {
			return nil, err
		}

		e.notifier.BookChanged(newSymbol)
		if o.Symbol != newSymbol {
			e.notifier.BookChanged(o.Symbol)
		}
		e.log.Info("order modified",
			zap.Int64("order_id", orderID),
			zap.Int64("user_id", userID),
			zap.String("symbol", newSymbol),
			zap.String("status", string(updated.Status)))

		if matchErr != nil {
			return updated, fmt.Errorf("%w: %v", models.ErrMatchingIncomplete, matchErr)
		}
		return updated, nil
	}
	return nil, fmt.Errorf("modify order %d: kept moving between books", orderID)
}

// Order returns one order by ID.
func (e *Engine) Order(ctx context.Context, orderID int64) (*models.Order, error) {
	return e.db.GetOrder(ctx, e.db.Pool, orderID)
}

// OpenOrders returns active orders in book priority order; an empty
// symbol returns all symbols.
func (e *Engine) OpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	return e.db.GetOpenOrders(ctx, symbol)
}

// UserOrders returns all of a user's orders, newest first.
func (e *Engine) UserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return e.db.GetUserOrders(ctx, userID)
}

// Balances returns a user's balances keyed by asset.
func (e *Engine) Balances(ctx context.Context, userID int64) (map[string]models.Balance, error) {
	balances, err := e.db.GetUserBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Balance, len(balances))
	for _, b := range balances {
		out[b.Asset] = b
	}
	return out, nil
}

// TradeHistory returns recent trades, newest first, capped at 100.
// userID 0 returns the public history across all users.
func (e *Engine) TradeHistory(ctx context.Context, userID int64, limit int) ([]models.Trade, error) {
	if limit <= 0 || limit > maxTradeHistory {
		limit = maxTradeHistory
	}
	if userID == 0 {
		return e.db.GetRecentTrades(ctx, limit)
	}
	return e.db.GetUserTrades(ctx, userID, limit)
}

// SetBalance sets a user's absolute balance for one asset. This is the
// deposit/withdrawal path, outside the matching reservation protocol.
func (e *Engine) SetBalance(ctx context.Context, userID int64, asset string, available, reserved decimal.Decimal) error {
	return e.db.WithTx(ctx, func(tx pgx.Tx) error {
		return e.ledger.SetBalance(ctx, tx, userID, asset, available, reserved)
	})
}
