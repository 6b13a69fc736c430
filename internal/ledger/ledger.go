// Package ledger owns per-(user, asset) balances and the
// reserve/release/settle protocol that backs order matching. Every
// operation runs inside a caller-provided transaction and takes row
// locks, so concurrent operations on the same (user, asset) pair are
// serialized while different users proceed in parallel.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"exchange/internal/db"
	"exchange/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// QuoteAsset is the currency all symbols trade against.
const QuoteAsset = "USD"

// BaseAsset extracts the base asset from a trading symbol by stripping
// the quote suffix: BTCUSD and BTCUSDT both map to BTC.
func BaseAsset(symbol string) string {
	if s, ok := strings.CutSuffix(symbol, "USDT"); ok {
		return s
	}
	if s, ok := strings.CutSuffix(symbol, "USD"); ok {
		return s
	}
	return symbol
}

// Funding computes the asset and amount an order of the given side
// commits: a BUY commits quantity*price of USD, a SELL commits quantity
// of the base asset. Reserve, Release, and settlement all derive their
// amounts from this one rule.
func Funding(side models.Side, symbol string, quantity, price decimal.Decimal) (string, decimal.Decimal) {
	if side == models.SideBuy {
		return QuoteAsset, quantity.Mul(price)
	}
	return BaseAsset(symbol), quantity
}

// Ledger performs balance mutations against the database.
type Ledger struct {
	db *db.DB
}

// New creates a Ledger backed by the given database.
func New(database *db.DB) *Ledger {
	return &Ledger{db: database}
}

// Reserve moves the order's funding amount from available to reserved.
// Returns ErrInsufficientBalance without touching any state when the
// available balance does not cover the amount.
func (l *Ledger) Reserve(ctx context.Context, tx pgx.Tx, userID int64, side models.Side, symbol string, quantity, price decimal.Decimal) error {
	asset, amount := Funding(side, symbol, quantity, price)
	return l.ReserveAsset(ctx, tx, userID, asset, amount)
}

// ReserveAsset moves amount of one asset from available to reserved.
func (l *Ledger) ReserveAsset(ctx context.Context, tx pgx.Tx, userID int64, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	bal, found, err := l.db.GetBalanceForUpdate(ctx, tx, userID, asset)
	if err != nil {
		return err
	}
	if !found || bal.Available.LessThan(amount) {
		return fmt.Errorf("reserve %s %s for user %d (available %s): %w",
			amount, asset, userID, bal.Available, models.ErrInsufficientBalance)
	}
	return l.db.UpdateBalance(ctx, tx, userID, asset,
		bal.Available.Sub(amount), bal.Reserved.Add(amount))
}

// Release is the inverse of Reserve: it moves the order's funding amount
// from reserved back to available.
func (l *Ledger) Release(ctx context.Context, tx pgx.Tx, userID int64, side models.Side, symbol string, quantity, price decimal.Decimal) error {
	asset, amount := Funding(side, symbol, quantity, price)
	return l.ReleaseAsset(ctx, tx, userID, asset, amount)
}

// ReleaseAsset moves amount of one asset from reserved back to available.
//
// Reserved is clamped at zero. Limit orders reserve and release identical
// decimals, so the clamp never fires for them; it exists for market BUY
// orders, whose reservation is a book-walk estimate and can drift from
// the settled total by the unfilled remainder released here.
func (l *Ledger) ReleaseAsset(ctx context.Context, tx pgx.Tx, userID int64, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	bal, found, err := l.db.GetBalanceForUpdate(ctx, tx, userID, asset)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("release: no %s balance row for user %d", asset, userID)
	}
	reserved := bal.Reserved.Sub(amount)
	if reserved.IsNegative() {
		reserved = decimal.Zero
	}
	return l.db.UpdateBalance(ctx, tx, userID, asset, bal.Available.Add(amount), reserved)
}

// SetBalance sets absolute available/reserved amounts for deposits and
// withdrawals, which sit outside the reservation protocol.
func (l *Ledger) SetBalance(ctx context.Context, tx pgx.Tx, userID int64, asset string, available, reserved decimal.Decimal) error {
	if available.IsNegative() || reserved.IsNegative() {
		return fmt.Errorf("balance amounts cannot be negative: %w", models.ErrInvalidInput)
	}
	return l.db.UpsertBalance(ctx, tx, userID, asset, available, reserved)
}

type balanceKey struct {
	userID int64
	asset  string
}

// SettleTrade performs the four balance mutations of one trade leg:
// the buyer's USD reservation shrinks by quantity*price and their base
// asset grows by quantity; the seller's base reservation shrinks by
// quantity and their USD grows by quantity*price. Missing rows are
// created on credit. All four mutations commit or roll back with the
// caller's transaction.
func (l *Ledger) SettleTrade(ctx context.Context, tx pgx.Tx, buyerID, sellerID int64, symbol string, quantity, price decimal.Decimal) error {
	base := BaseAsset(symbol)
	total := quantity.Mul(price)

	// Lock all involved rows in deterministic order so concurrent
	// settlements touching the same users cannot deadlock.
	keys := []balanceKey{
		{buyerID, QuoteAsset},
		{buyerID, base},
		{sellerID, base},
		{sellerID, QuoteAsset},
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].userID != keys[j].userID {
			return keys[i].userID < keys[j].userID
		}
		return keys[i].asset < keys[j].asset
	})
	for _, k := range keys {
		if _, _, err := l.db.GetBalanceForUpdate(ctx, tx, k.userID, k.asset); err != nil {
			return err
		}
	}

	if err := l.debitReserved(ctx, tx, buyerID, QuoteAsset, total); err != nil {
		return fmt.Errorf("settle buyer %d: %w", buyerID, err)
	}
	if err := l.db.CreditAvailable(ctx, tx, buyerID, base, quantity); err != nil {
		return fmt.Errorf("settle buyer %d: %w", buyerID, err)
	}
	if err := l.debitReserved(ctx, tx, sellerID, base, quantity); err != nil {
		return fmt.Errorf("settle seller %d: %w", sellerID, err)
	}
	if err := l.db.CreditAvailable(ctx, tx, sellerID, QuoteAsset, total); err != nil {
		return fmt.Errorf("settle seller %d: %w", sellerID, err)
	}
	return nil
}

// debitReserved reduces a reserved balance by amount, clamping at zero.
// Limit-order paths reserve the exact amount settled here; only market
// order estimate drift can hit the clamp.
func (l *Ledger) debitReserved(ctx context.Context, tx pgx.Tx, userID int64, asset string, amount decimal.Decimal) error {
	bal, found, err := l.db.GetBalanceForUpdate(ctx, tx, userID, asset)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no %s balance row for user %d", asset, userID)
	}
	reserved := bal.Reserved.Sub(amount)
	if reserved.IsNegative() {
		reserved = decimal.Zero
	}
	return l.db.UpdateBalance(ctx, tx, userID, asset, bal.Available, reserved)
}
