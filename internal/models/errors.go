package models

import "errors"

// Domain errors returned by the engine and ledger. Handlers map these to
// HTTP status codes; none of them is fatal to the process.
var (
	// ErrInsufficientBalance means a reservation was rejected and no
	// state was changed.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrOrderNotFound means the referenced order does not exist.
	ErrOrderNotFound = errors.New("order not found")

	// ErrNotOwner means a cancel or modify was attempted by a user who
	// does not own the order.
	ErrNotOwner = errors.New("order does not belong to user")

	// ErrInvalidOrderState means a cancel or modify was attempted on a
	// FILLED or CANCELLED order.
	ErrInvalidOrderState = errors.New("order is not in a modifiable state")

	// ErrInvalidInput covers non-positive price/quantity, unknown side,
	// unknown order type, and empty symbol.
	ErrInvalidInput = errors.New("invalid order parameters")

	// ErrQuantityBelowFilled means a modify tried to shrink an order
	// below its already-filled quantity.
	ErrQuantityBelowFilled = errors.New("quantity cannot be reduced below filled amount")

	// ErrNoLiquidity means a market order was submitted against an empty
	// opposite side.
	ErrNoLiquidity = errors.New("no liquidity for market order")

	// ErrMatchingIncomplete means the order was created or modified and
	// that change is committed, but a failure stopped the matching pass
	// partway. Trades committed before the failure remain valid.
	ErrMatchingIncomplete = errors.New("order accepted but matching incomplete")
)
