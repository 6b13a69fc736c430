package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSide(t *testing.T) {
	assert.True(t, SideBuy.Valid())
	assert.True(t, SideSell.Valid())
	assert.False(t, Side("HOLD").Valid())
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}

func TestOrderType(t *testing.T) {
	assert.True(t, OrderTypeLimit.Valid())
	assert.True(t, OrderTypeMarket.Valid())
	assert.False(t, OrderType("STOP").Valid())
}

func TestOrderStatus_Active(t *testing.T) {
	assert.True(t, StatusPending.Active())
	assert.True(t, StatusPartial.Active())
	assert.False(t, StatusFilled.Active())
	assert.False(t, StatusCancelled.Active())
}

func TestStatusForFill(t *testing.T) {
	qty := decimal.RequireFromString("1")
	assert.Equal(t, StatusPending, StatusForFill(decimal.Zero, qty))
	assert.Equal(t, StatusPartial, StatusForFill(decimal.RequireFromString("0.5"), qty))
	assert.Equal(t, StatusFilled, StatusForFill(qty, qty))
}

func TestOrder_Remaining(t *testing.T) {
	o := Order{
		Quantity:       decimal.RequireFromString("2"),
		FilledQuantity: decimal.RequireFromString("0.75"),
	}
	assert.True(t, o.Remaining().Equal(decimal.RequireFromString("1.25")))
}
