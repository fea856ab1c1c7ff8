package finance_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/finance"
)

func TestCurrentValue(t *testing.T) {
	v := finance.CurrentValue(
		decimal.NewFromInt(10),
		decimal.NewFromInt(20),
		decimal.NewFromFloat(2),
		decimal.NewFromFloat(1),
	)
	assert.True(t, v.Equal(decimal.NewFromInt(40)))
}

func TestUnrealizedPnl(t *testing.T) {
	pnl := finance.UnrealizedPnl(decimal.NewFromInt(150), decimal.NewFromInt(100))
	assert.True(t, pnl.Equal(decimal.NewFromInt(50)))
}

func TestAggregateByAccount(t *testing.T) {
	entries := []finance.JournalEntry{
		{AccountCode: "unrealized-pnl", Amount: decimal.NewFromInt(10)},
		{AccountCode: "unrealized-pnl", Amount: decimal.NewFromInt(5)},
		{AccountCode: "fees", Amount: decimal.NewFromInt(1)},
	}
	balances := finance.AggregateByAccount(entries)
	assert.True(t, balances["unrealized-pnl"].Equal(decimal.NewFromInt(15)))
	assert.True(t, balances["fees"].Equal(decimal.NewFromInt(1)))
}

func TestAmountsForLiquidity_OutOfRangeBelow(t *testing.T) {
	sqrtPrice := finance.TickToSqrtPriceX96(-100)
	amount0, amount1 := finance.AmountsForLiquidity(decimal.NewFromInt(1_000_000), sqrtPrice, 100, 200)
	assert.True(t, amount0.GreaterThan(decimal.Zero))
	assert.True(t, amount1.Equal(decimal.Zero))
}
