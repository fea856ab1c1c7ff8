// Package finance provides the pure domain math the reconciliation rules
// depend on: tick/sqrt-price conversion, tick-range amount math,
// quote-token valuation, and double-entry journal aggregation. It is
// intentionally minimal, not a full Uniswap-V3 math library.
package finance

import (
	"math"

	"github.com/shopspring/decimal"
)

// Q96 is the fixed-point denominator used by Uniswap V3's sqrtPriceX96
// encoding.
var Q96 = decimal.NewFromInt(2).Pow(decimal.NewFromInt(96))

// SqrtPriceX96ToPrice converts a pool's sqrtPriceX96 into the price of
// token0 in terms of token1 (token1 per token0), adjusted for each
// token's decimals.
func SqrtPriceX96ToPrice(sqrtPriceX96 decimal.Decimal, decimals0, decimals1 int32) decimal.Decimal {
	ratio := sqrtPriceX96.Div(Q96)
	price := ratio.Mul(ratio)
	scale := decimal.New(1, decimals0-decimals1)
	return price.Mul(scale)
}

// TickToSqrtPriceX96 converts a discrete tick index into its sqrtPriceX96
// encoding, the inverse of SqrtPriceX96ToPrice's ratio step.
func TickToSqrtPriceX96(tick int32) decimal.Decimal {
	sqrtRatio := math.Pow(1.0001, float64(tick)/2)
	return decimal.NewFromFloat(sqrtRatio).Mul(Q96)
}

// AmountsForLiquidity computes the (amount0, amount1) a liquidity position
// currently holds given the pool's current sqrtPriceX96 and the position's
// tick range, per the standard Uniswap V3 concentrated-liquidity formula.
func AmountsForLiquidity(liquidity decimal.Decimal, sqrtPriceX96 decimal.Decimal, tickLower, tickUpper int32) (amount0, amount1 decimal.Decimal) {
	sqrtLower := TickToSqrtPriceX96(tickLower)
	sqrtUpper := TickToSqrtPriceX96(tickUpper)
	sqrtCurrent := sqrtPriceX96

	switch {
	case sqrtCurrent.LessThanOrEqual(sqrtLower):
		amount0 = liquidity.Mul(Q96).Mul(sqrtUpper.Sub(sqrtLower)).Div(sqrtUpper.Mul(sqrtLower))
		amount1 = decimal.Zero
	case sqrtCurrent.GreaterThanOrEqual(sqrtUpper):
		amount0 = decimal.Zero
		amount1 = liquidity.Mul(sqrtUpper.Sub(sqrtLower)).Div(Q96)
	default:
		amount0 = liquidity.Mul(Q96).Mul(sqrtUpper.Sub(sqrtCurrent)).Div(sqrtUpper.Mul(sqrtCurrent))
		amount1 = liquidity.Mul(sqrtCurrent.Sub(sqrtLower)).Div(Q96)
	}
	return amount0, amount1
}

// CurrentValue prices a position's (amount0, amount1) holdings in the
// quote token, given token0's price expressed in the quote token.
func CurrentValue(amount0, amount1, token0PriceInQuote, token1PriceInQuote decimal.Decimal) decimal.Decimal {
	return amount0.Mul(token0PriceInQuote).Add(amount1.Mul(token1PriceInQuote))
}

// UnrealizedPnl is currentValue minus the cost basis recorded at open.
func UnrealizedPnl(currentValue, costBasis decimal.Decimal) decimal.Decimal {
	return currentValue.Sub(costBasis)
}

// UnclaimedFees prices a position's tokensOwed0/tokensOwed1 in the quote
// token, using the same per-token quote prices as CurrentValue.
func UnclaimedFees(tokensOwed0, tokensOwed1, token0PriceInQuote, token1PriceInQuote decimal.Decimal) decimal.Decimal {
	return tokensOwed0.Mul(token0PriceInQuote).Add(tokensOwed1.Mul(token1PriceInQuote))
}

// JournalEntry is one double-entry bookkeeping line: a signed amount
// against an account code, matching the "double-entry account
// code" aggregation step.
type JournalEntry struct {
	AccountCode string
	Amount      decimal.Decimal
}

// AggregateByAccount sums entries sharing the same account code, producing
// one cumulative balance per code for a snapshot row.
func AggregateByAccount(entries []JournalEntry) map[string]decimal.Decimal {
	balances := make(map[string]decimal.Decimal)
	for _, e := range entries {
		balances[e.AccountCode] = balances[e.AccountCode].Add(e.Amount)
	}
	return balances
}

// ConvertToReportingCurrency converts a quote-denominated value into a
// user's reporting currency using a single fxRate (reportingCurrency per
// unit of quote currency).
func ConvertToReportingCurrency(valueInQuote, fxRate decimal.Decimal) decimal.Decimal {
	return valueInQuote.Mul(fxRate)
}
