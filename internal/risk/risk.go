// Package risk implements the fixed-point margin, fee and liquidation math.
//
// Every formula uses unsigned integer arithmetic with truncating division,
// and divisions happen in a fixed sequence: the inner 100/leverage quotient
// is floored before the outer multiply/divide. The ordering shifts the
// effective liquidation buffer whenever leverage does not evenly divide 100,
// so none of these may be algebraically "simplified" into a single fused
// ratio or rewritten with floats.
package risk

import "github.com/perpx/perp-engine/internal/model"

// BpsDenominator is the basis-point scale used for all fee rates.
const BpsDenominator = 10000

// Margin returns the collateral reserved for a position:
// floor(size × price / leverage). Leverage must be non-zero.
func Margin(size, price, leverage uint64) uint64 {
	return size * price / leverage
}

// Fee returns floor(margin × bps / 10000).
func Fee(margin, bps uint64) uint64 {
	return margin * bps / BpsDenominator
}

// LiquidationPrice returns the directional trigger price for a position
// opened at entry with the given leverage.
//
//	Long:  floor(entry × (100 − floor(100/leverage)) / 100)
//	Short: floor(entry × (100 + floor(100/leverage)) / 100)
func LiquidationPrice(entry uint64, direction model.Direction, leverage uint64) uint64 {
	buffer := 100 / leverage // truncates before the outer division
	if direction == model.Long {
		return entry * (100 - buffer) / 100
	}
	return entry * (100 + buffer) / 100
}

// PnL returns the signed profit/loss realized at the current price:
// price movement in the position's favor, times size.
func PnL(direction model.Direction, entryPrice, currentPrice, size uint64) int64 {
	movement := int64(currentPrice) - int64(entryPrice)
	if direction == model.Short {
		movement = -movement
	}
	return movement * int64(size)
}

// Liquidatable reports whether the mark price has crossed the trigger in
// the adverse direction.
func Liquidatable(direction model.Direction, currentPrice, triggerPrice uint64) bool {
	if direction == model.Long {
		return currentPrice <= triggerPrice
	}
	return currentPrice >= triggerPrice
}

// AtRisk reports whether the mark price is inside the fixed 5% early-warning
// band around the trigger. The band is directionally asymmetric: longs warn
// at trigger×105/100, shorts at trigger×95/100.
func AtRisk(direction model.Direction, currentPrice, triggerPrice uint64) bool {
	if direction == model.Long {
		return currentPrice <= triggerPrice*105/100
	}
	return currentPrice >= triggerPrice*95/100
}
