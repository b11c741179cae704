// Package ammmath implements the fixed-point tick and liquidity math shared
// by a Uniswap-V3-style concentrated-liquidity AMM: converting between tick
// index and Q64.96 sqrt price, and converting between token amounts and
// liquidity for an arbitrary [tickLower, tickUpper] range.
package ammmath

import (
	"errors"
	"math/big"
)

const (
	// MinTick and MaxTick bound the signed 24-bit tick index.
	MinTick = -887272
	MaxTick = 887272

	// mathPrec is the big.Float mantissa precision (bits) used for the
	// tick <-> sqrt-price conversion. High enough that rounding to a
	// 160-bit Q64.96 integer is exact to the last representable bit.
	mathPrec = 256
)

var (
	// Q96 is 2^96, the fixed-point scaling factor for sqrtPriceX96.
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

	errTickOutOfRange  = errors.New("ammmath: tick out of range")
	errTicksNotOrdered = errors.New("ammmath: tickLower must be less than tickUpper")
	errNilLiquidity    = errors.New("ammmath: liquidity must not be nil")
	tickBaseSqrt       = new(big.Float).SetPrec(mathPrec).Sqrt(mustParseFloat("1.0001")) // sqrt(1.0001)
)

func mustParseFloat(s string) *big.Float {
	f, _, err := big.ParseFloat(s, 10, mathPrec, big.ToNearestEven)
	if err != nil {
		panic(err)
	}
	return f
}

// TickToSqrtPriceX96 returns sqrt(1.0001^tick) * 2^96 as a Q64.96 fixed
// point integer, truncated toward zero. It approximates the sqrtPriceX96 the
// pool's slot0 reports when the pool sits exactly at this tick; it is
// computed in big.Float rather than with the pool's own integer tick math,
// so it can differ from that value in the low-order bits.
func TickToSqrtPriceX96(tick int) *big.Int {
	base := tickBaseSqrt
	inv := tick < 0
	exp := tick
	if inv {
		exp = -exp
	}

	result := powBigFloat(base, exp)
	if inv {
		one := new(big.Float).SetPrec(mathPrec).SetInt64(1)
		result = new(big.Float).SetPrec(mathPrec).Quo(one, result)
	}

	scale := new(big.Float).SetPrec(mathPrec).SetInt(Q96)
	result.Mul(result, scale)

	out, _ := result.Int(nil)
	return out
}

// SqrtPriceToPrice converts a Q64.96 sqrtPriceX96 value into the pool's
// token1-per-token0 price as an arbitrary-precision float.
func SqrtPriceToPrice(sqrtPriceX96 *big.Int) *big.Float {
	sqrtPrice := new(big.Float).SetPrec(mathPrec).SetInt(sqrtPriceX96)
	q96 := new(big.Float).SetPrec(mathPrec).SetInt(Q96)
	ratio := new(big.Float).SetPrec(mathPrec).Quo(sqrtPrice, q96)
	return new(big.Float).SetPrec(mathPrec).Mul(ratio, ratio)
}

// powBigFloat computes base^exp for exp >= 0 via exponentiation by squaring.
func powBigFloat(base *big.Float, exp int) *big.Float {
	result := new(big.Float).SetPrec(mathPrec).SetInt64(1)
	b := new(big.Float).SetPrec(mathPrec).Copy(base)
	for exp > 0 {
		if exp&1 == 1 {
			result = new(big.Float).SetPrec(mathPrec).Mul(result, b)
		}
		b = new(big.Float).SetPrec(mathPrec).Mul(b, b)
		exp >>= 1
	}
	return result
}

func mulDiv(a, b, denom *big.Int) *big.Int {
	num := new(big.Int).Mul(a, b)
	return num.Div(num, denom)
}

func sub(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(a, b)
}

func min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func liquidityForAmount0(sqrtA, sqrtB, amount0 *big.Int) *big.Int {
	intermediate := mulDiv(sqrtA, sqrtB, Q96)
	return mulDiv(amount0, intermediate, sub(sqrtB, sqrtA))
}

func liquidityForAmount1(sqrtA, sqrtB, amount1 *big.Int) *big.Int {
	return mulDiv(amount1, Q96, sub(sqrtB, sqrtA))
}

func amount0ForLiquidity(sqrtA, sqrtB, liquidity *big.Int) *big.Int {
	numerator := mulDiv(new(big.Int).Lsh(liquidity, 96), sub(sqrtB, sqrtA), sqrtB)
	return new(big.Int).Div(numerator, sqrtA)
}

func amount1ForLiquidity(sqrtA, sqrtB, liquidity *big.Int) *big.Int {
	return mulDiv(liquidity, sub(sqrtB, sqrtA), Q96)
}

// ComputeAmounts derives the liquidity a position would hold given a budget
// of (amount0Max, amount1Max) at the current pool price, and the actual
// token amounts that liquidity consumes. The amounts may be below the
// requested maximums when the current price sits outside the range or off
// the 50/50 midpoint.
func ComputeAmounts(sqrtPriceX96 *big.Int, tick, tickLower, tickUpper int, amount0Max, amount1Max *big.Int) (amount0, amount1, liquidity *big.Int) {
	sqrtA := TickToSqrtPriceX96(tickLower)
	sqrtB := TickToSqrtPriceX96(tickUpper)

	liquidity = liquidityForAmounts(sqrtPriceX96, sqrtA, sqrtB, amount0Max, amount1Max)
	amount0, amount1 = amountsForLiquidity(sqrtPriceX96, sqrtA, sqrtB, liquidity)
	return amount0, amount1, liquidity
}

func liquidityForAmounts(sqrtP, sqrtA, sqrtB, amount0, amount1 *big.Int) *big.Int {
	switch {
	case sqrtP.Cmp(sqrtA) <= 0:
		return liquidityForAmount0(sqrtA, sqrtB, amount0)
	case sqrtP.Cmp(sqrtB) < 0:
		l0 := liquidityForAmount0(sqrtP, sqrtB, amount0)
		l1 := liquidityForAmount1(sqrtA, sqrtP, amount1)
		return min(l0, l1)
	default:
		return liquidityForAmount1(sqrtA, sqrtB, amount1)
	}
}

func amountsForLiquidity(sqrtP, sqrtA, sqrtB, liquidity *big.Int) (amount0, amount1 *big.Int) {
	switch {
	case sqrtP.Cmp(sqrtA) <= 0:
		return amount0ForLiquidity(sqrtA, sqrtB, liquidity), big.NewInt(0)
	case sqrtP.Cmp(sqrtB) < 0:
		return amount0ForLiquidity(sqrtP, sqrtB, liquidity), amount1ForLiquidity(sqrtA, sqrtP, liquidity)
	default:
		return big.NewInt(0), amount1ForLiquidity(sqrtA, sqrtB, liquidity)
	}
}

// CalculateTokenAmountsFromLiquidity is the inverse of ComputeAmounts: given
// a liquidity amount already minted into [tickLower, tickUpper], it reports
// the token0/token1 amounts that liquidity represents at the current price.
func CalculateTokenAmountsFromLiquidity(liquidity *big.Int, sqrtPriceX96 *big.Int, tickLower, tickUpper int32) (amount0, amount1 *big.Int, err error) {
	if liquidity == nil {
		return nil, nil, errNilLiquidity
	}
	if tickLower >= tickUpper {
		return nil, nil, errTicksNotOrdered
	}
	if tickLower < MinTick || tickUpper > MaxTick {
		return nil, nil, errTickOutOfRange
	}

	sqrtA := TickToSqrtPriceX96(int(tickLower))
	sqrtB := TickToSqrtPriceX96(int(tickUpper))
	amount0, amount1 = amountsForLiquidity(sqrtPriceX96, sqrtA, sqrtB, liquidity)
	return amount0, amount1, nil
}

// AlignDown rounds tick down to the nearest multiple of tickSpacing.
func AlignDown(tick, tickSpacing int) int {
	if tickSpacing <= 0 {
		return tick
	}
	q := tick / tickSpacing
	if tick%tickSpacing != 0 && tick < 0 {
		q--
	}
	return q * tickSpacing
}

// AlignUp rounds tick up to the nearest multiple of tickSpacing.
func AlignUp(tick, tickSpacing int) int {
	if tickSpacing <= 0 {
		return tick
	}
	q := tick / tickSpacing
	if tick%tickSpacing != 0 && tick > 0 {
		q++
	}
	return q * tickSpacing
}

// ClampTick restricts tick to the valid [MinTick, MaxTick] range.
func ClampTick(tick int) int {
	if tick < MinTick {
		return MinTick
	}
	if tick > MaxTick {
		return MaxTick
	}
	return tick
}

// CalculateTickBounds picks a symmetric tick range of the given width
// (expressed in multiples of tickSpacing) around currentTick, aligned to
// the spacing grid and clamped to the valid tick range. Clamping happens
// against the outermost grid-aligned ticks, not the raw MinTick/MaxTick,
// so both endpoints stay aligned even at the edges of the tick domain.
func CalculateTickBounds(currentTick int32, rangeWidth int, tickSpacing int) (tickLower, tickUpper int32, err error) {
	if tickSpacing <= 0 {
		return 0, 0, errors.New("ammmath: tickSpacing must be positive")
	}
	halfWidth := rangeWidth * tickSpacing

	minAligned := AlignUp(MinTick, tickSpacing)
	maxAligned := AlignDown(MaxTick, tickSpacing)

	lower := AlignDown(int(currentTick)-halfWidth, tickSpacing)
	if lower < minAligned {
		lower = minAligned
	}
	upper := AlignUp(int(currentTick)+halfWidth, tickSpacing)
	if upper > maxAligned {
		upper = maxAligned
	}

	if upper <= lower {
		return 0, 0, errors.New("ammmath: degenerate tick range after clamping")
	}
	return int32(lower), int32(upper), nil
}
