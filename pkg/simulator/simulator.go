// Package simulator implements the opportunity Simulator: given a swap intent
// and the pool state it will trade against, it chooses a tick range and
// liquidity size for a JIT position, predicts captured fees and price
// impact, estimates gas, and applies the profit rule.
package simulator

import (
	"fmt"
	"math/big"
	"time"

	"github.com/0xjit/jitbot/pkg/ammmath"
	"github.com/0xjit/jitbot/pkg/boterr"
	"github.com/0xjit/jitbot/pkg/domain"

	"github.com/shopspring/decimal"
)

// GasModel is the line-item gas estimate for one JIT round trip.
type GasModel struct {
	FlashBorrowUnits uint64
	MintUnits        uint64
	BurnUnits        uint64
	CollectUnits     uint64
	RepayUnits       uint64
	OverheadUnits    uint64
}

// DefaultGasModel holds per-operation unit estimates for a flash-borrow,
// mint, burn, collect, repay round trip plus executor-contract overhead.
var DefaultGasModel = GasModel{
	FlashBorrowUnits: 50_000,
	MintUnits:        150_000,
	BurnUnits:        120_000,
	CollectUnits:     80_000,
	RepayUnits:       30_000,
	OverheadUnits:    50_000,
}

// TotalUnits sums every line item into one gas-unit figure.
func (g GasModel) TotalUnits() uint64 {
	return g.FlashBorrowUnits + g.MintUnits + g.BurnUnits + g.CollectUnits + g.RepayUnits + g.OverheadUnits
}

// GasUnits returns the total gas-unit estimate this Simulator applies to
// every candidate, so callers that rank candidates by gas cost (the
// Coordinator's tie-break rule) don't need to know the line-item model.
func (s *Simulator) GasUnits() uint64 {
	return s.params.Gas.TotalUnits()
}

// PriceOracle converts a wei-denominated amount of a given token into a
// USD decimal.Decimal. Tests may inject a constant-price stub; production
// wiring is left to the caller (cmd/jitbot).
type PriceOracle func(token domain.PoolId, amountWei *big.Int) (decimal.Decimal, error)

// Params tunes the Simulator's sizing and risk rules.
type Params struct {
	// RangeWidthTicks is kRange in "halfWidth = kRange * tickSpacing"
	// (default 10).
	RangeWidthTicks int
	// NotionalFraction is the share of the swap's notional committed as
	// position value (default 0.10).
	NotionalFraction float64
	// MaxPriceImpactPct bounds the conservative fee-share approximation
	// (default 10).
	MaxPriceImpactPct float64
	Gas               GasModel
}

// Simulator computes OpportunityCandidates from swap intents and pool
// state. It owns no mutable state except whatever its injected
// PriceOracle caches internally.
type Simulator struct {
	params      Params
	priceOracle PriceOracle
}

// NewSimulator builds a Simulator with the given tuning parameters and
// price oracle. A zero RangeWidthTicks, NotionalFraction or
// MaxPriceImpactPct takes its default.
func NewSimulator(params Params, priceOracle PriceOracle) *Simulator {
	if params.RangeWidthTicks <= 0 {
		params.RangeWidthTicks = 10
	}
	if params.NotionalFraction <= 0 {
		params.NotionalFraction = 0.10
	}
	if params.MaxPriceImpactPct <= 0 {
		params.MaxPriceImpactPct = 10
	}
	return &Simulator{params: params, priceOracle: priceOracle}
}

// Simulate produces an OpportunityCandidate for one swap against one pool
// state, or a typed *boterr.Error when the candidate is rejected.
// flashLoanFeeWei is the fee already chosen by the flash-loan selector for
// this notional; profitFloor is max(globalThreshold, perPoolOverride).
func (s *Simulator) Simulate(
	intent domain.SwapIntent,
	state domain.PoolState,
	anchorBlock uint64,
	gasPriceWei *big.Int,
	flashLoanFeeWei *big.Int,
	profitFloor decimal.Decimal,
) (*domain.OpportunityCandidate, error) {
	if !state.Unlocked {
		return nil, boterr.New(boterr.PoolUnavailable, intent.Pool.Label, fmt.Errorf("pool state is locked"))
	}
	if intent.AmountIn == nil || intent.AmountIn.Sign() <= 0 {
		return nil, boterr.New(boterr.SwapTooSmall, intent.Pool.Label, fmt.Errorf("amountIn is zero or negative"))
	}

	tickLower, tickUpper, err := ammmath.CalculateTickBounds(state.Tick, s.params.RangeWidthTicks, intent.Pool.TickSpacing)
	if err != nil {
		return nil, boterr.New(boterr.TickRangeDegenerate, intent.Pool.Label, err)
	}

	impactPct := priceImpactPct(intent.AmountIn, state.Liquidity)
	if impactPct > s.params.MaxPriceImpactPct {
		return nil, boterr.New(boterr.ImpactExceedsRange, intent.Pool.Label, fmt.Errorf("impact %.4f%% exceeds bound %.4f%%", impactPct, s.params.MaxPriceImpactPct))
	}

	notional := fractionOf(intent.AmountIn, s.params.NotionalFraction)
	amount0, amount1, liquidity := ammmath.ComputeAmounts(state.SqrtPriceX96, int(state.Tick), int(tickLower), int(tickUpper), notional, notional)
	if liquidity == nil || liquidity.Sign() <= 0 {
		return nil, boterr.New(boterr.TickRangeDegenerate, intent.Pool.Label, fmt.Errorf("computed liquidity is zero"))
	}

	ourShare := liquidityShare(liquidity, state.Liquidity)
	capturedFeesWei := feeCapture(intent.AmountIn, intent.FeeTier, ourShare)

	gasUnits := s.params.Gas.TotalUnits()
	gasCostWei := new(big.Int).Mul(new(big.Int).SetUint64(gasUnits), gasPriceWei)

	netProfitWei := new(big.Int).Sub(capturedFeesWei, gasCostWei)
	netProfitWei.Sub(netProfitWei, flashLoanFeeWei)

	netProfitUSD, err := s.priceOracle(intent.Pool, netProfitWei)
	if err != nil {
		return nil, boterr.New(boterr.PoolUnavailable, intent.Pool.Label, fmt.Errorf("price oracle failed: %w", err))
	}

	if netProfitUSD.LessThan(profitFloor) {
		return nil, boterr.New(boterr.Unprofitable, intent.Pool.Label, fmt.Errorf("net profit %s usd below floor %s usd", netProfitUSD.String(), profitFloor.String()))
	}

	profitUSDFloat, _ := netProfitUSD.Float64()

	return &domain.OpportunityCandidate{
		Swap: intent,
		Position: domain.JitPosition{
			Pool:      intent.Pool,
			TickLower: tickLower,
			TickUpper: tickUpper,
			Amount0:   amount0,
			Amount1:   amount1,
			Liquidity: liquidity,
			Deadline:  time.Now().Add(30 * time.Second), // the bundle targets anchor+1, so a couple of slots is enough
		},
		EstimatedProfitWei: netProfitWei,
		EstimatedProfitUSD: profitUSDFloat,
		PoolId:             intent.Pool,
		AnchorBlockNumber:  anchorBlock,
		CreatedAt:          time.Now(),
	}, nil
}

// priceImpactPct approximates impact ≈ amountIn / L_pool, expressed as a
// percentage.
func priceImpactPct(amountIn, poolLiquidity *big.Int) float64 {
	if poolLiquidity == nil || poolLiquidity.Sign() == 0 {
		return 100
	}
	ratio := new(big.Float).Quo(new(big.Float).SetInt(amountIn), new(big.Float).SetInt(poolLiquidity))
	pct, _ := new(big.Float).Mul(ratio, big.NewFloat(100)).Float64()
	return pct
}

// fractionOf returns floor(amount * fraction) as a *big.Int, used to turn
// the swap notional into the position's token-value budget.
func fractionOf(amount *big.Int, fraction float64) *big.Int {
	scaled := new(big.Float).Mul(new(big.Float).SetInt(amount), big.NewFloat(fraction))
	out, _ := scaled.Int(nil)
	return out
}

// liquidityShare computes L_ours / (L_existing + L_ours) as a float in
// [0, 1], the fraction of in-range liquidity our position represents.
func liquidityShare(ours, existing *big.Int) float64 {
	total := new(big.Int).Add(ours, existing)
	if total.Sign() == 0 {
		return 0
	}
	ratio := new(big.Float).Quo(new(big.Float).SetInt(ours), new(big.Float).SetInt(total))
	share, _ := ratio.Float64()
	return share
}

// feeCapture estimates swapAmountIn * feeTier * ourLiquidityShareInRange,
// feeTier expressed in hundredths of a basis point (e.g. 500 = 0.05%).
func feeCapture(amountIn *big.Int, feeTierHundredthsBps uint32, ourShare float64) *big.Int {
	feeFraction := float64(feeTierHundredthsBps) / 1_000_000
	gross := new(big.Float).Mul(new(big.Float).SetInt(amountIn), big.NewFloat(feeFraction))
	captured := new(big.Float).Mul(gross, big.NewFloat(ourShare))
	out, _ := captured.Int(nil)
	return out
}
