// Package domain holds the pipeline's core value types: pool
// identity and state, decoded swap intents, proposed JIT positions,
// scored opportunity candidates, per-pool health, and assembled bundles.
// These types have no behavior of their own beyond small invariant
// checks; the components in pkg/poolstate, pkg/simulator, pkg/bundle,
// and pkg/coordinator operate on them.
package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// PoolId stably identifies a monitored pool: a human-readable label plus
// its canonical on-chain address, token pair, fee tier (hundredths of a
// basis point), and tick spacing.
type PoolId struct {
	Label       string
	Address     common.Address
	Token0      common.Address
	Token1      common.Address
	FeeTier     uint32
	TickSpacing int
}

// String returns the human-readable label used for logging, metrics keys,
// and the lexicographic tie-break in the Coordinator's selection rule.
func (p PoolId) String() string {
	return p.Label
}

// PoolState is a snapshot of a pool's price and liquidity at a given
// block. Tick may sit between tickSpacing grid points; any position
// minted against this state must align both endpoints itself.
type PoolState struct {
	Pool         PoolId
	SqrtPriceX96 *big.Int
	Tick         int32
	Liquidity    *big.Int
	Unlocked     bool
	BlockNumber  uint64
	CapturedAt   time.Time
}

// SwapIntent is a parsed pending swap, extracted by the Swap Decoder.
type SwapIntent struct {
	TxHash           common.Hash
	Sender           common.Address
	Pool             PoolId
	TokenIn          common.Address
	TokenOut         common.Address
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
	FeeTier          uint32
	Deadline         *big.Int
	RawTx            *gethtypes.Transaction
	GasFeeCap        *big.Int
	GasTipCap        *big.Int
	Nonce            uint64
}

// JitPosition is a proposed mint: an aligned tick range, the token amounts
// it consumes, and the liquidity those amounts produce.
type JitPosition struct {
	Pool      PoolId
	TickLower int32
	TickUpper int32
	Amount0   *big.Int
	Amount1   *big.Int
	Liquidity *big.Int
	Deadline  time.Time
}

// OpportunityCandidate is a scored JIT opportunity produced by the
// Simulator and held by the Coordinator's per-block bucket until that
// block is sealed or the candidate is selected or expires.
type OpportunityCandidate struct {
	Swap               SwapIntent
	Position           JitPosition
	EstimatedProfitWei *big.Int
	EstimatedProfitUSD float64
	PoolId             PoolId
	AnchorBlockNumber  uint64
	CreatedAt          time.Time
}

// TargetBlock is the block this candidate's bundle must land in: the
// block after the one its simulation was anchored to.
func (c OpportunityCandidate) TargetBlock() uint64 {
	return c.AnchorBlockNumber + 1
}

// PoolHealth tracks a pool's failure/cooldown state for the Coordinator's
// failure-isolation policy.
type PoolHealth struct {
	Pool               PoolId
	Enabled            bool
	FailureCount       int
	CooldownUntil      time.Time
	ProfitThresholdUSD float64
}

// IsEligible reports whether this pool may currently submit a bundle: it
// must be enabled and past its cooldown.
func (h PoolHealth) IsEligible(now time.Time) bool {
	return h.Enabled && !now.Before(h.CooldownUntil)
}

// BundleOutcome is the Executor's typed result for a submitted bundle.
type BundleOutcome int

const (
	Included BundleOutcome = iota
	Reverted
	TimedOut
	RelayRejectedOutcome
)

func (o BundleOutcome) String() string {
	switch o {
	case Included:
		return "Included"
	case Reverted:
		return "Reverted"
	case TimedOut:
		return "TimedOut"
	case RelayRejectedOutcome:
		return "RelayRejected"
	default:
		return "Unknown"
	}
}

// Bundle is an ordered, atomic sequence of transactions targeted at a
// specific block. The victim's raw transaction must appear verbatim
// between our pre- and post-swap transactions.
type Bundle struct {
	Transactions []*gethtypes.Transaction
	TargetBlock  uint64
	MinTimestamp *uint64
	MaxTimestamp *uint64
	ID           string
}
