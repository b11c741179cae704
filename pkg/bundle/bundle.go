// Package bundle implements the Bundle Builder: it assembles a
// signed, ordered [ourPreTx, victimRawTx, ourPostTx] sequence targeted at
// a specific block, enforcing the gas-price cap and the victim-tx
// verbatim-inclusion invariant.
package bundle

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/0xjit/jitbot/pkg/boterr"
	"github.com/0xjit/jitbot/pkg/domain"
	"github.com/0xjit/jitbot/pkg/flashloan"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Builder assembles bundles targeting the executor contract.
type Builder struct {
	executorABI     abi.ABI
	executorAddress common.Address
	chainID         *big.Int
	signingKey      *ecdsa.PrivateKey
	maxGasWei       *big.Int
}

// NewBuilder constructs a Builder. maxGasWei is the per-gas-unit price
// ceiling (MAX_GAS_GWEI converted to wei) enforced on every bundle.
func NewBuilder(executorABI abi.ABI, executorAddress common.Address, chainID *big.Int, signingKey *ecdsa.PrivateKey, maxGasWei *big.Int) *Builder {
	return &Builder{
		executorABI:     executorABI,
		executorAddress: executorAddress,
		chainID:         chainID,
		signingKey:      signingKey,
		maxGasWei:       maxGasWei,
	}
}

// Build assembles a Bundle for one OpportunityCandidate using the chosen
// flash-loan provider's calldata. gasPriceWei must be at least the
// victim's effective priority so the relay has no reason to reorder us
// after the victim; exceeding maxGasWei fails with GasPriceExceedsCap.
func (b *Builder) Build(candidate domain.OpportunityCandidate, provider flashloan.Provider, flashCall flashloan.CallData, gasPriceWei *big.Int, preNonce uint64) (*domain.Bundle, error) {
	if gasPriceWei.Cmp(b.maxGasWei) > 0 {
		return nil, boterr.New(boterr.GasPriceExceedsCap, candidate.PoolId.Label, fmt.Errorf("required gas price %s wei exceeds cap %s wei", gasPriceWei.String(), b.maxGasWei.String()))
	}

	if candidate.Swap.GasFeeCap != nil && gasPriceWei.Cmp(candidate.Swap.GasFeeCap) < 0 {
		gasPriceWei = new(big.Int).Set(candidate.Swap.GasFeeCap)
		if gasPriceWei.Cmp(b.maxGasWei) > 0 {
			return nil, boterr.New(boterr.GasPriceExceedsCap, candidate.PoolId.Label, fmt.Errorf("victim gas price %s wei exceeds cap %s wei", gasPriceWei.String(), b.maxGasWei.String()))
		}
	}

	preTx, err := b.buildCallTx(preNonce, gasPriceWei, "mintAndFlashBorrow", candidate, flashCall)
	if err != nil {
		return nil, fmt.Errorf("bundle: failed to build pre-tx: %w", err)
	}

	postTx, err := b.buildCallTx(preNonce+1, gasPriceWei, "burnAndRepay", candidate, flashCall)
	if err != nil {
		return nil, fmt.Errorf("bundle: failed to build post-tx: %w", err)
	}

	return &domain.Bundle{
		Transactions: []*gethtypes.Transaction{preTx, candidate.Swap.RawTx, postTx},
		TargetBlock:  candidate.TargetBlock(),
		ID:           fmt.Sprintf("%s-%d", candidate.PoolId.Label, candidate.TargetBlock()),
	}, nil
}

func (b *Builder) buildCallTx(nonce uint64, gasPriceWei *big.Int, method string, candidate domain.OpportunityCandidate, flashCall flashloan.CallData) (*gethtypes.Transaction, error) {
	data, err := b.executorABI.Pack(method,
		candidate.PoolId.Address,
		big.NewInt(int64(candidate.Position.TickLower)),
		big.NewInt(int64(candidate.Position.TickUpper)),
		candidate.Position.Amount0,
		candidate.Position.Amount1,
		flashCall.To,
		flashCall.Data,
	)
	if err != nil {
		return nil, fmt.Errorf("bundle: pack %s failed: %w", method, err)
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &b.executorAddress,
		Value:    big.NewInt(0),
		Gas:      300_000,
		GasPrice: gasPriceWei,
		Data:     data,
	})

	signer := gethtypes.LatestSignerForChainID(b.chainID)
	signed, err := gethtypes.SignTx(tx, signer, b.signingKey)
	if err != nil {
		return nil, fmt.Errorf("bundle: failed to sign %s: %w", method, err)
	}
	return signed, nil
}

// Sender returns the address the Builder signs transactions as, derived
// from its configured signing key.
func (b *Builder) Sender() common.Address {
	return crypto.PubkeyToAddress(b.signingKey.PublicKey)
}
