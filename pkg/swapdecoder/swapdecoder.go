// Package swapdecoder implements the Swap Decoder: a pure function
// of a pending transaction's bytes that recognizes the router's
// exactInputSingle entry point and extracts a typed SwapIntent. It never
// touches the network.
package swapdecoder

import (
	"math/big"
	"reflect"

	"github.com/0xjit/jitbot/pkg/domain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// exactInputSingleMethod is the only router entry point this decoder
// recognizes.
const exactInputSingleMethod = "exactInputSingle"

// PoolLookup resolves a (token0, token1, feeTier) triple, tokens ordered
// however the decoded calldata reports them, to the monitored PoolId,
// reporting ok=false when the pair/fee combination is not one of our
// configured pools.
type PoolLookup func(tokenIn, tokenOut common.Address, feeTier uint32) (domain.PoolId, bool)

// Decoder recognizes exactInputSingle calldata against a router ABI and
// turns it into a domain.SwapIntent.
type Decoder struct {
	routerABI   abi.ABI
	minNotional *big.Int
	lookupPool  PoolLookup
}

// NewDecoder builds a Decoder bound to a router ABI. minNotional filters
// out swaps smaller than the configured minimum, keeping downstream
// queues short; a nil value disables the filter.
func NewDecoder(routerABI abi.ABI, minNotional *big.Int, lookupPool PoolLookup) *Decoder {
	return &Decoder{routerABI: routerABI, minNotional: minNotional, lookupPool: lookupPool}
}

// Decode attempts to extract a SwapIntent from a pending transaction.
// Non-matching transactions (unknown selector, unpack failure, no
// matching pool, or below the minimum notional) are silently dropped:
// ok is false, not an error, since most of the mempool isn't for us.
func (d *Decoder) Decode(tx *gethtypes.Transaction) (*domain.SwapIntent, bool) {
	data := tx.Data()
	if len(data) < 4 {
		return nil, false
	}

	method, err := d.routerABI.MethodById(data[:4])
	if err != nil || method.Name != exactInputSingleMethod {
		return nil, false
	}

	args := map[string]interface{}{}
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return nil, false
	}

	params, ok := singleTupleArg(args)
	if !ok {
		return nil, false
	}

	tokenIn, ok := fieldAddress(params, "TokenIn")
	if !ok {
		return nil, false
	}
	tokenOut, ok := fieldAddress(params, "TokenOut")
	if !ok {
		return nil, false
	}
	fee, ok := fieldUint32(params, "Fee")
	if !ok {
		return nil, false
	}
	deadline, ok := fieldBigInt(params, "Deadline")
	if !ok {
		return nil, false
	}
	amountIn, ok := fieldBigInt(params, "AmountIn")
	if !ok {
		return nil, false
	}
	amountOutMinimum, ok := fieldBigInt(params, "AmountOutMinimum")
	if !ok {
		return nil, false
	}

	if d.minNotional != nil && amountIn.Cmp(d.minNotional) < 0 {
		return nil, false
	}

	pool, ok := d.lookupPool(tokenIn, tokenOut, fee)
	if !ok {
		return nil, false
	}

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, false
	}

	return &domain.SwapIntent{
		TxHash:           tx.Hash(),
		Sender:           sender,
		Pool:             pool,
		TokenIn:          tokenIn,
		TokenOut:         tokenOut,
		AmountIn:         amountIn,
		AmountOutMinimum: amountOutMinimum,
		FeeTier:          fee,
		Deadline:         deadline,
		RawTx:            tx,
		GasFeeCap:        tx.GasFeeCap(),
		GasTipCap:        tx.GasTipCap(),
		Nonce:            tx.Nonce(),
	}, true
}

// singleTupleArg returns the lone tuple argument exactInputSingle takes,
// whatever its parameter is named in the bound ABI ("params" in the
// canonical router).
func singleTupleArg(args map[string]interface{}) (interface{}, bool) {
	if len(args) != 1 {
		return nil, false
	}
	for _, v := range args {
		return v, true
	}
	return nil, false
}

// The ABI tuple unpacks into an anonymous struct generated by
// go-ethereum's abi package; these helpers read its fields by name via
// reflection since no abigen binding exists for it here.

func fieldAddress(tuple interface{}, name string) (common.Address, bool) {
	v := reflect.ValueOf(tuple)
	if v.Kind() != reflect.Struct {
		return common.Address{}, false
	}
	f := v.FieldByName(name)
	if !f.IsValid() {
		return common.Address{}, false
	}
	addr, ok := f.Interface().(common.Address)
	return addr, ok
}

func fieldUint32(tuple interface{}, name string) (uint32, bool) {
	v := reflect.ValueOf(tuple)
	if v.Kind() != reflect.Struct {
		return 0, false
	}
	f := v.FieldByName(name)
	if !f.IsValid() {
		return 0, false
	}
	switch f.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		return uint32(f.Uint()), true
	}
	if big, ok := f.Interface().(*big.Int); ok {
		return uint32(big.Uint64()), true
	}
	return 0, false
}

func fieldBigInt(tuple interface{}, name string) (*big.Int, bool) {
	v := reflect.ValueOf(tuple)
	if v.Kind() != reflect.Struct {
		return nil, false
	}
	f := v.FieldByName(name)
	if !f.IsValid() {
		return nil, false
	}
	value, ok := f.Interface().(*big.Int)
	return value, ok
}
