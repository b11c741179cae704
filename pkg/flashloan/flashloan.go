// Package flashloan implements the flash-loan provider adapters: a
// zero-fee vault and a premium-bearing lending pool, plus a selector
// that picks between them by notional size and liquidity availability.
package flashloan

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/0xjit/jitbot/pkg/boterr"
	"github.com/0xjit/jitbot/pkg/contractclient"

	"github.com/ethereum/go-ethereum/common"
)

// CallData is a single encoded contract call ready to be embedded in a
// Bundle Builder transaction.
type CallData struct {
	To   common.Address
	Data []byte
}

// Provider is the closed interface both flash-loan adapters implement.
// There is no registry or plugin loading; the Selector knows about
// exactly VaultProvider and LendingPoolProvider.
type Provider interface {
	Name() string
	FeeBps(ctx context.Context) (uint32, error)
	HasSufficientLiquidity(ctx context.Context, token common.Address, amount *big.Int) (bool, error)
	MaxAmount(ctx context.Context, token common.Address) (*big.Int, error)
	BuildCall(token common.Address, amount *big.Int, receiver common.Address, userData []byte) (CallData, error)
	CalculateFee(amount *big.Int, feeBps uint32) *big.Int
	HealthCheck(ctx context.Context) error
}

// VaultProvider is the zero-fee adapter backed by aggregated vault
// liquidity.
type VaultProvider struct {
	client contractclient.ContractClient
}

// NewVaultProvider builds a VaultProvider bound to a contractclient.
func NewVaultProvider(client contractclient.ContractClient) *VaultProvider {
	return &VaultProvider{client: client}
}

func (v *VaultProvider) Name() string { return "vault" }

func (v *VaultProvider) FeeBps(ctx context.Context) (uint32, error) { return 0, nil }

func (v *VaultProvider) HasSufficientLiquidity(ctx context.Context, token common.Address, amount *big.Int) (bool, error) {
	results, err := v.client.CallAtBlock(ctx, nil, nil, "availableLiquidity", token)
	if err != nil {
		return false, fmt.Errorf("flashloan: vault availableLiquidity call failed: %w", err)
	}
	if len(results) == 0 {
		return false, fmt.Errorf("flashloan: vault availableLiquidity returned no value")
	}
	available, ok := results[0].(*big.Int)
	if !ok {
		return false, fmt.Errorf("flashloan: vault availableLiquidity returned unexpected type")
	}
	return available.Cmp(amount) >= 0, nil
}

func (v *VaultProvider) MaxAmount(ctx context.Context, token common.Address) (*big.Int, error) {
	results, err := v.client.CallAtBlock(ctx, nil, nil, "availableLiquidity", token)
	if err != nil {
		return nil, fmt.Errorf("flashloan: vault availableLiquidity call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("flashloan: vault availableLiquidity returned no value")
	}
	available, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("flashloan: vault availableLiquidity returned unexpected type")
	}
	return available, nil
}

func (v *VaultProvider) BuildCall(token common.Address, amount *big.Int, receiver common.Address, userData []byte) (CallData, error) {
	data, err := v.client.Abi().Pack("flashLoan", receiver, token, amount, userData)
	if err != nil {
		return CallData{}, fmt.Errorf("flashloan: vault calldata pack failed: %w", err)
	}
	return CallData{To: v.client.ContractAddress(), Data: data}, nil
}

func (v *VaultProvider) CalculateFee(amount *big.Int, feeBps uint32) *big.Int {
	return big.NewInt(0)
}

func (v *VaultProvider) HealthCheck(ctx context.Context) error {
	_, err := v.client.CallAtBlock(ctx, nil, nil, "availableLiquidity", common.Address{})
	if err != nil {
		return boterr.New(boterr.PoolUnavailable, "", fmt.Errorf("vault health check failed: %w", err))
	}
	return nil
}

// LendingPoolProvider is the premium-bearing adapter: its fee is queried
// on-chain, cached for a TTL, and falls back to a static rate when the
// query fails.
type LendingPoolProvider struct {
	client       contractclient.ContractClient
	staticFeeBps uint32
	ttl          time.Duration
	mu           sync.Mutex
	cachedFeeBps uint32
	cachedAt     time.Time
}

// NewLendingPoolProvider builds a LendingPoolProvider. staticFeeBps is the
// fallback premium (5 bps by default) used when the on-chain fee query
// fails; ttl is how long a queried premium is cached (5 minutes by default).
func NewLendingPoolProvider(client contractclient.ContractClient, staticFeeBps uint32, ttl time.Duration) *LendingPoolProvider {
	if staticFeeBps == 0 {
		staticFeeBps = 5
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LendingPoolProvider{client: client, staticFeeBps: staticFeeBps, ttl: ttl}
}

func (l *LendingPoolProvider) Name() string { return "lending-pool" }

func (l *LendingPoolProvider) FeeBps(ctx context.Context) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.cachedAt.IsZero() && time.Since(l.cachedAt) < l.ttl {
		return l.cachedFeeBps, nil
	}

	results, err := l.client.CallAtBlock(ctx, nil, nil, "flashLoanPremiumTotal")
	if err != nil || len(results) == 0 {
		return l.staticFeeBps, nil // static fallback
	}
	premium, ok := results[0].(*big.Int)
	if !ok {
		return l.staticFeeBps, nil
	}

	l.cachedFeeBps = uint32(premium.Uint64())
	l.cachedAt = time.Now()
	return l.cachedFeeBps, nil
}

func (l *LendingPoolProvider) HasSufficientLiquidity(ctx context.Context, token common.Address, amount *big.Int) (bool, error) {
	results, err := l.client.CallAtBlock(ctx, nil, nil, "getReserveData", token)
	if err != nil {
		return false, fmt.Errorf("flashloan: lending pool reserve query failed: %w", err)
	}
	if len(results) == 0 {
		return false, fmt.Errorf("flashloan: lending pool reserve query returned no value")
	}
	totalSupply, ok := results[0].(*big.Int)
	if !ok {
		return false, fmt.Errorf("flashloan: lending pool reserve data has unexpected type")
	}
	return totalSupply.Cmp(amount) >= 0, nil
}

func (l *LendingPoolProvider) MaxAmount(ctx context.Context, token common.Address) (*big.Int, error) {
	results, err := l.client.CallAtBlock(ctx, nil, nil, "getReserveData", token)
	if err != nil {
		return nil, fmt.Errorf("flashloan: lending pool reserve query failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("flashloan: lending pool reserve query returned no value")
	}
	totalSupply, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("flashloan: lending pool reserve data has unexpected type")
	}
	return totalSupply, nil
}

func (l *LendingPoolProvider) BuildCall(token common.Address, amount *big.Int, receiver common.Address, userData []byte) (CallData, error) {
	data, err := l.client.Abi().Pack("flashLoanSimple", receiver, token, amount, userData, uint16(0))
	if err != nil {
		return CallData{}, fmt.Errorf("flashloan: lending pool calldata pack failed: %w", err)
	}
	return CallData{To: l.client.ContractAddress(), Data: data}, nil
}

func (l *LendingPoolProvider) CalculateFee(amount *big.Int, feeBps uint32) *big.Int {
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(feeBps)))
	return fee.Div(fee, big.NewInt(10_000))
}

func (l *LendingPoolProvider) HealthCheck(ctx context.Context) error {
	_, err := l.client.CallAtBlock(ctx, nil, nil, "flashLoanPremiumTotal")
	if err != nil {
		return boterr.New(boterr.PoolUnavailable, "", fmt.Errorf("lending pool health check failed: %w", err))
	}
	return nil
}

// Selector chooses a Provider for a given notional, trying the vault
// first (for notionals at or below vaultNotionalCap) and falling back to
// the lending pool.
type Selector struct {
	vault            Provider
	lendingPool      Provider
	vaultNotionalCap *big.Int
}

// NewSelector builds a Selector over the two closed provider types.
func NewSelector(vault, lendingPool Provider, vaultNotionalCapWei *big.Int) *Selector {
	return &Selector{vault: vault, lendingPool: lendingPool, vaultNotionalCap: vaultNotionalCapWei}
}

// Choose returns the first provider, in priority order, that has
// sufficient liquidity for amount. It does not itself evaluate
// post-fee profitability; that is the caller's responsibility, since
// only the caller knows the candidate's gross profit.
func (s *Selector) Choose(ctx context.Context, token common.Address, amount *big.Int) (Provider, error) {
	candidates := []Provider{s.vault, s.lendingPool}
	if s.vaultNotionalCap != nil && amount.Cmp(s.vaultNotionalCap) > 0 {
		candidates = []Provider{s.lendingPool, s.vault}
	}

	for _, provider := range candidates {
		if provider == nil {
			continue
		}
		ok, err := provider.HasSufficientLiquidity(ctx, token, amount)
		if err != nil {
			continue
		}
		if ok {
			return provider, nil
		}
	}

	return nil, boterr.New(boterr.NoViableFlashProvider, "", fmt.Errorf("no provider has sufficient liquidity for amount %s", amount.String()))
}
