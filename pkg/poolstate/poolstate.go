// Package poolstate implements the Pool State Fetcher: it checks that a
// pool answers fee(), then reads its slot0 price/tick/unlocked flag and its
// active liquidity at a given block, caching results with a short TTL and
// coalescing concurrent cache misses for the same key. Tick spacing and the
// token pair are not read on-chain; they come from the configured PoolId.
package poolstate

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/0xjit/jitbot/pkg/boterr"
	"github.com/0xjit/jitbot/pkg/contractclient"
	"github.com/0xjit/jitbot/pkg/domain"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"
)

// LatestBlockTag requests the chain's current head rather than a pinned
// historical block.
const LatestBlockTag = "latest"

type cacheKey struct {
	pool     string
	blockTag string
}

type cacheEntry struct {
	state     domain.PoolState
	fetchedAt time.Time
}

// Fetcher is the Pool State Fetcher. One Fetcher serves every monitored
// pool; each pool's contractclient.ContractClient is supplied at
// construction, already bound to that pool's address and ABI.
type Fetcher struct {
	clients        map[string]contractclient.ContractClient
	ttl            time.Duration
	simulationMode bool

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry

	group singleflight.Group
}

// NewFetcher builds a Fetcher over the given per-pool contract clients.
// ttl is the cache lifetime for a (pool, blockTag) entry; simulationMode,
// when true, returns a deterministic mock state instead of dialing the
// chain, per the SIMULATION_MODE environment toggle.
func NewFetcher(clients map[domain.PoolId]contractclient.ContractClient, ttl time.Duration, simulationMode bool) *Fetcher {
	byLabel := make(map[string]contractclient.ContractClient, len(clients))
	for pool, client := range clients {
		byLabel[pool.Label] = client
	}
	return &Fetcher{
		clients:        byLabel,
		ttl:            ttl,
		simulationMode: simulationMode,
		cache:          make(map[cacheKey]cacheEntry),
	}
}

// GetState fetches (or returns a cached copy of) a single pool's state at
// blockTag. blockTag is typically LatestBlockTag or a decimal block
// number string; it is part of the cache key so a pinned historical read
// never shares an entry with a live one.
func (f *Fetcher) GetState(ctx context.Context, pool domain.PoolId, blockTag string) (domain.PoolState, error) {
	if pool.Address == (common.Address{}) {
		return domain.PoolState{}, boterr.New(boterr.InvalidAddress, pool.Label, fmt.Errorf("pool address is zero"))
	}

	key := cacheKey{pool: pool.Label, blockTag: blockTag}

	if cached, ok := f.lookupFresh(key); ok {
		return cached, nil
	}

	result, err, _ := f.group.Do(pool.Label+"|"+blockTag, func() (interface{}, error) {
		if cached, ok := f.lookupFresh(key); ok {
			return cached, nil
		}

		state, err := f.fetch(ctx, pool, blockTag)
		if err != nil {
			return domain.PoolState{}, err
		}

		f.mu.Lock()
		f.cache[key] = cacheEntry{state: state, fetchedAt: time.Now()}
		f.mu.Unlock()

		return state, nil
	})
	if err != nil {
		return domain.PoolState{}, err
	}
	return result.(domain.PoolState), nil
}

// GetStates is the batch form of GetState, keyed by pool label in the
// returned map.
func (f *Fetcher) GetStates(ctx context.Context, pools []domain.PoolId, blockTag string) (map[string]domain.PoolState, error) {
	out := make(map[string]domain.PoolState, len(pools))
	for _, pool := range pools {
		state, err := f.GetState(ctx, pool, blockTag)
		if err != nil {
			return nil, err
		}
		out[pool.Label] = state
	}
	return out, nil
}

func (f *Fetcher) lookupFresh(key cacheKey) (domain.PoolState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entry, ok := f.cache[key]
	if !ok || time.Since(entry.fetchedAt) > f.ttl {
		return domain.PoolState{}, false
	}
	return entry.state, true
}

func (f *Fetcher) fetch(ctx context.Context, pool domain.PoolId, blockTag string) (domain.PoolState, error) {
	if f.simulationMode {
		return mockState(pool), nil
	}

	client, ok := f.clients[pool.Label]
	if !ok {
		return domain.PoolState{}, boterr.New(boterr.PoolUnavailable, pool.Label, fmt.Errorf("no contract client configured for pool"))
	}

	var blockNumber *big.Int
	if blockTag != "" && blockTag != LatestBlockTag {
		parsed, ok := new(big.Int).SetString(blockTag, 10)
		if !ok {
			return domain.PoolState{}, boterr.New(boterr.PoolUnavailable, pool.Label, fmt.Errorf("invalid block tag %q", blockTag))
		}
		blockNumber = parsed
	}

	feeResult, err := client.CallAtBlock(ctx, nil, blockNumber, "fee")
	if err != nil {
		return domain.PoolState{}, boterr.New(boterr.PoolUnavailable, pool.Label, fmt.Errorf("fee() call failed: %w", err))
	}
	if len(feeResult) == 0 {
		return domain.PoolState{}, boterr.New(boterr.PoolUnavailable, pool.Label, fmt.Errorf("fee() returned no value"))
	}

	slot0, err := client.CallAtBlock(ctx, nil, blockNumber, "slot0")
	if err != nil {
		return domain.PoolState{}, boterr.New(boterr.PoolUnavailable, pool.Label, fmt.Errorf("slot0() call failed: %w", err))
	}
	if len(slot0) < 3 {
		return domain.PoolState{}, boterr.New(boterr.PoolUnavailable, pool.Label, fmt.Errorf("slot0() returned %d values, expected at least 3", len(slot0)))
	}

	sqrtPriceX96, ok := slot0[0].(*big.Int)
	if !ok {
		return domain.PoolState{}, boterr.New(boterr.PoolUnavailable, pool.Label, fmt.Errorf("slot0() sqrtPriceX96 has unexpected type"))
	}
	tick, ok := slot0[1].(*big.Int)
	if !ok {
		return domain.PoolState{}, boterr.New(boterr.PoolUnavailable, pool.Label, fmt.Errorf("slot0() tick has unexpected type"))
	}
	unlocked, ok := slot0[2].(bool)
	if !ok {
		return domain.PoolState{}, boterr.New(boterr.PoolUnavailable, pool.Label, fmt.Errorf("slot0() unlocked flag has unexpected type"))
	}
	if !unlocked {
		return domain.PoolState{}, boterr.New(boterr.PoolUnavailable, pool.Label, fmt.Errorf("pool is locked"))
	}

	liquidityResult, err := client.CallAtBlock(ctx, nil, blockNumber, "liquidity")
	if err != nil {
		return domain.PoolState{}, boterr.New(boterr.PoolUnavailable, pool.Label, fmt.Errorf("liquidity() call failed: %w", err))
	}
	if len(liquidityResult) == 0 {
		return domain.PoolState{}, boterr.New(boterr.PoolUnavailable, pool.Label, fmt.Errorf("liquidity() returned no value"))
	}
	liquidity, ok := liquidityResult[0].(*big.Int)
	if !ok {
		return domain.PoolState{}, boterr.New(boterr.PoolUnavailable, pool.Label, fmt.Errorf("liquidity() has unexpected type"))
	}

	blockHeight := uint64(0)
	if blockNumber != nil {
		blockHeight = blockNumber.Uint64()
	}

	return domain.PoolState{
		Pool:         pool,
		SqrtPriceX96: sqrtPriceX96,
		Tick:         int32(tick.Int64()),
		Liquidity:    liquidity,
		Unlocked:     unlocked,
		BlockNumber:  blockHeight,
		CapturedAt:   time.Now(),
	}, nil
}

// mockState returns a deterministic pool state for SIMULATION_MODE, so
// fixtures and dry runs are reproducible across invocations.
func mockState(pool domain.PoolId) domain.PoolState {
	return domain.PoolState{
		Pool:         pool,
		SqrtPriceX96: new(big.Int).Lsh(big.NewInt(1), 96),
		Tick:         0,
		Liquidity:    big.NewInt(1_000_000_000_000),
		Unlocked:     true,
		BlockNumber:  0,
		CapturedAt:   time.Now(),
	}
}
