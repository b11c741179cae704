// Package coordinator implements the Pool Coordinator: the orchestrator
// that owns the PoolHealth table and per-block candidate buckets,
// dispatches per-pool evaluation from a single-slot mailbox, ranks
// candidates within a target-block window, and enforces failure
// isolation and rate limits before triggering the Bundle Builder and
// Executor. It holds every other component; leaves never call back into
// it directly.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xjit/jitbot/internal/db"
	"github.com/0xjit/jitbot/pkg/boterr"
	"github.com/0xjit/jitbot/pkg/domain"
	"github.com/0xjit/jitbot/pkg/executor"
	"github.com/0xjit/jitbot/pkg/flashloan"
	"github.com/0xjit/jitbot/pkg/metrics"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// stateFetcher is the subset of *poolstate.Fetcher the Coordinator needs.
type stateFetcher interface {
	GetState(ctx context.Context, pool domain.PoolId, blockTag string) (domain.PoolState, error)
}

// swapDecoder is the subset of *swapdecoder.Decoder the Coordinator needs.
type swapDecoder interface {
	Decode(tx *gethtypes.Transaction) (*domain.SwapIntent, bool)
}

// opportunitySimulator is the subset of *simulator.Simulator the
// Coordinator needs.
type opportunitySimulator interface {
	Simulate(intent domain.SwapIntent, state domain.PoolState, anchorBlock uint64, gasPriceWei, flashLoanFeeWei *big.Int, profitFloor decimal.Decimal) (*domain.OpportunityCandidate, error)
	GasUnits() uint64
}

// flashSelector is the subset of *flashloan.Selector the Coordinator needs.
type flashSelector interface {
	Choose(ctx context.Context, token common.Address, amount *big.Int) (flashloan.Provider, error)
}

// bundleBuilder is the subset of *bundle.Builder the Coordinator needs.
type bundleBuilder interface {
	Build(candidate domain.OpportunityCandidate, provider flashloan.Provider, flashCall flashloan.CallData, gasPriceWei *big.Int, preNonce uint64) (*domain.Bundle, error)
	Sender() common.Address
}

// bundleExecutor is the subset of *executor.Executor the Coordinator needs.
type bundleExecutor interface {
	Submit(ctx context.Context, bundle *domain.Bundle) (executor.Outcome, error)
}

// GasPriceOracle returns the gas price the Coordinator should quote for a
// new bundle; production wiring queries the chain, tests inject a constant.
type GasPriceOracle func() *big.Int

// Params tunes the Coordinator's failure-isolation and rate policy.
type Params struct {
	MaxFailures        int
	Cooldown           time.Duration
	SimTimeout         time.Duration
	GlobalMinProfitUSD float64
	BlockInterval      time.Duration // used to size the global rate limiter
	Debounce           time.Duration // quiet period before a bucket with no new activity seals
}

// queuedCandidate pairs a scored OpportunityCandidate with everything the
// Bundle Builder needs to act on it if it wins selection.
type queuedCandidate struct {
	candidate domain.OpportunityCandidate
	provider  flashloan.Provider
	flashCall flashloan.CallData
	gasPrice  *big.Int
	gasUnits  uint64
}

// bucket accumulates every candidate produced for one target block until
// it is sealed. Its context parents every evaluation targeting the block;
// sealing cancels it, so in-flight simulations are cancelled when the
// target block arrives rather than merely having their results discarded.
type bucket struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	target      uint64
	queued      []queuedCandidate
	activeEvals int
	sealed      bool
	sealOnce    sync.Once
	timer       *time.Timer
}

// addActive records one more in-flight evaluation targeting this bucket,
// cancelling any pending debounce seal: more work just arrived, so the
// quiet period has to restart.
func (b *bucket) addActive() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activeEvals++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// doneActive marks one evaluation finished. Once the in-flight count
// reaches zero it arms a debounce timer that calls seal after a quiet
// period with no new evaluations; no bundle goes out for a block while
// simulations targeting it are still in flight. onNewHead's forced path
// bypasses this timer entirely for the deadline case.
func (b *bucket) doneActive(debounce time.Duration, seal func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activeEvals--
	if b.activeEvals > 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(debounce, seal)
}

// enqueue adds a candidate unless the bucket has already sealed.
func (b *bucket) enqueue(q queuedCandidate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return false
	}
	b.queued = append(b.queued, q)
	return true
}

func (b *bucket) snapshot() []queuedCandidate {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
	return append([]queuedCandidate(nil), b.queued...)
}

// Coordinator is the orchestrator and policy center. It owns the
// PoolHealth table and every per-block bucket exclusively; it is the only
// component with knowledge of every other leaf.
type Coordinator struct {
	pools    []domain.PoolId
	fetcher  stateFetcher
	decoder  swapDecoder
	sim      opportunitySimulator
	flashSel flashSelector
	builder  bundleBuilder
	exec     bundleExecutor
	metrics  *metrics.Sink
	recorder db.TransactionRecorder
	gasPrice GasPriceOracle
	params   Params

	globalLimiter *rate.Limiter

	mu        sync.Mutex
	health    map[string]*domain.PoolHealth
	mailboxes map[string]chan domain.SwapIntent
	buckets   map[uint64]*bucket

	latestBlock atomic.Uint64
	nextNonce   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Coordinator over the given pools and component instances.
// perPoolThresholdUSD and startingNonce may be nil/zero; recorder may be
// nil to disable persistence.
func New(
	pools []domain.PoolId,
	fetcher stateFetcher,
	decoder swapDecoder,
	sim opportunitySimulator,
	flashSel flashSelector,
	builder bundleBuilder,
	exec bundleExecutor,
	metricsSink *metrics.Sink,
	recorder db.TransactionRecorder,
	gasPrice GasPriceOracle,
	params Params,
	perPoolThresholdUSD map[string]float64,
	startingNonce uint64,
) *Coordinator {
	health := make(map[string]*domain.PoolHealth, len(pools))
	for _, pool := range pools {
		health[pool.Label] = &domain.PoolHealth{
			Pool:               pool,
			Enabled:            true,
			ProfitThresholdUSD: perPoolThresholdUSD[pool.Label],
		}
	}

	blockInterval := params.BlockInterval
	if blockInterval <= 0 {
		blockInterval = 12 * time.Second
	}

	c := &Coordinator{
		pools:         pools,
		fetcher:       fetcher,
		decoder:       decoder,
		sim:           sim,
		flashSel:      flashSel,
		builder:       builder,
		exec:          exec,
		metrics:       metricsSink,
		recorder:      recorder,
		gasPrice:      gasPrice,
		params:        params,
		globalLimiter: rate.NewLimiter(rate.Every(blockInterval), 1),
		health:        health,
		mailboxes:     make(map[string]chan domain.SwapIntent, len(pools)),
		buckets:       make(map[uint64]*bucket),
	}
	c.nextNonce.Store(startingNonce)
	return c
}

// Start subscribes to the decoded-swap and block-head streams and begins
// dispatching evaluations. It first fetches every pool's state once to warm
// the cache and waits for those fetches, then launches every pool's mailbox
// loop and the two ingestion loops and returns without waiting for them.
func (c *Coordinator) Start(ctx context.Context, pendingTxs <-chan *gethtypes.Transaction, blockHeads <-chan uint64) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	var warm errgroup.Group
	for _, pool := range c.pools {
		pool := pool
		warm.Go(func() error {
			_, err := c.fetcher.GetState(c.ctx, pool, "latest")
			return err
		})
	}
	_ = warm.Wait() // best-effort; a cold pool surfaces PoolUnavailable on its first real swap

	for _, pool := range c.pools {
		mb := make(chan domain.SwapIntent, 1)
		c.mailboxes[pool.Label] = mb
		c.wg.Add(1)
		go c.poolLoop(pool.Label, mb)
	}

	c.wg.Add(2)
	go c.ingestLoop(pendingTxs)
	go c.headLoop(blockHeads)
}

// Stop cancels every subscription and waits for in-flight evaluations to
// drain.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) poolLoop(poolLabel string, mb <-chan domain.SwapIntent) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case swap := <-mb:
			c.evaluate(c.ctx, swap)
		}
	}
}

func (c *Coordinator) ingestLoop(pendingTxs <-chan *gethtypes.Transaction) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case tx, ok := <-pendingTxs:
			if !ok {
				return
			}
			swap, ok := c.decoder.Decode(tx)
			if !ok {
				continue
			}
			c.metrics.Inc(metrics.SwapsDetected, swap.Pool.Label)
			c.dispatch(*swap)
		}
	}
}

func (c *Coordinator) headLoop(blockHeads <-chan uint64) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case head, ok := <-blockHeads:
			if !ok {
				return
			}
			c.onNewHead(head)
		}
	}
}

// dispatch delivers swap to its pool's single-slot mailbox, dropping the
// previously-mailboxed swap if one hadn't yet been picked up
// (latest-wins).
func (c *Coordinator) dispatch(swap domain.SwapIntent) {
	mb, ok := c.mailboxes[swap.Pool.Label]
	if !ok {
		return // not one of our monitored pools
	}
	select {
	case mb <- swap:
		return
	default:
	}
	select {
	case <-mb:
		c.metrics.Inc(metrics.SwapsDropped, swap.Pool.Label)
	default:
	}
	select {
	case mb <- swap:
	default:
	}
}

// onNewHead advances the anchor block and forces sealing of the bucket
// whose target this head just reached, the fallback for a bucket whose
// simulations never converge to zero before the block arrives. Buckets
// whose target block is already behind this head are pruned.
func (c *Coordinator) onNewHead(head uint64) {
	c.latestBlock.Store(head)

	c.mu.Lock()
	b := c.buckets[head]
	var stale []*bucket
	for target, old := range c.buckets {
		if target+1 <= head {
			stale = append(stale, old)
			delete(c.buckets, target)
		}
	}
	c.mu.Unlock()

	for _, old := range stale {
		old.cancel()
	}
	if b != nil {
		go c.sealBucket(b)
	}
}

func (c *Coordinator) bucketFor(ctx context.Context, target uint64) *bucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[target]
	if !ok {
		b = &bucket{target: target}
		b.ctx, b.cancel = context.WithCancel(ctx)
		c.buckets[target] = b
	}
	return b
}

// evaluate runs the full per-swap pipeline: fetch state, size a candidate,
// select a flash-loan provider, re-price with its fee, and, if
// profitable, enqueue it in its target block's bucket. Every failure is
// recovered here and attributed to the originating pool's health counter;
// Unprofitable is not a failure.
func (c *Coordinator) evaluate(ctx context.Context, swap domain.SwapIntent) {
	poolLabel := swap.Pool.Label

	c.mu.Lock()
	health, tracked := c.health[poolLabel]
	eligible := tracked && c.isEligibleLocked(health, time.Now())
	c.mu.Unlock()
	if !eligible {
		return
	}

	anchorBlock := c.latestBlock.Load()
	target := anchorBlock + 1
	b := c.bucketFor(ctx, target)
	b.addActive()
	defer b.doneActive(c.debounceOrDefault(), func() { c.sealBucket(b) })

	// the evaluation budget is the wall clock or the target block
	// arriving, whichever ends first: sealing the bucket cancels b.ctx
	evalCtx, cancel := context.WithTimeout(b.ctx, c.simTimeoutOrDefault())
	defer cancel()

	c.metrics.Inc(metrics.OpportunitiesSimulated, poolLabel)

	state, err := c.fetcher.GetState(evalCtx, swap.Pool, "latest")
	if err != nil {
		if abandoned(evalCtx) {
			return
		}
		c.recordFailure(poolLabel, timeoutOr(evalCtx, poolLabel, err))
		return
	}

	gasPriceWei := c.gasPrice()
	floor := c.profitFloorFor(poolLabel)

	// Size the candidate ignoring the flash-loan fee first: the selector
	// needs to know the notional before it can be consulted, and the fee
	// it reports then feeds back into the final profit check.
	sizing, err := c.sim.Simulate(swap, state, anchorBlock, gasPriceWei, big.NewInt(0), decimal.Zero)
	if err != nil {
		c.classifyAndRecord(poolLabel, err)
		return
	}

	notional := new(big.Int).Add(sizing.Position.Amount0, sizing.Position.Amount1)

	provider, err := c.flashSel.Choose(evalCtx, swap.TokenIn, notional)
	if err != nil {
		if abandoned(evalCtx) {
			return
		}
		c.recordFailure(poolLabel, timeoutOr(evalCtx, poolLabel, err))
		return
	}

	feeBps, err := provider.FeeBps(evalCtx)
	if err != nil {
		if abandoned(evalCtx) {
			return
		}
		c.recordFailure(poolLabel, err)
		return
	}
	flashFeeWei := provider.CalculateFee(notional, feeBps)

	candidate, err := c.sim.Simulate(swap, state, anchorBlock, gasPriceWei, flashFeeWei, decimal.NewFromFloat(floor))
	if err != nil {
		c.classifyAndRecord(poolLabel, err)
		return
	}

	flashCall, err := provider.BuildCall(swap.TokenIn, notional, c.builder.Sender(), nil)
	if err != nil {
		c.recordFailure(poolLabel, err)
		return
	}

	c.metrics.Inc(metrics.OpportunitiesProfitable, poolLabel)

	if !b.enqueue(queuedCandidate{
		candidate: *candidate,
		provider:  provider,
		flashCall: flashCall,
		gasPrice:  gasPriceWei,
		gasUnits:  c.sim.GasUnits(),
	}) {
		c.metrics.Inc(metrics.SwapsDropped, poolLabel) // target block already sealed
	}
}

// timeoutOr reclassifies an error as SimulationTimeout when the
// evaluation's wall-clock budget ran out, so the health counter records
// the budget breach rather than whatever downstream error it surfaced as.
func timeoutOr(ctx context.Context, poolLabel string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return boterr.New(boterr.SimulationTimeout, poolLabel, err)
	}
	return err
}

// abandoned reports whether the evaluation was cancelled outright: its
// target block arrived (the bucket sealed) or the Coordinator is
// stopping. Abandoned work is dropped without touching the pool's health
// counter; it is not the pool's fault the block beat us.
func abandoned(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

// classifyAndRecord treats Unprofitable as a normal outcome (no failure
// counter increment) and everything else as a recordable failure.
func (c *Coordinator) classifyAndRecord(poolLabel string, err error) {
	if kind, ok := boterr.KindOf(err); ok && kind == boterr.Unprofitable {
		c.metrics.Inc("unprofitable_total", poolLabel)
		return
	}
	c.recordFailure(poolLabel, err)
}

func (c *Coordinator) recordFailure(poolLabel string, err error) {
	kind, ok := boterr.KindOf(err)
	kindName := "unknown"
	if ok {
		kindName = kind.String()
	}
	c.metrics.IncFailure(poolLabel, kindName)

	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.health[poolLabel]
	if !ok {
		return
	}
	h.FailureCount++
	if h.FailureCount >= c.maxFailuresOrDefault() {
		h.Enabled = false
		h.CooldownUntil = time.Now().Add(c.cooldownOrDefault())
	}
}

func (c *Coordinator) resetHealth(poolLabel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.health[poolLabel]; ok {
		h.FailureCount = 0
		h.Enabled = true
		h.CooldownUntil = time.Time{}
	}
}

// isEligibleLocked re-enables a pool whose cooldown has expired (the
// failure count itself only resets on successful inclusion) and reports
// whether it may currently submit. Caller must hold c.mu.
func (c *Coordinator) isEligibleLocked(h *domain.PoolHealth, now time.Time) bool {
	if !h.Enabled && !now.Before(h.CooldownUntil) {
		h.Enabled = true
	}
	return h.IsEligible(now)
}

func (c *Coordinator) profitFloorFor(poolLabel string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	floor := c.params.GlobalMinProfitUSD
	if floor <= 0 {
		floor = 20 // GLOBAL_MIN_PROFIT_USD default
	}
	if h, ok := c.health[poolLabel]; ok && h.ProfitThresholdUSD > floor {
		floor = h.ProfitThresholdUSD
	}
	return floor
}

// baseContext returns the Coordinator's running context, or
// context.Background() for calls that reach submission logic outside of
// Start (e.g. a unit test driving sealBucket directly).
func (c *Coordinator) baseContext() context.Context {
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

func (c *Coordinator) simTimeoutOrDefault() time.Duration {
	if c.params.SimTimeout > 0 {
		return c.params.SimTimeout
	}
	return 1500 * time.Millisecond
}

func (c *Coordinator) maxFailuresOrDefault() int {
	if c.params.MaxFailures > 0 {
		return c.params.MaxFailures
	}
	return 3
}

func (c *Coordinator) cooldownOrDefault() time.Duration {
	if c.params.Cooldown > 0 {
		return c.params.Cooldown
	}
	return 5 * time.Minute
}

func (c *Coordinator) debounceOrDefault() time.Duration {
	if c.params.Debounce > 0 {
		return c.params.Debounce
	}
	return 150 * time.Millisecond
}

// sealBucket runs the Coordinator's selection rule exactly once per
// bucket: cancel whatever is still simulating for this block, filter to
// eligible pools, rank by profit then gas then pool label, enforce the
// global one-bundle-per-block rate cap, and build + submit the winner.
// Every other eligible candidate is recorded as evaluated-but-not-selected.
func (c *Coordinator) sealBucket(b *bucket) {
	b.sealOnce.Do(func() {
		b.cancel()
		queued := b.snapshot()

		c.mu.Lock()
		eligible := make([]queuedCandidate, 0, len(queued))
		now := time.Now()
		for _, q := range queued {
			h, ok := c.health[q.candidate.PoolId.Label]
			if ok && c.isEligibleLocked(h, now) {
				eligible = append(eligible, q)
			}
		}
		c.mu.Unlock()

		if len(eligible) == 0 {
			return
		}

		sort.Slice(eligible, func(i, j int) bool {
			if eligible[i].candidate.EstimatedProfitUSD != eligible[j].candidate.EstimatedProfitUSD {
				return eligible[i].candidate.EstimatedProfitUSD > eligible[j].candidate.EstimatedProfitUSD
			}
			if eligible[i].gasUnits != eligible[j].gasUnits {
				return eligible[i].gasUnits < eligible[j].gasUnits
			}
			return eligible[i].candidate.PoolId.Label < eligible[j].candidate.PoolId.Label
		})

		winner := eligible[0]
		for _, loser := range eligible[1:] {
			c.metrics.Inc(metrics.OpportunitiesEvaluatedNotSelected, loser.candidate.PoolId.Label)
		}

		if !c.globalLimiter.Allow() {
			c.metrics.Inc(metrics.OpportunitiesEvaluatedNotSelected, winner.candidate.PoolId.Label)
			return
		}

		c.submit(winner)
	})
}

func (c *Coordinator) submit(q queuedCandidate) {
	poolLabel := q.candidate.PoolId.Label

	nonce := c.nextNonce.Add(2) - 2
	bdl, err := c.builder.Build(q.candidate, q.provider, q.flashCall, q.gasPrice, nonce)
	if err != nil {
		c.recordFailure(poolLabel, err)
		return
	}

	c.metrics.Inc(metrics.BundlesSubmitted, poolLabel)
	submitCtx, cancel := context.WithTimeout(c.baseContext(), 1*time.Second)
	defer cancel()

	outcome, err := c.exec.Submit(submitCtx, bdl)
	if err != nil {
		c.recordFailure(poolLabel, err)
		return
	}

	gasCostWei := new(big.Int).Mul(new(big.Int).SetUint64(q.gasUnits), q.gasPrice)

	switch outcome.Result {
	case domain.Included:
		c.metrics.Inc(metrics.BundlesIncluded, poolLabel)
		c.metrics.Add(metrics.NetProfitWei, poolLabel, weiToFloat(q.candidate.EstimatedProfitWei))
		c.metrics.Add(metrics.NetProfitUSD, poolLabel, q.candidate.EstimatedProfitUSD)
		c.metrics.Add(metrics.GasSpentWei, poolLabel, weiToFloat(gasCostWei))
		c.resetHealth(poolLabel)
	default:
		c.metrics.Inc(metrics.BundlesRejected, poolLabel)
		c.recordFailure(poolLabel, fmt.Errorf("bundle outcome %s: %s", outcome.Result, outcome.Reason))
	}

	if c.recorder != nil {
		_ = c.recorder.RecordOutcome(q.candidate.PoolId, q.candidate.TargetBlock(), bdl.ID, outcome.Result, q.candidate.EstimatedProfitUSD, q.candidate.EstimatedProfitWei, gasCostWei, time.Now())
	}
}

func weiToFloat(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f := new(big.Float).SetInt(wei)
	out, _ := f.Float64()
	return out
}
