package coordinator

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/0xjit/jitbot/pkg/boterr"
	"github.com/0xjit/jitbot/pkg/domain"
	"github.com/0xjit/jitbot/pkg/executor"
	"github.com/0xjit/jitbot/pkg/flashloan"
	"github.com/0xjit/jitbot/pkg/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// fakeFetcher returns a fixed state per pool, or an error when poisoned.
type fakeFetcher struct {
	err error
}

func (f *fakeFetcher) GetState(ctx context.Context, pool domain.PoolId, blockTag string) (domain.PoolState, error) {
	if f.err != nil {
		return domain.PoolState{}, f.err
	}
	return domain.PoolState{
		Pool:         pool,
		SqrtPriceX96: new(big.Int).Lsh(big.NewInt(1), 96),
		Tick:         0,
		Liquidity:    big.NewInt(1_000_000_000_000),
		Unlocked:     true,
	}, nil
}

// fakeSimulator returns a scripted profit per pool label, looked up fresh
// every call so a test can flip a pool's outcome mid-run.
type fakeSimulator struct {
	profitUSD map[string]float64
	failWith  map[string]error
}

func (s *fakeSimulator) Simulate(intent domain.SwapIntent, state domain.PoolState, anchorBlock uint64, gasPriceWei, flashLoanFeeWei *big.Int, profitFloor decimal.Decimal) (*domain.OpportunityCandidate, error) {
	label := intent.Pool.Label
	if err, ok := s.failWith[label]; ok && err != nil {
		return nil, err
	}
	profit := s.profitUSD[label]
	return &domain.OpportunityCandidate{
		Swap: intent,
		Position: domain.JitPosition{
			Pool:      intent.Pool,
			TickLower: -10,
			TickUpper: 10,
			Amount0:   big.NewInt(1000),
			Amount1:   big.NewInt(1000),
		},
		EstimatedProfitWei: big.NewInt(int64(profit * 1e6)),
		EstimatedProfitUSD: profit,
		PoolId:             intent.Pool,
		AnchorBlockNumber:  anchorBlock,
	}, nil
}

func (s *fakeSimulator) GasUnits() uint64 { return 480_000 }

// fakeProvider is a minimal flashloan.Provider.
type fakeProvider struct{}

func (fakeProvider) Name() string { return "fake" }
func (fakeProvider) FeeBps(ctx context.Context) (uint32, error) { return 0, nil }
func (fakeProvider) HasSufficientLiquidity(ctx context.Context, token common.Address, amount *big.Int) (bool, error) {
	return true, nil
}
func (fakeProvider) MaxAmount(ctx context.Context, token common.Address) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (fakeProvider) BuildCall(token common.Address, amount *big.Int, receiver common.Address, userData []byte) (flashloan.CallData, error) {
	return flashloan.CallData{To: common.HexToAddress("0xff"), Data: []byte{1}}, nil
}
func (fakeProvider) CalculateFee(amount *big.Int, feeBps uint32) *big.Int { return big.NewInt(0) }
func (fakeProvider) HealthCheck(ctx context.Context) error                { return nil }

type fakeSelector struct{}

func (fakeSelector) Choose(ctx context.Context, token common.Address, amount *big.Int) (flashloan.Provider, error) {
	return fakeProvider{}, nil
}

type fakeBuilder struct{}

func (fakeBuilder) Build(candidate domain.OpportunityCandidate, provider flashloan.Provider, flashCall flashloan.CallData, gasPriceWei *big.Int, preNonce uint64) (*domain.Bundle, error) {
	return &domain.Bundle{TargetBlock: candidate.TargetBlock(), ID: candidate.PoolId.Label}, nil
}
func (fakeBuilder) Sender() common.Address { return common.HexToAddress("0xaa") }

// fakeExecutor reports a scripted outcome per pool (keyed by Bundle.ID,
// which fakeBuilder sets to the pool label).
type fakeExecutor struct {
	outcomes map[string]executor.Outcome
	submits  []string
}

func (e *fakeExecutor) Submit(ctx context.Context, bundle *domain.Bundle) (executor.Outcome, error) {
	e.submits = append(e.submits, bundle.ID)
	if o, ok := e.outcomes[bundle.ID]; ok {
		return o, nil
	}
	return executor.Outcome{Result: domain.Included}, nil
}

func pool(label string) domain.PoolId {
	return domain.PoolId{Label: label, Address: common.HexToAddress("0x1"), TickSpacing: 10}
}

func swapFor(p domain.PoolId) domain.SwapIntent {
	return domain.SwapIntent{Pool: p, AmountIn: big.NewInt(1_000_000), TokenIn: common.HexToAddress("0xbb")}
}

func newTestCoordinator(pools []domain.PoolId, sim *fakeSimulator, fetcher stateFetcher, exec *fakeExecutor) *Coordinator {
	if exec == nil {
		exec = &fakeExecutor{outcomes: map[string]executor.Outcome{}}
	}
	c := New(
		pools,
		fetcher,
		nil, // decoder unused by these tests, which call evaluate() directly
		sim,
		fakeSelector{},
		fakeBuilder{},
		exec,
		metrics.New(),
		nil,
		func() *big.Int { return big.NewInt(20_000_000_000) },
		Params{MaxFailures: 3, Cooldown: 5 * time.Minute, Debounce: 20 * time.Millisecond, GlobalMinProfitUSD: 20},
		nil,
		0,
	)
	return c
}

// Selection across pools: the highest-profit candidate wins and is the
// only one submitted; the rest are discarded.
func TestSealBucket_SelectsHighestProfitAcrossPools(t *testing.T) {
	pools := []domain.PoolId{pool("A"), pool("B"), pool("C")}
	sim := &fakeSimulator{profitUSD: map[string]float64{"A": 40, "B": 150, "C": 80}}
	exec := &fakeExecutor{outcomes: map[string]executor.Outcome{}}
	c := newTestCoordinator(pools, sim, &fakeFetcher{}, exec)

	for _, p := range pools {
		c.evaluate(context.Background(), swapFor(p))
	}

	time.Sleep(80 * time.Millisecond) // let the debounce timer fire

	require.Equal(t, []string{"B"}, exec.submits)
}

// Failure isolation: pool A fails maxFailures times in a row and is
// disabled with a cooldown; pool B is unaffected.
func TestRecordFailure_DisablesAfterMaxFailuresButIsolatesOtherPools(t *testing.T) {
	pools := []domain.PoolId{pool("A"), pool("B")}
	sim := &fakeSimulator{
		profitUSD: map[string]float64{"B": 100},
		failWith:  map[string]error{"A": boterr.New(boterr.PoolUnavailable, "A", context.DeadlineExceeded)},
	}
	c := newTestCoordinator(pools, sim, &fakeFetcher{}, nil)

	for i := 0; i < 3; i++ {
		c.evaluate(context.Background(), swapFor(pool("A")))
	}

	c.mu.Lock()
	healthA := *c.health["A"]
	healthB := *c.health["B"]
	c.mu.Unlock()

	require.Equal(t, 3, healthA.FailureCount)
	require.False(t, healthA.Enabled)
	require.True(t, healthA.CooldownUntil.After(time.Now()))

	require.True(t, healthB.Enabled)
	require.Equal(t, 0, healthB.FailureCount)
}

// Latest-wins per pool: dispatching three swaps before the first is
// picked up leaves only the most recent one in the mailbox.
func TestDispatch_LatestWinsPerPool(t *testing.T) {
	p := pool("A")
	c := newTestCoordinator([]domain.PoolId{p}, &fakeSimulator{}, &fakeFetcher{}, nil)
	c.mailboxes[p.Label] = make(chan domain.SwapIntent, 1)

	first := swapFor(p)
	first.Nonce = 1
	second := swapFor(p)
	second.Nonce = 2
	third := swapFor(p)
	third.Nonce = 3

	c.dispatch(first)
	c.dispatch(second)
	c.dispatch(third)

	got := <-c.mailboxes[p.Label]
	require.Equal(t, uint64(3), got.Nonce)

	rendered := c.metrics.Render()
	require.Contains(t, rendered, `swaps_dropped_total{pool="A"} 2`)
}

// blockingFetcher parks every GetState call until its context is
// cancelled, standing in for a slow RPC read.
type blockingFetcher struct {
	started chan struct{}
}

func (f *blockingFetcher) GetState(ctx context.Context, pool domain.PoolId, blockTag string) (domain.PoolState, error) {
	f.started <- struct{}{}
	<-ctx.Done()
	return domain.PoolState{}, ctx.Err()
}

// A simulation still in flight when its target block arrives is cancelled,
// submits nothing, and does not count against the pool's health.
func TestOnNewHead_CancelsInFlightEvaluations(t *testing.T) {
	p := pool("A")
	fetcher := &blockingFetcher{started: make(chan struct{}, 1)}
	exec := &fakeExecutor{outcomes: map[string]executor.Outcome{}}
	c := newTestCoordinator([]domain.PoolId{p}, &fakeSimulator{profitUSD: map[string]float64{"A": 100}}, fetcher, exec)

	done := make(chan struct{})
	go func() {
		c.evaluate(context.Background(), swapFor(p))
		close(done)
	}()

	<-fetcher.started
	c.onNewHead(1) // seals the bucket for target block 1

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("evaluation was not cancelled when its target block arrived")
	}

	c.mu.Lock()
	failureCount := c.health["A"].FailureCount
	c.mu.Unlock()
	require.Equal(t, 0, failureCount)
	require.Empty(t, exec.submits)
}

// A disabled pool submits nothing until its cooldown has elapsed.
func TestEvaluate_DisabledPoolSubmitsNothingDuringCooldown(t *testing.T) {
	p := pool("A")
	sim := &fakeSimulator{profitUSD: map[string]float64{"A": 100}}
	exec := &fakeExecutor{outcomes: map[string]executor.Outcome{}}
	c := newTestCoordinator([]domain.PoolId{p}, sim, &fakeFetcher{}, exec)

	c.mu.Lock()
	c.health["A"].Enabled = false
	c.health["A"].FailureCount = 3
	c.health["A"].CooldownUntil = time.Now().Add(time.Hour)
	c.mu.Unlock()

	c.evaluate(context.Background(), swapFor(p))
	time.Sleep(80 * time.Millisecond)

	require.Empty(t, exec.submits)
}

// A successful inclusion resets failureCount to zero.
func TestSubmit_SuccessfulInclusionResetsFailureCount(t *testing.T) {
	p := pool("A")
	c := newTestCoordinator([]domain.PoolId{p}, &fakeSimulator{}, &fakeFetcher{}, nil)

	c.mu.Lock()
	c.health["A"].FailureCount = 2
	c.mu.Unlock()

	c.submit(queuedCandidate{
		candidate: domain.OpportunityCandidate{PoolId: p, EstimatedProfitWei: big.NewInt(0)},
		provider:  fakeProvider{},
		gasPrice:  big.NewInt(1),
	})

	c.mu.Lock()
	failureCount := c.health["A"].FailureCount
	enabled := c.health["A"].Enabled
	c.mu.Unlock()

	require.Equal(t, 0, failureCount)
	require.True(t, enabled)
}

// Unprofitable is reported, not emitted, and does not count as a pool
// failure.
func TestEvaluate_UnprofitableDoesNotIncrementFailureCount(t *testing.T) {
	p := pool("A")
	sim := &fakeSimulator{failWith: map[string]error{"A": boterr.New(boterr.Unprofitable, "A", context.DeadlineExceeded)}}
	c := newTestCoordinator([]domain.PoolId{p}, sim, &fakeFetcher{}, nil)

	c.evaluate(context.Background(), swapFor(p))

	c.mu.Lock()
	failureCount := c.health["A"].FailureCount
	c.mu.Unlock()
	require.Equal(t, 0, failureCount)
}
