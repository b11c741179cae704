// Command jitbot is the JIT liquidity bot's entry point: it wires the
// Pool State Fetcher, Swap Decoder, Simulator, flash-loan providers,
// Bundle Builder, Executor, and Pool Coordinator into one running
// pipeline, or replays/records fixtures for offline development.
package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/0xjit/jitbot/configs"
	"github.com/0xjit/jitbot/internal/db"
	"github.com/0xjit/jitbot/internal/util"
	"github.com/0xjit/jitbot/pkg/bundle"
	"github.com/0xjit/jitbot/pkg/contractclient"
	"github.com/0xjit/jitbot/pkg/coordinator"
	"github.com/0xjit/jitbot/pkg/domain"
	"github.com/0xjit/jitbot/pkg/executor"
	"github.com/0xjit/jitbot/pkg/fixtures"
	"github.com/0xjit/jitbot/pkg/flashloan"
	"github.com/0xjit/jitbot/pkg/metrics"
	"github.com/0xjit/jitbot/pkg/poolstate"
	"github.com/0xjit/jitbot/pkg/simulator"
	"github.com/0xjit/jitbot/pkg/swapdecoder"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(os.Args[2:])
	case "simulate":
		err = runSimulate(os.Args[2:])
	case "fixtures":
		err = runFixtures(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Printf("jitbot: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: jitbot <start|simulate|fixtures> [flags]")
}

// rig holds every constructed component, assembled once by build() and
// shared across the start/simulate/fixtures subcommands.
type rig struct {
	cfg        *configs.Config
	overrides  *configs.RuntimeOverrides
	ethClient  *ethclient.Client
	pools      []domain.PoolId
	lookup     swapdecoder.PoolLookup
	fetcher    *poolstate.Fetcher
	decoder    *swapdecoder.Decoder
	sim        *simulator.Simulator
	selector   *flashloan.Selector
	builder    *bundle.Builder
	exec       *executor.Executor
	metrics    *metrics.Sink
	recorder   db.TransactionRecorder
	signingKey *ecdsa.PrivateKey
}

// loadSigningKey recovers the bot's relay/transaction signing key from the
// environment: either PRIVATE_KEY directly, or the encrypted ENC_PK/KEY
// pair so the key never sits in plaintext config.
func loadSigningKey() (*ecdsa.PrivateKey, error) {
	pkHex := os.Getenv("PRIVATE_KEY")
	if pkHex == "" {
		encPK := os.Getenv("ENC_PK")
		key := os.Getenv("KEY")
		if encPK == "" || key == "" {
			return nil, fmt.Errorf("PRIVATE_KEY, or the ENC_PK and KEY pair, must be set")
		}
		decrypted, err := util.Decrypt(key, encPK)
		if err != nil {
			return nil, fmt.Errorf("decrypting signing key: %w", err)
		}
		pkHex = decrypted
	}
	signingKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(pkHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}
	return signingKey, nil
}

type lookupKey struct {
	token0, token1 common.Address
	feeTier        uint32
}

// buildPools turns the YAML pool topology into domain.PoolIds, one
// ContractClient per pool bound to the shared pool-reader ABI, and a
// PoolLookup the Swap Decoder uses to resolve decoded token pairs back to
// a monitored pool regardless of which token the router reports first.
func buildPools(cfg *configs.Config, poolABI abi.ABI, ethClient *ethclient.Client) ([]domain.PoolId, map[domain.PoolId]contractclient.ContractClient, swapdecoder.PoolLookup) {
	pools := make([]domain.PoolId, 0, len(cfg.Pools))
	clients := make(map[domain.PoolId]contractclient.ContractClient, len(cfg.Pools))
	byKey := make(map[lookupKey]domain.PoolId, len(cfg.Pools)*2)

	for label, p := range cfg.Pools {
		pool := domain.PoolId{
			Label:       label,
			Address:     common.HexToAddress(p.Address),
			Token0:      common.HexToAddress(p.Token0),
			Token1:      common.HexToAddress(p.Token1),
			FeeTier:     p.FeeTier,
			TickSpacing: p.TickSpacing,
		}
		pools = append(pools, pool)
		clients[pool] = contractclient.NewContractClient(ethClient, pool.Address, poolABI)
		byKey[lookupKey{pool.Token0, pool.Token1, pool.FeeTier}] = pool
		byKey[lookupKey{pool.Token1, pool.Token0, pool.FeeTier}] = pool
	}

	lookup := func(tokenIn, tokenOut common.Address, feeTier uint32) (domain.PoolId, bool) {
		pool, ok := byKey[lookupKey{tokenIn, tokenOut, feeTier}]
		return pool, ok
	}
	return pools, clients, lookup
}

func perPoolThresholds(cfg *configs.Config, overrides *configs.RuntimeOverrides) map[string]float64 {
	thresholds := make(map[string]float64, len(cfg.Pools))
	for label, p := range cfg.Pools {
		thresholds[label] = p.ProfitThresholdUSD
	}
	for label, v := range overrides.PerPoolThresholdUSD {
		thresholds[label] = v
	}
	return thresholds
}

// nativePriceOracle is a minimal simulator.PriceOracle: it prices a
// wei-denominated amount at a single configured USD-per-native-token rate.
// Production deployments wanting a live feed swap this closure out; the
// rest of the pipeline only depends on the simulator.PriceOracle shape.
func nativePriceOracle(usdPrice float64) simulator.PriceOracle {
	price := decimal.NewFromFloat(usdPrice)
	weiPerToken := decimal.New(1, 18)
	return func(_ domain.PoolId, amountWei *big.Int) (decimal.Decimal, error) {
		if amountWei == nil {
			return decimal.Zero, nil
		}
		return decimal.NewFromBigInt(amountWei, 0).Mul(price).Div(weiPerToken), nil
	}
}

// build loads the YAML topology, dials the chain, loads every ABI, and
// constructs the component graph: Fetcher -> Decoder -> Simulator ->
// flash-loan providers -> Builder -> Executor, plus the Metrics Sink and
// optional persistence. The Coordinator is constructed by runStart.
// requireSigningKey is false for `simulate` and `fixtures`, which never
// sign or submit.
func build(configPath string, requireSigningKey bool) (*rig, error) {
	cfg, err := configs.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	overrides, err := configs.LoadRuntimeOverrides()
	if err != nil {
		return nil, err
	}

	ethClient, err := ethclient.Dial(cfg.RPCHTTP)
	if err != nil {
		return nil, fmt.Errorf("dialing RPC: %w", err)
	}

	poolABI, err := util.LoadABI(cfg.PoolABI)
	if err != nil {
		return nil, fmt.Errorf("loading pool ABI: %w", err)
	}
	routerABI, err := util.LoadABIFromHardhatArtifact(cfg.RouterContract.ABI)
	if err != nil {
		return nil, fmt.Errorf("loading router ABI: %w", err)
	}
	executorABI, err := util.LoadABIFromHardhatArtifact(cfg.JitContract.ABI)
	if err != nil {
		return nil, fmt.Errorf("loading executor ABI: %w", err)
	}

	pools, poolClients, lookup := buildPools(cfg, poolABI, ethClient)

	var signingKey *ecdsa.PrivateKey
	if requireSigningKey {
		signingKey, err = loadSigningKey()
		if err != nil {
			return nil, err
		}
	}

	var minNotional *big.Int
	if cfg.Strategy.MinNotionalWei != "" {
		minNotional, _ = new(big.Int).SetString(cfg.Strategy.MinNotionalWei, 10)
	}

	fetcher := poolstate.NewFetcher(poolClients, 12*time.Second, overrides.SimulationMode) // one ~12 s block
	decoder := swapdecoder.NewDecoder(routerABI, minNotional, lookup)
	sim := simulator.NewSimulator(simulator.Params{
		RangeWidthTicks:   cfg.Strategy.RangeWidthTicks,
		NotionalFraction:  cfg.Strategy.NotionalFraction,
		MaxPriceImpactPct: cfg.Strategy.MaxPriceImpactPct,
		Gas:               simulator.DefaultGasModel,
	}, nativePriceOracle(cfg.Strategy.NativeUSDPrice))

	vaultABI, err := util.LoadABIFromHardhatArtifact(cfg.VaultContract.ABI)
	if err != nil {
		return nil, fmt.Errorf("loading vault ABI: %w", err)
	}
	lendingABI, err := util.LoadABIFromHardhatArtifact(cfg.LendingPool.ABI)
	if err != nil {
		return nil, fmt.Errorf("loading lending pool ABI: %w", err)
	}
	vaultClient := contractclient.NewContractClient(ethClient, common.HexToAddress(cfg.VaultContract.Address), vaultABI)
	lendingClient := contractclient.NewContractClient(ethClient, common.HexToAddress(cfg.LendingPool.Address), lendingABI)
	vault := flashloan.NewVaultProvider(vaultClient)
	lendingPool := flashloan.NewLendingPoolProvider(lendingClient, cfg.Strategy.LendingPoolFeeBps, cfg.Strategy.LendingPoolTTL())
	selector := flashloan.NewSelector(vault, lendingPool, cfg.Strategy.VaultNotionalCapWei(cfg.Strategy.NativeUSDPrice))

	r := &rig{
		cfg:        cfg,
		overrides:  overrides,
		ethClient:  ethClient,
		pools:      pools,
		lookup:     lookup,
		fetcher:    fetcher,
		decoder:    decoder,
		sim:        sim,
		selector:   selector,
		metrics:    metrics.New(),
		signingKey: signingKey,
	}

	if requireSigningKey {
		chainID, err := ethClient.ChainID(context.Background())
		if err != nil {
			return nil, fmt.Errorf("fetching chain ID: %w", err)
		}
		r.builder = bundle.NewBuilder(executorABI, common.HexToAddress(cfg.JitContract.Address), chainID, signingKey, cfg.Strategy.MaxGasWei())

		mode := executor.DryRun
		if overrides.LiveModeAllowed() {
			mode = executor.Live
		}
		r.exec = executor.New(ethClient, cfg.FlashbotsRelays, signingKey, mode)
		if cfg.Strategy.InclusionPollBlocks > 0 {
			r.exec.SetMaxWaitBlocks(uint64(cfg.Strategy.InclusionPollBlocks))
		}
	}

	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		recorder, err := db.NewMySQLRecorder(dsn)
		if err != nil {
			return nil, fmt.Errorf("connecting to outcome database: %w", err)
		}
		r.recorder = recorder
	}

	return r, nil
}

// runStart is the `start` subcommand: build the full pipeline, subscribe
// to pending transactions and new block heads, and run until interrupted.
func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "configs/config.yml", "path to config.yml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := build(*configPath, true)
	if err != nil {
		return err
	}

	if !r.overrides.DryRun && !r.overrides.UnderstandLiveRisk {
		return fmt.Errorf("live submission requires both DRY_RUN=false and I_UNDERSTAND_LIVE_RISK=true")
	}
	mode := "dry-run"
	if r.overrides.LiveModeAllowed() {
		mode = "LIVE"
	}
	log.Printf("jitbot: starting in %s mode, monitoring %d pools", mode, len(r.pools))

	c := coordinator.New(
		r.pools,
		r.fetcher,
		r.decoder,
		r.sim,
		r.selector,
		r.builder,
		r.exec,
		r.metrics,
		r.recorder,
		func() *big.Int { return defaultGasPrice(r.ethClient) },
		coordinator.Params{
			MaxFailures:        r.cfg.Strategy.PoolMaxFailures,
			Cooldown:           r.cfg.Strategy.PoolCooldown(),
			SimTimeout:         r.cfg.Strategy.SimulationTimeout(),
			GlobalMinProfitUSD: r.cfg.Strategy.GlobalMinProfitUSD,
		},
		perPoolThresholds(r.cfg, r.overrides),
		0,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// subscriptions need a websocket transport; calls stay on HTTP
	subClient := r.ethClient
	if r.cfg.RPCWS != "" {
		subClient, err = ethclient.Dial(r.cfg.RPCWS)
		if err != nil {
			return fmt.Errorf("dialing websocket RPC: %w", err)
		}
	}

	pendingTxs, blockHeads, unsubscribe, err := subscribeChainFeeds(ctx, subClient)
	if err != nil {
		return err
	}
	defer unsubscribe()

	c.Start(ctx, pendingTxs, blockHeads)

	if r.overrides.PrometheusPort != "" {
		addr := ":" + r.overrides.PrometheusPort
		go func() {
			if err := r.metrics.ListenAndServe(addr); err != nil {
				log.Printf("jitbot: metrics server stopped: %v", err)
			}
		}()
	}

	rpcDown := watchRPCHealth(ctx, r.ethClient, 60*time.Second)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var fatal error
	select {
	case <-sigCh:
		log.Print("jitbot: shutting down")
	case fatal = <-rpcDown:
		log.Printf("jitbot: fatal provider loss: %v", fatal)
	}

	cancel()
	c.Stop()
	if r.recorder != nil {
		_ = r.recorder.Close()
	}
	return fatal
}

// watchRPCHealth polls the chain head and reports when the provider has
// been continuously unreachable for the outage window, the one
// non-startup condition that takes the process down.
func watchRPCHealth(ctx context.Context, ethClient *ethclient.Client, outage time.Duration) <-chan error {
	down := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		var firstFailure time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				callCtx, cancelCall := context.WithTimeout(ctx, 5*time.Second)
				_, err := ethClient.HeaderByNumber(callCtx, nil)
				cancelCall()
				if err == nil {
					firstFailure = time.Time{}
					continue
				}
				if firstFailure.IsZero() {
					firstFailure = time.Now()
					continue
				}
				if time.Since(firstFailure) >= outage {
					down <- fmt.Errorf("rpc endpoint unreachable for %s: %w", outage, err)
					return
				}
			}
		}
	}()
	return down
}

// subscribeChainFeeds bridges go-ethereum's subscription APIs into the
// plain channels the Coordinator expects: pending transaction bodies and
// new block numbers.
func subscribeChainFeeds(ctx context.Context, ethClient *ethclient.Client) (<-chan *gethtypes.Transaction, <-chan uint64, func(), error) {
	pendingHashes := make(chan common.Hash, 256)
	hashSub, err := ethClient.Client().EthSubscribe(ctx, pendingHashes, "newPendingTransactions")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("subscribing to pending transactions: %w", err)
	}

	rawHeads := make(chan *gethtypes.Header, 16)
	headSub, err := ethClient.SubscribeNewHead(ctx, rawHeads)
	if err != nil {
		hashSub.Unsubscribe()
		return nil, nil, nil, fmt.Errorf("subscribing to new heads: %w", err)
	}

	pendingTxs := make(chan *gethtypes.Transaction, 256)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case hash := <-pendingHashes:
				tx, isPending, err := ethClient.TransactionByHash(ctx, hash)
				if err != nil || !isPending {
					continue
				}
				select {
				case pendingTxs <- tx:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	blockHeads := make(chan uint64, 16)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case header := <-rawHeads:
				select {
				case blockHeads <- header.Number.Uint64():
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	unsubscribe := func() {
		hashSub.Unsubscribe()
		headSub.Unsubscribe()
	}
	return pendingTxs, blockHeads, unsubscribe, nil
}

// defaultGasPrice is the Coordinator's GasPriceOracle in live wiring:
// SuggestGasPrice, falling back to a conservative constant if the RPC
// call fails.
func defaultGasPrice(ethClient *ethclient.Client) *big.Int {
	price, err := ethClient.SuggestGasPrice(context.Background())
	if err != nil {
		return big.NewInt(20_000_000_000)
	}
	return price
}

// runSimulate is the `simulate` subcommand: replay a recorded fixture set
// through the Simulator without touching the network, printing each
// candidate's predicted profitability.
func runSimulate(args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	configPath := fs.String("config", "configs/config.yml", "path to config.yml")
	fixturesPath := fs.String("fixtures", "fixtures.json", "path to a recorded fixture set")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := build(*configPath, false)
	if err != nil {
		return err
	}

	set, err := fixtures.Load(*fixturesPath)
	if err != nil {
		return fmt.Errorf("loading fixtures: %w", err)
	}

	for _, fx := range set.Fixtures {
		candidate, err := r.sim.Simulate(fx.Swap, fx.State, fx.AnchorBlock, big.NewInt(20_000_000_000), big.NewInt(0), decimal.Zero)
		if err != nil {
			fmt.Printf("%s @ block %d: not profitable: %v\n", fx.Pool.Label, fx.AnchorBlock, err)
			continue
		}
		fmt.Printf("%s @ block %d: estimated profit $%.2f (%s wei)\n", fx.Pool.Label, fx.AnchorBlock, candidate.EstimatedProfitUSD, candidate.EstimatedProfitWei.String())
	}
	return nil
}

// runFixtures is the `fixtures` subcommand: record the latest state of each
// configured pool into a fixture file for `simulate` to read offline later.
// Only pool state is recorded; the fixtures carry no swap.
func runFixtures(args []string) error {
	fs := flag.NewFlagSet("fixtures", flag.ContinueOnError)
	configPath := fs.String("config", "configs/config.yml", "path to config.yml")
	outPath := fs.String("out", "fixtures.json", "path to write the recorded fixture set")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := build(*configPath, false)
	if err != nil {
		return err
	}

	ctx := context.Background()
	set := &fixtures.Set{GeneratedAt: time.Now().UTC()}
	for _, pool := range r.pools {
		state, err := r.fetcher.GetState(ctx, pool, poolstate.LatestBlockTag)
		if err != nil {
			log.Printf("jitbot: skipping %s: %v", pool.Label, err)
			continue
		}
		set.Fixtures = append(set.Fixtures, fixtures.Fixture{
			RecordedAt:  set.GeneratedAt,
			AnchorBlock: state.BlockNumber,
			Pool:        pool,
			State:       state,
		})
	}

	if err := fixtures.Write(*outPath, set); err != nil {
		return fmt.Errorf("writing fixtures: %w", err)
	}
	log.Printf("jitbot: wrote %d pool states to %s", len(set.Fixtures), *outPath)
	return nil
}
