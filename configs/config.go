// Package configs loads the bot's static YAML topology (pool list, RPC
// endpoints, relay URLs, contract ABI paths, profit/risk thresholds) and
// translates it into the construction parameters each component needs.
package configs

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the entire configuration structure from config.yml.
type Config struct {
	RPCHTTP         string                  `yaml:"rpcHttp"`
	RPCWS           string                  `yaml:"rpcWs"`
	JitContract     ContractYAMLData        `yaml:"jitContract"`
	RouterContract  ContractYAMLData        `yaml:"routerContract"`
	VaultContract   ContractYAMLData        `yaml:"vaultContract"`
	LendingPool     ContractYAMLData        `yaml:"lendingPoolContract"`
	PoolABI         string                  `yaml:"poolAbi"`
	Pools           map[string]PoolYAMLData `yaml:"pools"`
	FlashbotsRelays []string                `yaml:"flashbotsRelayUrls"`
	Strategy        StrategyYAMLData        `yaml:"strategy"`
}

// ContractYAMLData names a contract's address and on-disk ABI path.
type ContractYAMLData struct {
	Address string `yaml:"address"`
	ABI     string `yaml:"abi"`
}

// PoolYAMLData describes one monitored pool.
type PoolYAMLData struct {
	Address            string  `yaml:"address"`
	Token0             string  `yaml:"token0"`
	Token1             string  `yaml:"token1"`
	FeeTier            uint32  `yaml:"feeTier"`
	TickSpacing        int     `yaml:"tickSpacing"`
	ProfitThresholdUSD float64 `yaml:"profitThresholdUsd"`
}

// StrategyYAMLData holds the Simulator/Coordinator tuning knobs.
type StrategyYAMLData struct {
	RangeWidthTicks     int     `yaml:"rangeWidthTicks"`
	NotionalFraction    float64 `yaml:"notionalFraction"`
	MaxPriceImpactPct   float64 `yaml:"maxPriceImpactPct"`
	GlobalMinProfitUSD  float64 `yaml:"globalMinProfitUsd"`
	PoolMaxFailures     int     `yaml:"poolMaxFailures"`
	PoolCooldownMs      int     `yaml:"poolCooldownMs"`
	MaxGasGwei          float64 `yaml:"maxGasGwei"`
	VaultNotionalCapUSD float64 `yaml:"vaultNotionalCapUsd"`
	SimulationTimeoutMs int     `yaml:"simulationTimeoutMs"`
	InclusionPollBlocks int     `yaml:"inclusionPollBlocks"`
	MinNotionalWei      string  `yaml:"minNotionalWei"`
	NativeUSDPrice      float64 `yaml:"nativeUsdPrice"`
	LendingPoolFeeBps   uint32  `yaml:"lendingPoolFeeBps"`
	LendingPoolTTLMs    int     `yaml:"lendingPoolTtlMs"`
}

// LoadConfig reads and parses config.yml into a Config struct.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configs: failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("configs: failed to parse config YAML: %w", err)
	}

	return &config, nil
}

// ApplyEnv overlays the environment-variable layer onto the YAML
// topology: endpoints, the executor contract, the monitored-pool set, and
// the numeric policy knobs. Unset variables leave the YAML value alone.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("RPC_URL_HTTP"); v != "" {
		c.RPCHTTP = v
	}
	if v := os.Getenv("RPC_URL_WS"); v != "" {
		c.RPCWS = v
	}
	if v := os.Getenv("JIT_CONTRACT_ADDRESS"); v != "" {
		c.JitContract.Address = v
	}
	if v := os.Getenv("POOL_IDS"); v != "" {
		keep := map[string]bool{}
		for _, id := range strings.Split(v, ",") {
			keep[strings.TrimSpace(id)] = true
		}
		filtered := make(map[string]PoolYAMLData, len(keep))
		for label, pool := range c.Pools {
			if keep[label] {
				filtered[label] = pool
			}
		}
		if len(filtered) == 0 {
			return fmt.Errorf("configs: POOL_IDS %q matches none of the configured pools", v)
		}
		c.Pools = filtered
	}
	if v := os.Getenv("GLOBAL_MIN_PROFIT_USD"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("configs: invalid GLOBAL_MIN_PROFIT_USD %q: %w", v, err)
		}
		c.Strategy.GlobalMinProfitUSD = parsed
	}
	if v := os.Getenv("POOL_MAX_FAILURES"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("configs: invalid POOL_MAX_FAILURES %q: %w", v, err)
		}
		c.Strategy.PoolMaxFailures = parsed
	}
	if v := os.Getenv("POOL_COOLDOWN_MS"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("configs: invalid POOL_COOLDOWN_MS %q: %w", v, err)
		}
		c.Strategy.PoolCooldownMs = parsed
	}
	if v := os.Getenv("MAX_GAS_GWEI"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("configs: invalid MAX_GAS_GWEI %q: %w", v, err)
		}
		c.Strategy.MaxGasGwei = parsed
	}
	if urls := FlashbotsRelayURLs(); len(urls) > 0 {
		c.FlashbotsRelays = urls
	}
	return nil
}

// RuntimeOverrides captures the boolean/secret environment layer:
// live/dry-run gating, and per-pool threshold overrides, applied on top of
// the YAML topology.
type RuntimeOverrides struct {
	DryRun              bool
	UnderstandLiveRisk  bool
	SimulationMode      bool
	PrometheusPort      string
	PerPoolThresholdUSD map[string]float64
}

// LoadRuntimeOverrides reads the boolean/secret environment layer.
// DRY_RUN defaults to true when unset, the fail-safe default.
func LoadRuntimeOverrides() (*RuntimeOverrides, error) {
	dryRun := true
	if v := os.Getenv("DRY_RUN"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("configs: invalid DRY_RUN value %q: %w", v, err)
		}
		dryRun = parsed
	}

	liveRisk := false
	if v := os.Getenv("I_UNDERSTAND_LIVE_RISK"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("configs: invalid I_UNDERSTAND_LIVE_RISK value %q: %w", v, err)
		}
		liveRisk = parsed
	}

	simMode := false
	if v := os.Getenv("SIMULATION_MODE"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("configs: invalid SIMULATION_MODE value %q: %w", v, err)
		}
		simMode = parsed
	}

	overrides := &RuntimeOverrides{
		DryRun:              dryRun,
		UnderstandLiveRisk:  liveRisk,
		SimulationMode:      simMode,
		PrometheusPort:      os.Getenv("PROMETHEUS_PORT"),
		PerPoolThresholdUSD: map[string]float64{},
	}

	const prefix = "POOL_PROFIT_THRESHOLD_USD__"
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], prefix) {
			continue
		}
		poolID := strings.TrimPrefix(parts[0], prefix)
		value, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("configs: invalid %s: %w", parts[0], err)
		}
		overrides.PerPoolThresholdUSD[poolID] = value
	}

	return overrides, nil
}

// LiveModeAllowed enforces the dual live-mode gate: both DRY_RUN=false
// and I_UNDERSTAND_LIVE_RISK=true are required, never folded into a
// single derived flag.
func (r *RuntimeOverrides) LiveModeAllowed() bool {
	return !r.DryRun && r.UnderstandLiveRisk
}

// FlashbotsRelayURLs splits the comma-separated FLASHBOTS_RELAY_URLS
// environment variable into individual relay endpoints. ApplyEnv overlays
// a non-empty result onto the YAML relay list.
func FlashbotsRelayURLs() []string {
	raw := os.Getenv("FLASHBOTS_RELAY_URLS")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			urls = append(urls, p)
		}
	}
	return urls
}

// PoolCooldown converts StrategyYAMLData's millisecond field into a
// time.Duration for the Coordinator's PoolHealth state machine.
func (s StrategyYAMLData) PoolCooldown() time.Duration {
	return time.Duration(s.PoolCooldownMs) * time.Millisecond
}

// SimulationTimeout converts StrategyYAMLData's millisecond field into the
// per-simulation wall-clock budget.
func (s StrategyYAMLData) SimulationTimeout() time.Duration {
	return time.Duration(s.SimulationTimeoutMs) * time.Millisecond
}

// LendingPoolTTL converts StrategyYAMLData's millisecond field into the
// lending-pool fee-premium cache lifetime.
func (s StrategyYAMLData) LendingPoolTTL() time.Duration {
	return time.Duration(s.LendingPoolTTLMs) * time.Millisecond
}

// MaxGasWei converts MaxGasGwei into a per-gas-unit wei ceiling for the
// Bundle Builder.
func (s StrategyYAMLData) MaxGasWei() *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(s.MaxGasGwei), big.NewFloat(1e9)).Int(nil)
	return wei
}

// VaultNotionalCapWei converts VaultNotionalCapUSD into a wei-denominated
// notional cap using a fixed native-token USD price, since the Selector
// compares against the flash-borrowed token's amount, not a USD figure.
// An unset (zero) VaultNotionalCapUSD defaults to $50,000.
func (s StrategyYAMLData) VaultNotionalCapWei(nativeUSDPrice float64) *big.Int {
	if nativeUSDPrice <= 0 {
		return nil
	}
	capUSD := s.VaultNotionalCapUSD
	if capUSD <= 0 {
		capUSD = 50_000
	}
	tokens := big.NewFloat(capUSD / nativeUSDPrice)
	wei, _ := new(big.Float).Mul(tokens, big.NewFloat(1e18)).Int(nil)
	return wei
}
