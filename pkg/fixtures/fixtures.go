// Package fixtures defines the JSON schema for recorded swaps, pool
// states, and opportunity candidates, plus a loader/writer pair and the
// canonical-token checksum registry used to reject fixtures whose token
// addresses don't match known mainnet tokens. The bot itself keeps no
// other durable state; these files exist purely to replay recorded
// mempool activity through `simulate`.
package fixtures

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/0xjit/jitbot/pkg/domain"

	"github.com/ethereum/go-ethereum/common"
)

// CurrentFixtureVersion is the schema version this package reads and
// writes. A fixture file whose fixtureVersion doesn't match is rejected
// rather than guessed at.
const CurrentFixtureVersion = "1"

// Fixture is one recorded (swap, pool state) pair, optionally paired with
// the OpportunityCandidate the Simulator produced for it, suitable for
// replay through the `simulate` subcommand without a live RPC connection.
type Fixture struct {
	FixtureVersion string                       `json:"fixtureVersion"`
	RecordedAt     time.Time                    `json:"recordedAt"`
	AnchorBlock    uint64                       `json:"anchorBlock"`
	Pool           domain.PoolId                `json:"pool"`
	State          domain.PoolState             `json:"state"`
	Swap           domain.SwapIntent            `json:"swap"`
	Candidate      *domain.OpportunityCandidate `json:"candidate,omitempty"`
}

// Set is an ordered collection of Fixtures, the unit the `fixtures` and
// `simulate` subcommands read and write as a single file.
type Set struct {
	FixtureVersion string    `json:"fixtureVersion"`
	GeneratedAt    time.Time `json:"generatedAt"`
	Fixtures       []Fixture `json:"fixtures"`
}

// Load reads and validates a fixture Set from path. Every fixture's
// tokens are checked against KnownTokens; a mismatch fails the whole load
// rather than silently admitting a poisoned fixture.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fixtures: failed to read %s: %w", path, err)
	}

	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("fixtures: failed to parse %s: %w", path, err)
	}

	if set.FixtureVersion != CurrentFixtureVersion {
		return nil, fmt.Errorf("fixtures: %s has fixtureVersion %q, want %q", path, set.FixtureVersion, CurrentFixtureVersion)
	}

	for i, fx := range set.Fixtures {
		if err := ValidateTokens(fx.Pool); err != nil {
			return nil, fmt.Errorf("fixtures: entry %d: %w", i, err)
		}
	}

	return &set, nil
}

// Write serializes a Set to path as indented JSON, stamping the current
// schema version.
func Write(path string, set *Set) error {
	set.FixtureVersion = CurrentFixtureVersion
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("fixtures: failed to marshal fixture set: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("fixtures: failed to write %s: %w", path, err)
	}
	return nil
}

// KnownTokens is the canonical-mainnet-address registry used to validate
// fixture pools. Fixture generators in circulation disagree on USDC's
// address; this registry is the tiebreaker.
var KnownTokens = map[string]common.Address{
	"WETH": common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
	"USDC": common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
}

// ValidateTokens checks pool.Token0 and pool.Token1 against KnownTokens
// whenever the pool's label names a known symbol pair (e.g.
// "WETH-USDC-0.05%"); pools naming tokens outside this registry pass
// through unchecked, since the registry only needs to arbitrate the
// specific divergent-address case it exists for.
func ValidateTokens(pool domain.PoolId) error {
	for symbol, want := range KnownTokens {
		if !strings.Contains(pool.Label, symbol) {
			continue
		}
		if pool.Token0 != want && pool.Token1 != want {
			return fmt.Errorf("fixtures: pool %q claims to involve %s but neither token address matches the canonical checksum %s", pool.Label, symbol, want.Hex())
		}
	}
	return nil
}
