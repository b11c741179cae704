// Package executor implements the relay Executor: it submits a Bundle to
// one or more Flashbots-style relays, optionally simulating first, and
// resolves the submission to a typed outcome. Retries are not performed:
// an opportunity is one-shot per block.
package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xjit/jitbot/pkg/boterr"
	"github.com/0xjit/jitbot/pkg/domain"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/lmittmann/flashbots"
	w3 "github.com/lmittmann/w3"
)

// Mode selects whether the Executor simulates only or actually submits.
type Mode int

const (
	// DryRun only calls CallBundle against each relay and never submits.
	DryRun Mode = iota
	// Live submits via SendBundle and polls for inclusion.
	Live
)

// Outcome is the Executor's terminal result for one submitted bundle.
type Outcome struct {
	Result domain.BundleOutcome
	Reason string
}

// Executor fans a Bundle out to every configured relay.
type Executor struct {
	ec            *ethclient.Client
	relays        []*w3.Client
	mode          Mode
	pollInterval  time.Duration
	maxWaitBlocks uint64
	simTimeout    time.Duration
	sendTimeout   time.Duration
}

// New builds an Executor bound to relayURLs, each dialed through
// flashbots.MustDial using authKey as the relay-auth signing key, per
// run.go's classifyRelays/flashbots.MustDial pattern.
func New(ec *ethclient.Client, relayURLs []string, authKey *ecdsa.PrivateKey, mode Mode) *Executor {
	relays := make([]*w3.Client, 0, len(relayURLs))
	for _, url := range relayURLs {
		relays = append(relays, flashbots.MustDial(url, authKey))
	}
	return &Executor{
		ec:            ec,
		relays:        relays,
		mode:          mode,
		pollInterval:  300 * time.Millisecond,
		maxWaitBlocks: 2,
		simTimeout:    1 * time.Second,
		sendTimeout:   1 * time.Second,
	}
}

// SetMaxWaitBlocks overrides how many blocks past the target Submit polls
// for inclusion before declaring TimedOut (default 2).
func (e *Executor) SetMaxWaitBlocks(n uint64) {
	if n > 0 {
		e.maxWaitBlocks = n
	}
}

// Submit runs the bundle through the configured relays. It first simulates
// via CallBundle and returns Reverted unless at least one relay accepts the
// simulation without an error or revert. In DryRun mode it then returns
// Included. In Live mode it sends via SendBundle and polls chain state for
// inclusion over up to maxWaitBlocks blocks before declaring TimedOut.
func (e *Executor) Submit(ctx context.Context, bundle *domain.Bundle) (Outcome, error) {
	if len(e.relays) == 0 {
		return Outcome{}, boterr.New(boterr.RelayRejected, "", fmt.Errorf("no relays configured"))
	}

	targetBlock := new(big.Int).SetUint64(bundle.TargetBlock)

	simOK, simErr := e.simulateAcrossRelays(ctx, bundle.Transactions, targetBlock)
	if !simOK {
		return Outcome{Result: domain.Reverted, Reason: simErr}, nil
	}

	if e.mode == DryRun {
		return Outcome{Result: domain.Included, Reason: "dry-run simulation accepted"}, nil
	}

	if err := e.sendAcrossRelays(ctx, bundle.Transactions, targetBlock); err != nil {
		return Outcome{}, boterr.New(boterr.RelayRejected, "", err)
	}

	return e.waitForInclusion(ctx, bundle.Transactions[len(bundle.Transactions)-1], targetBlock)
}

// simulateAcrossRelays mirrors run.go's preflight simulation fan-out: every
// relay is called concurrently, and the bundle is considered simulation-OK
// if at least one relay returns a clean CallBundle response.
func (e *Executor) simulateAcrossRelays(ctx context.Context, txs []*gethtypes.Transaction, targetBlock *big.Int) (bool, string) {
	var ok atomic.Bool
	var lastErr atomic.Value
	var wg sync.WaitGroup

	for _, relay := range e.relays {
		relay := relay
		wg.Add(1)
		go func() {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, e.simTimeout)
			defer cancel()

			var resp flashbots.CallBundleResponse
			err := relay.CallCtx(callCtx,
				flashbots.CallBundle(&flashbots.CallBundleRequest{
					Transactions: txs,
					BlockNumber:  new(big.Int).Set(targetBlock),
				}).Returns(&resp),
			)
			if err != nil {
				lastErr.Store(err.Error())
				return
			}
			for _, r := range resp.Results {
				if r.Error != nil {
					lastErr.Store(r.Error.Error())
					return
				}
				if len(r.Revert) > 0 {
					lastErr.Store(r.Revert)
					return
				}
			}
			ok.Store(true)
		}()
	}
	wg.Wait()

	reason := ""
	if v := lastErr.Load(); v != nil {
		reason = v.(string)
	}
	return ok.Load(), reason
}

func (e *Executor) sendAcrossRelays(ctx context.Context, txs []*gethtypes.Transaction, targetBlock *big.Int) error {
	var wg sync.WaitGroup
	errs := make([]error, len(e.relays))

	for i, relay := range e.relays {
		i, relay := i, relay
		wg.Add(1)
		go func() {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
			defer cancel()

			var bundleHash common.Hash
			errs[i] = relay.CallCtx(callCtx,
				flashbots.SendBundle(&flashbots.SendBundleRequest{
					Transactions: txs,
					BlockNumber:  new(big.Int).Set(targetBlock),
				}).Returns(&bundleHash),
			)
		}()
	}
	wg.Wait()

	allFailed := true
	var firstErr error
	for _, err := range errs {
		if err == nil {
			allFailed = false
		} else if firstErr == nil {
			firstErr = err
		}
	}
	if allFailed && firstErr != nil {
		return firstErr
	}
	return nil
}

// waitForInclusion polls the chain head until targetBlock is sealed, then
// checks whether our last transaction landed in it, following run.go's
// waitInclusionOrCompete shape.
func (e *Executor) waitForInclusion(ctx context.Context, lastTx *gethtypes.Transaction, targetBlock *big.Int) (Outcome, error) {
	deadlineBlock := new(big.Int).Add(targetBlock, new(big.Int).SetUint64(e.maxWaitBlocks))

	for {
		select {
		case <-ctx.Done():
			return Outcome{Result: domain.TimedOut, Reason: "context cancelled while waiting for inclusion"}, nil
		default:
		}

		header, err := e.ec.HeaderByNumber(ctx, nil)
		if err == nil && header != nil && header.Number != nil && header.Number.Cmp(targetBlock) >= 0 {
			receipt, err := e.ec.TransactionReceipt(ctx, lastTx.Hash())
			if err == nil && receipt != nil && receipt.BlockNumber != nil {
				if receipt.BlockNumber.Cmp(targetBlock) == 0 && receipt.Status == gethtypes.ReceiptStatusSuccessful {
					return Outcome{Result: domain.Included, Reason: "included"}, nil
				}
				return Outcome{Result: domain.Reverted, Reason: "included but reverted"}, nil
			}
			if header.Number.Cmp(deadlineBlock) >= 0 {
				return Outcome{Result: domain.TimedOut, Reason: "not included within wait window"}, nil
			}
		}

		select {
		case <-ctx.Done():
			return Outcome{Result: domain.TimedOut, Reason: "context cancelled while waiting for inclusion"}, nil
		case <-time.After(e.pollInterval):
		}
	}
}
