// Package contractclient wraps an ethclient.Client and a contract ABI into a
// small read/write/decode surface used by every component that talks to a
// single on-chain contract: the Pool State Fetcher reads slot0-equivalents
// through it, and the flash-loan adapters read liquidity and fee data and
// pack calldata through it. The Bundle Builder packs its executor calls
// with its own abi.ABI and does not go through this package.
package contractclient

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/0xjit/jitbot/pkg/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ContractClient is the capability set every component needs from a bound
// contract: call a view method, send a state-changing one, and go back and
// forth between raw calldata and a decoded, typed shape.
type ContractClient interface {
	Call(from *common.Address, method string, args ...interface{}) ([]interface{}, error)
	CallAtBlock(ctx context.Context, from *common.Address, blockNumber *big.Int, method string, args ...interface{}) ([]interface{}, error)
	Send(sendType types.SendType, gasLimit *uint64, from *common.Address, privateKey *ecdsa.PrivateKey, method string, args ...interface{}) (common.Hash, error)
	TransactionData(hash common.Hash) ([]byte, error)
	DecodeTransaction(data []byte) (*types.DecodedTx, error)
	ParseReceipt(receipt *types.TxReceipt) (string, error)
	Abi() abi.ABI
	ContractAddress() common.Address
}

// client is the concrete ContractClient implementation.
type client struct {
	eth     *ethclient.Client
	address common.Address
	abi     abi.ABI
}

// NewContractClient binds an ethclient connection, a contract address, and
// its ABI into a ContractClient.
func NewContractClient(eth *ethclient.Client, address common.Address, contractAbi abi.ABI) ContractClient {
	return &client{eth: eth, address: address, abi: contractAbi}
}

func (c *client) Abi() abi.ABI {
	return c.abi
}

func (c *client) ContractAddress() common.Address {
	return c.address
}

// Call performs a read-only eth_call against the contract and unpacks the
// result according to the method's ABI outputs.
func (c *client) Call(from *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	return c.CallAtBlock(context.Background(), from, nil, method, args...)
}

// CallAtBlock is Call pinned to a specific block height (nil means latest),
// the form the Pool State Fetcher uses so its TTL cache is keyed honestly
// against the block it actually read.
func (c *client) CallAtBlock(ctx context.Context, from *common.Address, blockNumber *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("contractclient: failed to pack %s: %w", method, err)
	}

	msg := ethereum.CallMsg{To: &c.address, Data: input}
	if from != nil {
		msg.From = *from
	}

	output, err := c.eth.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("contractclient: call %s failed: %w", method, err)
	}

	results, err := c.abi.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("contractclient: failed to unpack %s: %w", method, err)
	}
	return results, nil
}

// Send signs and broadcasts a state-changing call. A nil gasLimit triggers
// automatic estimation via eth_estimateGas.
func (c *client) Send(sendType types.SendType, gasLimit *uint64, from *common.Address, privateKey *ecdsa.PrivateKey, method string, args ...interface{}) (common.Hash, error) {
	if privateKey == nil {
		return common.Hash{}, fmt.Errorf("contractclient: no private key configured for Send")
	}

	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("contractclient: failed to pack %s: %w", method, err)
	}

	ctx := context.Background()
	chainID, err := c.eth.NetworkID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("contractclient: failed to fetch chain id: %w", err)
	}

	sender := crypto.PubkeyToAddress(privateKey.PublicKey)
	if from != nil {
		sender = *from
	}

	nonce, err := c.eth.PendingNonceAt(ctx, sender)
	if err != nil {
		return common.Hash{}, fmt.Errorf("contractclient: failed to fetch nonce: %w", err)
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("contractclient: failed to fetch gas price: %w", err)
	}

	gas := uint64(0)
	if gasLimit != nil {
		gas = *gasLimit
	} else {
		estimated, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
			From: sender,
			To:   &c.address,
			Data: input,
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("contractclient: failed to estimate gas for %s: %w", method, err)
		}
		gas = estimated
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &c.address,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     input,
	})

	signer := gethtypes.LatestSignerForChainID(chainID)
	signedTx, err := gethtypes.SignTx(tx, signer, privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("contractclient: failed to sign %s: %w", method, err)
	}

	if sendType == types.Bundle {
		// Bundle mode signs without broadcasting; only the signed
		// transaction's hash is returned, not the transaction itself.
		return signedTx.Hash(), nil
	}

	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("contractclient: failed to broadcast %s: %w", method, err)
	}

	return signedTx.Hash(), nil
}

// TransactionData fetches the raw input data of a previously mined or
// pending transaction by hash.
func (c *client) TransactionData(hash common.Hash) ([]byte, error) {
	tx, _, err := c.eth.TransactionByHash(context.Background(), hash)
	if err != nil {
		return nil, fmt.Errorf("contractclient: failed to fetch tx %s: %w", hash.Hex(), err)
	}
	return tx.Data(), nil
}

// DecodeTransaction unpacks raw calldata against the bound ABI and returns
// the matched method name and named arguments.
func (c *client) DecodeTransaction(data []byte) (*types.DecodedTx, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("contractclient: calldata shorter than a 4-byte selector")
	}

	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("contractclient: unknown selector %x: %w", data[:4], err)
	}

	args := map[string]interface{}{}
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return nil, fmt.Errorf("contractclient: failed to unpack %s: %w", method.Name, err)
	}

	return &types.DecodedTx{MethodName: method.Name, Parameter: args}, nil
}

// ParseReceipt renders a receipt's logs, matched against the bound ABI's
// known events, as a JSON array of {EventName, Parameter} objects.
func (c *client) ParseReceipt(receipt *types.TxReceipt) (string, error) {
	type decodedEvent struct {
		EventName string                 `json:"EventName"`
		Parameter map[string]interface{} `json:"Parameter"`
	}

	var events []decodedEvent
	for _, l := range receipt.Logs {
		if len(l.Topics) == 0 {
			continue
		}
		eventAbi, err := c.abi.EventByID(l.Topics[0])
		if err != nil {
			continue // not one of our events, ignore
		}

		params := map[string]interface{}{}
		if err := eventAbi.Inputs.UnpackIntoMap(params, l.Data); err != nil {
			continue
		}
		for i, arg := range eventAbi.Inputs {
			if arg.Indexed && i+1 < len(l.Topics) {
				params[arg.Name] = l.Topics[i+1].Hex()
			}
		}

		events = append(events, decodedEvent{EventName: eventAbi.Name, Parameter: params})
	}

	out, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return "", fmt.Errorf("contractclient: failed to marshal parsed receipt: %w", err)
	}
	return string(out), nil
}
