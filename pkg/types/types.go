// Package types holds the small chain-facing value types shared by
// pkg/contractclient and the packages built on top of it.
package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SendType selects how a contract call is broadcast.
type SendType int

const (
	// Standard sends a normal signed transaction via eth_sendRawTransaction.
	Standard SendType = iota
	// Bundle marks the transaction for bundle inclusion rather than
	// standalone broadcast: ContractClient.Send signs it but does not
	// broadcast it, and returns only its hash.
	Bundle
)

// TxReceipt mirrors the JSON-RPC transaction receipt shape, with the
// numeric fields left as hex/decimal strings the way eth_getTransactionReceipt
// returns them so callers decide how to parse (wei amounts can exceed
// int64, and some fields are hex-encoded).
type TxReceipt struct {
	TxHash            common.Hash
	BlockNumber       string
	GasUsed           string
	EffectiveGasPrice string
	Status            string
	Logs              []TxLog
}

// TxLog is a single decoded-or-raw log entry from a transaction receipt.
type TxLog struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// DecodedTx is the result of unpacking a transaction's calldata against an
// ABI: the matched method name plus its arguments keyed by parameter name.
type DecodedTx struct {
	MethodName string                 `json:"MethodName"`
	Parameter  map[string]interface{} `json:"Parameter"`
}

// ExtractGasCost computes GasUsed * EffectiveGasPrice in wei from a receipt.
func ExtractGasCost(receipt *TxReceipt) (*big.Int, error) {
	gasUsed := new(big.Int)
	if _, ok := gasUsed.SetString(receipt.GasUsed, 0); !ok {
		return nil, errInvalidReceiptField("GasUsed", receipt.GasUsed)
	}
	gasPrice := new(big.Int)
	if _, ok := gasPrice.SetString(receipt.EffectiveGasPrice, 0); !ok {
		return nil, errInvalidReceiptField("EffectiveGasPrice", receipt.EffectiveGasPrice)
	}
	return new(big.Int).Mul(gasUsed, gasPrice), nil
}

type receiptFieldError struct {
	field string
	value string
}

func (e *receiptFieldError) Error() string {
	return "types: invalid receipt field " + e.field + ": " + e.value
}

func errInvalidReceiptField(field, value string) error {
	return &receiptFieldError{field: field, value: value}
}
