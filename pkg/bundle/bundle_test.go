package bundle

import (
	"math/big"
	"strings"
	"testing"

	"github.com/0xjit/jitbot/pkg/boterr"
	"github.com/0xjit/jitbot/pkg/domain"
	"github.com/0xjit/jitbot/pkg/flashloan"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const executorABIJSON = `[
	{"type":"function","name":"mintAndFlashBorrow","inputs":[
		{"name":"pool","type":"address"},
		{"name":"tickLower","type":"int24"},
		{"name":"tickUpper","type":"int24"},
		{"name":"amount0","type":"uint256"},
		{"name":"amount1","type":"uint256"},
		{"name":"flashTo","type":"address"},
		{"name":"flashData","type":"bytes"}
	],"outputs":[]},
	{"type":"function","name":"burnAndRepay","inputs":[
		{"name":"pool","type":"address"},
		{"name":"tickLower","type":"int24"},
		{"name":"tickUpper","type":"int24"},
		{"name":"amount0","type":"uint256"},
		{"name":"amount1","type":"uint256"},
		{"name":"flashTo","type":"address"},
		{"name":"flashData","type":"bytes"}
	],"outputs":[]}
]`

func mustExecutorABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(executorABIJSON))
	require.NoError(t, err)
	return parsed
}

func testCandidate(t *testing.T, victimGasFeeCap *big.Int) domain.OpportunityCandidate {
	t.Helper()
	router := common.HexToAddress("0xaa")
	victimKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	victimTx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    0,
		To:       &router,
		Value:    big.NewInt(0),
		Gas:      200000,
		GasPrice: victimGasFeeCap,
		Data:     []byte{0x01, 0x02, 0x03, 0x04},
	})
	signer := gethtypes.NewEIP155Signer(big.NewInt(1))
	signedVictim, err := gethtypes.SignTx(victimTx, signer, victimKey)
	require.NoError(t, err)

	return domain.OpportunityCandidate{
		Swap: domain.SwapIntent{
			RawTx:     signedVictim,
			GasFeeCap: victimGasFeeCap,
		},
		Position: domain.JitPosition{
			TickLower: 201140,
			TickUpper: 201340,
			Amount0:   big.NewInt(1_000_000),
			Amount1:   big.NewInt(2_000_000),
		},
		PoolId:            domain.PoolId{Label: "weth-usdc-500", Address: common.HexToAddress("0x1")},
		AnchorBlockNumber: 100,
	}
}

func TestBuild_AssemblesOrderedBundle(t *testing.T) {
	execABI := mustExecutorABI(t)
	signingKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	builder := NewBuilder(execABI, common.HexToAddress("0xbb"), big.NewInt(1), signingKey, big.NewInt(50_000_000_000))
	candidate := testCandidate(t, big.NewInt(20_000_000_000))

	flashCall := flashloan.CallData{To: common.HexToAddress("0xcc"), Data: []byte{0xde, 0xad}}
	b, err := builder.Build(candidate, nil, flashCall, big.NewInt(20_000_000_000), 5)
	require.NoError(t, err)

	require.Len(t, b.Transactions, 3)
	require.Equal(t, candidate.Swap.RawTx, b.Transactions[1])
	require.Equal(t, uint64(101), b.TargetBlock)
}

func TestBuild_FailsWhenGasExceedsCap(t *testing.T) {
	execABI := mustExecutorABI(t)
	signingKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	builder := NewBuilder(execABI, common.HexToAddress("0xbb"), big.NewInt(1), signingKey, big.NewInt(10_000_000_000))
	candidate := testCandidate(t, big.NewInt(20_000_000_000))

	flashCall := flashloan.CallData{To: common.HexToAddress("0xcc")}
	_, err = builder.Build(candidate, nil, flashCall, big.NewInt(20_000_000_000), 5)
	require.Error(t, err)
	kind, ok := boterr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, boterr.GasPriceExceedsCap, kind)
}

func TestBuild_MatchesVictimGasFeeCapWhenHigher(t *testing.T) {
	execABI := mustExecutorABI(t)
	signingKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	builder := NewBuilder(execABI, common.HexToAddress("0xbb"), big.NewInt(1), signingKey, big.NewInt(50_000_000_000))
	candidate := testCandidate(t, big.NewInt(30_000_000_000))

	flashCall := flashloan.CallData{To: common.HexToAddress("0xcc")}
	b, err := builder.Build(candidate, nil, flashCall, big.NewInt(20_000_000_000), 5)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(30_000_000_000).Cmp(b.Transactions[0].GasPrice()), 0)
}

func TestBuilder_SenderMatchesSigningKey(t *testing.T) {
	execABI := mustExecutorABI(t)
	signingKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	builder := NewBuilder(execABI, common.HexToAddress("0xbb"), big.NewInt(1), signingKey, big.NewInt(50_000_000_000))
	require.Equal(t, crypto.PubkeyToAddress(signingKey.PublicKey), builder.Sender())
}
