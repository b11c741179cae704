package contractclient

import (
	"math/big"
	"os"
	"strings"
	"testing"

	"github.com/0xjit/jitbot/pkg/types"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"
)

const erc20ABIJSON = `[
	{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Transfer","inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

func mustParseABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	require.NoError(t, err)
	return parsed
}

func mustType(t *testing.T, name string) abi.Type {
	t.Helper()
	typ, err := abi.NewType(name, "", nil)
	require.NoError(t, err)
	return typ
}

func TestDecodeTransaction_MatchesKnownSelector(t *testing.T) {
	contractAbi := mustParseABI(t)
	cc := NewContractClient(nil, common.HexToAddress("0x0000000000000000000000000000000000dEaD"), contractAbi)

	to := common.HexToAddress("0x00000000000000000000000000000000000b1b")
	amount := big.NewInt(42)
	data, err := contractAbi.Pack("transfer", to, amount)
	require.NoError(t, err)

	decoded, err := cc.DecodeTransaction(data)
	require.NoError(t, err)
	require.Equal(t, "transfer", decoded.MethodName)
	require.Equal(t, amount.String(), decoded.Parameter["amount"].(*big.Int).String())
}

func TestDecodeTransaction_RejectsShortCalldata(t *testing.T) {
	contractAbi := mustParseABI(t)
	cc := NewContractClient(nil, common.Address{}, contractAbi)

	_, err := cc.DecodeTransaction([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestDecodeTransaction_RejectsUnknownSelector(t *testing.T) {
	contractAbi := mustParseABI(t)
	cc := NewContractClient(nil, common.Address{}, contractAbi)

	_, err := cc.DecodeTransaction([]byte{0xde, 0xad, 0xbe, 0xef, 0x00})
	require.Error(t, err)
}

func TestParseReceipt_DecodesKnownEvent(t *testing.T) {
	contractAbi := mustParseABI(t)
	cc := NewContractClient(nil, common.Address{}, contractAbi)

	eventID := contractAbi.Events["Transfer"].ID
	from := common.HexToAddress("0x00000000000000000000000000000000000001")
	to := common.HexToAddress("0x00000000000000000000000000000000000002")
	value := big.NewInt(1000)

	packedValue, err := abi.Arguments{{Type: mustType(t, "uint256")}}.Pack(value)
	require.NoError(t, err)

	receipt := &types.TxReceipt{
		Logs: []types.TxLog{
			{
				Topics: []common.Hash{eventID, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
				Data:   packedValue,
			},
		},
	}

	out, err := cc.ParseReceipt(receipt)
	require.NoError(t, err)
	require.Contains(t, out, "Transfer")
}

// TestLiveDecodeTransaction exercises a real RPC endpoint when configured;
// it is skipped by default, gated on a .env.test.local file instead of
// failing in CI.
func TestLiveDecodeTransaction(t *testing.T) {
	if err := godotenv.Load(".env.test.local"); err != nil {
		t.Skip(".env.test.local not present, skipping live RPC test")
	}

	rpcURL := os.Getenv("RPC_URL")
	contractAddr := os.Getenv("CONTRACT_ADDR")
	txHash := os.Getenv("TX_HASH")
	if rpcURL == "" || contractAddr == "" || txHash == "" {
		t.Skip("RPC_URL/CONTRACT_ADDR/TX_HASH not set, skipping live RPC test")
	}

	client, err := ethclient.Dial(rpcURL)
	require.NoError(t, err)

	contractAbi := mustParseABI(t)
	cc := NewContractClient(client, common.HexToAddress(contractAddr), contractAbi)

	data, err := cc.TransactionData(common.HexToHash(txHash))
	require.NoError(t, err)

	_, err = cc.DecodeTransaction(data)
	require.NoError(t, err)
}
