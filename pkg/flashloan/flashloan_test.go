package flashloan

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/0xjit/jitbot/pkg/boterr"
	"github.com/0xjit/jitbot/pkg/contractclient"
	"github.com/0xjit/jitbot/pkg/types"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	address   common.Address
	responses map[string][]interface{}
	errs      map[string]error
}

var _ contractclient.ContractClient = (*stubClient)(nil)

func (s *stubClient) Call(from *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	return s.CallAtBlock(context.Background(), from, nil, method, args...)
}

func (s *stubClient) CallAtBlock(ctx context.Context, from *common.Address, blockNumber *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	if err, ok := s.errs[method]; ok {
		return nil, err
	}
	return s.responses[method], nil
}

func (s *stubClient) Send(sendType types.SendType, gasLimit *uint64, from *common.Address, privateKey *ecdsa.PrivateKey, method string, args ...interface{}) (common.Hash, error) {
	return common.Hash{}, nil
}

func (s *stubClient) TransactionData(hash common.Hash) ([]byte, error) { return nil, nil }

func (s *stubClient) DecodeTransaction(data []byte) (*types.DecodedTx, error) { return nil, nil }

func (s *stubClient) ParseReceipt(receipt *types.TxReceipt) (string, error) { return "", nil }

func (s *stubClient) Abi() abi.ABI { return abi.ABI{} }

func (s *stubClient) ContractAddress() common.Address { return s.address }

func TestVaultProvider_FeeIsZero(t *testing.T) {
	v := NewVaultProvider(&stubClient{})
	fee, err := v.FeeBps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0), fee)
}

func TestVaultProvider_HasSufficientLiquidity(t *testing.T) {
	client := &stubClient{responses: map[string][]interface{}{
		"availableLiquidity": {big.NewInt(1_000_000)},
	}}
	v := NewVaultProvider(client)

	ok, err := v.HasSufficientLiquidity(context.Background(), common.Address{}, big.NewInt(500_000))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.HasSufficientLiquidity(context.Background(), common.Address{}, big.NewInt(2_000_000))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLendingPoolProvider_FallsBackToStaticFeeOnError(t *testing.T) {
	client := &stubClient{errs: map[string]error{"flashLoanPremiumTotal": assertErr("rpc down")}}
	l := NewLendingPoolProvider(client, 5, time.Minute)

	fee, err := l.FeeBps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(5), fee)
}

func TestLendingPoolProvider_CachesFeeWithinTTL(t *testing.T) {
	calls := 0
	client := &countingClient{stubClient: stubClient{responses: map[string][]interface{}{
		"flashLoanPremiumTotal": {big.NewInt(9)},
	}}, calls: &calls}
	l := NewLendingPoolProvider(client, 5, time.Minute)

	fee1, err := l.FeeBps(context.Background())
	require.NoError(t, err)
	fee2, err := l.FeeBps(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint32(9), fee1)
	assert.Equal(t, fee1, fee2)
	assert.Equal(t, 1, calls)
}

type countingClient struct {
	stubClient
	calls *int
}

func (c *countingClient) CallAtBlock(ctx context.Context, from *common.Address, blockNumber *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	*c.calls++
	return c.stubClient.CallAtBlock(ctx, from, blockNumber, method, args...)
}

func TestLendingPoolProvider_CalculateFee(t *testing.T) {
	l := NewLendingPoolProvider(&stubClient{}, 5, time.Minute)
	fee := l.CalculateFee(big.NewInt(1_000_000), 5)
	assert.Equal(t, big.NewInt(500), fee)
}

func TestSelector_ChoosesVaultUnderCap(t *testing.T) {
	vaultClient := &stubClient{responses: map[string][]interface{}{"availableLiquidity": {big.NewInt(100_000)}}}
	lendingClient := &stubClient{responses: map[string][]interface{}{"getReserveData": {big.NewInt(1_000_000)}}}

	selector := NewSelector(NewVaultProvider(vaultClient), NewLendingPoolProvider(lendingClient, 5, time.Minute), big.NewInt(50_000))

	chosen, err := selector.Choose(context.Background(), common.Address{}, big.NewInt(10_000))
	require.NoError(t, err)
	assert.Equal(t, "vault", chosen.Name())
}

func TestSelector_FallsBackToLendingPoolOverCap(t *testing.T) {
	vaultClient := &stubClient{responses: map[string][]interface{}{"availableLiquidity": {big.NewInt(1_000_000)}}}
	lendingClient := &stubClient{responses: map[string][]interface{}{"getReserveData": {big.NewInt(1_000_000)}}}

	selector := NewSelector(NewVaultProvider(vaultClient), NewLendingPoolProvider(lendingClient, 5, time.Minute), big.NewInt(50_000))

	chosen, err := selector.Choose(context.Background(), common.Address{}, big.NewInt(120_000))
	require.NoError(t, err)
	assert.Equal(t, "lending-pool", chosen.Name())
}

func TestSelector_NoViableProviderFails(t *testing.T) {
	vaultClient := &stubClient{responses: map[string][]interface{}{"availableLiquidity": {big.NewInt(0)}}}
	lendingClient := &stubClient{responses: map[string][]interface{}{"getReserveData": {big.NewInt(0)}}}

	selector := NewSelector(NewVaultProvider(vaultClient), NewLendingPoolProvider(lendingClient, 5, time.Minute), big.NewInt(50_000))

	_, err := selector.Choose(context.Background(), common.Address{}, big.NewInt(1))
	require.Error(t, err)
	kind, ok := boterr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, boterr.NoViableFlashProvider, kind)
}

type assertErrType struct{ msg string }

func (e assertErrType) Error() string { return e.msg }

func assertErr(msg string) error { return assertErrType{msg: msg} }
