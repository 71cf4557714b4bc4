package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/workescrow/internal/apperr"
)

type fakeEthClient struct {
	mu            sync.Mutex
	chainID       *big.Int
	callFn        func(call ethereum.CallMsg, block *big.Int) ([]byte, error)
	sent          []*types.Transaction
	receiptStatus uint64
	receiptLogs   []*types.Log
	noReceipt     bool
	nonce         uint64
}

func newFakeEthClient() *fakeEthClient {
	return &fakeEthClient{chainID: big.NewInt(31337), receiptStatus: types.ReceiptStatusSuccessful}
}

func (f *fakeEthClient) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.nonce
	f.nonce++
	return n, nil
}

func (f *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.noReceipt {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{
		Status:      f.receiptStatus,
		TxHash:      txHash,
		BlockNumber: big.NewInt(42),
		GasUsed:     51_000,
		Logs:        f.receiptLogs,
	}, nil
}

func (f *fakeEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if f.callFn != nil {
		return f.callFn(call, block)
	}
	return nil, nil
}

func (f *fakeEthClient) Close() {}

func (f *fakeEthClient) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// revertDataError mimics the JSON-RPC error go-ethereum returns for reverts.
type revertDataError struct{ data string }

func (e revertDataError) Error() string          { return "execution reverted" }
func (e revertDataError) ErrorData() interface{} { return e.data }

func encodeRevert(t *testing.T, reason string) string {
	t.Helper()
	stringTy, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringTy}}.Pack(reason)
	require.NoError(t, err)
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

var (
	testEscrow  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	testFactory = common.HexToAddress("0x00000000000000000000000000000000000000fa")
)

func newTestGateway(t *testing.T, client *fakeEthClient) *Gateway {
	t.Helper()
	g, err := New(Config{
		ChainID:             31337,
		FactoryAddress:      testFactory.Hex(),
		ConfirmationTimeout: 100 * time.Millisecond,
		PollInterval:        5 * time.Millisecond,
	}, WithClient(client))
	require.NoError(t, err)
	return g
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	return SignerFromKey(pk)
}

func TestNew_RequiresChainID(t *testing.T) {
	_, err := New(Config{}, WithClient(newFakeEthClient()))
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestNewSigner(t *testing.T) {
	_, err := NewSigner("abc")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	s, err := NewSigner("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	assert.NotEqual(t, common.Address{}, s.Address())
}

func TestGateway_FundSendsValueAndWaitsForReceipt(t *testing.T) {
	client := newFakeEthClient()
	g := newTestGateway(t, client)
	s := newTestSigner(t)
	value := big.NewInt(1_005_000_000_000_000_000)

	res, err := g.Fund(context.Background(), s, testEscrow, value)
	require.NoError(t, err)

	require.Equal(t, 1, client.sentCount())
	tx := client.sent[0]
	assert.Equal(t, testEscrow, *tx.To())
	assert.Equal(t, 0, tx.Value().Cmp(value))
	assert.Equal(t, parsedEscrowABI.Methods["fund"].ID, tx.Data()[:4])
	assert.Equal(t, tx.Hash().Hex(), res.TxHash)
	assert.Equal(t, uint64(42), res.BlockNumber)
	assert.Equal(t, s.Address().Hex(), res.From)
}

func TestGateway_DeliverPacksCidAndHash(t *testing.T) {
	client := newFakeEthClient()
	g := newTestGateway(t, client)
	s := newTestSigner(t)
	hash := common.HexToHash("0x1234")

	_, err := g.Deliver(context.Background(), s, testEscrow, "QmAbc", hash)
	require.NoError(t, err)

	data := client.sent[0].Data()
	args, err := parsedEscrowABI.Methods["deliver"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, "QmAbc", args[0])
	assert.Equal(t, [32]byte(hash), args[1])
}

func TestGateway_PreflightRevertIsNotSubmitted(t *testing.T) {
	client := newFakeEthClient()
	client.callFn = func(call ethereum.CallMsg, block *big.Int) ([]byte, error) {
		return nil, revertDataError{data: encodeRevert(t, "only buyer")}
	}
	g := newTestGateway(t, client)

	_, err := g.Fund(context.Background(), newTestSigner(t), testEscrow, big.NewInt(1))
	require.Error(t, err)

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindChainCall, e.Kind)
	assert.Equal(t, "call_reverted", e.Code)
	assert.Contains(t, e.Message, "only buyer")
	assert.False(t, e.Submitted)
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, 0, client.sentCount())
}

func TestGateway_MinedRevert(t *testing.T) {
	client := newFakeEthClient()
	client.receiptStatus = types.ReceiptStatusFailed
	g := newTestGateway(t, client)

	_, err := g.Withdraw(context.Background(), newTestSigner(t), testEscrow)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "tx_reverted", e.Code)
	assert.True(t, e.Submitted)
	assert.True(t, e.Reverted)
	assert.NotEmpty(t, e.TxHash)
	assert.ErrorIs(t, err, ErrReverted)
}

func TestGateway_ConfirmationTimeoutIsNotRetryable(t *testing.T) {
	client := newFakeEthClient()
	client.noReceipt = true
	g := newTestGateway(t, client)

	_, err := g.Cancel(context.Background(), newTestSigner(t), testEscrow)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "confirmation_timeout", e.Code)
	assert.True(t, e.Submitted)
	assert.False(t, e.Confirmed)
	assert.NotEmpty(t, e.TxHash)
	assert.False(t, apperr.IsRetryable(err))
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
}

func TestGateway_MissingSigner(t *testing.T) {
	g := newTestGateway(t, newFakeEthClient())
	_, err := g.Approve(context.Background(), nil, testEscrow, "QmAbc")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func packInfo(t *testing.T, state uint8, initiator common.Address, buyerPaid, vendorPaid bool) []byte {
	t.Helper()
	now := big.NewInt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix())
	out, err := parsedEscrowABI.Methods["getInfo"].Outputs.Pack(
		common.HexToAddress("0xb1"),              // buyer
		common.HexToAddress("0xb2"),              // vendor
		common.HexToAddress("0xa1"),              // arbiter
		common.HexToAddress("0xfe"),              // feeRecipient
		common.Address{},                         // rewardToken
		big.NewInt(0),                            // rewardRatePer1e18
		big.NewInt(1_000_000),                    // amount
		big.NewInt(10_000),                       // buyerFeeReserve
		big.NewInt(20_000),                       // disputeFeeAmount
		big.NewInt(100),                          // feeBps
		big.NewInt(50),                           // buyerFeeBps
		big.NewInt(50),                           // vendorFeeBps
		big.NewInt(200),                          // disputeFeeBps
		now,                                      // createdAt
		now,                                      // fundedAt
		big.NewInt(0),                            // deliveredAt
		new(big.Int).Add(now, big.NewInt(86400)), // deadline
		big.NewInt(0),                            // disputeFeeDeadline
		initiator,                                // disputeInitiator
		buyerPaid,                                // buyerPaidDisputeFee
		vendorPaid,                               // vendorPaidDisputeFee
		"",                                       // cid
		[32]byte{},                               // contentHash
		"QmAbc",                                  // proposedCid
		[32]byte{1},                              // proposedContentHash
		false,                                    // buyerApproved
		false,                                    // vendorApproved
		state,                                    // state
	)
	require.NoError(t, err)
	return out
}

func TestGateway_EscrowInfoDecodesAndIsIdempotent(t *testing.T) {
	client := newFakeEthClient()
	raw := packInfo(t, uint8(StateDisputed), common.HexToAddress("0xb2"), true, false)
	client.callFn = func(call ethereum.CallMsg, block *big.Int) ([]byte, error) {
		return raw, nil
	}
	g := newTestGateway(t, client)

	first, err := g.EscrowInfo(context.Background(), testEscrow)
	require.NoError(t, err)
	second, err := g.EscrowInfo(context.Background(), testEscrow)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, StateDisputed, first.State)
	assert.Equal(t, common.HexToAddress("0xb1"), first.Buyer)
	assert.Equal(t, int64(20_000), first.DisputeFeeAmount.Int64())
	assert.Equal(t, uint64(200), first.DisputeFeeBps)
	assert.Equal(t, "QmAbc", first.ProposedCid)
	assert.True(t, first.BuyerPaidDisputeFee)
	assert.False(t, first.VendorPaidDisputeFee)
	assert.True(t, first.DeliveredAt.IsZero())
	assert.True(t, first.InDispute())
	assert.Equal(t, testEscrow, first.Address)
}

func TestGateway_CreateEscrowReadsEvent(t *testing.T) {
	client := newFakeEthClient()
	created := common.HexToAddress("0x00000000000000000000000000000000000000e2")
	client.receiptLogs = []*types.Log{{
		Address: testFactory,
		Topics: []common.Hash{
			parsedFactoryABI.Events["EscrowCreated"].ID,
			common.BytesToHash(created.Bytes()),
			crypto.Keccak256Hash([]byte("job-1")),
			common.BytesToHash(common.HexToAddress("0xb1").Bytes()),
		},
	}}
	g := newTestGateway(t, client)

	addr, res, err := g.CreateEscrow(context.Background(), newTestSigner(t), CreateParams{
		JobIDHash: crypto.Keccak256Hash([]byte("job-1")),
		Buyer:     common.HexToAddress("0xb1"),
		Seller:    common.HexToAddress("0xb2"),
		AmountWei: big.NewInt(1),
		Deadline:  time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, created, addr)
	assert.Equal(t, testFactory, *client.sent[0].To())
	assert.NotEmpty(t, res.TxHash)
}

func TestGateway_CreateEscrowWithoutEventFails(t *testing.T) {
	client := newFakeEthClient()
	g := newTestGateway(t, client)

	_, res, err := g.CreateEscrow(context.Background(), newTestSigner(t), CreateParams{AmountWei: big.NewInt(1), Deadline: time.Now()})
	require.Error(t, err)
	require.NotNil(t, res)

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "event_not_found", e.Code)
	assert.True(t, e.Confirmed)
	assert.False(t, apperr.IsRetryable(err))
	assert.True(t, errors.Is(err, ErrEventNotFound))
}

func TestGateway_FactoryNotConfigured(t *testing.T) {
	g, err := New(Config{ChainID: 1}, WithClient(newFakeEthClient()))
	require.NoError(t, err)

	_, _, err = g.CreateEscrow(context.Background(), newTestSigner(t), CreateParams{})
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))

	_, err = g.PredictEscrowAddress(context.Background(), common.Hash{})
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestGateway_PredictEscrowAddress(t *testing.T) {
	client := newFakeEthClient()
	predicted := common.HexToAddress("0x00000000000000000000000000000000000000e9")
	client.callFn = func(call ethereum.CallMsg, block *big.Int) ([]byte, error) {
		return parsedFactoryABI.Methods["predictEscrowAddress"].Outputs.Pack(predicted)
	}
	g := newTestGateway(t, client)

	addr, err := g.PredictEscrowAddress(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Equal(t, predicted, addr)
}

func TestGateway_TxStatus(t *testing.T) {
	client := newFakeEthClient()
	g := newTestGateway(t, client)

	state, block, err := g.TxStatus(context.Background(), "0x01")
	require.NoError(t, err)
	assert.Equal(t, TxSucceeded, state)
	assert.Equal(t, uint64(42), block)

	client.noReceipt = true
	state, _, err = g.TxStatus(context.Background(), "0x01")
	require.NoError(t, err)
	assert.Equal(t, TxPending, state)
}
