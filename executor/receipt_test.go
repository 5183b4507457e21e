package executor

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/bundler-executor/core/chainio/aa"
	"github.com/AvaProtocol/bundler-executor/pkg/logger"
)

// buildUserOperationEventLog packs a real UserOperationEvent log using
// the EntryPoint ABI, so getUserOperationReceipt exercises the same
// decode path a live node's logs would hit.
func buildUserOperationEventLog(t *testing.T, userOpHash common.Hash, sender, paymaster common.Address, nonce *big.Int, success bool, gasCost, gasUsed *big.Int, entryPoint common.Address, blockNumber uint64, txHash common.Hash, index uint) types.Log {
	t.Helper()
	parsedABI, err := aa.EntryPointMetaData.GetAbi()
	require.NoError(t, err)

	event := parsedABI.Events["UserOperationEvent"]
	data, err := event.Inputs.NonIndexed().Pack(nonce, success, gasCost, gasUsed)
	require.NoError(t, err)

	return types.Log{
		Address: entryPoint,
		Topics: []common.Hash{
			event.ID,
			userOpHash,
			common.BytesToHash(sender.Bytes()),
			common.BytesToHash(paymaster.Bytes()),
		},
		Data:        data,
		BlockNumber: blockNumber,
		TxHash:      txHash,
		BlockHash:   common.HexToHash("0xblock"),
		Index:       index,
	}
}

func newTestReceiptReconstructor(t *testing.T, client EVMClient, cfg *Config) *receiptReconstructor {
	t.Helper()
	r, err := newReceiptReconstructor(client, cfg, logger.NewNoOpLogger())
	require.NoError(t, err)
	return r
}

func TestGetUserOperationReceipt_NoLogsIsPending(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	client := &fakeEVMClient{
		filterLogsFunc: func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) { return nil, nil },
	}
	r := newTestReceiptReconstructor(t, client, testConfig(entryPoint))

	receipt, err := r.getUserOperationReceipt(context.Background(), common.HexToHash("0xaa"))
	require.NoError(t, err)
	require.Nil(t, receipt)
}

func TestGetUserOperationReceipt_HappyPath(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	userOpHash := common.HexToHash("0xaa")
	sender := common.HexToAddress("0xsender")
	txHash := common.HexToHash("0xff")

	opLog := buildUserOperationEventLog(t, userOpHash, sender, common.Address{}, big.NewInt(5), true, big.NewInt(1000), big.NewInt(900), entryPoint, 10, txHash, 2)

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(10),
		Logs: []*types.Log{
			{Address: sender, Topics: []common.Hash{common.HexToHash("0xother")}, BlockHash: opLog.BlockHash, BlockNumber: 10, TxHash: txHash, Index: 1},
			&opLog,
		},
	}

	client := &fakeEVMClient{
		filterLogsFunc: func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
			return []types.Log{opLog}, nil
		},
		receiptFunc: func(ctx context.Context, h common.Hash) (*types.Receipt, error) {
			require.Equal(t, txHash, h)
			return receipt, nil
		},
		txByHashFunc: func(ctx context.Context, h common.Hash) (*types.Transaction, bool, error) {
			return types.NewTransaction(0, sender, big.NewInt(0), 0, big.NewInt(7), []byte{}), false, nil
		},
	}
	r := newTestReceiptReconstructor(t, client, testConfig(entryPoint))

	got, err := r.getUserOperationReceipt(context.Background(), userOpHash)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, sender, got.Sender)
	require.True(t, got.Success)
	require.Equal(t, entryPoint, got.EntryPoint)
	require.Nil(t, got.Paymaster)
	require.Len(t, got.Logs, 1, "the one preceding log should be sliced into the op's own log set")
}

func TestGetUserOperationReceipt_MissingEventReturnsErr(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	userOpHash := common.HexToHash("0xaa")
	txHash := common.HexToHash("0xff")

	opLog := buildUserOperationEventLog(t, userOpHash, common.HexToAddress("0xsender"), common.Address{}, big.NewInt(1), true, big.NewInt(1), big.NewInt(1), entryPoint, 10, txHash, 0)

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(10),
		Logs: []*types.Log{
			{Address: entryPoint, Topics: []common.Hash{common.HexToHash("0xnotit")}, BlockHash: common.HexToHash("0xblock"), BlockNumber: 10, TxHash: txHash, Index: 0},
		},
	}

	client := &fakeEVMClient{
		filterLogsFunc: func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
			return []types.Log{opLog}, nil
		},
		receiptFunc: func(ctx context.Context, h common.Hash) (*types.Receipt, error) {
			return receipt, nil
		},
	}
	r := newTestReceiptReconstructor(t, client, testConfig(entryPoint))

	_, err := r.getUserOperationReceipt(context.Background(), userOpHash)
	require.ErrorIs(t, err, ErrNoUserOperationEvent)
}

func TestFetchReceiptRetrying_RetriesThenSucceeds(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	cfg := testConfig(entryPoint)
	cfg.PollingInterval = 1 // ms, keep the test fast

	attempts := 0
	wantReceipt := &types.Receipt{Status: types.ReceiptStatusSuccessful}
	client := &fakeEVMClient{
		receiptFunc: func(ctx context.Context, h common.Hash) (*types.Receipt, error) {
			attempts++
			if attempts < 3 {
				return nil, ErrReceiptNotFound
			}
			return wantReceipt, nil
		},
	}
	r := newTestReceiptReconstructor(t, client, cfg)

	got, err := r.fetchReceiptRetrying(context.Background(), common.HexToHash("0xaa"))
	require.NoError(t, err)
	require.Equal(t, wantReceipt, got)
	require.Equal(t, 3, attempts)
}

func TestFetchReceiptRetrying_PropagatesOtherErrors(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	client := &fakeEVMClient{
		receiptFunc: func(ctx context.Context, h common.Hash) (*types.Receipt, error) {
			return nil, errors.New("connection reset")
		},
	}
	r := newTestReceiptReconstructor(t, client, testConfig(entryPoint))

	_, err := r.fetchReceiptRetrying(context.Background(), common.HexToHash("0xaa"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrReceiptNotFound)
}

func TestFetchReceiptRetrying_RespectsContextCancellation(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	cfg := testConfig(entryPoint)
	cfg.PollingInterval = 50

	client := &fakeEVMClient{
		receiptFunc: func(ctx context.Context, h common.Hash) (*types.Receipt, error) {
			return nil, ErrReceiptNotFound
		},
	}
	r := newTestReceiptReconstructor(t, client, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.fetchReceiptRetrying(ctx, common.HexToHash("0xaa"))
	require.ErrorIs(t, err, context.Canceled)
}
